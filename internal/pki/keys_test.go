// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pki

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"testing"
)

// upstreamKey gera um par de chaves fazendo o papel do servidor real.
func upstreamKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating upstream key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("encoding upstream key: %v", err)
	}
	return key, der
}

func TestBroker_SetServerKey(t *testing.T) {
	_, der := upstreamKey(t)

	var b Broker
	if err := b.SetServerKey(der); err != nil {
		t.Fatalf("SetServerKey: %v", err)
	}
	if !bytes.Equal(b.ServerKeyDER(), der) {
		t.Error("wire form of upstream key must be preserved")
	}
}

func TestBroker_SetServerKey_Garbage(t *testing.T) {
	var b Broker
	if err := b.SetServerKey([]byte{0xDE, 0xAD}); err == nil {
		t.Fatal("expected error for garbage DER")
	}
}

func TestBroker_GenerateProxyKey(t *testing.T) {
	var b Broker
	if err := b.GenerateProxyKey(); err != nil {
		t.Fatalf("GenerateProxyKey: %v", err)
	}

	if len(b.ClientToken()) != VerifyTokenLen {
		t.Errorf("expected %d-byte token, got %d", VerifyTokenLen, len(b.ClientToken()))
	}

	// O DER exposto ao client deve decodificar para uma chave RSA usável.
	pub, err := x509.ParsePKIXPublicKey(b.ProxyKeyDER())
	if err != nil {
		t.Fatalf("parsing proxy DER: %v", err)
	}
	if _, ok := pub.(*rsa.PublicKey); !ok {
		t.Fatalf("expected RSA key, got %T", pub)
	}
}

func TestBroker_WrapForUpstream_RoundTrip(t *testing.T) {
	upKey, der := upstreamKey(t)

	var b Broker
	if err := b.SetServerKey(der); err != nil {
		t.Fatalf("SetServerKey: %v", err)
	}

	secret, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	ct, err := b.WrapForUpstream(secret)
	if err != nil {
		t.Fatalf("WrapForUpstream: %v", err)
	}

	// Só o servidor real consegue abrir.
	pt, err := rsa.DecryptPKCS1v15(rand.Reader, upKey, ct)
	if err != nil {
		t.Fatalf("upstream decrypt: %v", err)
	}
	if !bytes.Equal(pt, secret) {
		t.Error("wrapped secret does not decrypt to original")
	}
}

func TestBroker_WrapForUpstream_NoKey(t *testing.T) {
	var b Broker
	if _, err := b.WrapForUpstream([]byte{1}); !errors.Is(err, ErrNoServerKey) {
		t.Errorf("expected ErrNoServerKey, got %v", err)
	}
}

func TestBroker_VerifyClientToken(t *testing.T) {
	var b Broker
	if err := b.GenerateProxyKey(); err != nil {
		t.Fatalf("GenerateProxyKey: %v", err)
	}

	pub, err := x509.ParsePKIXPublicKey(b.ProxyKeyDER())
	if err != nil {
		t.Fatalf("parsing proxy DER: %v", err)
	}
	proxyPub := pub.(*rsa.PublicKey)

	// Client bem-comportado: devolve o token cifrado com a chave do proxy.
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, proxyPub, b.ClientToken())
	if err != nil {
		t.Fatalf("encrypting token: %v", err)
	}
	if err := b.VerifyClientToken(ct); err != nil {
		t.Errorf("expected token to verify, got %v", err)
	}

	// Token com um byte trocado: mismatch.
	bad := append([]byte(nil), b.ClientToken()...)
	bad[0] ^= 0x01
	ct, err = rsa.EncryptPKCS1v15(rand.Reader, proxyPub, bad)
	if err != nil {
		t.Fatalf("encrypting tampered token: %v", err)
	}
	if err := b.VerifyClientToken(ct); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("expected ErrTokenMismatch, got %v", err)
	}

	// Ciphertext de lixo: falha de decifra, não mismatch silencioso.
	if err := b.VerifyClientToken([]byte{0x00, 0x01, 0x02}); err == nil {
		t.Error("expected error for garbage ciphertext")
	}
}

func TestBroker_UnwrapFromClient_RoundTrip(t *testing.T) {
	var b Broker
	if err := b.GenerateProxyKey(); err != nil {
		t.Fatalf("GenerateProxyKey: %v", err)
	}

	pub, _ := x509.ParsePKIXPublicKey(b.ProxyKeyDER())
	secret, _ := NewSecret()

	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub.(*rsa.PublicKey), secret)
	if err != nil {
		t.Fatalf("encrypting secret: %v", err)
	}

	pt, err := b.UnwrapFromClient(ct)
	if err != nil {
		t.Fatalf("UnwrapFromClient: %v", err)
	}
	if !bytes.Equal(pt, secret) {
		t.Error("unwrapped secret mismatch")
	}
	if len(pt) != SecretLen {
		t.Errorf("expected %d-byte secret, got %d", SecretLen, len(pt))
	}
}
