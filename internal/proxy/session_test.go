// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nishisan-dev/n-proxy/internal/crypt"
	"github.com/nishisan-dev/n-proxy/internal/mojang"
	"github.com/nishisan-dev/n-proxy/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// peer emula um dos lados reais (client do jogo ou servidor upstream)
// na ponta oposta dos net.Pipe da sessão.
type peer struct {
	t      *testing.T
	conn   net.Conn
	buf    []byte
	cipher *crypt.Channel
}

func (p *peer) enableCipher(secret []byte) {
	p.t.Helper()
	ch, err := crypt.NewChannel(secret)
	if err != nil {
		p.t.Fatalf("peer cipher: %v", err)
	}
	p.cipher = ch
}

// writeBody enquadra, cifra (se ativo) e envia um corpo de packet.
func (p *peer) writeBody(body []byte, threshold int) {
	p.t.Helper()
	wire, err := protocol.EncodeFrame(body, threshold)
	if err != nil {
		p.t.Fatalf("peer encode: %v", err)
	}
	if p.cipher != nil {
		p.cipher.Encrypt(wire)
	}
	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := p.conn.Write(wire); err != nil {
		p.t.Fatalf("peer write: %v", err)
	}
}

// readBody lê o próximo frame completo, decifrando conforme chega.
func (p *peer) readBody(threshold int) []byte {
	p.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		payload, n, err := protocol.ExtractFrame(p.buf)
		if err != nil {
			p.t.Fatalf("peer framing: %v", err)
		}
		if n > 0 {
			p.buf = append([]byte(nil), p.buf[n:]...)
			body, err := protocol.UnwrapFrame(payload, threshold)
			if err != nil {
				p.t.Fatalf("peer unwrap: %v", err)
			}
			return body
		}

		chunk := make([]byte, 4096)
		p.conn.SetReadDeadline(deadline)
		cn, err := p.conn.Read(chunk)
		if err != nil {
			p.t.Fatalf("peer read: %v", err)
		}
		chunk = chunk[:cn]
		if p.cipher != nil {
			p.cipher.Decrypt(chunk)
		}
		p.buf = append(p.buf, chunk...)
	}
}

// testHarness amarra a sessão, os dois peers e o serviço de join falso.
type testHarness struct {
	client  *peer
	server  *peer
	session *Session
	errCh   chan error
	joinCh  chan string
	deps    SessionDeps
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	joinCh := make(chan string, 1)
	joinSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		select {
		case joinCh <- string(body):
		default:
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(joinSrv.Close)

	capture := &mojang.Capture{}
	capture.Set("tok-123", "profile-abc", "upstream-server-id")

	clientConn, clientPeer := net.Pipe()
	serverConn, serverPeer := net.Pipe()

	deps := SessionDeps{
		Logger:   testLogger(),
		TraceDir: t.TempDir(),
		Capture:  capture,
		Join:     mojang.NewJoinClient(joinSrv.URL, testLogger()),
		Counters: &Counters{},
	}

	sess, err := NewSession(clientConn, serverConn, deps)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	h := &testHarness{
		client:  &peer{t: t, conn: clientPeer},
		server:  &peer{t: t, conn: serverPeer},
		session: sess,
		errCh:   make(chan error, 1),
		joinCh:  joinCh,
		deps:    deps,
	}

	go func() { h.errCh <- sess.Run(context.Background()) }()
	return h
}

func (h *testHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("session did not terminate")
		return nil
	}
}

// upstreamIdentity é o material criptográfico do servidor real emulado.
type upstreamIdentity struct {
	key   *rsa.PrivateKey
	der   []byte
	token []byte
}

func newUpstreamIdentity(t *testing.T) *upstreamIdentity {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating upstream key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("encoding upstream key: %v", err)
	}
	return &upstreamIdentity{key: key, der: der, token: []byte{0x09, 0x08, 0x07, 0x06}}
}

// runLoginUpTo conduz o handshake até a EncryptionRequest reescrita e
// retorna o packet visto pelo client (com o pedigree do proxy).
func runLoginUpTo(t *testing.T, h *testHarness, up *upstreamIdentity) *protocol.EncryptionRequest {
	t.Helper()

	hs := &protocol.Handshake{ProtocolVersion: 47, ServerAddr: "localhost", ServerPort: 25565, NextState: 2}
	h.client.writeBody(hs.Marshal(), -1)

	if got := h.server.readBody(-1); !bytes.Equal(got, hs.Marshal()) {
		t.Fatal("handshake must be forwarded unchanged")
	}

	req := &protocol.EncryptionRequest{ServerID: "", PublicKey: up.der, VerifyToken: up.token}
	h.server.writeBody(req.Marshal(), -1)

	rewrittenBody := h.client.readBody(-1)
	frame, err := protocol.Decode(protocol.ServerToClient, protocol.PhaseLogin, rewrittenBody)
	if err != nil {
		t.Fatalf("decoding rewritten request: %v", err)
	}
	rewritten, ok := frame.Packet.(*protocol.EncryptionRequest)
	if !ok {
		t.Fatalf("expected EncryptionRequest, got %T", frame.Packet)
	}

	if bytes.Equal(rewritten.PublicKey, up.der) {
		t.Fatal("proxy must substitute its own public key")
	}
	if bytes.Equal(rewritten.VerifyToken, up.token) {
		t.Fatal("proxy must substitute its own verify token")
	}
	if len(rewritten.VerifyToken) != 4 {
		t.Fatalf("expected 4-byte verify token, got %d", len(rewritten.VerifyToken))
	}
	if rewritten.ServerID != req.ServerID {
		t.Fatal("server id must be forwarded verbatim")
	}
	return rewritten
}

// encryptionResponse monta a resposta de um client legítimo à request
// reescrita, devolvendo também o secret escolhido.
func encryptionResponse(t *testing.T, rewritten *protocol.EncryptionRequest, token []byte) (*protocol.EncryptionResponse, []byte) {
	t.Helper()

	pub, err := x509.ParsePKIXPublicKey(rewritten.PublicKey)
	if err != nil {
		t.Fatalf("parsing proxy public key: %v", err)
	}
	proxyPub := pub.(*rsa.PublicKey)

	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generating client secret: %v", err)
	}

	encSecret, err := rsa.EncryptPKCS1v15(rand.Reader, proxyPub, secret)
	if err != nil {
		t.Fatalf("encrypting secret: %v", err)
	}
	encToken, err := rsa.EncryptPKCS1v15(rand.Reader, proxyPub, token)
	if err != nil {
		t.Fatalf("encrypting token: %v", err)
	}
	return &protocol.EncryptionResponse{SharedSecret: encSecret, VerifyToken: encToken}, secret
}

func TestSession_CleanLogin(t *testing.T) {
	h := newHarness(t)
	up := newUpstreamIdentity(t)

	rewritten := runLoginUpTo(t, h, up)
	resp, clientSecret := encryptionResponse(t, rewritten, rewritten.VerifyToken)
	h.client.writeBody(resp.Marshal(), -1)

	// O upstream recebe a resposta reescrita, ainda em claro, com o secret
	// do proxy e o token original — abríveis só com a chave do upstream.
	respBody := h.server.readBody(-1)
	frame, err := protocol.Decode(protocol.ClientToServer, protocol.PhaseLogin, respBody)
	if err != nil {
		t.Fatalf("decoding rewritten response: %v", err)
	}
	fwd := frame.Packet.(*protocol.EncryptionResponse)

	proxySecret, err := rsa.DecryptPKCS1v15(rand.Reader, up.key, fwd.SharedSecret)
	if err != nil {
		t.Fatalf("upstream decrypting secret: %v", err)
	}
	if len(proxySecret) != 16 {
		t.Fatalf("expected 16-byte proxy secret, got %d", len(proxySecret))
	}
	if bytes.Equal(proxySecret, clientSecret) {
		t.Fatal("proxy must re-originate the shared secret, not reuse the client's")
	}

	gotToken, err := rsa.DecryptPKCS1v15(rand.Reader, up.key, fwd.VerifyToken)
	if err != nil {
		t.Fatalf("upstream decrypting token: %v", err)
	}
	if !bytes.Equal(gotToken, up.token) {
		t.Fatal("upstream token must be echoed under the upstream key")
	}

	// O join foi reassinado com o digest recomputado antes do forward.
	select {
	case body := <-h.joinCh:
		wantDigest := mojang.JoinDigest("", proxySecret, up.der)
		if !strings.Contains(body, `"accessToken":"tok-123"`) ||
			!strings.Contains(body, `"selectedProfile":"profile-abc"`) ||
			!strings.Contains(body, `"serverId":"`+wantDigest+`"`) {
			t.Errorf("unexpected join body: %s", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("join was not posted")
	}

	// A cifra engata no frame SEGUINTE à EncryptionResponse, não nela.
	h.client.enableCipher(clientSecret)
	h.server.enableCipher(proxySecret)

	// SetCompression no meio do login: o próprio frame sai sob o framing
	// antigo; o seguinte já obedece o envelope.
	sc := &protocol.SetCompression{Threshold: 256}
	h.server.writeBody(sc.Marshal(), -1)
	if got := h.client.readBody(-1); !bytes.Equal(got, sc.Marshal()) {
		t.Fatal("set compression must be forwarded unchanged")
	}

	ls := &protocol.LoginSuccess{UUID: "069a79f4-44e9-4726-a5be-fca90e38aaf5", Username: "Notch"}
	h.server.writeBody(ls.Marshal(), 256)
	if got := h.client.readBody(256); !bytes.Equal(got, ls.Marshal()) {
		t.Fatal("login success must cross the compression toggle intact")
	}

	// Fase PLAY: packet desconhecido segue bit a bit para o outro socket.
	blob := protocol.AppendVarInt(nil, 0x42)
	pad := make([]byte, 64)
	rand.Read(pad)
	blob = append(blob, pad...)
	h.client.writeBody(blob, 256)
	if got := h.server.readBody(256); !bytes.Equal(got, blob) {
		t.Fatal("opaque frame must be forwarded byte for byte")
	}

	// Comando de chat do proxy: consumido e respondido via retour, sem
	// nunca chegar ao upstream.
	chat := &protocol.ServerboundChat{Message: "//status"}
	h.client.writeBody(chat.Marshal(), 256)

	replyBody := h.client.readBody(256)
	replyFrame, err := protocol.Decode(protocol.ServerToClient, protocol.PhasePlay, replyBody)
	if err != nil {
		t.Fatalf("decoding retour reply: %v", err)
	}
	reply, ok := replyFrame.Packet.(*protocol.ClientboundChat)
	if !ok {
		t.Fatalf("expected ClientboundChat, got %T", replyFrame.Packet)
	}
	if !strings.Contains(reply.JSON, "nproxy") {
		t.Errorf("unexpected retour reply: %s", reply.JSON)
	}

	// O próximo frame visto pelo upstream deve ser o blob seguinte, não o
	// comando de chat.
	blob2 := protocol.AppendVarInt(nil, 0x43)
	blob2 = append(blob2, 0x01, 0x02)
	h.client.writeBody(blob2, 256)
	if got := h.server.readBody(256); !bytes.Equal(got, blob2) {
		t.Fatal("chat command leaked to upstream or frames reordered")
	}

	// EOF do client encerra a sessão limpa; o trace cobre todos os frames.
	h.client.conn.Close()
	if err := h.wait(t); err != nil {
		t.Fatalf("session error: %v", err)
	}

	records, err := ReadTraceRecords(h.session.trace.Path())
	if err != nil {
		t.Fatalf("reading trace: %v", err)
	}
	// handshake, request, response, setcompression, loginsuccess,
	// blob, chat, blob2
	if len(records) != 8 {
		t.Errorf("expected 8 trace records, got %d", len(records))
	}
}

func TestSession_TokenMismatch(t *testing.T) {
	h := newHarness(t)
	up := newUpstreamIdentity(t)

	rewritten := runLoginUpTo(t, h, up)

	// Token com um byte trocado: o proxy precisa derrubar a sessão.
	bad := append([]byte(nil), rewritten.VerifyToken...)
	bad[0] ^= 0x01
	resp, _ := encryptionResponse(t, rewritten, bad)
	h.client.writeBody(resp.Marshal(), -1)

	err := h.wait(t)
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed, got %v", err)
	}

	// O socket do upstream foi fechado no teardown.
	h.server.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, rerr := h.server.conn.Read(make([]byte, 1)); rerr == nil {
		t.Error("expected upstream socket closed")
	}
}

func TestSession_OutOfOrderEncryptionResponse(t *testing.T) {
	h := newHarness(t)

	hs := &protocol.Handshake{ProtocolVersion: 47, ServerAddr: "localhost", ServerPort: 25565, NextState: 2}
	h.client.writeBody(hs.Marshal(), -1)
	if got := h.server.readBody(-1); !bytes.Equal(got, hs.Marshal()) {
		t.Fatal("handshake must be forwarded unchanged")
	}

	// EncryptionResponse antes de qualquer EncryptionRequest: fora de ordem.
	resp := &protocol.EncryptionResponse{SharedSecret: []byte{1, 2, 3}, VerifyToken: []byte{4, 5, 6}}
	h.client.writeBody(resp.Marshal(), -1)

	if err := h.wait(t); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed, got %v", err)
	}
}

func TestSession_StatusPhaseForwardsVerbatim(t *testing.T) {
	h := newHarness(t)

	hs := &protocol.Handshake{ProtocolVersion: 47, ServerAddr: "localhost", ServerPort: 25565, NextState: 1}
	h.client.writeBody(hs.Marshal(), -1)
	if got := h.server.readBody(-1); !bytes.Equal(got, hs.Marshal()) {
		t.Fatal("handshake must be forwarded unchanged")
	}

	// Status request (id 0x00, corpo vazio) e resposta opaca do servidor.
	statusReq := protocol.AppendVarInt(nil, 0x00)
	h.client.writeBody(statusReq, -1)
	if got := h.server.readBody(-1); !bytes.Equal(got, statusReq) {
		t.Fatal("status request must pass through")
	}

	statusResp := protocol.AppendVarInt(nil, 0x00)
	statusResp = append(statusResp, []byte(`{"version":{"name":"1.8.9"}}`)...)
	h.server.writeBody(statusResp, -1)
	if got := h.client.readBody(-1); !bytes.Equal(got, statusResp) {
		t.Fatal("status response must pass through")
	}

	h.client.conn.Close()
	if err := h.wait(t); err != nil {
		t.Fatalf("session error: %v", err)
	}
}

func TestSetPhase_Monotonic(t *testing.T) {
	s := &Session{logger: testLogger(), phase: protocol.PhasePlay}
	s.setPhase(protocol.PhaseLogin)
	if s.phase != protocol.PhasePlay {
		t.Errorf("phase regressed to %v", s.phase)
	}
	s.setPhase(protocol.PhasePlay)
	if s.phase != protocol.PhasePlay {
		t.Errorf("phase changed unexpectedly to %v", s.phase)
	}
}

func TestSession_UnknownNextStateIsFatal(t *testing.T) {
	h := newHarness(t)

	hs := &protocol.Handshake{ProtocolVersion: 47, ServerAddr: "localhost", ServerPort: 25565, NextState: 7}
	h.client.writeBody(hs.Marshal(), -1)

	if err := h.wait(t); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed, got %v", err)
	}
}
