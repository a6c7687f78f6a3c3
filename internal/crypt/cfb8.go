// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package crypt implementa o cifrador simétrico do canal: AES-128 em modo
// cipher-feedback de 8 bits, aplicado in place sobre os buffers do pump.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// cfb8 é um cipher.Stream em modo CFB-8: o IV avança um byte de ciphertext
// por byte de plaintext, nas duas direções.
type cfb8 struct {
	block   cipher.Block
	iv      []byte
	scratch []byte
	decrypt bool
}

func newCFB8(block cipher.Block, iv []byte, decrypt bool) *cfb8 {
	return &cfb8{
		block:   block,
		iv:      append([]byte(nil), iv...),
		scratch: make([]byte, block.BlockSize()),
		decrypt: decrypt,
	}
}

// XORKeyStream implementa cipher.Stream. dst e src podem ser o mesmo slice.
func (c *cfb8) XORKeyStream(dst, src []byte) {
	for i := range src {
		c.block.Encrypt(c.scratch, c.iv)
		in := src[i]
		out := in ^ c.scratch[0]
		dst[i] = out

		// Desliza o IV e anexa o byte de CIPHERTEXT:
		// na decifra o ciphertext é o byte de entrada, na cifra é o de saída.
		copy(c.iv, c.iv[1:])
		if c.decrypt {
			c.iv[len(c.iv)-1] = in
		} else {
			c.iv[len(c.iv)-1] = out
		}
	}
}

// Channel é o contexto de cifra de um lado da sessão: um stream de cifra
// e um de decifra, cada um com estado de IV independente, ambos
// inicializados com uma cópia do shared secret daquele lado.
type Channel struct {
	enc cipher.Stream
	dec cipher.Stream
}

// NewChannel cria o contexto a partir do shared secret de 16 bytes.
func NewChannel(secret []byte) (*Channel, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("creating channel cipher: %w", err)
	}
	return &Channel{
		enc: newCFB8(block, secret, false),
		dec: newCFB8(block, secret, true),
	}, nil
}

// Encrypt cifra b in place, imediatamente antes do write no socket.
func (c *Channel) Encrypt(b []byte) { c.enc.XORKeyStream(b, b) }

// Decrypt decifra b in place, imediatamente após o read do socket.
func (c *Channel) Decrypt(b []byte) { c.dec.XORKeyStream(b, b) }
