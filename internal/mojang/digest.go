// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package mojang implementa os dois lados do hijack de sessão: o endpoint
// local que captura o join do launcher e o client HTTPS que reassina o
// join contra o serviço de sessão real do upstream.
package mojang

import (
	"crypto/sha1"
	"math/big"
)

// JoinDigest calcula o digest de autenticação do join:
// SHA-1 sobre serverID || sharedSecret || serverPubDER, renderizado como
// hex big-endian com sinal (complemento de dois, '-' à frente quando o
// bit 159 está setado, zeros à esquerda removidos após o sinal).
func JoinDigest(serverID string, sharedSecret, serverPubDER []byte) string {
	h := sha1.New()
	h.Write([]byte(serverID))
	h.Write(sharedSecret)
	h.Write(serverPubDER)
	sum := h.Sum(nil)

	digest := new(big.Int).SetBytes(sum)
	if digest.Bit(159) == 1 {
		// Representação negativa: subtrai 2^160 (complemento de dois)
		twoPow160 := new(big.Int).Lsh(big.NewInt(1), 160)
		digest.Sub(digest, twoPow160)
	}
	return digest.Text(16)
}
