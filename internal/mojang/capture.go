// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mojang

import "sync"

// Capture guarda os três identificadores capturados pelo endpoint local.
// O endpoint escreve; o pump lê estritamente após o EncryptionResponse do
// client — a única dependência de ordem entre os dois componentes, e
// garantida pela sequência do handshake (o launcher só libera o
// EncryptionResponse depois do POST de join).
type Capture struct {
	mu              sync.Mutex
	accessToken     string
	selectedProfile string
	serverID        string
	captured        bool
}

// Set armazena os três campos capturados de um POST de join.
func (c *Capture) Set(accessToken, selectedProfile, serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = accessToken
	c.selectedProfile = selectedProfile
	c.serverID = serverID
	c.captured = true
}

// Get retorna os campos capturados e se algum join já foi visto.
func (c *Capture) Get() (accessToken, selectedProfile, serverID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken, c.selectedProfile, c.serverID, c.captured
}

// Reset limpa a captura para a próxima sessão.
func (c *Capture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken, c.selectedProfile, c.serverID = "", "", ""
	c.captured = false
}
