// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nishisan-dev/n-proxy/internal/protocol"
)

// commandPrefix marca mensagens de chat dirigidas ao proxy.
// Elas são consumidas localmente e respondidas pelo retour buffer,
// sem nunca chegar ao upstream.
const commandPrefix = "//"

// chatText é o corpo JSON mínimo de uma mensagem clientbound.
type chatText struct {
	Text string `json:"text"`
}

// chatHook intercepta comandos de chat do client. Retorna consumed=true
// quando o frame não deve ser encaminhado.
func (s *Session) chatHook(f *protocol.Frame) (consumed bool, err error) {
	chat, ok := f.Packet.(*protocol.ServerboundChat)
	if !ok || !strings.HasPrefix(chat.Message, commandPrefix) {
		return false, nil
	}

	var reply string
	switch strings.TrimSpace(chat.Message) {
	case "//status":
		reply = fmt.Sprintf("nproxy: session %s, %d frames c2s, %d frames s2c, encryption %v",
			s.id, s.framesC2S, s.framesS2C, s.encryptionActive)
	default:
		reply = "nproxy: unknown command (try //status)"
	}

	if err := s.injectChat(f.Dir, reply); err != nil {
		return false, err
	}
	return true, nil
}

// injectChat monta uma mensagem de chat sintética e a enfileira de volta
// para o lado originador via retour.
func (s *Session) injectChat(origin protocol.Direction, text string) error {
	body, err := json.Marshal(chatText{Text: text})
	if err != nil {
		return fmt.Errorf("encoding synthetic chat: %w", err)
	}

	pkt := &protocol.ClientboundChat{JSON: string(body), Position: 0}
	wire, err := protocol.EncodeFrame(pkt.Marshal(), s.threshold)
	if err != nil {
		return err
	}
	s.retour(origin, wire)
	return nil
}
