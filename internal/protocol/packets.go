// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
)

// Direction indica o sentido de um frame no pipe.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

// String implementa fmt.Stringer para logs estruturados.
func (d Direction) String() string {
	if d == ClientToServer {
		return "c2s"
	}
	return "s2c"
}

// Opposite retorna o sentido inverso (usado pelo retour buffer).
func (d Direction) Opposite() Direction {
	if d == ClientToServer {
		return ServerToClient
	}
	return ClientToServer
}

// Phase é o estado grosso de uma sessão. Só avança, nunca retrocede.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStatus
	PhaseLogin
	PhasePlay
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStatus:
		return "status"
	case PhaseLogin:
		return "login"
	default:
		return "play"
	}
}

// Packet é a interface comum a todos os packets tipados do registry.
// Unmarshal recebe o corpo APÓS o VarInt de id; Marshal devolve o corpo
// completo, id incluso.
type Packet interface {
	ID() int
	Unmarshal(body []byte) error
	Marshal() []byte
}

// Frame é um packet extraído do wire, pronto para despacho.
// Packet == nil indica um blob opaco (id fora do registry).
// Raw guarda os bytes originais do corpo; quando Modified não está setado,
// Raw é reemitido byte a byte para preservar fidelidade.
type Frame struct {
	Dir      Direction
	Phase    Phase
	ID       int
	Packet   Packet
	Raw      []byte
	Modified bool
}

// Body retorna o corpo a reemitir: os bytes originais, ou a forma
// re-serializada quando o packet foi alterado.
func (f *Frame) Body() []byte {
	if f.Packet == nil || !f.Modified {
		return f.Raw
	}
	return f.Packet.Marshal()
}

// --- Helpers de leitura de campos ---

func readVarIntField(body []byte) (int, []byte, error) {
	v, n, err := ReadVarInt(body)
	if err != nil {
		return 0, nil, err
	}
	if n == 0 {
		return 0, nil, ErrTruncatedFrame
	}
	return v, body[n:], nil
}

// readPrefixedBytes lê um campo [Length VarInt][bytes].
func readPrefixedBytes(body []byte) ([]byte, []byte, error) {
	l, rest, err := readVarIntField(body)
	if err != nil {
		return nil, nil, err
	}
	if l < 0 || l > len(rest) {
		return nil, nil, ErrTruncatedFrame
	}
	return rest[:l], rest[l:], nil
}

func readString(body []byte) (string, []byte, error) {
	b, rest, err := readPrefixedBytes(body)
	return string(b), rest, err
}

func appendPrefixedBytes(dst, b []byte) []byte {
	dst = AppendVarInt(dst, len(b))
	return append(dst, b...)
}

func appendString(dst []byte, s string) []byte {
	return appendPrefixedBytes(dst, []byte(s))
}

// --- Packets do handshake ---

// Handshake é o primeiro packet de toda conexão (Client → Server, fase IDLE).
// Formato: [Protocol VarInt] [Addr String] [Port uint16] [NextState VarInt]
type Handshake struct {
	ProtocolVersion int
	ServerAddr      string
	ServerPort      uint16
	NextState       int
}

func (*Handshake) ID() int { return 0x00 }

func (h *Handshake) Unmarshal(body []byte) error {
	var err error
	if h.ProtocolVersion, body, err = readVarIntField(body); err != nil {
		return fmt.Errorf("handshake protocol version: %w", err)
	}
	if h.ServerAddr, body, err = readString(body); err != nil {
		return fmt.Errorf("handshake server addr: %w", err)
	}
	if len(body) < 2 {
		return ErrTruncatedFrame
	}
	h.ServerPort = binary.BigEndian.Uint16(body)
	body = body[2:]
	if h.NextState, _, err = readVarIntField(body); err != nil {
		return fmt.Errorf("handshake next state: %w", err)
	}
	return nil
}

func (h *Handshake) Marshal() []byte {
	out := AppendVarInt(nil, h.ID())
	out = AppendVarInt(out, h.ProtocolVersion)
	out = appendString(out, h.ServerAddr)
	out = binary.BigEndian.AppendUint16(out, h.ServerPort)
	return AppendVarInt(out, h.NextState)
}

// EncryptionRequest abre o challenge-response (Server → Client, fase LOGIN).
// Formato: [ServerID String] [PublicKey DER prefixado] [VerifyToken prefixado]
type EncryptionRequest struct {
	ServerID    string
	PublicKey   []byte
	VerifyToken []byte
}

func (*EncryptionRequest) ID() int { return 0x01 }

func (p *EncryptionRequest) Unmarshal(body []byte) error {
	var err error
	if p.ServerID, body, err = readString(body); err != nil {
		return fmt.Errorf("encryption request server id: %w", err)
	}
	if p.PublicKey, body, err = readPrefixedBytes(body); err != nil {
		return fmt.Errorf("encryption request public key: %w", err)
	}
	if p.VerifyToken, _, err = readPrefixedBytes(body); err != nil {
		return fmt.Errorf("encryption request verify token: %w", err)
	}
	return nil
}

func (p *EncryptionRequest) Marshal() []byte {
	out := AppendVarInt(nil, p.ID())
	out = appendString(out, p.ServerID)
	out = appendPrefixedBytes(out, p.PublicKey)
	return appendPrefixedBytes(out, p.VerifyToken)
}

// EncryptionResponse fecha o challenge-response (Client → Server, fase LOGIN).
// Os dois campos chegam cifrados com a chave pública entregue no request.
type EncryptionResponse struct {
	SharedSecret []byte
	VerifyToken  []byte
}

func (*EncryptionResponse) ID() int { return 0x01 }

func (p *EncryptionResponse) Unmarshal(body []byte) error {
	var err error
	if p.SharedSecret, body, err = readPrefixedBytes(body); err != nil {
		return fmt.Errorf("encryption response shared secret: %w", err)
	}
	if p.VerifyToken, _, err = readPrefixedBytes(body); err != nil {
		return fmt.Errorf("encryption response verify token: %w", err)
	}
	return nil
}

func (p *EncryptionResponse) Marshal() []byte {
	out := AppendVarInt(nil, p.ID())
	out = appendPrefixedBytes(out, p.SharedSecret)
	return appendPrefixedBytes(out, p.VerifyToken)
}

// LoginSuccess encerra a fase LOGIN (Server → Client).
// Formato: [UUID String] [Username String]
type LoginSuccess struct {
	UUID     string
	Username string
}

func (*LoginSuccess) ID() int { return 0x02 }

func (p *LoginSuccess) Unmarshal(body []byte) error {
	var err error
	if p.UUID, body, err = readString(body); err != nil {
		return fmt.Errorf("login success uuid: %w", err)
	}
	if p.Username, _, err = readString(body); err != nil {
		return fmt.Errorf("login success username: %w", err)
	}
	return nil
}

func (p *LoginSuccess) Marshal() []byte {
	out := AppendVarInt(nil, p.ID())
	out = appendString(out, p.UUID)
	return appendString(out, p.Username)
}

// SetCompression liga o envelope de compressão (Server → Client, fase LOGIN).
// Formato: [Threshold VarInt] — negativo desabilita.
type SetCompression struct {
	Threshold int
}

func (*SetCompression) ID() int { return 0x03 }

func (p *SetCompression) Unmarshal(body []byte) error {
	var err error
	if p.Threshold, _, err = readVarIntField(body); err != nil {
		return fmt.Errorf("set compression threshold: %w", err)
	}
	return nil
}

func (p *SetCompression) Marshal() []byte {
	out := AppendVarInt(nil, p.ID())
	return AppendVarInt(out, p.Threshold)
}

// --- Packets de chat (fase PLAY) ---

// ServerboundChat é a mensagem de chat enviada pelo client.
// Formato: [Message String]
type ServerboundChat struct {
	Message string
}

func (*ServerboundChat) ID() int { return 0x01 }

func (p *ServerboundChat) Unmarshal(body []byte) error {
	var err error
	if p.Message, _, err = readString(body); err != nil {
		return fmt.Errorf("serverbound chat message: %w", err)
	}
	return nil
}

func (p *ServerboundChat) Marshal() []byte {
	out := AppendVarInt(nil, p.ID())
	return appendString(out, p.Message)
}

// ClientboundChat é a mensagem de chat do server para o client.
// Formato: [JSON String] [Position byte]
type ClientboundChat struct {
	JSON     string
	Position byte
}

func (*ClientboundChat) ID() int { return 0x02 }

func (p *ClientboundChat) Unmarshal(body []byte) error {
	var err error
	if p.JSON, body, err = readString(body); err != nil {
		return fmt.Errorf("clientbound chat json: %w", err)
	}
	if len(body) < 1 {
		return ErrTruncatedFrame
	}
	p.Position = body[0]
	return nil
}

func (p *ClientboundChat) Marshal() []byte {
	out := AppendVarInt(nil, p.ID())
	out = appendString(out, p.JSON)
	return append(out, p.Position)
}
