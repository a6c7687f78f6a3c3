// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import "fmt"

// registryKey indexa o registry por (direção, fase, id).
type registryKey struct {
	dir   Direction
	phase Phase
	id    int
}

// Entry descreve um tipo de packet conhecido pelo registry.
type Entry struct {
	Name string
	New  func() Packet
}

// O registry é montado em compile time; packets fora dele são
// encaminhados como blobs opacos, byte a byte.
var registry = map[registryKey]Entry{
	{ClientToServer, PhaseIdle, 0x00}:  {"Handshake", func() Packet { return &Handshake{} }},
	{ServerToClient, PhaseLogin, 0x01}: {"EncryptionRequest", func() Packet { return &EncryptionRequest{} }},
	{ClientToServer, PhaseLogin, 0x01}: {"EncryptionResponse", func() Packet { return &EncryptionResponse{} }},
	{ServerToClient, PhaseLogin, 0x02}: {"LoginSuccess", func() Packet { return &LoginSuccess{} }},
	{ServerToClient, PhaseLogin, 0x03}: {"SetCompression", func() Packet { return &SetCompression{} }},
	{ClientToServer, PhasePlay, 0x01}:  {"ServerboundChat", func() Packet { return &ServerboundChat{} }},
	{ServerToClient, PhasePlay, 0x02}:  {"ClientboundChat", func() Packet { return &ClientboundChat{} }},
}

// Lookup retorna a entry do registry para (dir, phase, id), se existir.
func Lookup(dir Direction, phase Phase, id int) (Entry, bool) {
	e, ok := registry[registryKey{dir, phase, id}]
	return e, ok
}

// Decode transforma o corpo de um frame (VarInt id + campos) em um Frame.
// Ids fora do registry viram blobs opacos com Packet == nil; o corpo
// original é sempre preservado em Raw para reemissão fiel.
func Decode(dir Direction, phase Phase, body []byte) (*Frame, error) {
	id, n, err := ReadVarInt(body)
	if err != nil {
		return nil, fmt.Errorf("reading packet id: %w", err)
	}
	if n == 0 {
		return nil, ErrTruncatedFrame
	}

	f := &Frame{Dir: dir, Phase: phase, ID: id, Raw: body}

	entry, ok := Lookup(dir, phase, id)
	if !ok {
		return f, nil
	}

	p := entry.New()
	if err := p.Unmarshal(body[n:]); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", entry.Name, err)
	}
	f.Packet = p
	return f, nil
}

// Dump devolve uma descrição diagnóstica curta de um frame.
func (f *Frame) Dump() string {
	if entry, ok := Lookup(f.Dir, f.Phase, f.ID); ok {
		return fmt.Sprintf("%s %s %s (0x%02x, %d bytes)", f.Dir, f.Phase, entry.Name, f.ID, len(f.Raw))
	}
	return fmt.Sprintf("%s %s opaque 0x%02x (%d bytes)", f.Dir, f.Phase, f.ID, len(f.Raw))
}
