// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o codec do protocolo binário do jogo:
// frames length-prefixed com VarInt, envelope opcional de compressão zlib
// e o registry de packets tipados por (direção, fase, id).
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// MaxFrameSize é o payload máximo aceito por frame (4 MiB).
// O protocolo não declara um limite; este guard evita alocações
// arbitrárias a partir de um length forjado.
const MaxFrameSize = 4 << 20

// Erros do codec.
var (
	ErrVarIntTooBig        = errors.New("protocol: varint exceeds 5 bytes")
	ErrFrameTooLarge       = errors.New("protocol: frame exceeds max size")
	ErrInflateMismatch     = errors.New("protocol: inflated size does not match declared length")
	ErrTruncatedFrame      = errors.New("protocol: truncated frame")
	ErrUnknownNextState    = errors.New("protocol: unknown next state in handshake")
	ErrCompressionEnvelope = errors.New("protocol: malformed compression envelope")
)

// ExtractFrame tenta extrair um frame completo do início de buf.
// Formato: [Length VarInt] [Payload Length bytes]
// Retorna o payload e o total de bytes consumidos (prefixo incluso).
// payload == nil com n == 0 e err == nil significa frame incompleto:
// os bytes permanecem no buffer até a próxima iteração do pump.
func ExtractFrame(buf []byte) (payload []byte, n int, err error) {
	length, hn, err := ReadVarInt(buf)
	if err != nil {
		return nil, 0, err
	}
	if hn == 0 {
		return nil, 0, nil
	}
	if length < 0 || length > MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if len(buf) < hn+length {
		return nil, 0, nil
	}
	return buf[hn : hn+length], hn + length, nil
}

// UnwrapFrame remove o envelope de compressão de um payload de frame,
// devolvendo o corpo do packet (VarInt id + campos).
//
// threshold < 0: compressão desabilitada, o payload É o corpo.
// threshold >= 0: o payload começa com um VarInt declaredLen:
//   - 0: o restante é o corpo em claro (marker usado também pelos frames
//     de handshake que cruzam o toggle de compressão);
//   - > 0: o restante é zlib e DEVE inflar para exatamente declaredLen bytes.
func UnwrapFrame(payload []byte, threshold int) ([]byte, error) {
	if threshold < 0 {
		return payload, nil
	}

	declared, n, err := ReadVarInt(payload)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrCompressionEnvelope
	}
	rest := payload[n:]

	if declared == 0 {
		return rest, nil
	}
	if declared < 0 || declared > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, declared)
	}

	zr, err := zlib.NewReader(bytes.NewReader(rest))
	if err != nil {
		return nil, fmt.Errorf("opening zlib payload: %w", err)
	}
	defer zr.Close()

	body := make([]byte, declared)
	if _, err := io.ReadFull(zr, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInflateMismatch, err)
	}
	// O stream deve terminar exatamente em declaredLen bytes.
	var extra [1]byte
	if n, err := zr.Read(extra[:]); n > 0 || err != io.EOF {
		return nil, ErrInflateMismatch
	}
	return body, nil
}

// EncodeFrame monta o frame completo no formato de wire a partir do corpo
// do packet, aplicando o envelope de compressão conforme o threshold.
//
// threshold < 0:  [Length] [body]
// threshold >= 0: [Length] [declaredLen] [body | zlib(body)]
// com declaredLen = len(body) e deflate quando len(body) >= threshold,
// declaredLen = 0 e corpo em claro caso contrário.
func EncodeFrame(body []byte, threshold int) ([]byte, error) {
	if threshold < 0 {
		out := make([]byte, 0, VarIntLen(len(body))+len(body))
		out = AppendVarInt(out, len(body))
		return append(out, body...), nil
	}

	var envelope []byte
	if len(body) >= threshold {
		var zbuf bytes.Buffer
		zw := zlib.NewWriter(&zbuf)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("deflating frame body: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("closing deflate stream: %w", err)
		}
		envelope = AppendVarInt(nil, len(body))
		envelope = append(envelope, zbuf.Bytes()...)
	} else {
		envelope = AppendVarInt(nil, 0)
		envelope = append(envelope, body...)
	}

	out := make([]byte, 0, VarIntLen(len(envelope))+len(envelope))
	out = AppendVarInt(out, len(envelope))
	return append(out, envelope...), nil
}
