// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/nishisan-dev/n-proxy/internal/crypt"
	"github.com/nishisan-dev/n-proxy/internal/protocol"
)

// pollInterval é o tick do pump quando nenhum socket tem dados.
const pollInterval = 1 * time.Second

// readChunkSize é o tamanho dos chunks brutos lidos de cada socket.
const readChunkSize = 32 * 1024

// readResult é um chunk bruto entregue por uma goroutine de leitura.
// As goroutines de leitura NÃO tocam estado de cifra nem de codec: todo
// processamento acontece na goroutine única do pump, preservando a
// sequencialidade de IV e threshold por direção.
type readResult struct {
	data []byte
	err  error
}

func readLoop(conn io.Reader, ch chan<- readResult) {
	defer close(ch)
	for {
		buf := make([]byte, readChunkSize)
		n, err := conn.Read(buf)
		if n > 0 {
			ch <- readResult{data: buf[:n]}
		}
		if err != nil {
			if err != io.EOF {
				ch <- readResult{err: err}
			}
			return
		}
	}
}

// Run executa o pump da sessão até EOF de qualquer lado, erro fatal de
// protocolo ou cancelamento do context. O retorno nil indica encerramento
// limpo (EOF ou shutdown).
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()

	s.client.out = NewThrottledWriter(ctx, s.client.conn, s.throttleBps)
	s.server.out = NewThrottledWriter(ctx, s.server.conn, s.throttleBps)

	clientCh := make(chan readResult, 8)
	serverCh := make(chan readResult, 8)
	go readLoop(s.client.conn, clientCh)
	go readLoop(s.server.conn, serverCh)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	s.logger.Info("session started",
		"client", s.client.conn.RemoteAddr().String(),
		"server", s.server.conn.RemoteAddr().String(),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-clientCh:
			if done, err := s.ingest(s.client, r, ok); done || err != nil {
				return err
			}
		case r, ok := <-serverCh:
			if done, err := s.ingest(s.server, r, ok); done || err != nil {
				return err
			}
		case <-ticker.C:
			// Sessão ociosa: nada a processar neste tick.
			continue
		}

		// Drena chunks adicionais já disponíveis sem bloquear, para
		// processar o máximo possível por iteração.
		if err := s.drainPending(clientCh, serverCh); err != nil {
			return err
		}

		if err := s.iterate(ctx); err != nil {
			return err
		}
	}
}

// ingest aplica a decifra in place (quando ativa) e acumula o chunk no
// buffer bruto de recepção do lado. done indica EOF do socket.
func (s *Session) ingest(from *side, r readResult, ok bool) (done bool, err error) {
	if !ok {
		s.logger.Info("socket closed", "side", from.name)
		return true, nil
	}
	if r.err != nil {
		return false, fmt.Errorf("reading from %s: %w", from.name, r.err)
	}
	if s.encryptionActive {
		from.cipher.Decrypt(r.data)
	}
	from.rx = append(from.rx, r.data...)
	return false, nil
}

// drainPending consome sem bloquear o que já estiver nos channels.
// EOF (channel fechado) fica para o select principal; erro de transporte
// é fatal aqui mesmo.
func (s *Session) drainPending(clientCh, serverCh <-chan readResult) error {
	for {
		select {
		case r, ok := <-clientCh:
			if !ok {
				return nil
			}
			if r.err != nil {
				return fmt.Errorf("reading from client: %w", r.err)
			}
			if s.encryptionActive {
				s.client.cipher.Decrypt(r.data)
			}
			s.client.rx = append(s.client.rx, r.data...)
		case r, ok := <-serverCh:
			if !ok {
				return nil
			}
			if r.err != nil {
				return fmt.Errorf("reading from server: %w", r.err)
			}
			if s.encryptionActive {
				s.server.cipher.Decrypt(r.data)
			}
			s.server.rx = append(s.server.rx, r.data...)
		default:
			return nil
		}
	}
}

// iterate é uma iteração completa do pump:
//
//  1. extrai frames completos dos dois buffers de recepção;
//  2. despacha cada frame (handshake ou forward de PLAY), acumulando os
//     buffers de transmissão e retour;
//  3. dá flush nos buffers com cifra in place quando ativa;
//  4. por último, se a trava enableEncryption foi armada, inicializa os
//     dois contextos de cifra e sobe encryptionActive — o atraso de um
//     tick que garante o último frame de handshake em claro.
func (s *Session) iterate(ctx context.Context) error {
	if err := s.extractAndDispatch(ctx, s.client, protocol.ClientToServer); err != nil {
		return err
	}
	if err := s.extractAndDispatch(ctx, s.server, protocol.ServerToClient); err != nil {
		return err
	}

	if err := s.flush(s.client); err != nil {
		return err
	}
	if err := s.flush(s.server); err != nil {
		return err
	}

	if s.enableEncryption {
		if err := s.activateEncryption(); err != nil {
			return err
		}
	}
	return nil
}

// extractAndDispatch drena os frames completos do buffer de recepção de
// um lado. Frames parciais permanecem no buffer até a próxima iteração.
func (s *Session) extractAndDispatch(ctx context.Context, from *side, dir protocol.Direction) error {
	off := 0
	for {
		payload, n, err := protocol.ExtractFrame(from.rx[off:])
		if err != nil {
			return fmt.Errorf("framing from %s: %w", from.name, err)
		}
		if n == 0 {
			break
		}
		off += n

		if err := s.trace.WriteRecord(dir, time.Now(), payload); err != nil {
			s.logger.Error("writing trace record", "error", err)
		}
		s.countFrame(dir, n)

		if err := s.handleFrame(ctx, dir, payload); err != nil {
			return err
		}

		// Com a trava armada, os próximos bytes do client já vêm
		// cifrados; o que sobrou no buffer só pode ser extraído depois
		// da ativação decifrar o resíduo.
		if s.enableEncryption && from == s.client {
			break
		}
	}

	if off > 0 {
		m := copy(from.rx, from.rx[off:])
		from.rx = from.rx[:m]
	}
	return nil
}

func (s *Session) countFrame(dir protocol.Direction, wireLen int) {
	if dir == protocol.ClientToServer {
		s.framesC2S++
		s.counters.FramesC2S.Add(1)
		s.counters.BytesC2S.Add(int64(wireLen))
	} else {
		s.framesS2C++
		s.counters.FramesS2C.Add(1)
		s.counters.BytesS2C.Add(int64(wireLen))
	}
}

// handleFrame desempacota o envelope de compressão e roteia o corpo:
// fase PLAY vai para o caminho de forward via registry, o resto para a
// máquina de estados do handshake.
func (s *Session) handleFrame(ctx context.Context, dir protocol.Direction, payload []byte) error {
	body, err := protocol.UnwrapFrame(payload, s.threshold)
	if err != nil {
		return fmt.Errorf("unwrapping %s frame: %w", dir, err)
	}

	if s.phase == protocol.PhasePlay {
		return s.handlePlay(dir, body)
	}
	return s.handleHandshake(ctx, dir, body)
}

// handlePlay despacha um frame da fase PLAY: decodifica via registry
// (packets desconhecidos viram blobs opacos), aplica os hooks de injeção
// e reencaminha — os bytes originais são reemitidos verbatim quando o
// packet não foi modificado.
func (s *Session) handlePlay(dir protocol.Direction, body []byte) error {
	frame, err := protocol.Decode(dir, s.phase, body)
	if err != nil {
		return fmt.Errorf("decoding play frame: %w", err)
	}
	s.logger.Debug("play frame", "packet", frame.Dump())

	if consumed, err := s.chatHook(frame); err != nil {
		return err
	} else if consumed {
		return nil
	}

	wire, err := protocol.EncodeFrame(frame.Body(), s.threshold)
	if err != nil {
		return err
	}
	s.forward(dir, wire)
	return nil
}

// activateEncryption inicializa os dois contextos de cifra — um por
// relação criptográfica, cada um com seu próprio secret — e sobe a flag.
// encryptionActive é monotônica: uma vez true, nunca volta.
func (s *Session) activateEncryption() error {
	clientCh, err := crypt.NewChannel(s.clientSecret)
	if err != nil {
		return err
	}
	serverCh, err := crypt.NewChannel(s.proxySecret)
	if err != nil {
		return err
	}
	s.client.cipher = clientCh
	s.server.cipher = serverCh

	// Resíduo do client recebido depois do EncryptionResponse já chegou
	// cifrado; decifra antes da próxima extração. O upstream está
	// quiescente entre a EncryptionRequest e o forward da resposta, então
	// o lado do server não tem resíduo pós-toggle.
	if len(s.client.rx) > 0 {
		s.client.cipher.Decrypt(s.client.rx)
	}

	s.enableEncryption = false
	s.encryptionActive = true
	s.logger.Info("encryption active")
	return nil
}

// flush cifra in place (quando ativa) e escreve o buffer de transmissão
// acumulado na iteração. O buffer não sobrevive à iteração.
func (s *Session) flush(to *side) error {
	if len(to.tx) == 0 {
		return nil
	}
	if s.encryptionActive {
		to.cipher.Encrypt(to.tx)
	}
	if _, err := to.out.Write(to.tx); err != nil {
		return fmt.Errorf("writing to %s: %w", to.name, err)
	}
	to.tx = to.tx[:0]
	return nil
}
