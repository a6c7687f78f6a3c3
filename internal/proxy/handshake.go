// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"context"
	"fmt"

	"github.com/nishisan-dev/n-proxy/internal/mojang"
	"github.com/nishisan-dev/n-proxy/internal/pki"
	"github.com/nishisan-dev/n-proxy/internal/protocol"
)

// handleHandshake roteia um frame das fases IDLE/STATUS/LOGIN pela máquina
// de estados. Packets esperados fora de ordem derrubam a sessão; tipos não
// listados na sequência são encaminhados verbatim.
func (s *Session) handleHandshake(ctx context.Context, dir protocol.Direction, body []byte) error {
	frame, err := protocol.Decode(dir, s.phase, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.logger.Debug("handshake frame", "packet", frame.Dump())

	switch p := frame.Packet.(type) {
	case *protocol.Handshake:
		return s.onHandshake(frame, p)
	case *protocol.EncryptionRequest:
		return s.onEncryptionRequest(frame, p)
	case *protocol.EncryptionResponse:
		return s.onEncryptionResponse(ctx, frame, p)
	case *protocol.SetCompression:
		return s.onSetCompression(frame, p)
	case *protocol.LoginSuccess:
		return s.onLoginSuccess(frame, p)
	default:
		// Packet de status ou blob opaco: segue byte a byte.
		return s.forwardFrame(frame)
	}
}

// forwardFrame reemite um frame pelo caminho normal, com o envelope de
// compressão corrente.
func (s *Session) forwardFrame(f *protocol.Frame) error {
	wire, err := protocol.EncodeFrame(f.Body(), s.threshold)
	if err != nil {
		return err
	}
	s.forward(f.Dir, wire)
	return nil
}

// onHandshake lê o next_state do primeiro packet da conexão e avança a
// fase. O packet segue inalterado para o upstream.
func (s *Session) onHandshake(f *protocol.Frame, p *protocol.Handshake) error {
	switch p.NextState {
	case 1:
		s.setPhase(protocol.PhaseStatus)
	case 2:
		s.setPhase(protocol.PhaseLogin)
	default:
		return fmt.Errorf("%w: %v (%d)", ErrHandshakeFailed, protocol.ErrUnknownNextState, p.NextState)
	}
	s.logger.Info("client handshake",
		"protocol_version", p.ProtocolVersion,
		"next_state", s.phase.String(),
	)
	return s.forwardFrame(f)
}

// onEncryptionRequest intercepta o challenge do upstream: guarda o
// server id, a chave pública e o token reais, e reescreve o packet com o
// par de chaves e o token re-originados pelo proxy antes de repassar ao
// client. A partir daqui o client só conhece o pedigree do proxy.
func (s *Session) onEncryptionRequest(f *protocol.Frame, p *protocol.EncryptionRequest) error {
	if s.loginStep != loginAwaitRequest {
		return fmt.Errorf("%w: unexpected encryption request", ErrHandshakeFailed)
	}

	if err := s.broker.SetServerKey(p.PublicKey); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.serverID = p.ServerID
	s.upstreamToken = append([]byte(nil), p.VerifyToken...)

	if err := s.broker.GenerateProxyKey(); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	p.PublicKey = s.broker.ProxyKeyDER()
	p.VerifyToken = s.broker.ClientToken()
	f.Modified = true

	s.loginStep = loginAwaitResponse
	s.logger.Info("encryption request rewritten", "server_id", s.serverID)
	return s.forwardFrame(f)
}

// onEncryptionResponse fecha o challenge dos dois lados: valida o token
// do client com a chave privada do proxy, estabelece os dois shared
// secrets, dispara o join de sessão contra o upstream e reescreve o
// packet com o secret e o token cifrados para o servidor real. O latch
// de cifra é armado aqui; a ativação fica para o fim da iteração, depois
// do flush deste último frame em claro.
func (s *Session) onEncryptionResponse(ctx context.Context, f *protocol.Frame, p *protocol.EncryptionResponse) error {
	if s.loginStep != loginAwaitResponse {
		return fmt.Errorf("%w: unexpected encryption response", ErrHandshakeFailed)
	}

	secret, err := s.broker.UnwrapFromClient(p.SharedSecret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if len(secret) != pki.SecretLen {
		return fmt.Errorf("%w: shared secret has %d bytes", ErrHandshakeFailed, len(secret))
	}
	if err := s.broker.VerifyClientToken(p.VerifyToken); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.clientSecret = secret

	if s.proxySecret, err = pki.NewSecret(); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	// O join precisa acontecer ANTES do EncryptionResponse seguir para o
	// upstream, senão o servidor rejeita o login. A chamada é síncrona
	// dentro da iteração do pump.
	s.joinUpstream(ctx)

	wrappedSecret, err := s.broker.WrapForUpstream(s.proxySecret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	wrappedToken, err := s.broker.WrapForUpstream(s.upstreamToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	p.SharedSecret = wrappedSecret
	p.VerifyToken = wrappedToken
	f.Modified = true

	if err := s.forwardFrame(f); err != nil {
		return err
	}

	s.loginStep = loginKeyed
	s.enableEncryption = true
	s.logger.Info("encryption response rewritten, cipher latch armed")
	return nil
}

// joinUpstream recomputa o digest com as credenciais do proxy e reassina
// o join capturado. Falha aqui não derruba a sessão: o upstream fecha o
// socket sozinho se a autenticação não valer.
func (s *Session) joinUpstream(ctx context.Context) {
	accessToken, selectedProfile, _, ok := s.capture.Get()
	if !ok {
		s.logger.Warn("no session join captured; skipping upstream join")
		return
	}

	digest := mojang.JoinDigest(s.serverID, s.proxySecret, s.broker.ServerKeyDER())
	if err := s.join.Join(ctx, accessToken, selectedProfile, digest); err != nil {
		s.logger.Warn("upstream session join failed", "error", err)
	}
}

// onSetCompression grava o threshold e repassa o packet inalterado.
// O próprio frame ainda sai sob o framing antigo; os frames seguintes —
// inclusive os de handshake que cruzam o toggle — obedecem o envelope.
func (s *Session) onSetCompression(f *protocol.Frame, p *protocol.SetCompression) error {
	if err := s.forwardFrame(f); err != nil {
		return err
	}
	s.threshold = p.Threshold
	s.logger.Info("compression enabled", "threshold", p.Threshold)
	return nil
}

// onLoginSuccess encerra o login e leva a sessão para PLAY.
// É aceito tanto após o handshake cifrado quanto direto (upstream sem
// encryption); no meio do challenge é fora de ordem e fatal.
func (s *Session) onLoginSuccess(f *protocol.Frame, p *protocol.LoginSuccess) error {
	if s.loginStep == loginAwaitResponse {
		return fmt.Errorf("%w: login success during key exchange", ErrHandshakeFailed)
	}
	if err := s.forwardFrame(f); err != nil {
		return err
	}
	s.setPhase(protocol.PhasePlay)
	s.logger.Info("login success", "username", p.Username, "uuid", p.UUID)
	return nil
}
