// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package proxy implementa o núcleo do nproxy: a sessão man-in-the-middle,
// o pump bidirecional de packets, a máquina de estados do handshake e a
// infraestrutura de trace/rotação/métricas em volta dela.
package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/n-proxy/internal/crypt"
	"github.com/nishisan-dev/n-proxy/internal/logging"
	"github.com/nishisan-dev/n-proxy/internal/mojang"
	"github.com/nishisan-dev/n-proxy/internal/pki"
	"github.com/nishisan-dev/n-proxy/internal/protocol"
)

// ErrHandshakeFailed é o erro fatal de sessão para token mismatch,
// falha de decode/decifra de chave ou packet de handshake fora de ordem.
var ErrHandshakeFailed = errors.New("proxy: handshake failed")

// Etapas do handshake de login, para detecção de packet fora de ordem.
const (
	loginAwaitRequest  = iota // aguardando EncryptionRequest do upstream
	loginAwaitResponse        // aguardando EncryptionResponse do client
	loginKeyed                // segredos estabelecidos
)

// side é um dos dois lados de uma sessão: o socket, o buffer bruto de
// recepção (decifrado in place), o buffer de transmissão da iteração e o
// contexto de cifra daquele lado depois da ativação.
type side struct {
	name   string
	conn   net.Conn
	out    io.Writer // conn, possivelmente com throttle
	rx     []byte
	tx     []byte
	cipher *crypt.Channel
}

// SessionDeps agrupa as dependências de processo compartilhadas pelas
// sessões: captura do hijack, client de join, counters e configuração
// de trace/throttle/log.
type SessionDeps struct {
	Logger        *slog.Logger
	SessionLogDir string
	TraceDir      string
	TraceCompress bool
	ThrottleBps   int64
	Capture       *mojang.Capture
	Join          *mojang.JoinClient
	Counters      *Counters
}

// Session é a entidade raiz: criada no accept, destruída no EOF de
// qualquer um dos sockets. Todo o estado mutável é tocado apenas pela
// goroutine do pump.
type Session struct {
	id        string
	logger    *slog.Logger
	logCloser io.Closer

	client *side
	server *side

	phase     protocol.Phase
	threshold int // compressão: negativo = desabilitada
	loginStep int

	broker        pki.Broker
	serverID      string // recebido do upstream, repassado verbatim
	upstreamToken []byte // token emitido pelo upstream real
	clientSecret  []byte // secret escolhido pelo client (canal client↔proxy)
	proxySecret   []byte // secret gerado pelo proxy (canal proxy↔server)

	// enableEncryption é a trava armada no fim do handshake;
	// encryptionActive só sobe no fim da iteração do pump que deu flush
	// no último frame em claro, garantindo o atraso de um tick.
	enableEncryption bool
	encryptionActive bool

	capture *mojang.Capture
	join    *mojang.JoinClient

	trace    *TraceWriter
	counters *Counters

	throttleBps          int64
	framesC2S, framesS2C int64
	started              time.Time
}

// NewSession monta a sessão sobre os dois sockets já conectados.
func NewSession(clientConn, serverConn net.Conn, deps SessionDeps) (*Session, error) {
	started := time.Now()
	id := started.Format("20060102_150405")

	logger, logCloser, _, err := logging.NewSessionLogger(deps.Logger, deps.SessionLogDir, id)
	if err != nil {
		return nil, err
	}

	trace, err := NewTraceWriter(deps.TraceDir, deps.TraceCompress, started)
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	s := &Session{
		id:        id,
		logger:    logger.With("session", id),
		logCloser: logCloser,

		client: &side{name: "client", conn: clientConn},
		server: &side{name: "server", conn: serverConn},

		phase:     protocol.PhaseIdle,
		threshold: -1,
		loginStep: loginAwaitRequest,

		capture:  deps.Capture,
		join:     deps.Join,
		trace:    trace,
		counters: deps.Counters,

		throttleBps: deps.ThrottleBps,
		started:     started,
	}

	s.counters.Sessions.Add(1)
	return s, nil
}

// ID retorna o identificador da sessão (timestamp do accept).
func (s *Session) ID() string { return s.id }

// sideFor retorna o lado de ORIGEM de uma direção.
func (s *Session) sideFor(dir protocol.Direction) *side {
	if dir == protocol.ClientToServer {
		return s.client
	}
	return s.server
}

// forward enfileira um frame de wire para o lado oposto ao de origem.
func (s *Session) forward(dir protocol.Direction, wire []byte) {
	peer := s.sideFor(dir.Opposite())
	peer.tx = append(peer.tx, wire...)
}

// retour enfileira um frame de wire de volta para o lado de ORIGEM —
// respostas sintéticas saem pelo socket do originador, cifradas com o
// contexto inverso ao do encaminhamento normal.
func (s *Session) retour(dir protocol.Direction, wire []byte) {
	origin := s.sideFor(dir)
	origin.tx = append(origin.tx, wire...)
}

// setPhase avança a fase da sessão. Fase só anda para frente.
func (s *Session) setPhase(p protocol.Phase) {
	if p > s.phase {
		s.logger.Debug("phase transition", "from", s.phase.String(), "to", p.String())
		s.phase = p
	}
}

// teardown libera todos os recursos da sessão em ordem de destruição:
// sockets, trace file, logger de sessão.
func (s *Session) teardown() {
	s.client.conn.Close()
	s.server.conn.Close()

	if err := s.trace.Close(); err != nil {
		s.logger.Error("closing trace", "error", err)
	}

	s.logger.Info("session closed",
		"duration", time.Since(s.started).Round(time.Millisecond),
		"frames_c2s", s.framesC2S,
		"frames_s2c", s.framesS2C,
		"phase", s.phase.String(),
		"encrypted", s.encryptionActive,
	)

	s.capture.Reset()
	s.logCloser.Close()
}
