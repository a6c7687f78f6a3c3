// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/n-proxy/internal/config"
	"github.com/nishisan-dev/n-proxy/internal/mojang"
)

// dialTimeout é o timeout de conexão com o upstream por sessão.
const dialTimeout = 10 * time.Second

// Run sobe o proxy e bloqueia até o context ser cancelado.
// Falha de bind ou de resolução do upstream é erro de startup (exit != 0);
// erros de sessão são logados e o accept continua.
func Run(ctx context.Context, cfg *config.ProxyConfig, logger *slog.Logger) error {
	// Resolve o upstream no startup: hostname inválido precisa falhar
	// antes do primeiro accept.
	upstreamAddr, err := net.ResolveTCPAddr("tcp", cfg.Upstream)
	if err != nil {
		return fmt.Errorf("resolving upstream %s: %w", cfg.Upstream, err)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	defer ln.Close()

	logger.Info("proxy listening", "address", cfg.Listen, "upstream", upstreamAddr.String())
	return RunWithListener(ctx, ln, upstreamAddr.String(), cfg, logger)
}

// RunWithListener roda o accept loop sobre um listener já aberto
// (separado para testes, como no restante da casa).
func RunWithListener(ctx context.Context, ln net.Listener, upstreamAddr string, cfg *config.ProxyConfig, logger *slog.Logger) error {
	capture := &mojang.Capture{}
	endpoint := mojang.NewEndpoint(cfg.Session.Listen, capture, logger)
	endpoint.Start(ctx)

	deps := SessionDeps{
		Logger:        logger,
		SessionLogDir: cfg.Logging.SessionDir,
		TraceDir:      cfg.Trace.Dir,
		TraceCompress: cfg.Trace.Compress,
		ThrottleBps:   cfg.Throttle.BytesPerSec,
		Capture:       capture,
		Join:          mojang.NewJoinClient(cfg.Session.JoinURL, logger),
		Counters:      &Counters{},
	}

	if cfg.Trace.MaxTraces > 0 {
		janitor, err := NewJanitor(cfg.Trace.Dir, cfg.Trace.MaxTraces, cfg.Trace.PurgeSchedule, logger)
		if err != nil {
			return err
		}
		janitor.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			janitor.Stop(stopCtx)
		}()
	}

	var archiver *Archiver
	if cfg.Trace.S3.Enabled {
		a, err := NewArchiver(ctx, cfg.Trace.S3, logger)
		if err != nil {
			return err
		}
		archiver = a
	}

	stats := NewStatsReporter(deps.Counters, cfg.Stats.Interval, logger)
	stats.Start(ctx)

	// Fecha o listener quando o context cancelar, destravando o Accept.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down proxy")
		ln.Close()
	}()

	// Accept loop com backoff para evitar hot loop em erros consecutivos.
	// O núcleo é single-session: cada conexão é atendida até o fim antes
	// do próximo accept.
	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("proxy shutdown complete")
				return nil
			default:
				consecutiveErrors++
				logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}

		consecutiveErrors = 0
		handleConn(ctx, conn, upstreamAddr, deps, archiver, logger)
	}
}

// handleConn atende uma conexão de client: disca o upstream, roda a
// sessão até o fim e arquiva o trace. Erros aqui são da sessão, nunca do
// processo.
func handleConn(ctx context.Context, clientConn net.Conn, upstreamAddr string, deps SessionDeps, archiver *Archiver, logger *slog.Logger) {
	serverConn, err := net.DialTimeout("tcp", upstreamAddr, dialTimeout)
	if err != nil {
		logger.Error("dialing upstream", "upstream", upstreamAddr, "error", err)
		clientConn.Close()
		return
	}

	sess, err := NewSession(clientConn, serverConn, deps)
	if err != nil {
		logger.Error("creating session", "error", err)
		clientConn.Close()
		serverConn.Close()
		return
	}

	if err := sess.Run(ctx); err != nil {
		logger.Error("session ended with error", "session", sess.ID(), "error", err)
	}

	if archiver != nil {
		if err := archiver.Upload(ctx, sess.trace.Path()); err != nil {
			logger.Warn("archiving trace", "error", err)
		}
	}
}
