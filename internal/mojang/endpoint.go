// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mojang

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// JoinPath é o único path honrado pelo endpoint local.
const JoinPath = "/session/minecraft/join"

// maxJoinBody limita o corpo aceito de um POST de join.
const maxJoinBody = 1 << 20

// Endpoint é o servidor HTTP local que impersona o serviço de validação
// de sessão do upstream. O launcher do client é apontado para ele e entrega
// o access token real; o proxy reaproveita os campos para reassinar o join.
type Endpoint struct {
	capture *Capture
	logger  *slog.Logger
	srv     *http.Server
}

// NewEndpoint cria o endpoint de hijack escutando em listen.
func NewEndpoint(listen string, capture *Capture, logger *slog.Logger) *Endpoint {
	e := &Endpoint{
		capture: capture,
		logger:  logger.With("component", "hijack_endpoint"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(JoinPath, e.handleJoin)

	e.srv = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return e
}

// Start sobe o listener em background e o encerra quando o context cancela.
func (e *Endpoint) Start(ctx context.Context) {
	go func() {
		e.logger.Info("hijack endpoint listening", "address", e.srv.Addr)
		if err := e.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error("hijack endpoint error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.srv.Shutdown(shutdownCtx); err != nil {
			e.logger.Error("hijack endpoint shutdown error", "error", err)
		}
	}()
}

// handleJoin captura os três campos do corpo e responde sempre 204.
// Falha de parse não é fatal: loga e segue — o upstream derruba a conexão
// se a autenticação não fechar.
func (e *Endpoint) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondNoContent(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxJoinBody))
	if err != nil {
		e.logger.Warn("reading join body", "error", err)
		respondNoContent(w)
		return
	}

	accessToken, ok1 := scanField(string(body), "accessToken")
	selectedProfile, ok2 := scanField(string(body), "selectedProfile")
	serverID, ok3 := scanField(string(body), "serverId")
	if !ok1 || !ok2 || !ok3 {
		e.logger.Warn("join body missing fields",
			"access_token", ok1, "selected_profile", ok2, "server_id", ok3)
		respondNoContent(w)
		return
	}

	e.capture.Set(accessToken, selectedProfile, serverID)
	e.logger.Info("captured session join", "selected_profile", selectedProfile, "server_id", serverID)
	respondNoContent(w)
}

// respondNoContent emite o 204 com os headers que o launcher espera.
// Date é preenchido pelo net/http.
func respondNoContent(w http.ResponseWriter) {
	w.Header().Set("Server", "nproxy")
	w.Header().Set("Connection", "keep-alive")
	w.Header()["Content-length"] = []string{"0"}
	w.WriteHeader(http.StatusNoContent)
}

// scanField procura um campo string no corpo JSON de forma leniente:
// localiza a chave, pula até a primeira aspa depois dela e captura até a
// aspa seguinte. Aceita corpos com whitespace ou campos extras sem exigir
// JSON bem-formado.
func scanField(body, key string) (string, bool) {
	idx := strings.Index(body, `"`+key+`"`)
	if idx < 0 {
		return "", false
	}
	rest := body[idx+len(key)+2:]
	open := strings.IndexByte(rest, '"')
	if open < 0 {
		return "", false
	}
	rest = rest[open+1:]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}
