// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mojang

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// joinRequest é o corpo do POST de join reassinado pelo proxy.
type joinRequest struct {
	AccessToken     string `json:"accessToken"`
	SelectedProfile string `json:"selectedProfile"`
	ServerID        string `json:"serverId"`
}

// JoinClient reenvia o join de sessão ao serviço real do upstream,
// com o digest recomputado sobre as credenciais do proxy.
type JoinClient struct {
	url    string
	httpc  *http.Client
	logger *slog.Logger
}

// NewJoinClient cria um JoinClient para a join URL configurada.
func NewJoinClient(url string, logger *slog.Logger) *JoinClient {
	return &JoinClient{
		url:    url,
		httpc:  &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "join_client"),
	}
}

// Join emite o POST de join com os campos capturados e o digest recomputado.
// Resposta não-2xx NÃO é erro fatal: o comportamento permissivo do protocolo
// original é preservado — loga o mismatch e o upstream fecha o socket se a
// autenticação não valer.
func (c *JoinClient) Join(ctx context.Context, accessToken, selectedProfile, digest string) error {
	body, err := json.Marshal(joinRequest{
		AccessToken:     accessToken,
		SelectedProfile: selectedProfile,
		ServerID:        digest,
	})
	if err != nil {
		return fmt.Errorf("encoding join request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building join request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("posting session join: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("session join rejected by upstream",
			"status", resp.StatusCode, "selected_profile", selectedProfile)
	} else {
		c.logger.Info("session join accepted", "status", resp.StatusCode)
	}
	return nil
}
