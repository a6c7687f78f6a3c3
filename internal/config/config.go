// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do nproxy.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultUpstream é o servidor upstream compilado, usado quando nem o
// arquivo de configuração nem o argumento posicional informam outro.
const DefaultUpstream = "mc.example.net:25565"

// ProxyConfig representa a configuração completa do nproxy.
type ProxyConfig struct {
	Listen   string        `yaml:"listen"`   // default: ":25565"
	Upstream string        `yaml:"upstream"` // host:port do servidor real
	Session  SessionConfig `yaml:"session"`
	Trace    TraceConfig   `yaml:"trace"`
	Throttle ThrottleInfo  `yaml:"throttle"`
	Stats    StatsConfig   `yaml:"stats"`
	Logging  LoggingInfo   `yaml:"logging"`
}

// SessionConfig configura o hijack do serviço de sessão.
type SessionConfig struct {
	Listen  string `yaml:"listen"`   // endpoint local impersonado (default: "127.0.0.1:25580")
	JoinURL string `yaml:"join_url"` // serviço real de join do upstream
}

// TraceConfig configura a gravação dos trace files por sessão.
type TraceConfig struct {
	Dir           string   `yaml:"dir"`            // default: "saved"
	Compress      bool     `yaml:"compress"`       // gzip (pgzip) no trace finalizado
	MaxTraces     int      `yaml:"max_traces"`     // 0 = sem rotação
	PurgeSchedule string   `yaml:"purge_schedule"` // cron spec (default: "@hourly")
	S3            S3Config `yaml:"s3"`
}

// S3Config configura o upload opcional de traces finalizados para S3.
type S3Config struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"` // default: "traces/"
	Region  string `yaml:"region"`
}

// ThrottleInfo limita a banda de saída por socket. 0 desabilita.
type ThrottleInfo struct {
	BytesPerSec int64 `yaml:"bytes_per_sec"`
}

// StatsConfig configura o reporter periódico de métricas.
type StatsConfig struct {
	Interval time.Duration `yaml:"interval"` // default: 15s
}

// LoggingInfo configura o logger estruturado.
type LoggingInfo struct {
	Level      string `yaml:"level"`       // debug|info|warn|error
	Format     string `yaml:"format"`      // json|text
	File       string `yaml:"file"`        // stdout + arquivo quando não vazio
	SessionDir string `yaml:"session_dir"` // log dedicado por sessão quando não vazio
}

// Default retorna a configuração compilada, usada quando nenhum arquivo
// é informado. O proxy precisa subir com apenas o argumento posicional.
func Default() *ProxyConfig {
	cfg := &ProxyConfig{}
	cfg.applyDefaults()
	return cfg
}

// Load lê e valida o arquivo YAML de configuração do proxy.
func Load(path string) (*ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading proxy config: %w", err)
	}

	var cfg ProxyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing proxy config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating proxy config: %w", err)
	}

	return &cfg, nil
}

func (c *ProxyConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":25565"
	}
	if c.Upstream == "" {
		c.Upstream = DefaultUpstream
	}
	if c.Session.Listen == "" {
		c.Session.Listen = "127.0.0.1:25580"
	}
	if c.Session.JoinURL == "" {
		c.Session.JoinURL = "https://sessionserver.mojang.com/session/minecraft/join"
	}
	if c.Trace.Dir == "" {
		c.Trace.Dir = "saved"
	}
	if c.Trace.PurgeSchedule == "" {
		c.Trace.PurgeSchedule = "@hourly"
	}
	if c.Trace.S3.Prefix == "" {
		c.Trace.S3.Prefix = "traces/"
	}
	if c.Stats.Interval <= 0 {
		c.Stats.Interval = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *ProxyConfig) validate() error {
	c.applyDefaults()

	if c.Throttle.BytesPerSec < 0 {
		return fmt.Errorf("throttle.bytes_per_sec must be >= 0")
	}
	if c.Trace.MaxTraces < 0 {
		return fmt.Errorf("trace.max_traces must be >= 0")
	}
	if c.Trace.S3.Enabled {
		if c.Trace.S3.Bucket == "" {
			return fmt.Errorf("trace.s3.bucket is required when trace.s3.enabled")
		}
		if c.Trace.S3.Region == "" {
			return fmt.Errorf("trace.s3.region is required when trace.s3.enabled")
		}
	}
	return nil
}
