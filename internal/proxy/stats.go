// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Counters acumula as métricas observáveis do pump.
type Counters struct {
	Sessions  atomic.Int64 // sessões atendidas desde o start
	FramesC2S atomic.Int64
	FramesS2C atomic.Int64
	BytesC2S  atomic.Int64
	BytesS2C  atomic.Int64
}

// StatsReporter loga métricas do proxy e do sistema em intervalo fixo.
type StatsReporter struct {
	counters *Counters
	interval time.Duration
	logger   *slog.Logger
}

// NewStatsReporter cria o reporter sobre os counters compartilhados.
func NewStatsReporter(counters *Counters, interval time.Duration, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		counters: counters,
		interval: interval,
		logger:   logger.With("component", "stats_reporter"),
	}
}

// Start inicia a goroutine de reporting; para quando o context cancela.
func (sr *StatsReporter) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sr.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", sr.interval)
}

func (sr *StatsReporter) report() {
	attrs := []any{
		"sessions", sr.counters.Sessions.Load(),
		"frames_c2s", sr.counters.FramesC2S.Load(),
		"frames_s2c", sr.counters.FramesS2C.Load(),
		"bytes_c2s", sr.counters.BytesC2S.Load(),
		"bytes_s2c", sr.counters.BytesS2C.Load(),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		attrs = append(attrs, "cpu_percent", pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		attrs = append(attrs, "mem_percent", vm.UsedPercent)
	}
	if avg, err := load.Avg(); err == nil {
		attrs = append(attrs, "load1", avg.Load1)
	}

	sr.logger.Info("proxy stats", attrs...)
}
