// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
)

// Janitor roda a rotação agendada dos trace files em saved/.
type Janitor struct {
	cron   *cron.Cron
	dir    string
	max    int
	logger *slog.Logger
}

// NewJanitor cria o janitor com o cron spec configurado (ex: "@hourly").
func NewJanitor(dir string, maxTraces int, schedule string, logger *slog.Logger) (*Janitor, error) {
	j := &Janitor{
		dir:    dir,
		max:    maxTraces,
		logger: logger.With("component", "trace_janitor"),
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("adding trace purge job: %w", err)
	}
	j.cron = c
	return j, nil
}

// Start inicia o agendamento.
func (j *Janitor) Start() {
	j.logger.Info("trace janitor started", "dir", j.dir, "max_traces", j.max)
	j.cron.Start()
}

// Stop para o agendamento e aguarda um run em andamento.
func (j *Janitor) Stop(ctx context.Context) {
	stopCtx := j.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		j.logger.Warn("trace janitor stop timed out")
	}
}

func (j *Janitor) run() {
	removed, err := PurgeTraces(j.dir, j.max)
	if err != nil {
		j.logger.Error("purging traces", "error", err)
		return
	}
	if removed > 0 {
		j.logger.Info("purged old traces", "removed", removed)
	}
}

// PurgeTraces remove traces excedentes, mantendo os maxTraces mais
// recentes. O nome timestampado ordena cronologicamente por si só.
func PurgeTraces(dir string, maxTraces int) (int, error) {
	if maxTraces <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading trace directory: %w", err)
	}

	var traces []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, TraceExt) || strings.HasSuffix(name, TraceExt+".gz") {
			traces = append(traces, name)
		}
	}

	sort.Strings(traces)

	removed := 0
	if len(traces) > maxTraces {
		for _, name := range traces[:len(traces)-maxTraces] {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return removed, fmt.Errorf("removing old trace %s: %w", name, err)
			}
			removed++
		}
	}
	return removed, nil
}
