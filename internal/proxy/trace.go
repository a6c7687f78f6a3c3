// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Proxy License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-proxy/internal/protocol"
)

// TraceExt é a extensão dos trace files binários por sessão.
const TraceExt = ".mcs"

// TraceRecord é um frame capturado com seu instante de chegada.
// No arquivo, cada record é [direction i32][sec i32][usec i32][framelen i32]
// seguido dos bytes do frame (payload decifrado, prefixo de length removido),
// tudo little-endian, na ordem de chegada.
type TraceRecord struct {
	Dir   protocol.Direction
	Sec   int32
	Usec  int32
	Frame []byte
}

// TraceWriter grava o trace binário de uma sessão em
// {dir}/YYYYMMDD_HHMMSS.mcs (ou .mcs.gz quando compress).
// Cada frame é gravado logo após ser decifrado, antes de ser encaminhado.
type TraceWriter struct {
	file *os.File
	gz   *pgzip.Writer
	bw   *bufio.Writer
	path string
}

// NewTraceWriter abre o trace file da sessão iniciada em start.
func NewTraceWriter(dir string, compress bool, start time.Time) (*TraceWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating trace directory: %w", err)
	}

	name := start.Format("20060102_150405") + TraceExt
	if compress {
		name += ".gz"
	}
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating trace file: %w", err)
	}

	tw := &TraceWriter{file: f, path: path}
	if compress {
		tw.gz = pgzip.NewWriter(f)
		tw.bw = bufio.NewWriter(tw.gz)
	} else {
		tw.bw = bufio.NewWriter(f)
	}
	return tw, nil
}

// Path retorna o caminho do trace file.
func (t *TraceWriter) Path() string { return t.path }

// WriteRecord anexa um frame ao trace na ordem de chegada.
func (t *TraceWriter) WriteRecord(dir protocol.Direction, ts time.Time, frame []byte) error {
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(dir))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(ts.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(frame)))

	if _, err := t.bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing trace record header: %w", err)
	}
	if _, err := t.bw.Write(frame); err != nil {
		return fmt.Errorf("writing trace record frame: %w", err)
	}
	return nil
}

// Close dá flush e fecha o trace file.
func (t *TraceWriter) Close() error {
	if err := t.bw.Flush(); err != nil {
		t.file.Close()
		return fmt.Errorf("flushing trace: %w", err)
	}
	if t.gz != nil {
		if err := t.gz.Close(); err != nil {
			t.file.Close()
			return fmt.Errorf("closing trace gzip stream: %w", err)
		}
	}
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("closing trace file: %w", err)
	}
	return nil
}

// ReadTraceRecords lê um trace file completo, transparente a compressão.
func ReadTraceRecords(path string) ([]TraceRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening trace gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var records []TraceRecord
	for {
		var hdr [16]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return nil, fmt.Errorf("reading trace record header: %w", err)
		}
		length := binary.LittleEndian.Uint32(hdr[12:16])
		frame := make([]byte, length)
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, fmt.Errorf("reading trace record frame: %w", err)
		}
		records = append(records, TraceRecord{
			Dir:   protocol.Direction(binary.LittleEndian.Uint32(hdr[0:4])),
			Sec:   int32(binary.LittleEndian.Uint32(hdr[4:8])),
			Usec:  int32(binary.LittleEndian.Uint32(hdr[8:12])),
			Frame: frame,
		})
	}
}
