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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-proxy/internal/config"
)

// Archiver sobe trace files finalizados para um bucket S3.
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewArchiver monta o client S3 a partir da configuração default da AWS
// (credenciais de ambiente/perfil) com a region configurada.
func NewArchiver(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With("component", "trace_archiver"),
	}, nil
}

// Upload envia um trace finalizado para {bucket}/{prefix}{basename}.
// Falha de upload não é fatal para o proxy: o trace permanece em disco.
func (a *Archiver) Upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening trace for upload: %w", err)
	}
	defer f.Close()

	key := a.prefix + filepath.Base(path)
	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("uploading trace to s3: %w", err)
	}

	a.logger.Info("trace archived", "bucket", a.bucket, "key", key)
	return nil
}
