package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/outboxd/internal/flagx"
	"github.com/dmitrijs2005/outboxd/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Pointer fields let a
// file override only what it mentions.
type JsonConfig struct {
	DatabasePath         *string         `json:"database_path"`
	AttachmentWorkers    *int            `json:"attachment_workers"`
	MessageWorkers       *int            `json:"message_workers"`
	BackoffBase          *timex.Duration `json:"backoff_base"`
	MinTaskInterval      *timex.Duration `json:"min_task_interval"`
	ChunkCleartextLength *int64          `json:"chunk_cleartext_length"`
	MaxChunkCount        *int64          `json:"max_chunk_count"`
	StatementStats       *bool           `json:"statement_stats"`
	MetricsAddr          *string         `json:"metrics_addr"`
	NATSURL              *string         `json:"nats_url"`
	NATSSubjectPrefix    *string         `json:"nats_subject_prefix"`
	UploadTimeout        *timex.Duration `json:"upload_timeout"`
	LogLevel             *string         `json:"log_level"`
	S3Bucket             *string         `json:"s3_bucket"`
	S3Region             *string         `json:"s3_region"`
	S3BaseEndpoint       *string         `json:"s3_base_endpoint"`
	S3AccessKey          *string         `json:"s3_access_key"`
	S3SecretKey          *string         `json:"s3_secret_key"`
	S3URLExpiry          *timex.Duration `json:"s3_url_expiry"`
}

// parseJson overlays values from the file given with -c/-config. No flag
// means nothing to load.
func parseJson(cfg *Config, args []string) error {
	path := flagx.ConfigPath(args)
	if path == "" {
		return nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var c JsonConfig
	if err := json.Unmarshal(b, &c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setIf(&cfg.DatabasePath, c.DatabasePath)
	setIf(&cfg.AttachmentWorkers, c.AttachmentWorkers)
	setIf(&cfg.MessageWorkers, c.MessageWorkers)
	setIf(&cfg.ChunkCleartextLength, c.ChunkCleartextLength)
	setIf(&cfg.MaxChunkCount, c.MaxChunkCount)
	setIf(&cfg.StatementStats, c.StatementStats)
	setIf(&cfg.MetricsAddr, c.MetricsAddr)
	setIf(&cfg.NATSURL, c.NATSURL)
	setIf(&cfg.NATSSubjectPrefix, c.NATSSubjectPrefix)
	setIf(&cfg.LogLevel, c.LogLevel)
	setIf(&cfg.S3Bucket, c.S3Bucket)
	setIf(&cfg.S3Region, c.S3Region)
	setIf(&cfg.S3BaseEndpoint, c.S3BaseEndpoint)
	setIf(&cfg.S3AccessKey, c.S3AccessKey)
	setIf(&cfg.S3SecretKey, c.S3SecretKey)
	if c.BackoffBase != nil {
		cfg.BackoffBase = c.BackoffBase.Duration
	}
	if c.MinTaskInterval != nil {
		cfg.MinTaskInterval = c.MinTaskInterval.Duration
	}
	if c.UploadTimeout != nil {
		cfg.UploadTimeout = c.UploadTimeout.Duration
	}
	if c.S3URLExpiry != nil {
		cfg.S3URLExpiry = c.S3URLExpiry.Duration
	}

	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
