// Package config loads runtime configuration for the outbox daemon.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected with -c or -config.
//  3. Command-line flags, which override earlier values.
//
// Supported flags
//
//	-d string   SQLite database path
//	-w int      attachment upload workers
//	-m int      message/receipt workers
//	-b int      backoff base (milliseconds)
//	-i int      minimum spacing between executions of one task (milliseconds)
//	-k int      attachment chunk cleartext length (bytes)
//	-n int      maximum number of chunks per attachment
//	-s bool     sample statement timings
//	-a string   metrics listen address
//	-u string   NATS URL (empty disables NATS)
//	-p string   NATS subject prefix
//	-t int      HTTP chunk upload timeout (seconds)
//	-l string   log level
//	-B string   S3 relay bucket (empty disables the relay)
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-A string   S3 access key
//	-K string   S3 secret key
//
// The server API is NATS when a NATS URL is set, otherwise the S3 relay when
// a bucket is set, otherwise none.
package config

import "time"

// Config holds runtime settings for the outbox daemon.
type Config struct {
	DatabasePath         string
	AttachmentWorkers    int
	MessageWorkers       int
	BackoffBase          time.Duration
	MinTaskInterval      time.Duration
	ChunkCleartextLength int64
	MaxChunkCount        int64
	StatementStats       bool
	MetricsAddr          string
	NATSURL              string
	NATSSubjectPrefix    string
	UploadTimeout        time.Duration
	LogLevel             string
	S3Bucket             string
	S3Region             string
	S3BaseEndpoint       string
	S3AccessKey          string
	S3SecretKey          string
	S3URLExpiry          time.Duration
}

// LoadDefaults populates c with development defaults.
func (c *Config) LoadDefaults() {
	c.DatabasePath = "outbox.db"
	c.AttachmentWorkers = 4
	c.MessageWorkers = 2
	c.BackoffBase = 250 * time.Millisecond
	c.MinTaskInterval = 0
	c.ChunkCleartextLength = 2 << 20
	c.MaxChunkCount = 1024
	c.StatementStats = false
	c.MetricsAddr = ":9102"
	c.NATSURL = ""
	c.NATSSubjectPrefix = "outbox"
	c.UploadTimeout = 60 * time.Second
	c.LogLevel = "info"
	c.S3Bucket = ""
	c.S3Region = "us-east-1"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
	c.S3AccessKey = "admin"
	c.S3SecretKey = "secretpassword"
	c.S3URLExpiry = 24 * time.Hour
}

// LoadConfig builds a Config from defaults, then the JSON file named in args
// (if any), then the flags in args. args excludes the program name.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJson(cfg, args); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	return cfg, nil
}
