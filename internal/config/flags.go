package config

import (
	"flag"
	"io"
	"time"

	"github.com/dmitrijs2005/outboxd/internal/flagx"
)

var knownFlags = []string{"-d", "-w", "-m", "-b", "-i", "-k", "-n", "-s", "-a", "-u", "-p", "-t", "-l", "-B", "-g", "-e", "-A", "-K"}

// parseFlags overlays command-line flags (see package doc). Millisecond and
// second flags are converted to time.Duration.
func parseFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("outboxd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "SQLite database path")
	fs.IntVar(&cfg.AttachmentWorkers, "w", cfg.AttachmentWorkers, "attachment upload workers")
	fs.IntVar(&cfg.MessageWorkers, "m", cfg.MessageWorkers, "message and receipt workers")
	backoffBase := fs.Int64("b", cfg.BackoffBase.Milliseconds(), "backoff base (ms)")
	minInterval := fs.Int64("i", cfg.MinTaskInterval.Milliseconds(), "minimum task spacing (ms)")
	fs.Int64Var(&cfg.ChunkCleartextLength, "k", cfg.ChunkCleartextLength, "chunk cleartext length (bytes)")
	fs.Int64Var(&cfg.MaxChunkCount, "n", cfg.MaxChunkCount, "maximum chunks per attachment")
	fs.BoolVar(&cfg.StatementStats, "s", cfg.StatementStats, "sample statement timings")
	fs.StringVar(&cfg.MetricsAddr, "a", cfg.MetricsAddr, "metrics listen address")
	fs.StringVar(&cfg.NATSURL, "u", cfg.NATSURL, "NATS URL")
	fs.StringVar(&cfg.NATSSubjectPrefix, "p", cfg.NATSSubjectPrefix, "NATS subject prefix")
	uploadTimeout := fs.Int64("t", int64(cfg.UploadTimeout.Seconds()), "chunk upload timeout (s)")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.S3Bucket, "B", cfg.S3Bucket, "S3 relay bucket")
	fs.StringVar(&cfg.S3Region, "g", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3BaseEndpoint, "e", cfg.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&cfg.S3AccessKey, "A", cfg.S3AccessKey, "S3 access key")
	fs.StringVar(&cfg.S3SecretKey, "K", cfg.S3SecretKey, "S3 secret key")

	if err := fs.Parse(flagx.FilterArgs(args, knownFlags)); err != nil {
		return err
	}

	cfg.BackoffBase = time.Duration(*backoffBase) * time.Millisecond
	cfg.MinTaskInterval = time.Duration(*minInterval) * time.Millisecond
	cfg.UploadTimeout = time.Duration(*uploadTimeout) * time.Second
	return nil
}
