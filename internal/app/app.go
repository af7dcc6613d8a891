// Package app wires the outbox daemon: configuration, store, outbox service,
// notification sinks, the server API collaborator, the transfer engine and
// the metrics endpoint. Run blocks until a signal or context cancellation.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/outboxd/internal/config"
	"github.com/dmitrijs2005/outboxd/internal/dbx"
	"github.com/dmitrijs2005/outboxd/internal/filex"
	"github.com/dmitrijs2005/outboxd/internal/logging"
	"github.com/dmitrijs2005/outboxd/internal/notify"
	"github.com/dmitrijs2005/outboxd/internal/outbox"
	"github.com/dmitrijs2005/outboxd/internal/telemetry"
	"github.com/dmitrijs2005/outboxd/internal/transfer"
	"github.com/dmitrijs2005/outboxd/internal/transport"
	"github.com/dmitrijs2005/outboxd/internal/transport/httpx"
	"github.com/dmitrijs2005/outboxd/internal/transport/natsapi"
	"github.com/dmitrijs2005/outboxd/internal/transport/s3relay"
)

const (
	clientName      = "outboxd"
	shutdownTimeout = 5 * time.Second
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	store   *dbx.Store
	nc      *nats.Conn
	outbox  *outbox.Service
	engine  *transfer.Engine
	metrics *http.Server
}

func NewApp(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.NewJSON(os.Stdout, cfg.LogLevel)
	}
	app := &App{config: cfg, logger: logger}

	if cfg.DatabasePath != ":memory:" {
		if _, err := filex.EnsureParentDir(cfg.DatabasePath); err != nil {
			return nil, fmt.Errorf("db dir: %w", err)
		}
	}
	store, err := dbx.NewManager(
		dbx.WithLogger(logger),
		dbx.WithStatementStats(cfg.StatementStats),
	).Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	app.store = store

	bus := notify.NewBus(logger)
	sinks := notify.Multi{bus}

	api, err := app.serverAPI(ctx, &sinks)
	if err != nil {
		app.close()
		return nil, err
	}

	app.outbox = outbox.New(store, sinks,
		outbox.WithLogger(logger),
		outbox.WithChunking(cfg.ChunkCleartextLength, int(cfg.MaxChunkCount)),
	)

	opts := []transfer.Option{
		transfer.WithLogger(logger),
		transfer.WithWorkers(cfg.AttachmentWorkers, cfg.MessageWorkers),
		transfer.WithBackoffBase(cfg.BackoffBase),
		transfer.WithMinInterval(cfg.MinTaskInterval),
	}
	if api != nil {
		opts = append(opts, transfer.WithServerAPI(api))
	}
	client := httpx.New(cfg.UploadTimeout, httpx.WithLogger(logger))
	app.engine = transfer.New(app.outbox, bus, client, opts...)
	if app.nc != nil {
		app.nc.SetReconnectHandler(app.onReconnect)
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		app.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	return app, nil
}

// serverAPI picks the server collaborator: NATS when configured, the S3
// relay when a bucket is set, none otherwise. A NATS connection also gets a
// notification sink.
func (app *App) serverAPI(ctx context.Context, sinks *notify.Multi) (transport.ServerAPI, error) {
	cfg := app.config
	switch {
	case cfg.NATSURL != "":
		nc, err := notify.Connect(cfg.NATSURL, clientName, -1,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				app.logger.Warn(ctx, "nats disconnected", "error", err)
			}),
		)
		if err != nil {
			return nil, err
		}
		app.nc = nc
		*sinks = append(*sinks, notify.NewNATSSink(nc, cfg.NATSSubjectPrefix, app.logger))
		return natsapi.New(nc, cfg.NATSSubjectPrefix, app.logger), nil

	case cfg.S3Bucket != "":
		relay, err := s3relay.New(ctx, s3relay.Config{
			Endpoint:  cfg.S3BaseEndpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			URLExpiry: cfg.S3URLExpiry,
		}, app.logger)
		if err != nil {
			return nil, fmt.Errorf("s3 relay: %w", err)
		}
		return relay, nil
	}
	return nil, nil
}

// onReconnect runs on a NATS goroutine; it is registered once the engine
// exists.
func (app *App) onReconnect(*nats.Conn) {
	app.logger.Info(context.Background(), "nats reconnected, retrying pending work")
	app.engine.RetryNow()
}

// Outbox is the service producers use to put messages and receipts in the
// outbox.
func (app *App) Outbox() *outbox.Service { return app.outbox }

func (app *App) initSignalHandler(ctx context.Context, cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			cancelFunc()
		case <-ctx.Done():
		}
	}()
}

func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "db", app.config.DatabasePath)
	app.initSignalHandler(ctx, cancelFunc)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := app.engine.Start(gctx); err != nil {
			return fmt.Errorf("transfer engine: %w", err)
		}
		app.engine.Wait()
		return nil
	})

	if app.metrics != nil {
		g.Go(func() error {
			app.logger.Info(gctx, "metrics listening", "addr", app.metrics.Addr)
			if err := app.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return app.metrics.Shutdown(sctx)
		})
	}

	err := g.Wait()
	app.close()
	app.logger.Info(context.Background(), "app stopped")
	return err
}

func (app *App) close() {
	ctx := context.Background()
	if app.nc != nil {
		if err := app.nc.Drain(); err != nil {
			app.logger.Warn(ctx, "nats drain", "error", err)
		}
	}
	if app.store == nil {
		return
	}
	for tag, st := range app.store.Stats() {
		app.logger.Info(ctx, "statement stats", "tag", tag, "count", st.Count, "total", st.Total)
	}
	if err := app.store.Close(); err != nil {
		app.logger.Warn(ctx, "close store", "error", err)
	}
	app.store = nil
}
