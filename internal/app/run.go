package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"climalog/internal/config"
	"climalog/internal/db"
	"climalog/internal/device"
	"climalog/internal/httpapi"
	"climalog/internal/modules/climate"
	"climalog/internal/modules/climate/decoder"
	"climalog/internal/modules/climate/repository"
	"climalog/internal/modules/climate/service"
	"climalog/internal/modules/climate/validator"
	"climalog/internal/mqtt"
	"climalog/internal/schema"
)

// Components is everything the service and the admin CLI build from Config.
type Components struct {
	DB         *sql.DB
	Repository repository.ClimateRepository
	Session    *device.Session
	Poller     *service.Poller
	Publisher  *mqtt.Publisher
}

// Build opens the database, ensures the schema and wires the poll pipeline.
// The MQTT publisher is created but not connected.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialect, err := db.DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c := &Components{DB: conn}

	if err := schema.Ensure(ctx, conn, dialect, cfg.Sources(), cfg.UniqueTimes); err != nil {
		_ = db.Close(conn)
		return nil, err
	}

	c.Repository, err = repository.NewRepository(conn, repository.Options{
		Dialect:      dialect,
		Sources:      cfg.Sources(),
		BatchSize:    cfg.BatchSize,
		LookbackDays: cfg.LookbackDays,
		Location:     cfg.Location,
		Logger:       logger,
	})
	if err != nil {
		_ = db.Close(conn)
		return nil, err
	}

	c.Session, err = device.NewSession(device.Config{
		Handshake:   cfg.DeviceHandshake,
		Ack:         cfg.DeviceAck,
		ReadTimeout: cfg.DeviceReadTimeout,
		Retry: device.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			Delay:       cfg.RetryDelay,
			Backoff:     device.Backoff(cfg.RetryBackoff),
		},
		Complete: decoder.Complete,
		Verify:   decoder.Verify,
		Logger:   logger,
	})
	if err != nil {
		_ = db.Close(conn)
		return nil, err
	}
	policy := c.Session.Policy()
	logger.Info("device session ready",
		"devices", len(cfg.Devices),
		"retryBounded", policy.Bounded(),
		"retryMaxAttempts", policy.MaxAttempts,
		"retryDelay", policy.Delay,
		"retryBackoff", policy.Backoff,
	)

	var publisher service.Publisher
	if cfg.MQTTBroker != "" {
		c.Publisher, err = mqtt.NewPublisher(cfg, logger)
		if err != nil {
			_ = db.Close(conn)
			return nil, err
		}
		publisher = c.Publisher
	}

	c.Poller, err = service.NewPoller(c.Session, c.Repository, service.Options{
		Devices:     cfg.Devices,
		Interval:    cfg.PollInterval,
		Timeout:     cfg.PollTimeout,
		OnStart:     cfg.PollOnStart,
		Concurrency: cfg.PollConcurrency,
		Bounds: validator.Bounds{
			TempMin:     cfg.TempMin,
			TempMax:     cfg.TempMax,
			HumidityMin: cfg.HumidityMin,
			HumidityMax: cfg.HumidityMax,
		},
		Location:  cfg.Location,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		_ = db.Close(conn)
		return nil, err
	}
	return c, nil
}

// ConnectPublisher connects MQTT with a short timeout. Publishing is optional,
// so a broker that is down is logged and skipped.
func (c *Components) ConnectPublisher(ctx context.Context) {
	if c.Publisher == nil {
		return
	}
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Publisher.Connect(connectCtx); err != nil {
		slog.Warn("mqtt connection failed (continuing, client keeps retrying)", "error", err)
	}
}

func (c *Components) Close() {
	if c.Publisher != nil {
		c.Publisher.Disconnect()
	}
	if err := db.Close(c.DB); err != nil {
		slog.Error("db close", "error", err)
	}
}

func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"dbDriver", cfg.Driver,
		"sqlitePath", cfg.Path,
		"devices", len(cfg.Devices),
		"pollInterval", cfg.PollInterval,
		"pollTimeout", cfg.PollTimeout,
		"lookbackDays", cfg.LookbackDays,
		"timezone", cfg.Location.String(),
		"mqttBroker", cfg.MQTTBroker,
	)

	c, err := Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	slog.Info("database ready", "sources", cfg.Sources())

	c.ConnectPublisher(ctx)

	mux := httpapi.NewMux(c.Repository, c.Poller)
	climate.RegisterFeature(mux, c.Repository, c.Poller, cfg.Location)
	srv := httpapi.NewServer(cfg, mux, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Poller.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("http shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
