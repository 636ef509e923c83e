// Command tinycdpd starts the CDP HTTP server: identity resolution, event
// ingestion, trait/segment recomputation, and flag decisions behind one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cajpany/tinycdp/config"
	"github.com/cajpany/tinycdp/internal/credential"
	"github.com/cajpany/tinycdp/internal/decision"
	"github.com/cajpany/tinycdp/internal/eventstore"
	"github.com/cajpany/tinycdp/internal/filedata"
	"github.com/cajpany/tinycdp/internal/httpapi"
	"github.com/cajpany/tinycdp/internal/identity"
	"github.com/cajpany/tinycdp/internal/logging"
	"github.com/cajpany/tinycdp/internal/metrics"
	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/pipeline"
	"github.com/cajpany/tinycdp/internal/segments"
	"github.com/cajpany/tinycdp/internal/store"
	"github.com/cajpany/tinycdp/internal/store/consulwatch"
	"github.com/cajpany/tinycdp/internal/store/dynamolog"
	"github.com/cajpany/tinycdp/internal/store/memstore"
	"github.com/cajpany/tinycdp/internal/store/pgnotify"
	"github.com/cajpany/tinycdp/internal/store/postgres"
	"github.com/cajpany/tinycdp/internal/store/rediscache"
	"github.com/cajpany/tinycdp/internal/traits"
)

func main() {
	var seedAdminKey string
	flag.StringVar(&seedAdminKey, "seed-admin-key", "", "raw admin API key to seed on startup (dev convenience only)")
	flag.Parse()

	loggers := logging.NewDefaultLoggers()

	c := config.DefaultConfig
	if err := config.LoadFromEnvironment(&c); err != nil {
		loggers.Errorf("error loading configuration: %s", err)
		os.Exit(1)
	}
	loggers.SetMinLevel(levelFromName(c.Main.LogLevel))

	ctx := context.Background()

	st, postgresURL, closeStore := buildStore(ctx, c, loggers)
	defer closeStore()

	closeDefinitions := loadDefinitions(ctx, c, st, loggers)
	defer closeDefinitions()

	if seedAdminKey != "" {
		if ms, ok := st.(*memstore.Store); ok {
			ms.SeedAPIKey(model.APIKey{ID: "seed-admin", Kind: model.APIKeyAdmin, HashOfKey: credential.HashKey(seedAdminKey)})
			loggers.Infof("seeded admin API key %s", credential.Mask(seedAdminKey))
		} else {
			loggers.Warnf("-seed-admin-key is only supported against the in-memory store")
		}
	}

	auth := credential.NewAuthorizer(func(hash string) (model.APIKey, bool, error) {
		return st.GetAPIKeyByHash(context.Background(), hash)
	})

	events := eventstore.New(st)
	ident := identity.New(st, loggers)
	traitComputer := traits.New(st, events, loggers)
	segmentComputer := segments.New(st, loggers)
	decisionEngine := decision.New(st, loggers)
	defer decisionEngine.Close()

	if postgresURL != "" {
		notifyListener, err := pgnotify.NewListener(postgresURL, decisionEngine, loggers)
		if err != nil {
			loggers.Warnf("failed to start postgres notification listener, cross-instance cache invalidation disabled: %s", err)
		} else {
			defer notifyListener.Close()
		}
	}

	orchestrator := pipeline.New(ident, events, traitComputer, segmentComputer, decisionEngine, loggers)

	metricsManager := metrics.NewManager(c.Metrics, loggers)
	defer metricsManager.Close()
	decisionEngine.SetRecorder(metricsManager)
	orchestrator.SetRecorder(metricsManager)

	server := httpapi.NewServer(orchestrator, decisionEngine, st, auth, metricsManager, loggers)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.Main.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		loggers.Infof("listening on port %d", c.Main.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errs:
		loggers.Errorf("http server error: %s", err)
		os.Exit(1)
	case <-sig:
		loggers.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			loggers.Errorf("error during shutdown: %s", err)
		}
	}
}

// buildStore assembles the Store stack: Postgres (or in-memory) as the backing
// store, with Redis read-through caching and a DynamoDB event mirror layered on
// top when configured. The second return value is the Postgres URL actually in use
// (empty if the in-memory store was used instead), needed by main to start
// internal/store/pgnotify once the decision engine exists.
func buildStore(ctx context.Context, c config.Config, loggers *logging.Loggers) (store.Store, string, func()) {
	var (
		st          store.Store
		postgresURL string
		closers     []func() error
	)

	if c.Postgres.URL == "" {
		loggers.Info("no DATABASE_URL configured, using in-memory store")
		st = memstore.New()
	} else {
		pg, err := postgres.Open(ctx, postgres.Config{
			URL:             c.Postgres.URL,
			MaxOpenConns:    c.Postgres.MaxOpenConns,
			ConnMaxLifetime: c.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			loggers.Errorf("failed to connect to postgres, falling back to in-memory store: %s", err)
			st = memstore.New()
		} else {
			loggers.Info("using postgres-backed store")
			st = pg
			postgresURL = c.Postgres.URL
		}
	}
	closers = append(closers, st.Close)

	if c.DynamoDB.Enabled {
		mirrored, err := dynamolog.New(ctx, dynamolog.Config{
			TableName: c.DynamoDB.TableName,
			Region:    c.DynamoDB.Region,
		}, st, func(err error) {
			loggers.Warnf("dynamodb event mirror write failed: %s", err)
		})
		if err != nil {
			loggers.Errorf("failed to configure dynamodb event mirror, continuing without it: %s", err)
		} else {
			loggers.Info("mirroring events to dynamodb")
			st = mirrored
		}
	}

	if c.Redis.URL != "" {
		cached, err := rediscache.New(ctx, c.Redis.URL, c.Redis.LocalTTL, st)
		if err != nil {
			loggers.Errorf("failed to connect to redis, continuing without read-through cache: %s", err)
		} else {
			loggers.Info("caching trait/segment reads in redis")
			st = cached
		}
	}

	return st, postgresURL, func() {
		for _, fn := range closers {
			_ = fn()
		}
	}
}

// loadDefinitions applies any file- or Consul-sourced trait/segment/flag
// definitions configured for this deployment, on top of whatever the admin API has
// already written. Either source is optional and additive to the other.
func loadDefinitions(ctx context.Context, c config.Config, st store.Store, loggers *logging.Loggers) func() {
	var closers []func() error

	if c.Definitions.FilePath != "" {
		if c.Definitions.Watch {
			w, err := filedata.NewWatcher(ctx, c.Definitions.FilePath, st, loggers)
			if err != nil {
				loggers.Errorf("failed to start definitions file watcher: %s", err)
			} else {
				closers = append(closers, w.Close)
			}
		} else if err := filedata.Load(ctx, c.Definitions.FilePath, st, loggers); err != nil {
			loggers.Errorf("failed to load definitions file: %s", err)
		}
	}

	if c.Consul.Address != "" {
		watcher, err := consulwatch.New(c.Consul.Address, c.Consul.Prefix, st, loggers)
		if err != nil {
			loggers.Errorf("failed to configure consul definitions watcher: %s", err)
		} else {
			watchCtx, cancel := context.WithCancel(ctx)
			go func() {
				if err := watcher.Run(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
					loggers.Warnf("consul definitions watcher stopped: %s", err)
				}
			}()
			closers = append(closers, func() error { cancel(); return nil })
		}
	}

	return func() {
		for _, fn := range closers {
			_ = fn()
		}
	}
}

func levelFromName(name string) logging.Level {
	switch name {
	case "debug":
		return logging.Debug
	case "warn":
		return logging.Warn
	case "error":
		return logging.Error
	default:
		return logging.Info
	}
}
