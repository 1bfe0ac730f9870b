package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/thebluefowl/leafcache/internal/auth"
	"github.com/thebluefowl/leafcache/internal/cache"
	"github.com/thebluefowl/leafcache/internal/cache/kv"
	"github.com/thebluefowl/leafcache/internal/cache/sqlite"
	"github.com/thebluefowl/leafcache/internal/cloudsync"
	"github.com/thebluefowl/leafcache/internal/config"
	"github.com/thebluefowl/leafcache/internal/eviction"
	"github.com/thebluefowl/leafcache/internal/imagestore"
	"github.com/thebluefowl/leafcache/internal/logging"
	"github.com/thebluefowl/leafcache/internal/registry"
	"github.com/thebluefowl/leafcache/internal/signer"
	"github.com/thebluefowl/leafcache/internal/storage"
	"github.com/thebluefowl/leafcache/internal/storage/s3"
)

// app is everything a command needs, wired from settings and credentials.
type app struct {
	settings config.Settings
	log      zerolog.Logger
	objects  storage.ObjectStore // nil when offline
	store    *imagestore.Store
}

// runWithApp loads settings, applies the command timeout, wires the store
// and runs fn. observer, if set, receives per-record sync events.
func runWithApp(cmd *cobra.Command, observer func(cloudsync.Event), fn func(ctx context.Context, a *app) error) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), settings.CommandTimeout)
	defer cancel()

	a, err := openApp(ctx, settings, observer)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			a.log.Error().Err(err).Msg("failed to close local cache")
		}
	}()

	return fn(ctx, a)
}

func loadSettings() (config.Settings, error) {
	path := settingsFlag
	if path == "" {
		p, err := config.SettingsPath()
		if err != nil {
			return config.Settings{}, err
		}
		path = p
	}
	return config.LoadSettings(path)
}

func openApp(ctx context.Context, settings config.Settings, observer func(cloudsync.Event)) (*app, error) {
	log := logging.New(os.Stderr)
	a := &app{settings: settings, log: log}

	var session auth.Session = auth.Static("")
	if !offlineFlag {
		cfg, err := loadOrSetupConfig()
		if err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
		client, err := initObjectStore(ctx, cfg, settings)
		if err != nil {
			return nil, err
		}
		a.objects = client
		session = auth.Static(cfg.UserID)
	}

	backend, err := cache.Open(ctx, cache.Options{
		Dir:    settings.CacheDir,
		Prefer: preferredKind(settings.Backend),
		SQLite: sqlite.Open,
		KV:     kv.Open,
	}, log)
	if err != nil {
		return nil, err
	}

	opts := imagestore.Options{
		Backend:  backend,
		Registry: registry.New(backend, nil, log),
		Eviction: eviction.New(eviction.Options{
			Retention:    settings.Retention,
			KeepUnsynced: settings.KeepUnsynced,
			Logger:       log,
		}),
		Logger: log,
		OnDegraded: func(d imagestore.Degradation) {
			color.Yellow("⚠ %s %s degraded: %v", d.Op, d.ID, d.Err)
		},
	}
	if a.objects != nil {
		broker := signer.New(a.objects, signer.Options{DefaultTTL: settings.SignedURLTTL})
		opts.Broker = broker
		opts.Engine = cloudsync.New(cloudsync.Options{
			Store:       a.objects,
			Backend:     backend,
			Session:     session,
			Broker:      broker,
			Concurrency: settings.SyncConcurrency,
			Logger:      log,
			Observer:    observer,
		})
	}

	store, err := imagestore.New(opts)
	if err != nil {
		return nil, errors.Join(err, backend.Close())
	}
	a.store = store
	return a, nil
}

func preferredKind(backend string) cache.Kind {
	switch backend {
	case "kv":
		return cache.KindKV
	case "sqlite":
		return cache.KindSQLite
	default:
		return ""
	}
}

// initObjectStore builds the S3-compatible client from saved credentials.
func initObjectStore(ctx context.Context, cfg *config.Config, settings config.Settings) (*s3.Client, error) {
	client, err := s3.New(ctx, &s3.Opts{
		Bucket:     cfg.BucketName,
		Region:     cfg.Region,
		Endpoint:   cfg.Endpoint,
		AccessKey:  cfg.KeyID,
		SecretKey:  cfg.AppKey,
		PartSizeMB: settings.PartSizeMB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object store client: %w", err)
	}
	return client, nil
}

// loadOrSetupConfig loads existing config or runs setup
func loadOrSetupConfig() (*config.Config, error) {
	if !config.Exists() {
		return setup()
	}

	password, err := askMasterPassword()
	if err != nil {
		return nil, fmt.Errorf("failed to get master password: %w", err)
	}

	cfg, err := config.Load(password)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
