package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"aggregator/internal/config"
	"aggregator/internal/provider"
	"aggregator/internal/provider/fake"
	"aggregator/internal/provider/httpapi"
	"aggregator/internal/record"
	"aggregator/internal/record/memory"
	"aggregator/internal/record/mongostore"
	"aggregator/internal/record/redisstore"
	"aggregator/internal/record/sqlstore"
	"aggregator/internal/storage"
	"aggregator/internal/storage/fs"
	"aggregator/internal/storage/httpput"
	"aggregator/internal/storage/s3"
)

// storeConfig selects the record store backend.
type storeConfig struct {
	Driver      string // memory, sqlite, postgres, redis, mongo
	DSN         string
	Database    string // mongo only
	KeyPrefix   string // redis only
	Environment string // production, staging, development, ...
}

func loadStoreConfig() storeConfig {
	return storeConfig{
		Environment: config.GetEnv("ENVIRONMENT", "development"),
		Driver:      config.GetEnv("STORE_DRIVER", "memory"),
		DSN:         config.GetEnv("STORE_DSN", ""),
		Database:    config.GetEnv("STORE_DATABASE", "aggregator"),
		KeyPrefix:   config.GetEnv("STORE_KEY_PREFIX", redisstore.DefaultKeyPrefix),
	}
}

func openStore(ctx context.Context, cfg storeConfig) (record.Store, error) {
	switch cfg.Driver {
	case "memory":
		if strings.EqualFold(cfg.Environment, "production") {
			// The mutex only orders writers inside this process; a second
			// replica would fill the same slots independently.
			slog.Error("In-memory record store used in production - slot writes are only exclusive within this instance, run exactly one replica or switch STORE_DRIVER",
				"environment", cfg.Environment)
		} else {
			slog.Warn("Using in-memory record store - records are lost on restart and not shared between instances")
		}
		return memory.New(), nil
	case sqlstore.DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "aggregator.db"
		}
		return sqlstore.Open(sqlstore.DriverSQLite, dsn)
	case sqlstore.DriverPostgres:
		return sqlstore.Open(sqlstore.DriverPostgres, cfg.DSN)
	case "redis":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "redis://localhost:6379/0"
		}
		return redisstore.Open(dsn, redisstore.WithKeyPrefix(cfg.KeyPrefix))
	case "mongo":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "mongodb://localhost:27017"
		}
		return mongostore.Open(ctx, dsn, cfg.Database)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Driver)
	}
}

// providerBackend is the selected provider plus the handler serving fake
// outputs, which is nil for real providers.
type providerBackend struct {
	provider.Provider
	outputs http.Handler
}

func openProvider(publicURL string) (*providerBackend, error) {
	switch driver := config.GetEnv("PROVIDER_DRIVER", "fake"); driver {
	case "http":
		cfg := httpapi.LoadConfigFromEnv()
		if err := storage.ValidateURL(cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("PROVIDER_URL: %w", err)
		}
		return &providerBackend{Provider: httpapi.New(cfg)}, nil
	case "fake":
		slog.Warn("Using fake provider", "outputs", publicURL+fake.OutputPath)
		p := fake.New(fake.Config{
			PollsToSucceed: config.GetIntEnv("FAKE_PROVIDER_POLLS", 2),
			OutputBaseURL:  publicURL,
		})
		return &providerBackend{Provider: p, outputs: p.Handler()}, nil
	default:
		return nil, fmt.Errorf("unknown PROVIDER_DRIVER %q", driver)
	}
}

// storageBackend is the selected object store plus the handler serving it,
// which is nil unless objects live on local disk.
type storageBackend struct {
	storage.ObjectStore
	handler http.Handler
}

func openStorage(ctx context.Context, publicURL string) (*storageBackend, error) {
	switch driver := config.GetEnv("STORAGE_DRIVER", "fs"); driver {
	case "fs":
		base := config.GetEnv("STORAGE_PUBLIC_URL", storage.JoinURL(publicURL, "objects"))
		st, err := fs.New(config.GetEnv("STORAGE_DIR", "./data/objects"), base)
		if err != nil {
			return nil, err
		}
		return &storageBackend{ObjectStore: st, handler: st.Handler()}, nil
	case "http":
		cfg := httpput.LoadConfigFromEnv()
		if err := storage.ValidateURL(cfg.UploadURL); err != nil {
			return nil, fmt.Errorf("STORAGE_UPLOAD_URL: %w", err)
		}
		return &storageBackend{ObjectStore: httpput.New(cfg)}, nil
	case "s3":
		st, err := s3.New(ctx, s3.LoadConfigFromEnv())
		if err != nil {
			return nil, err
		}
		return &storageBackend{ObjectStore: st}, nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", driver)
	}
}
