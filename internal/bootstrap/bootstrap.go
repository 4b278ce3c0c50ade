// Package bootstrap builds the configured storage backend and downstream
// pipeline for the service and the operator CLI.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/manual-obs-collector/internal/adapter/kafka"
	"github.com/couchcryptid/manual-obs-collector/internal/adapter/pipelinehttp"
	"github.com/couchcryptid/manual-obs-collector/internal/adapter/postgres"
	"github.com/couchcryptid/manual-obs-collector/internal/adapter/sqlite"
	"github.com/couchcryptid/manual-obs-collector/internal/config"
	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/ingest"
	"github.com/couchcryptid/manual-obs-collector/internal/reconcile"
	"github.com/couchcryptid/manual-obs-collector/internal/seed"
)

// Store is the full surface both storage backends implement.
type Store interface {
	ingest.Store
	ingest.Directory
	reconcile.Store
	reconcile.StationLister
	seed.Writer
	ListStationLinksForUser(ctx context.Context, userID string) ([]domain.StationLink, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// OpenStore connects to the backend named by cfg.StoreDriver and applies
// its schema.
func OpenStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

// Pipeline is a reconcile.Pipeline that may hold a connection to release.
type Pipeline interface {
	reconcile.Pipeline
	Close() error
}

// NewPipeline builds the downstream pipeline for cfg.PipelineMode. It
// returns nil for PipelineNone.
func NewPipeline(cfg *config.Config, logger *slog.Logger) (Pipeline, error) {
	switch cfg.PipelineMode {
	case config.PipelineNone:
		return nil, nil
	case config.PipelineHTTP:
		return nopCloser{pipelinehttp.NewClient(cfg.PipelineURL, cfg.PipelineToken, cfg.PipelineTimeout, logger)}, nil
	case config.PipelineKafka:
		return kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaSinkTopic, cfg.BatchFlushInterval, logger), nil
	default:
		return nil, fmt.Errorf("unsupported pipeline mode %q", cfg.PipelineMode)
	}
}

type nopCloser struct {
	reconcile.Pipeline
}

func (nopCloser) Close() error { return nil }
