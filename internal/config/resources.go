package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
)

// Needs selects which external dependencies a binary connects to.
type Needs struct {
	// Postgres backs the edit log, checkpoints and snapshot references.
	Postgres bool
	// Redis backs the Redis sequencer.
	Redis bool
	// Object stores tree snapshots.
	Object bool
}

// Resources bundles the external connections of one process. Fields not
// selected by Needs are nil.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client
	cfg      Config
}

// NewResources connects to the selected dependencies and health-checks them.
func NewResources(ctx context.Context, cfg Config, needs Needs) (*Resources, error) {
	res := &Resources{cfg: cfg}

	if needs.Postgres {
		pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("parse postgres url: %w", err)
		}
		if res.Postgres, err = pgxpool.NewWithConfig(ctx, pgCfg); err != nil {
			return nil, fmt.Errorf("create postgres pool: %w", err)
		}
	}

	if needs.Redis {
		res.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	if needs.Object {
		if cfg.ObjectAccessKey == "" || cfg.ObjectSecretKey == "" {
			res.Close()
			return nil, errors.New("object storage credentials must be provided")
		}
		object, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
			Secure: cfg.ObjectUseSSL,
			Region: cfg.ObjectRegion,
		})
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("create object client: %w", err)
		}
		res.Object = object
	}

	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

// HealthCheck pings every connected dependency.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	if r.Postgres != nil {
		if err := r.Postgres.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if r.Redis != nil {
		if err := r.Redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	// Object storage has no ping; stat the snapshot bucket.
	if r.Object != nil {
		if _, err := r.Object.BucketExists(ctx, r.cfg.ObjectBucket); err != nil {
			errs = append(errs, fmt.Errorf("object storage: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("healthcheck failed: %w", err)
	}
	return nil
}

// EnsureBucket creates the snapshot bucket when it does not exist yet.
func (r *Resources) EnsureBucket(ctx context.Context) error {
	if r.Object == nil {
		return errors.New("object storage not configured")
	}
	exists, err := r.Object.BucketExists(ctx, r.cfg.ObjectBucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := r.Object.MakeBucket(ctx, r.cfg.ObjectBucket, minio.MakeBucketOptions{Region: r.cfg.ObjectRegion}); err != nil {
		return fmt.Errorf("create bucket %s: %w", r.cfg.ObjectBucket, err)
	}
	return nil
}

// Close disposes all active connections.
func (r *Resources) Close() {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
