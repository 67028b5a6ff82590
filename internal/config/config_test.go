package config

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assert.Equal(t, cfg.AppName, "tree-sync-engine")
	assert.Equal(t, cfg.ObjectBucket, "tree-sync")
	assert.Equal(t, cfg.TrunkWindow, 4096)
	assert.Equal(t, cfg.SnapshotInterval, 15*time.Second)
	assert.Equal(t, cfg.JWTSecret, "s3cret")
	assert.Equal(t, cfg.TraceSampleRatio, 1.0)
}

func TestLoadOverridesAndBadValues(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("OBJECT_BUCKET", "snapshots-7")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("OBJECT_USE_SSL", "true")
	t.Setenv("SNAPSHOT_INTERVAL", "not-a-duration")
	t.Setenv("TRUNK_WINDOW", "x")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assert.Equal(t, cfg.ObjectBucket, "snapshots-7")
	assert.Equal(t, cfg.RedisDB, 3)
	assert.Equal(t, cfg.ObjectUseSSL, true)
	assert.Equal(t, cfg.SnapshotInterval, 15*time.Second)
	assert.Equal(t, cfg.TrunkWindow, 4096)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected an error without JWT_SECRET")
	}
}

func TestLoadRejectsNonPositiveTrunkWindow(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("TRUNK_WINDOW", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("expected an error for TRUNK_WINDOW=0")
	}
}
