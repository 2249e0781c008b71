package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cluster.Epsilon != 0.15 {
		t.Fatalf("unexpected epsilon: %v", cfg.Cluster.Epsilon)
	}
	if cfg.Cluster.LatenessWindow != 24*time.Hour {
		t.Fatalf("unexpected lateness window: %v", cfg.Cluster.LatenessWindow)
	}
	if cfg.Cluster.MinPts != 2 {
		t.Fatalf("unexpected min_pts: %d", cfg.Cluster.MinPts)
	}
	if cfg.Propagation.ExactSim <= cfg.Propagation.ParaphraseSim {
		t.Fatalf("band ordering broken: %+v", cfg.Propagation)
	}
	if cfg.Network.TrackedPlatforms != 5 {
		t.Fatalf("unexpected tracked platforms: %d", cfg.Network.TrackedPlatforms)
	}
}

func TestValidateRejectsBadEpsilon(t *testing.T) {
	cfg := ClusterConfig{Epsilon: 1.5, MinPts: 2, LatenessWindow: time.Hour, Buckets: 4, EmbeddingDim: 8}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for epsilon out of range")
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", DBName: "viraltrace", User: "vt", Password: "pw"}
	dsn, err := p.DSN()
	if err != nil {
		t.Fatalf("DSN: %v", err)
	}
	want := "postgres://vt:pw@db:5432/viraltrace?sslmode=disable"
	if dsn != want {
		t.Fatalf("unexpected dsn: %s", dsn)
	}

	if _, err := (PostgresConfig{}).DSN(); err == nil {
		t.Fatalf("expected error for unconfigured postgres")
	}
}

func TestLedgerValidate(t *testing.T) {
	if err := (LedgerConfig{}).Validate(); err == nil {
		t.Fatalf("expected error for missing master key")
	}
	if err := (LedgerConfig{MasterKey: "ab", MaxAppendAttempts: 0}).Validate(); err == nil {
		t.Fatalf("expected error for zero append attempts")
	}
}
