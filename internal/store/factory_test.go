package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cerrors "github.com/coalescedb/coalesce/internal/errors"
)

func TestNewFactoryRequiresPath(t *testing.T) {
	_, err := NewFactory(FactoryConfig{})
	if err == nil {
		t.Fatal("expected error for empty path")
	}
	if code := cerrors.GetCode(err); code != cerrors.CodeConfigurationInvalid {
		t.Errorf("expected code %s, got %s", cerrors.CodeConfigurationInvalid, code)
	}
}

func TestNewFactoryRejectsBadSynchronous(t *testing.T) {
	cfg := DefaultFactoryConfig("test.db")
	cfg.Synchronous = "EXTRA"
	if _, err := NewFactory(cfg); err == nil {
		t.Fatal("expected error for invalid synchronous mode")
	}
}

func TestDSNContainsTuningParams(t *testing.T) {
	f, err := NewFactory(DefaultFactoryConfig("/tmp/scores.db"))
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}

	dsn := f.DSN()
	for _, want := range []string{
		"_journal_mode=WAL",
		"_busy_timeout=5000",
		"_synchronous=NORMAL",
		"_cache_size=-65536",
		"_txlock=immediate",
	} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN missing %q: %s", want, dsn)
		}
	}
}

func TestDSNReadOnly(t *testing.T) {
	cfg := DefaultFactoryConfig("/tmp/scores.db")
	cfg.ReadOnly = true
	f, err := NewFactory(cfg)
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}

	dsn := f.DSN()
	if !strings.Contains(dsn, "mode=ro") {
		t.Errorf("read-only DSN missing mode=ro: %s", dsn)
	}
	if strings.Contains(dsn, "_txlock=immediate") {
		t.Errorf("read-only DSN must not request immediate transactions: %s", dsn)
	}
}

func TestOpenCreatesUsableHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factory.db")
	f, err := NewFactory(DefaultFactoryConfig(path))
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := f.Open(ctx)
	if err != nil {
		t.Fatalf("failed to open handle: %v", err)
	}
	defer h.Close()

	if h.ID() == "" {
		t.Error("expected non-empty handle ID")
	}

	var mode string
	if err := h.DB().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("failed to query journal mode: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Errorf("expected WAL journal mode, got %s", mode)
	}
}

func TestOpenDistinctIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factory.db")
	f, err := NewFactory(DefaultFactoryConfig(path))
	if err != nil {
		t.Fatalf("failed to create factory: %v", err)
	}

	ctx := context.Background()
	h1, err := f.Open(ctx)
	if err != nil {
		t.Fatalf("failed to open first handle: %v", err)
	}
	defer h1.Close()

	h2, err := f.Open(ctx)
	if err != nil {
		t.Fatalf("failed to open second handle: %v", err)
	}
	defer h2.Close()

	if h1.ID() == h2.ID() {
		t.Error("expected distinct handle IDs")
	}
}
