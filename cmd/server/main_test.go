package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lastowl/nolongerevil-bridge/internal/nle"
	"github.com/lastowl/nolongerevil-bridge/internal/platform"
	"github.com/lastowl/nolongerevil-bridge/internal/storage"
)

func TestService_SaveAPIKey(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "bridge.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	key, err := storage.LoadOrCreateKey(filepath.Join(dir, "encryption.key"))
	if err != nil {
		t.Fatalf("LoadOrCreateKey: %v", err)
	}

	svc := &Service{
		db:       db,
		encKey:   key,
		creds:    nle.NewCredentials(""),
		platform: platform.New(platform.Config{}),
		ctx:      context.Background(),
		started:  true,
	}

	if err := svc.SaveAPIKey("nle_abc"); err != nil {
		t.Fatalf("SaveAPIKey: %v", err)
	}
	if got := svc.creds.APIKey(); got != "nle_abc" {
		t.Fatalf("credentials key = %q", got)
	}
	stored, err := key.LoadAPIKey(db)
	if err != nil || stored != "nle_abc" {
		t.Fatalf("stored key = %q, %v", stored, err)
	}

	// the web handler owns the credentials event
	logs, err := db.GetEventLogs(storage.EventLogFilter{})
	if err != nil {
		t.Fatalf("GetEventLogs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("SaveAPIKey wrote %d event rows, want 0", len(logs))
	}
}
