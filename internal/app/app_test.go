package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mailrelay/internal/lifecycle"
	"mailrelay/internal/mail"
)

func writeConfig(t *testing.T, path string, enabled bool) {
	t.Helper()
	store := filepath.Join(filepath.Dir(path), "store.json")
	body := fmt.Sprintf(`{
  "logging": {"level": "error"},
  "storage": {"driver": "file", "path": %q},
  "channel": {"kind": "log"},
  "watcher": {"enabled": %t}
}`, store, enabled)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func startApp(t *testing.T, path string) *App {
	t.Helper()
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNotifiedMailsSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, true)
	rec := mail.Record{Sender: "a@example.com", Title: "Hello", Content: "hi", Timestamp: "2026-01-02 03:04", Size: "1 kB"}
	batch := mail.Batch{Source: "test", Records: []mail.Record{rec}}

	a := startApp(t, path)
	if st := a.Controller().State(); st != lifecycle.Running {
		t.Fatalf("state = %s, want running", st)
	}
	if err := a.hub.Publish(context.Background(), batch); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	stopApp(t, a)
	if n := a.svc.Totals().Notified; n != 1 {
		t.Fatalf("first run notified = %d, want 1", n)
	}

	b := startApp(t, path)
	if err := b.hub.Publish(context.Background(), batch); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	stopApp(t, b)
	tot := b.svc.Totals()
	if tot.Notified != 0 || tot.Skipped != 1 {
		t.Fatalf("second run totals = %+v, want one skip", tot)
	}
}

func TestWatcherToggleHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, false)
	a := startApp(t, path)
	defer stopApp(t, a)

	if st := a.Controller().State(); st != lifecycle.Idle {
		t.Fatalf("state = %s, want idle", st)
	}
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, true)

	deadline := time.Now().Add(5 * time.Second)
	for a.Controller().State() != lifecycle.Running {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s after reload, want running", a.Controller().State())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"channel":{"kind":"carrier-pigeon"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatal("NewApp accepted an unknown channel kind")
	}
}
