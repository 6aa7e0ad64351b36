package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shineum/smtp-sink-lite/internal/config"
	"github.com/shineum/smtp-sink-lite/internal/notify"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestSelectRelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		relay    config.RelayConfig
		wantName string
		wantErr  bool
	}{
		{name: "disabled", wantName: ""},
		{name: "stdout", relay: config.RelayConfig{Provider: config.RelayStdout}, wantName: "stdout"},
		{
			name: "graph auto-detected",
			relay: config.RelayConfig{Graph: config.GraphConfig{
				TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "sender@example.com",
			}},
			wantName: "msgraph",
		},
		{name: "unknown", relay: config.RelayConfig{Provider: "carrier-pigeon"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := &config.Config{Relay: tt.relay}
			p, err := selectRelay(context.Background(), cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got := ""
			if p != nil {
				got = p.Name()
			}
			if got != tt.wantName {
				t.Errorf("relay: got %q, want %q", got, tt.wantName)
			}
		})
	}
}

func TestOpenStore_Memory(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Storage: config.StorageConfig{Driver: config.DriverMemory, MessagesLimit: 5}}
	st, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeStore()

	if st.Name() != "memory" {
		t.Errorf("store: got %q, want %q", st.Name(), "memory")
	}
}

func TestOpenPublisher_BrokerOnly(t *testing.T) {
	t.Parallel()

	broker := notify.NewBroker()
	pub, redis, closePublisher, err := openPublisher(context.Background(), &config.Config{}, broker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closePublisher()

	if redis != nil {
		t.Errorf("redis: got %v, want nil", redis)
	}

	multi, ok := pub.(notify.Multi)
	if !ok || len(multi) != 1 {
		t.Errorf("publisher: got %#v, want broker only", pub)
	}
}

func TestImportCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.mbox")
	archive := "From alice@example.com Mon Jan  1 00:00:00 2024\n" +
		"From: Alice <alice@example.com>\n" +
		"To: bob@example.com\n" +
		"Subject: One\n" +
		"\n" +
		"first\n" +
		"\n" +
		"From nobody Mon Jan  1 00:00:00 2024\n" +
		"From: Nobody\n" +
		"Subject: Two\n" +
		"\n" +
		"second\n"
	if err := os.WriteFile(path, []byte(archive), 0o600); err != nil {
		t.Fatalf("write mbox: %v", err)
	}

	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("REDIS_URL", "")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"import", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("import: %v", err)
	}

	if got := strings.TrimSpace(out.String()); got != "imported 1 messages, rejected 1" {
		t.Errorf("output: got %q", got)
	}
}
