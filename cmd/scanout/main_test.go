package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/1broseidon/scanout/internal/config"
	"github.com/1broseidon/scanout/internal/ipc"
)

func TestRoleLogFile(t *testing.T) {
	tests := []struct {
		path, role, want string
	}{
		{"", "client", ""},
		{"/var/log/scanout.log", "server", "/var/log/scanout.log"},
		{"/var/log/scanout.log", "client", "/var/log/scanout-client.log"},
		{"/var/log/scanout", "client", "/var/log/scanout-client"},
	}
	for _, tt := range tests {
		if got := roleLogFile(tt.path, tt.role); got != tt.want {
			t.Errorf("roleLogFile(%q, %q) = %q, want %q", tt.path, tt.role, got, tt.want)
		}
	}
}

func TestServeAndPresent_SimSession(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend = config.BackendSim
	cfg.Display.OutFence = true
	cfg.Display.Vblank = 200 * time.Microsecond
	cfg.Surface.Width, cfg.Surface.Height, cfg.Surface.MaxBuffers = 64, 48, 3
	cfg.Client.X, cfg.Client.Y = 8, 8
	cfg.Client.Width, cfg.Client.Height = 32, 24
	cfg.Client.Frames = 40
	logger := slog.New(slog.DiscardHandler)

	serverCh, clientCh, err := ipc.Pair()
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	defer serverCh.Close()

	errc := make(chan error, 1)
	go func() { errc <- serve(context.Background(), cfg, serverCh, logger) }()

	if err := present(context.Background(), cfg, clientCh, logger); err != nil {
		t.Fatalf("present: %v", err)
	}
	clientCh.Close()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("server did not stop after the client left")
	}
}

func TestServe_UnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend = "wayland"
	if err := serve(context.Background(), cfg, nil, slog.New(slog.DiscardHandler)); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestRunRole_RequiresFd(t *testing.T) {
	if rc := runRole("client", nil); rc != 2 {
		t.Fatalf("rc = %d, want 2", rc)
	}
}

func TestRunRestore_NoSavedSession(t *testing.T) {
	state := filepath.Join(t.TempDir(), "scanout-session.yaml")
	if rc := runRestore([]string{"--state", state}); rc != 0 {
		t.Fatalf("rc = %d, want 0", rc)
	}
}

func TestRunConfig(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("backend: sim\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("surface:\n  max_buffers: 99\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"validate good", []string{"validate", "--path", good}, 0},
		{"validate bad", []string{"validate", "--path", bad}, 1},
		{"print defaults", []string{"print", "--defaults"}, 0},
		{"explain", []string{"explain", "--path", good, "backend"}, 0},
		{"explain unknown", []string{"explain", "--path", good, "display.refresh"}, 1},
		{"explain without path", []string{"explain", "--path", good}, 2},
		{"unknown subcommand", []string{"lint"}, 2},
		{"no subcommand", nil, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rc := runConfig(tt.args); rc != tt.want {
				t.Fatalf("rc = %d, want %d", rc, tt.want)
			}
		})
	}
}

func TestProcessAlive(t *testing.T) {
	if processAlive(0) || processAlive(os.Getpid()) {
		t.Fatalf("own and zero pid must not count as a live session")
	}
	if !processAlive(os.Getppid()) {
		t.Fatalf("parent process should be alive")
	}
}
