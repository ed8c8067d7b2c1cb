package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewHandler_FormatSelection(t *testing.T) {
	tests := []struct {
		name   string
		format string
		tty    bool
		json   bool
	}{
		{"auto terminal", "auto", true, false},
		{"auto pipe", "auto", false, true},
		{"forced text", "text", false, false},
		{"forced json", "json", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			slog.New(NewHandler(&buf, tt.format, tt.tty, slog.LevelInfo)).Info("frame", "index", 3)
			isJSON := json.Valid(bytes.TrimSpace(buf.Bytes()))
			if isJSON != tt.json {
				t.Fatalf("json output = %v, want %v: %q", isJSON, tt.json, buf.String())
			}
		})
	}
}

func TestNewHandler_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "text", false, slog.LevelWarn))
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestNew_WritesFileWithRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "scanout.log")
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer devnull.Close()

	logger, closer, err := New(Options{Level: "debug", Format: "json", File: path, MaxSizeMB: 1, MaxFiles: 2, Role: "server"}, devnull)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug("session started", "engine", "sim")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	if rec["role"] != "server" || rec["engine"] != "sim" || rec["msg"] != "session started" {
		t.Fatalf("record = %v", rec)
	}
}

func TestRotatingFile_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanout.log")
	rf, err := OpenRotatingFile(path, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()

	line := []byte(strings.Repeat("x", 1023) + "\n")
	// 1 MiB per file; write a bit more than three files' worth.
	for i := 0; i < 3*1024+10; i++ {
		if _, err := rf.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	for _, name := range []string{path, path + ".1", path + ".2"} {
		info, err := os.Stat(name)
		if err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
		if info.Size() > 1024*1024 {
			t.Fatalf("%s is %d bytes, over the limit", name, info.Size())
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("expected only 2 rotated files, stat .3: %v", err)
	}
}

func TestRotatingFile_AppendsToExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanout.log")
	if err := os.WriteFile(path, []byte("old\n"), 0600); err != nil {
		t.Fatal(err)
	}
	rf, err := OpenRotatingFile(path, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintln(rf, "new")
	rf.Close()

	data, _ := os.ReadFile(path)
	if string(data) != "old\nnew\n" {
		t.Fatalf("content = %q", data)
	}
	if _, err := rf.Write([]byte("late")); err == nil {
		t.Fatalf("write after close succeeded")
	}
}
