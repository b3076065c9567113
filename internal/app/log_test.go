package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLogHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		opID    string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			opID:    "op-123",
			level:   slog.LevelInfo,
			message: "file inserted",
			want:    "2024-06-15T14:30:45Z\tINFO\top-123\tfile inserted\n",
		},
		{
			name:    "debug level",
			opID:    "op-456",
			level:   slog.LevelDebug,
			message: "lock refreshed",
			want:    "2024-06-15T14:30:45Z\tDEBUG\top-456\tlock refreshed\n",
		},
		{
			name:    "with record attrs",
			opID:    "op-789",
			level:   slog.LevelInfo,
			message: "blob saved",
			attrs:   []slog.Attr{slog.String("hash", "ab12"), slog.Int("size", 42)},
			want:    "2024-06-15T14:30:45Z\tINFO\top-789\tblob saved\thash=ab12\tsize=42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &logHandler{w: &buf, opID: tt.opID}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestLogHandler_WithAttrs_doesNotMutateOriginal(t *testing.T) {
	var buf bytes.Buffer
	h := &logHandler{w: &buf, opID: "op-1", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("store", "metadata")}).(*logHandler)

	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}
	if len(h2.attrs) != 2 {
		t.Errorf("new handler attrs: got %d, want 2", len(h2.attrs))
	}

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "opened", 0)
	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !strings.Contains(buf.String(), "store=metadata") {
		t.Errorf("expected pre-set attr store=metadata, got: %q", buf.String())
	}
}

func TestTeeHandler_RespectsLevels(t *testing.T) {
	var file, console bytes.Buffer
	logger := slog.New(teeHandler{
		&logHandler{w: &file, opID: "op-1"},
		consoleHandler(&console, slog.LevelWarn),
	})

	logger.Debug("detail", "k", "v")
	logger.Warn("careful")

	if got := strings.Count(file.String(), "\n"); got != 2 {
		t.Errorf("file got %d lines, want 2:\n%s", got, file.String())
	}
	if strings.Contains(console.String(), "detail") {
		t.Errorf("console got debug record: %q", console.String())
	}
	if !strings.Contains(console.String(), "careful") {
		t.Errorf("console missing warning: %q", console.String())
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")

	var console bytes.Buffer
	logger, f, err := newLogger(dir, "test-op", &console, slog.LevelInfo)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Info("hello", "n", 1)
	f.Close()

	data, err := os.ReadFile(filepath.Join(dir, "docstore.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "\ttest-op\thello\tn=1") {
		t.Errorf("log file = %q, want the record with its op id", data)
	}
	if !strings.Contains(console.String(), "hello") {
		t.Errorf("console = %q, want the record", console.String())
	}
}
