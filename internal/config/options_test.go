package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/blentle/lsmtree/internal/table"
)

func TestSaveAndLoadYAMLRoundTrip(t *testing.T) {
	opts := DefaultOptions()
	opts.CompressionType = table.CompressionZstd
	opts.WriteBufferSize = 8 << 20
	opts.LogLevel = slog.LevelDebug

	path := filepath.Join(t.TempDir(), "options.yaml")
	if err := opts.SaveYAML(path); err != nil {
		t.Fatalf("SaveYAML: %v", err)
	}

	loaded, err := LoadOptionsYAML(path)
	if err != nil {
		t.Fatalf("LoadOptionsYAML: %v", err)
	}
	if loaded.CompressionType != table.CompressionZstd {
		t.Fatalf("expected zstd compression, got %v", loaded.CompressionType)
	}
	if loaded.WriteBufferSize != 8<<20 {
		t.Fatalf("expected write buffer size 8MiB, got %d", loaded.WriteBufferSize)
	}
	if loaded.LogLevel != slog.LevelDebug {
		t.Fatalf("expected debug log level, got %v", loaded.LogLevel)
	}
}

func TestLoadOptionsYAMLRejectsUnknownCompression(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("compression_type: lz4\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadOptionsYAML(path); err == nil {
		t.Fatalf("expected an error for an unknown compression_type")
	}
}
