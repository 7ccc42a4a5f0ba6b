package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"okx-grid-hedge/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"":      zapcore.InfoLevel,
		"bogus": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileSinkReceivesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	log := New(config.LoggingConfig{Level: "info", File: path, MaxSizeMB: 1})
	log.Info("grid decision", zap.String("asset", "ETH-USDT-SWAP"))
	_ = log.Sync()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "grid decision") {
		t.Fatalf("expected entry in log file, got %q", string(data))
	}
}
