package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/chat-bridge/internal/config"
)

func withConfig(t *testing.T, level, path string) {
	t.Helper()
	prev := config.Cfg
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	config.Cfg.LogLevel = level
	config.Cfg.LogPath = path
	t.Cleanup(func() {
		Close()
		config.Cfg = prev
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})
}

func TestInit_WritesFileAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bridge.log")
	withConfig(t, "debug", path)

	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	log.Info().Str("identity", "you").Msg("first")
	log.Info().Str("identity", "me").Msg("second")

	tail, err := ReadTail(1)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if !strings.Contains(tail, "second") || strings.Contains(tail, "first") {
		t.Fatalf("tail = %q", tail)
	}
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("level = %s", zerolog.GlobalLevel())
	}
}

func TestInit_UnknownLevelFallsBackToInfo(t *testing.T) {
	withConfig(t, "chatty", "")
	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("level = %s", zerolog.GlobalLevel())
	}
}

func TestReadTail_NoFile(t *testing.T) {
	withConfig(t, "info", filepath.Join(t.TempDir(), "missing.log"))
	tail, err := ReadTail(10)
	if err != nil || tail != "" {
		t.Fatalf("ReadTail = %q, %v", tail, err)
	}
	if _, err := os.Stat(config.Cfg.LogPath); !os.IsNotExist(err) {
		t.Fatal("ReadTail should not create the file")
	}
}
