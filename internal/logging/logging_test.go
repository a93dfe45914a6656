package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"debug":   zap.DebugLevel,
		"INFO":    zap.InfoLevel,
		"warning": zap.WarnLevel,
		"error":   zap.ErrorLevel,
	} {
		lv, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if lv != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, lv, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNew_WritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "savetool.log")
	log, err := New("info", "json", path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug("SHOULD NOT SEE THIS")
	log.Info("save complete", zap.Int("chunks", 6))
	_ = log.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "SHOULD NOT SEE THIS") {
		t.Fatalf("debug line leaked at info level: %s", out)
	}
	if !strings.Contains(out, `"message":"save complete"`) || !strings.Contains(out, `"chunks":6`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestNew_RejectsUnknownEncoding(t *testing.T) {
	if _, err := New("info", "xml"); err == nil {
		t.Fatalf("expected error")
	}
}
