package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesFileAndRing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tandem.log")
	if err := Init(Config{Level: DebugLevel, OutputPath: path, MaxSize: 1}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = Init(Config{Level: InfoLevel}) })

	Info("detector: propagated", String("track", "local:abc"), Int64("pos", 1200))
	Debug("debug line")
	Error("boom", Err(errors.New("bad")))
	Sync()

	if Path() != path {
		abs, _ := filepath.Abs(path)
		if Path() != abs {
			t.Errorf("Path = %q, want %q", Path(), abs)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"detector: propagated"`) {
		t.Errorf("log file missing entry: %s", data)
	}

	lines := Recent(3)
	if len(lines) != 3 {
		t.Fatalf("Recent(3) = %d lines", len(lines))
	}
	if !strings.Contains(lines[0], "local:abc") || !strings.Contains(lines[2], `"level":"error"`) {
		t.Errorf("Recent = %v", lines)
	}
}

func TestLevelFilter(t *testing.T) {
	if err := Init(Config{Level: WarnLevel}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = Init(Config{Level: InfoLevel}) })

	Info("filtered-info-line")
	Warn("kept-warn-line")
	for _, l := range Recent(10) {
		if strings.Contains(l, "filtered-info-line") {
			t.Fatalf("info line passed warn filter: %s", l)
		}
	}
	last := Recent(1)
	if len(last) != 1 || !strings.Contains(last[0], "kept-warn-line") {
		t.Errorf("Recent(1) = %v", last)
	}
	if Path() != "" {
		t.Errorf("Path without file = %q", Path())
	}
}
