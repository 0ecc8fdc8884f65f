package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSyncLoggerWritesLine(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Options{FilePath: filepath.Join(dir, "server.log")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.Infof("hello %s", "world")

	data := readLogDir(t, dir)
	if !strings.Contains(data, "hello world") {
		t.Fatalf("expected log line to contain message, got: %q", data)
	}
	if !strings.Contains(data, "[INFO]") {
		t.Fatalf("expected level tag, got: %q", data)
	}
}

func TestAsyncLoggerEventuallyWritesLine(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Options{FilePath: filepath.Join(dir, "server.log"), Async: true, QueueSize: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.Errorf("async message")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(readLogDir(t, dir), "async message") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("async log line never appeared")
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Options{FilePath: filepath.Join(dir, "server.log"), Disabled: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Infof("should not appear")

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files written by disabled logger, found %d", len(entries))
	}
}

func TestRotationByLineCount(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Options{FilePath: filepath.Join(dir, "server.log"), SplitLines: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Infof("line %d", i)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) < 2 {
		t.Fatalf("expected rotation to produce multiple files, got %d", len(entries))
	}
}

func readLogDir(t *testing.T, dir string) string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var sb strings.Builder
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		sb.Write(data)
	}
	return sb.String()
}
