package nativelog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDailyFilename(t *testing.T) {
	day := time.Date(2024, 3, 7, 23, 59, 0, 0, time.UTC)
	if got := DailyFilename(day); got != "social-2024-03-07.log" {
		t.Errorf("DailyFilename() = %q, want social-2024-03-07.log", got)
	}
}

func TestWriterRollsDaily(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })

	day := time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return day }

	w.Write([]byte("one\n"))
	w.Write([]byte("two\n"))
	day = day.Add(24 * time.Hour)
	w.Write([]byte("three\n"))
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	first, _ := os.ReadFile(filepath.Join(dir, "social-2024-03-07.log"))
	if string(first) != "one\ntwo\n" {
		t.Errorf("first day = %q", first)
	}
	second, _ := os.ReadFile(filepath.Join(dir, "social-2024-03-08.log"))
	if string(second) != "three\n" {
		t.Errorf("second day = %q", second)
	}
}

func TestResolveDir(t *testing.T) {
	t.Setenv(EnvLogDir, "/var/log/social")
	if got := ResolveDir(); got != "/var/log/social" {
		t.Errorf("ResolveDir() = %q", got)
	}
	t.Setenv(EnvLogDir, " ")
	if got := ResolveDir(); !strings.HasSuffix(got, "logs") {
		t.Errorf("ResolveDir() fallback = %q", got)
	}
}
