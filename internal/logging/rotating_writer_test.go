package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriterCreatesDatedFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "gateway.log")

	w, err := NewRotatingWriter(base, 1<<20)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	dated := filepath.Join(dir, "gateway-"+today+".log")
	data, err := os.ReadFile(dated)
	if err != nil {
		t.Fatalf("read dated file: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Fatalf("log content missing: %q", data)
	}
}

func TestRotatingWriterSizeRollover(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "gateway.log")

	w, err := NewRotatingWriter(base, 10)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()

	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte("0123456789\n")); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	today := time.Now().UTC().Format("2006-01-02")
	if _, err := os.Stat(filepath.Join(dir, "gateway-"+today+"-2.log")); err != nil {
		t.Fatalf("expected size rollover file: %v", err)
	}
}

func TestRotatingWriterDisabled(t *testing.T) {
	w, err := NewRotatingWriter("-", 1<<20)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if _, err := w.Write([]byte("discarded")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
