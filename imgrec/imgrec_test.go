package imgrec

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIncrSkipsExistingFiles(t *testing.T) {
	root := t.TempDir()
	r := New(root, "run_")
	r.now = func() time.Time { return time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC) }
	if err := r.Incr(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Write([]byte("a")); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "2024-03-09", "run_000001.fits")
	if r.Last() != want {
		t.Fatalf("expected %s, got %s", want, r.Last())
	}

	// a fresh recorder continues the sequence
	r2 := New(root, "run_")
	r2.now = r.now
	if err := r2.Incr(); err != nil {
		t.Fatal(err)
	}
	r2.Write([]byte("b"))
	if filepath.Base(r2.Last()) != "run_000002.fits" {
		t.Errorf("expected run_000002.fits, got %s", r2.Last())
	}
	b, _ := os.ReadFile(want)
	if string(b) != "a" {
		t.Errorf("first file was modified, contains %q", b)
	}
}
