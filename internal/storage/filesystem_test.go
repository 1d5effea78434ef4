package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndReadRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	key, err := store.Write(context.Background(), VariantKey("job-1", "v-1"), []byte("<svg/>"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if key != "generated/svg/job-1/v-1.svg" {
		t.Fatalf("Write() key = %q", key)
	}

	data, err := store.Read(context.Background(), key)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(data) != "<svg/>" {
		t.Fatalf("Read() = %q", data)
	}
}

func TestVariantKeyGroupsSingleShots(t *testing.T) {
	if got := VariantKey("", "v-1"); got != "generated/svg/single/v-1.svg" {
		t.Fatalf("VariantKey() = %q", got)
	}
}

func TestWriteRejectsTraversal(t *testing.T) {
	base := t.TempDir()
	store, err := NewFileStore(base)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	for _, key := range []string{"../escape.svg", "a/../../escape.svg", "", "."} {
		if _, err := store.Write(context.Background(), key, []byte("x")); err == nil {
			t.Fatalf("Write(%q) accepted a traversal key", key)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(base), "escape.svg")); !os.IsNotExist(err) {
		t.Fatal("traversal file escaped the storage root")
	}
}

func TestWriteNormalizesLeadingSlash(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	key, err := store.Write(context.Background(), "/abs/path.svg", []byte("x"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if key != "abs/path.svg" {
		t.Fatalf("Write() key = %q", key)
	}
}
