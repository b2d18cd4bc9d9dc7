package memory

import (
	"context"
	"testing"
)

func TestBlobStorePutAndGet(t *testing.T) {
	t.Parallel()

	store := New()
	uri, err := store.Put(context.Background(), "feed/run-1.json", "application/json", []byte(`[]`))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if uri != "mem://feed/run-1.json" {
		t.Fatalf("unexpected uri %q", uri)
	}

	blob, ok := store.Get("feed/run-1.json")
	if !ok {
		t.Fatal("expected blob to be stored")
	}
	if blob.ContentType != "application/json" || string(blob.Data) != "[]" {
		t.Fatalf("unexpected blob %+v", blob)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 blob, got %d", store.Len())
	}
}

func TestBlobStorePutCopiesData(t *testing.T) {
	t.Parallel()

	store := New()
	data := []byte("original")
	if _, err := store.Put(context.Background(), "p", "text/plain", data); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	data[0] = 'X'
	blob, _ := store.Get("p")
	if string(blob.Data) != "original" {
		t.Fatal("expected stored data to be a copy")
	}
}

func TestBlobStorePutRequiresPath(t *testing.T) {
	t.Parallel()

	store := New()
	if _, err := store.Put(context.Background(), "", "text/plain", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}
