package objstore

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	data := []byte("%PDF-1.7 fake")
	key := UploadKey("c1", "case1", "u1", "plaint.pdf")
	if err := s.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/pdf"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q, want %q", got, data)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestKeyLayout(t *testing.T) {
	key := UploadKey("c1", "case1", "u1", "plaint.pdf")
	want := "clients/c1/cases/case1/uploads/u1/plaint.pdf"
	if key != want {
		t.Errorf("UploadKey = %q, want %q", key, want)
	}

	akey := ArtifactKey("c1", "case1", "run1", "chronology.xlsx")
	awant := "clients/c1/cases/case1/runs/run1/artifacts/chronology.xlsx"
	if akey != awant {
		t.Errorf("ArtifactKey = %q, want %q", akey, awant)
	}
}
