package secrets

import (
	"bytes"
	"testing"
)

func TestFileSinkRoundTrip(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	secret := []byte("ca-private-key-material")
	if err := sink.Put("cluster-1/ca", secret); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := sink.Get("cluster-1/ca")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Errorf("Get returned %q, want %q", got, secret)
	}
}

func TestFileSinkMissingHandle(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	if _, err := sink.Get("absent"); err == nil {
		t.Error("Get of absent handle should fail")
	}
}

func TestFileSinkDeleteIdempotent(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	if err := sink.Put("h", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := sink.Delete("h"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := sink.Delete("h"); err != nil {
		t.Errorf("second Delete should be a no-op: %v", err)
	}
	if _, err := sink.Get("h"); err == nil {
		t.Error("Get after delete should fail")
	}
}

func TestFileSinkPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	sink, err := NewFileSink(dir)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	if err := sink.Put("pepper", []byte("spicy")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reopened, err := NewFileSink(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get("pepper")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "spicy" {
		t.Errorf("Get returned %q, want spicy", got)
	}
}

func TestOpenURI(t *testing.T) {
	if _, err := Open("file:" + t.TempDir()); err != nil {
		t.Errorf("file URI should open: %v", err)
	}
	if _, err := Open("vault://x"); err == nil {
		t.Error("unknown scheme should fail")
	}
}
