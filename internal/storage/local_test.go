package storage

import (
	"context"
	"testing"
)

func TestLocalStore_PutThenGetRoundTrips(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	uri, err := s.Put(context.Background(), "executions/2026/01/abc.json", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if uri != "local://executions/2026/01/abc.json" {
		t.Fatalf("unexpected uri: %s", uri)
	}

	data, err := s.Get(context.Background(), uri)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("unexpected data: %s", data)
	}
}

func TestLocalStore_GetMissingKeyErrors(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	if _, err := s.Get(context.Background(), "local://nope.json"); err == nil {
		t.Fatal("expected error for missing key")
	}
}
