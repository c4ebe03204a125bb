package postgres

import "testing"

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store == nil || store.Orders == nil {
		t.Fatalf("expected store instance")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	store.Close()
}
