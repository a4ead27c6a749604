package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAddContact(t *testing.T, store *Store, address, name string) int64 {
	t.Helper()

	id, err := store.AddContact(Contact{
		Address:        address,
		Name:           name,
		PublicKey:      []byte("public-key-" + address),
		KeyFingerprint: "fingerprint-" + address,
	})
	if err != nil {
		t.Fatalf("add contact %q: %v", address, err)
	}
	return id
}
