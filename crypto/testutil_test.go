package crypto

import (
	"sync"
	"testing"
)

var (
	fixturesOnce sync.Once
	fixtures     map[string]*GeneratedKeys
	fixturesErr  error
)

// testKeys returns small generated key sets shared across tests.
func testKeys(t *testing.T, name string) *GeneratedKeys {
	t.Helper()
	fixturesOnce.Do(func() {
		fixtures = make(map[string]*GeneratedKeys)
		for _, n := range []string{"alice", "bob", "carol"} {
			keys, err := Generate(n, "", n+"@example.org", 1024)
			if err != nil {
				fixturesErr = err
				return
			}
			fixtures[n] = keys
		}
	})
	if fixturesErr != nil {
		t.Fatalf("generate fixtures: %v", fixturesErr)
	}
	keys, ok := fixtures[name]
	if !ok {
		t.Fatalf("no fixture %q", name)
	}
	return keys
}

func mustLoad(t *testing.T, name string) *KeyMaterial {
	t.Helper()
	keys := testKeys(t, name)
	km, err := Load(keys.PrivateKeyRing, keys.PublicKeyRing, "", keys.BridgeCert)
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return km
}
