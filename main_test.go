package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/config"
	"securechat/crypto"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), "securechat %v: %s", args, out.String())
	return out.String()
}

func TestCommandLineAccountLifecycle(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv(config.DataDirEnv, dataDir)
	t.Setenv(config.DefaultPassphraseEnv, "correct horse")

	out := execute(t, "keygen", "--name", "alice", "--email", "alice@example.org", "--bits", "1024")
	assert.Contains(t, out, "alice <alice@example.org>")

	cfg, _, err := config.LoadOrCreate()
	require.NoError(t, err)
	private, err := os.ReadFile(cfg.PrivateKeyPath)
	require.NoError(t, err)
	assert.True(t, crypto.IsSealed(private))
	assert.NotEmpty(t, cfg.KeyFingerprint)

	out = execute(t, "fingerprint")
	assert.Contains(t, out, crypto.FormatFingerprint(cfg.KeyFingerprint))
	assert.NotContains(t, out, "revoked")

	bob, err := crypto.Generate("bob", "", "bob@example.org", 1024)
	require.NoError(t, err)
	armored, err := crypto.Armor(bob.PublicKeyRing, crypto.PublicKeyBlock)
	require.NoError(t, err)
	bobKey := filepath.Join(t.TempDir(), "bob.asc")
	require.NoError(t, os.WriteFile(bobKey, armored, 0o600))

	execute(t, "contact", "add", "bob@example.org/phone", bobKey, "--name", "Bob")
	out = execute(t, "contact", "trust", "bob@example.org")
	assert.Contains(t, out, "bob <bob@example.org>")
	out = execute(t, "contact", "list")
	assert.Contains(t, out, "bob@example.org")
	assert.Contains(t, out, "trusted")

	revoked := filepath.Join(t.TempDir(), "revoked.asc")
	execute(t, "revoke", "--out", revoked)
	data, err := os.ReadFile(revoked)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("-----BEGIN PGP PUBLIC KEY BLOCK-----")))

	out = execute(t, "audit", "--type", eventKeyRevoked)
	assert.Contains(t, out, eventKeyRevoked)
	assert.Contains(t, out, "critical")
}

func TestKeygenRefusesToOverwrite(t *testing.T) {
	t.Setenv(config.DataDirEnv, t.TempDir())
	t.Setenv(config.DefaultPassphraseEnv, "")

	execute(t, "keygen", "--name", "carol", "--email", "carol@example.org", "--bits", "1024")

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"keygen", "--bits", "1024"})
	assert.Error(t, cmd.Execute())
}
