package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpath/meshpath/testutil"
)

func TestGenerateAndLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node_key")

	require.NoError(t, GenerateKey(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	_, err = os.Stat(path + ".pub")
	require.NoError(t, err)

	key, err := LoadKey(path)
	require.NoError(t, err)
	assert.False(t, Identity(key).IsZero())
}

func TestLoadKeyWrittenElsewhere(t *testing.T) {
	dir := t.TempDir()
	path, id := testutil.WriteKeyPair(t, dir)

	key, err := LoadKey(path)
	require.NoError(t, err)
	assert.Equal(t, id, Identity(key))
}

func TestEnsureKeyGeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_key")

	first, err := EnsureKey(path)
	require.NoError(t, err)
	second, err := EnsureKey(path)
	require.NoError(t, err)
	assert.Equal(t, Identity(first), Identity(second), "existing key must be reused")
}

func TestLoadKeyRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := testutil.TempFile(t, dir, "key", "not a pem key")
	_, err := LoadKey(path)
	assert.Error(t, err)
}
