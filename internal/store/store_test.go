package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesKeyFileWithRestrictedPerms(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")
	db, err := Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	info, err := os.Stat(dbPath + ".key")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestOpen_ReusesExistingKeyAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db1, err := Open(dbPath)
	require.NoError(t, err)

	ciphertext, err := db1.Encrypt("sk-some-secret")
	require.NoError(t, err)
	db1.Close()

	db2, err := Open(dbPath)
	require.NoError(t, err)
	defer db2.Close()

	plain, err := db2.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "sk-some-secret", plain)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	ciphertext, err := db.Encrypt("top-secret-api-key")
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "top-secret-api-key")

	plain, err := db.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "top-secret-api-key", plain)
}

func TestEncrypt_EmptyStringReturnsNil(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	ciphertext, err := db.Encrypt("")
	require.NoError(t, err)
	assert.Nil(t, ciphertext)

	plain, err := db.Decrypt(nil)
	require.NoError(t, err)
	assert.Equal(t, "", plain)
}

func TestDecrypt_RejectsTruncatedCiphertext(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Decrypt([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestOpen_RunsSchemaMigration(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'tasks'`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
