package pathvalidator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yayoboy/oxide-mesh/internal/errs"
)

func TestValidate_AllowsPathInsideAllowedDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("hi"), 0o644))

	v := New([]string{dir})
	resolved, err := v.Validate(file)
	require.NoError(t, err)
	assert.NotEmpty(t, resolved)
}

func TestValidate_RejectsPathOutsideAllowedDirs(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()
	file := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(file, []byte("hi"), 0o644))

	v := New([]string{allowed})
	_, err := v.Validate(file)
	require.Error(t, err)
	assert.Equal(t, errs.Security, errs.KindOf(err))
}

func TestValidate_RejectsTraversalAttempt(t *testing.T) {
	dir := t.TempDir()
	v := New([]string{dir})

	// filepath.Join would clean the ".." away, so keep it in the raw path.
	_, err := v.Validate(dir + string(filepath.Separator) + filepath.Join("..", "etc", "passwd"))
	require.Error(t, err)
	assert.Equal(t, errs.Security, errs.KindOf(err))
}

func TestValidate_RejectsTildeExpansion(t *testing.T) {
	dir := t.TempDir()
	v := New([]string{dir})

	_, err := v.Validate("~/.ssh/id_rsa")
	require.Error(t, err)
}

func TestValidate_RejectsEmptyPath(t *testing.T) {
	v := New([]string{t.TempDir()})
	_, err := v.Validate("")
	require.Error(t, err)
}

func TestValidate_RejectsDenyPatternEvenInsideAllowedDir(t *testing.T) {
	dir := t.TempDir()
	sshDir := filepath.Join(dir, ".ssh")
	require.NoError(t, os.MkdirAll(sshDir, 0o700))
	keyFile := filepath.Join(sshDir, "id_rsa")
	require.NoError(t, os.WriteFile(keyFile, []byte("key"), 0o600))

	v := New([]string{dir})
	_, err := v.Validate(keyFile)
	require.Error(t, err)
	assert.Equal(t, errs.Security, errs.KindOf(err))
}

func TestIsAllowed_NonThrowingVariant(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	v := New([]string{dir})
	assert.True(t, v.IsAllowed(file))
	assert.False(t, v.IsAllowed(filepath.Join(t.TempDir(), "b.txt")))
}

func TestValidateAll_SkipsRejectedPathsAndWarns(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(good, []byte("x"), 0o644))
	bad := filepath.Join(t.TempDir(), "b.txt")

	v := New([]string{dir})
	resolved, warnings := v.ValidateAll([]string{good, bad})
	assert.Len(t, resolved, 1)
	assert.Contains(t, resolved, good)
	assert.Len(t, warnings, 1)
}

func TestAddAllowedDirectory_SkipsNonExistentDir(t *testing.T) {
	v := New(nil)
	v.AddAllowedDirectory(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Empty(t, v.AllowedDirectories())
}

func TestAddAllowedDirectory_Deduplicates(t *testing.T) {
	dir := t.TempDir()
	v := New([]string{dir})
	v.AddAllowedDirectory(dir)
	assert.Len(t, v.AllowedDirectories(), 1)
}
