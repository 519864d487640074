package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func TestFixtureIsDeterministic(t *testing.T) {
	dir := t.TempDir()

	size1, sum1, err := buildAndHashFixture(filepath.Join(dir, "a.img"))
	require.NoError(t, err)
	size2, sum2, err := buildAndHashFixture(filepath.Join(dir, "b.img"))
	require.NoError(t, err)

	assert.Equal(t, int64(fixtureSizeMB<<20), size1)
	assert.Equal(t, size1, size2)
	assert.Equal(t, sum1, sum2)
	assert.Len(t, sum1, 64)
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "disk.img")
	local := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(local, []byte("remember the milk\n"), 0o644))

	out, err := run(t, "mkfs", "-i", img, "--size", "8", "--label", "CLI", "--volume-id", "305419896")
	require.NoError(t, err)
	assert.Contains(t, out, "Volume ID: 12345678")
	assert.Contains(t, out, `Volume Label: "CLI"`)

	_, err = run(t, "mkdir", "-i", img, "-p", "/docs/2021")
	require.NoError(t, err)

	_, err = run(t, "put", "-i", img, local, "/docs/2021/shopping list.txt")
	require.NoError(t, err)

	out, err = run(t, "cat", "-i", img, "/docs/2021/shopping list.txt")
	require.NoError(t, err)
	assert.Equal(t, "remember the milk\n", out)

	out, err = run(t, "ls", "-i", img, "/docs/2021")
	require.NoError(t, err)
	assert.Contains(t, out, "shopping list.txt")
	assert.Contains(t, out, "SHOPPI~1.TXT")

	_, err = run(t, "mv", "-i", img, "/docs/2021/shopping list.txt", "/todo.txt")
	require.NoError(t, err)

	out, err = run(t, "stat", "-i", img, "/todo.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "Size: 18")
	assert.Contains(t, out, "Directory: false")

	_, err = run(t, "rm", "-i", img, "-r", "/docs")
	require.NoError(t, err)

	out, err = run(t, "ls", "-i", img)
	require.NoError(t, err)
	assert.NotContains(t, out, "docs")
	assert.Contains(t, out, "todo.txt")

	out, err = run(t, "info", "-i", img)
	require.NoError(t, err)
	assert.Contains(t, out, "Free Clusters:")
}

func TestCommandsRequireImage(t *testing.T) {
	_, err := run(t, "ls")
	assert.ErrorContains(t, err, "--image is required")

	_, err = run(t, "cat", "-i", filepath.Join(t.TempDir(), "missing.img"), "/x")
	assert.Error(t, err)
}
