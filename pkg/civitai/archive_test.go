// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package civitai

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, entries map[string][]byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestIsArchive(t *testing.T) {
	assert.True(t, IsArchive("bundle.zip"))
	assert.True(t, IsArchive("BUNDLE.ZIP"))
	assert.False(t, IsArchive("model.safetensors"))
	assert.False(t, IsArchive("archive.tar.gz"))
}

func TestIsModelFile(t *testing.T) {
	for _, name := range []string{"a.safetensors", "b.ckpt", "c.pt", "d.onnx", "e.bin", "F.SAFETENSORS"} {
		assert.True(t, IsModelFile(name), name)
	}
	for _, name := range []string{"readme.txt", "preview.png", "config.yaml"} {
		assert.False(t, IsModelFile(name), name)
	}
}

func TestExtractModelFiles(t *testing.T) {
	t.Run("extracts model entries and removes archive", func(t *testing.T) {
		dir := t.TempDir()
		archive := filepath.Join(dir, "bundle.zip")
		writeZip(t, archive, map[string][]byte{
			"lora.safetensors": []byte("weights"),
			"readme.txt":       []byte("docs"),
		})

		extracted, err := ExtractModelFiles(archive, dir)
		require.NoError(t, err)
		require.Len(t, extracted, 1)
		assert.Equal(t, filepath.Join(dir, "lora.safetensors"), extracted[0])

		data, err := os.ReadFile(extracted[0])
		require.NoError(t, err)
		assert.Equal(t, []byte("weights"), data)

		_, err = os.Stat(archive)
		assert.True(t, os.IsNotExist(err), "archive should be deleted")
		_, err = os.Stat(filepath.Join(dir, "readme.txt"))
		assert.True(t, os.IsNotExist(err), "non-model entries should not be extracted")
	})

	t.Run("flattens nested entry paths", func(t *testing.T) {
		dir := t.TempDir()
		archive := filepath.Join(dir, "bundle.zip")
		writeZip(t, archive, map[string][]byte{
			"some/deep/dir/embed.pt": []byte("weights"),
		})

		extracted, err := ExtractModelFiles(archive, dir)
		require.NoError(t, err)
		require.Len(t, extracted, 1)
		assert.Equal(t, filepath.Join(dir, "embed.pt"), extracted[0])
	})

	t.Run("keeps archive without model entries", func(t *testing.T) {
		dir := t.TempDir()
		archive := filepath.Join(dir, "docs.zip")
		writeZip(t, archive, map[string][]byte{
			"readme.txt":  []byte("docs"),
			"preview.png": []byte{0x89},
		})

		_, err := ExtractModelFiles(archive, dir)
		assert.ErrorIs(t, err, ErrNoModelFiles)

		_, serr := os.Stat(archive)
		assert.NoError(t, serr, "archive must be retained untouched")
	})

	t.Run("resolves name conflicts with numeric suffix", func(t *testing.T) {
		dir := t.TempDir()
		archive := filepath.Join(dir, "bundle.zip")
		writeZip(t, archive, map[string][]byte{
			"lora.safetensors": []byte("new weights"),
		})
		writeFile(t, filepath.Join(dir, "lora.safetensors"), []byte("old weights"))

		extracted, err := ExtractModelFiles(archive, dir)
		require.NoError(t, err)
		require.Len(t, extracted, 1)
		assert.Equal(t, filepath.Join(dir, "lora (1).safetensors"), extracted[0])

		old, err := os.ReadFile(filepath.Join(dir, "lora.safetensors"))
		require.NoError(t, err)
		assert.Equal(t, []byte("old weights"), old, "existing file must not be overwritten")
	})

	t.Run("open failure on non-zip", func(t *testing.T) {
		dir := t.TempDir()
		bogus := filepath.Join(dir, "not-a.zip")
		writeFile(t, bogus, []byte("plainly not a zip"))

		_, err := ExtractModelFiles(bogus, dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "open archive")
	})
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()

	p := uniquePath(dir, "model.safetensors")
	assert.Equal(t, filepath.Join(dir, "model.safetensors"), p)

	writeFile(t, p, []byte("x"))
	p1 := uniquePath(dir, "model.safetensors")
	assert.Equal(t, filepath.Join(dir, "model (1).safetensors"), p1)

	writeFile(t, p1, []byte("x"))
	p2 := uniquePath(dir, "model.safetensors")
	assert.Equal(t, filepath.Join(dir, "model (2).safetensors"), p2)
}
