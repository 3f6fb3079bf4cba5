// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package civitai

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAria2Args(t *testing.T) {
	args := aria2Args("https://civitai.com/api/download/models/42?type=Model", "/tmp/out", "model.safetensors", "secret", 8)

	assert.Contains(t, args, "-x")
	assert.Contains(t, args, "8")
	assert.Contains(t, args, "--file-allocation=none")
	assert.Contains(t, args, "--continue=true")
	assert.Contains(t, args, "--dir=/tmp/out")
	assert.Contains(t, args, "--out=model.safetensors")
	assert.Contains(t, args, "--header=Authorization: Bearer secret")
	assert.Equal(t, "https://civitai.com/api/download/models/42?type=Model", args[len(args)-1])
}

func TestAria2ArgsWithoutToken(t *testing.T) {
	args := aria2Args("https://example.com/f", "/tmp", "f", "", 4)
	for _, a := range args {
		assert.NotContains(t, a, "Authorization")
	}
}

func TestAria2Available(t *testing.T) {
	t.Run("disabled by settings", func(t *testing.T) {
		assert.False(t, Aria2Available(Settings{NoAria2: true}))
	})

	t.Run("missing binary", func(t *testing.T) {
		assert.False(t, Aria2Available(Settings{Aria2Path: "/nonexistent/aria2c"}))
	})
}

func TestRunAria2ExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stub")
	}

	dir := t.TempDir()
	stub := filepath.Join(dir, "aria2c")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\nexit 3\n"), 0o755))

	cfg := Settings{Aria2Path: stub, Connections: 2}
	err := runAria2(context.Background(), cfg, "https://example.com/f", filepath.Join(dir, "f"), nil, nil)

	var terr *TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 3, terr.ExitCode)
	assert.Equal(t, "aria2c", terr.Tool)
}

func TestRunAria2Success(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stub")
	}

	dir := t.TempDir()
	stub := filepath.Join(dir, "aria2c")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	cfg := Settings{Aria2Path: stub}
	assert.NoError(t, runAria2(context.Background(), cfg, "https://example.com/f", filepath.Join(dir, "f"), nil, nil))
}
