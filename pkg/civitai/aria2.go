// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package civitai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
)

// aria2Binary returns the configured aria2c path, defaulting to a PATH lookup.
func aria2Binary(cfg Settings) string {
	return defaultString(cfg.Aria2Path, "aria2c")
}

// Aria2Available reports whether the external downloader can be used.
func Aria2Available(cfg Settings) bool {
	if cfg.NoAria2 {
		return false
	}
	_, err := exec.LookPath(aria2Binary(cfg))
	return err == nil
}

// aria2Args builds the argument list for one transfer.
//
// The connection count maps to -x (per-server connections) and -s (splits).
// --file-allocation=none avoids the long preallocation pause on large model
// files, and --continue=true lets aria2 pick up its own control file.
func aria2Args(urlStr, dir, out, token string, connections int) []string {
	args := []string{
		"-x", fmt.Sprint(connections),
		"-s", fmt.Sprint(connections),
		"--file-allocation=none",
		"--continue=true",
		"--summary-interval=10",
		"--auto-file-renaming=false",
		"--allow-overwrite=true",
		fmt.Sprintf("--dir=%s", dir),
		fmt.Sprintf("--out=%s", out),
	}
	if token != "" {
		args = append(args, fmt.Sprintf("--header=Authorization: Bearer %s", token))
	}
	return append(args, urlStr)
}

// runAria2 shells out to aria2c and waits for it to finish. The subprocess
// inherits ctx, so cancelling the context kills the transfer. Output goes to
// stdout/stderr writers chosen by the caller (nil discards).
//
// A non-zero exit is returned as a *TransferError carrying the exit code; no
// retry happens at this layer.
func runAria2(ctx context.Context, cfg Settings, urlStr, dst string, stdout, stderr io.Writer) error {
	dir := filepath.Dir(dst)
	out := filepath.Base(dst)

	conns := cfg.Connections
	if conns <= 0 {
		conns = 8
	}

	cmd := exec.CommandContext(ctx, aria2Binary(cfg), aria2Args(urlStr, dir, out, cfg.Token, conns)...)
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &TransferError{File: out, Tool: "aria2c", ExitCode: exitErr.ExitCode(), Err: err}
		}
		return &TransferError{File: out, Tool: "aria2c", ExitCode: -1, Err: err}
	}
	return nil
}
