// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package civitai downloads model files from CivitAI by model-version id.

A download resolves the version's metadata through the public API, hands the
transfer to aria2c when it is installed (falling back to a built-in
multi-connection engine otherwise), verifies the result, and unpacks model
files from ZIP archives.

# Quick Start

	package main

	import (
		"context"
		"log"
		"os"

		"github.com/Hearmeman24/CivitAI-Downloader/pkg/civitai"
	)

	func main() {
		job := civitai.Job{VersionID: 128713}

		cfg := civitai.DefaultSettings()
		cfg.OutputDir = "./Models"
		cfg.Token = os.Getenv("CIVITAI_TOKEN")

		err := civitai.Download(context.Background(), job, cfg, func(e civitai.ProgressEvent) {
			log.Printf("[%s] %s %s", e.Event, e.File, e.Message)
		})
		if err != nil {
			log.Fatal(err)
		}
	}

# Skip Behavior

Re-running a finished download is a no-op: a complete file at the
destination is detected from the filesystem alone and skipped. Remnants of
interrupted transfers (empty files, aria2 control files, temp parts) are
removed and the download starts fresh. Set Job.Force to re-download
regardless.

# Transfer Engines

When aria2c is on PATH (or named via Settings.Aria2Path) it performs the
transfer with Settings.Connections parallel connections and its own resume
handling. Settings.NoAria2 forces the built-in engine, which uses ranged
multipart requests above Settings.MultipartThreshold and retries with
exponential backoff.

# Verification

Settings.Verify selects the post-transfer check: "size" (default) compares
against the size the API publishes, "sha256" against the published hash,
"none" skips the check. A failed check deletes the corrupt file and returns
a *VerificationError.

# Archives

A downloaded ".zip" is unpacked in place: entries with model extensions
(.safetensors, .ckpt, .pt, .onnx, .bin) are extracted next to it and the
archive is deleted. An archive without model entries is kept untouched and
reported as a warning, not an error.

# Authentication

Some files are gated behind a CivitAI account. Set Settings.Token (the CLI
also reads the CIVITAI_TOKEN environment variable); it is sent as a Bearer
Authorization header on API and download requests. A gated file without a
valid token fails with ErrUnauthorized.
*/
package civitai
