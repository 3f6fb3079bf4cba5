// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package civitai

import (
	"io"
	"time"
)

// Job defines a single model-version download.
//
// VersionID is the only required field. It is the numeric identifier CivitAI
// assigns to a specific version of a model (the number in
// civitai.com/models/<model>?modelVersionId=<VersionID>).
//
// Example:
//
//	job := civitai.Job{
//	    VersionID: 128713,
//	}
type Job struct {
	// VersionID is the CivitAI model-version identifier.
	// This field is required.
	VersionID int64

	// Filename overrides the filename published by the API.
	// If empty, the name from the version metadata is used.
	Filename string

	// Force re-downloads even when a valid file already exists at the
	// destination.
	Force bool

	// Type selects which published file of the version to fetch.
	// Common values: "Model", "VAE", "Training Data".
	// If empty, defaults to "Model".
	Type string

	// Format selects the preferred file format.
	// Common values: "SafeTensor", "PickleTensor", "Other".
	// If empty, defaults to "SafeTensor".
	Format string
}

// Settings configures download behavior.
//
// All fields have sensible defaults. At minimum, you only need to set
// OutputDir for where files should be saved.
//
// Example:
//
//	cfg := civitai.Settings{
//	    OutputDir: "./Models",
//	    Token:     os.Getenv("CIVITAI_TOKEN"),
//	}
type Settings struct {
	// OutputDir is the directory files are saved to.
	// If empty, defaults to "Models".
	OutputDir string

	// Connections is the number of parallel connections used for the
	// transfer, passed to aria2c as -x/-s or used as the part count of the
	// built-in engine. If <= 0, defaults to 8.
	Connections int

	// MaxActive limits how many version downloads run simultaneously when
	// several jobs are given. If <= 0, defaults to 2.
	MaxActive int

	// Aria2Path is the path of the aria2c executable.
	// If empty, "aria2c" is looked up on PATH.
	Aria2Path string

	// NoAria2 disables the external downloader and always uses the
	// built-in transfer engine.
	NoAria2 bool

	// MultipartThreshold is the minimum file size for the built-in engine
	// to use ranged multipart transfers. Files smaller than this are
	// fetched in a single request. Accepts human-readable sizes:
	// "32MiB", "256MB", "1GiB", etc. If empty, defaults to "32MiB".
	MultipartThreshold string

	// Verify specifies how the downloaded file is checked:
	//   - "none":   no verification
	//   - "size":   compare against the size published by the API (default)
	//   - "sha256": compare against the SHA-256 hash published by the API
	Verify string

	// Retries is the maximum number of retry attempts per HTTP request of
	// the built-in engine. The external downloader manages its own retries.
	// If <= 0, defaults to 4.
	Retries int

	// BackoffInitial is the initial delay before the first retry.
	// Accepts duration strings: "400ms", "1s", etc. Defaults to "400ms".
	BackoffInitial string

	// BackoffMax is the maximum delay between retries. Defaults to "10s".
	BackoffMax string

	// Token is the CivitAI API token. Required for files that the API
	// gates behind authentication. Can also be set via the CIVITAI_TOKEN
	// environment variable at the CLI layer.
	Token string

	// Endpoint overrides the CivitAI base URL, e.g. for mirrors or tests.
	// If empty, defaults to DefaultEndpoint.
	Endpoint string

	// Aria2Stdout and Aria2Stderr receive the external downloader's own
	// output. When nil it is discarded. The CLI points these at the
	// terminal in interactive mode so aria2's progress stays visible.
	Aria2Stdout io.Writer
	Aria2Stderr io.Writer
}

// ProgressEvent represents a progress update during a download.
//
// The Event field indicates the type of event:
//   - "resolve_start": metadata resolution has begun
//   - "resolved":      metadata resolved; File/Total are known
//   - "file_start":    transfer of the file has started
//   - "file_progress": periodic progress update (built-in engine only)
//   - "file_done":     transfer complete (check Message for "skip" info)
//   - "retry":         the built-in engine retries a request
//   - "extract":       an archive entry was extracted
//   - "error":         an error occurred
//   - "done":          the job finished
type ProgressEvent struct {
	// Time is when the event occurred (UTC).
	Time time.Time `json:"time"`

	// Level is the log level: "debug", "info", "warn", "error".
	// Empty defaults to "info".
	Level string `json:"level,omitempty"`

	// Event is the event type identifier.
	Event string `json:"event"`

	// VersionID is the model version being processed.
	VersionID int64 `json:"versionId,omitempty"`

	// File is the destination filename.
	File string `json:"file,omitempty"`

	// Total is the total expected size in bytes, when known.
	Total int64 `json:"total,omitempty"`

	// Downloaded is the cumulative bytes downloaded so far.
	Downloaded int64 `json:"downloaded,omitempty"`

	// Attempt is the retry attempt number (1-based).
	// Only set in "retry" events.
	Attempt int `json:"attempt,omitempty"`

	// Message contains additional context or error details.
	Message string `json:"message,omitempty"`
}

// ProgressFunc is a callback for receiving progress events.
//
// The callback may be invoked from multiple goroutines and should be
// thread-safe.
type ProgressFunc func(ProgressEvent)

// DefaultSettings returns Settings with sensible defaults filled in.
//
// Use this as a starting point and override specific fields:
//
//	cfg := civitai.DefaultSettings()
//	cfg.OutputDir = "./MyModels"
//	cfg.Token = os.Getenv("CIVITAI_TOKEN")
func DefaultSettings() Settings {
	return Settings{
		OutputDir:          "Models",
		Connections:        8,
		MaxActive:          2,
		MultipartThreshold: "32MiB",
		Verify:             "size",
		Retries:            4,
		BackoffInitial:     "400ms",
		BackoffMax:         "10s",
	}
}
