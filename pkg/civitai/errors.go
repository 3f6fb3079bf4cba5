// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package civitai

import (
	"errors"
	"fmt"
)

// Common errors returned by the library.
var (
	// ErrMissingVersionID is returned when a job has no model-version id.
	ErrMissingVersionID = errors.New("missing model-version id")

	// ErrUnauthorized is returned when the file requires an API token that
	// was not provided or not accepted.
	ErrUnauthorized = errors.New("unauthorized: this download requires a valid API token")

	// ErrNotFound is returned when the model version does not exist.
	ErrNotFound = errors.New("model version not found")

	// ErrRateLimited is returned when the API rate limit is exceeded.
	ErrRateLimited = errors.New("rate limited: too many requests")

	// ErrNoModelFiles is returned by archive extraction when the archive
	// contains no model-format entries. The archive is left in place.
	ErrNoModelFiles = errors.New("archive contains no model files")
)

// APIError represents an error response from the CivitAI API.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
	URL        string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Status)
}

// IsRetryable returns true if the error might succeed on retry.
func (e *APIError) IsRetryable() bool {
	switch e.StatusCode {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// Is implements errors.Is for common error comparisons.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case 401, 403:
		return errors.Is(target, ErrUnauthorized)
	case 404:
		return errors.Is(target, ErrNotFound)
	case 429:
		return errors.Is(target, ErrRateLimited)
	default:
		return false
	}
}

// TransferError is returned when the transfer of a file fails. When the
// external downloader was used, ExitCode carries its exit status.
type TransferError struct {
	File     string
	Tool     string // "aria2c" or "builtin"
	ExitCode int
	Err      error
}

func (e *TransferError) Error() string {
	if e.Tool == "aria2c" {
		return fmt.Sprintf("transfer %s: aria2c exited with code %d", e.File, e.ExitCode)
	}
	return fmt.Sprintf("transfer %s: %v", e.File, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// VerificationError is returned when post-download verification fails.
type VerificationError struct {
	File     string
	Expected string
	Actual   string
	Method   string // "sha256", "size"
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for %s: %s mismatch (expected %s, got %s)",
		e.File, e.Method, e.Expected, e.Actual)
}
