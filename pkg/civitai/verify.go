// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package civitai

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileStatus classifies a destination path before a download.
type FileStatus int

const (
	// StatusAbsent means no file exists at the destination.
	StatusAbsent FileStatus = iota
	// StatusPartial means a remnant of an interrupted or corrupt download
	// sits at the destination and must be removed before a fresh attempt.
	StatusPartial
	// StatusValid means a complete file exists at the destination.
	StatusValid
)

func (s FileStatus) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusPartial:
		return "partial"
	default:
		return "valid"
	}
}

// InspectLocal classifies the file at dst. expectedSize is the size the API
// published for the file, or 0 when unknown.
//
// A file is partial when it is empty, when aria2's control file
// ("<dst>.aria2") is still present, when a ".part" temp of the built-in
// engine sits next to it, or when its size disagrees with expectedSize.
func InspectLocal(dst string, expectedSize int64) (FileStatus, string) {
	fi, err := os.Stat(dst)
	if err != nil {
		// An orphaned control file without the payload is still a remnant.
		if _, cerr := os.Stat(dst + ".aria2"); cerr == nil {
			return StatusPartial, "orphaned aria2 control file"
		}
		return StatusAbsent, ""
	}

	if fi.Size() == 0 {
		return StatusPartial, "empty file"
	}
	if _, err := os.Stat(dst + ".aria2"); err == nil {
		return StatusPartial, "aria2 control file present"
	}
	if _, err := os.Stat(dst + ".part"); err == nil {
		return StatusPartial, "incomplete temp file present"
	}
	if expectedSize > 0 && fi.Size() != expectedSize {
		return StatusPartial, fmt.Sprintf("size mismatch (have %d, want %d)", fi.Size(), expectedSize)
	}
	return StatusValid, "exists"
}

// RemovePartial deletes a partial download and any transfer remnants that
// belong to it (aria2 control file, built-in temp parts).
func RemovePartial(dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(dst + ".aria2"); err != nil && !os.IsNotExist(err) {
		return err
	}
	// built-in engine remnants: dst.part, dst.part-00 ...
	matches, _ := filepath.Glob(dst + ".part*")
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// verifySHA256 computes the SHA256 of a file and compares it to expected.
func verifySHA256(path string, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, expected) {
		return &VerificationError{File: path, Expected: strings.ToLower(expected), Actual: sum, Method: "sha256"}
	}
	return nil
}

// verifyDownload applies the configured verification policy to a finished
// transfer. A failed check removes the corrupt file so the next run starts
// clean.
func verifyDownload(dst string, rf *ResolvedFile, mode string) error {
	switch mode {
	case "none":
		return nil
	case "sha256":
		if rf.SHA256 == "" {
			// No published hash: fall back to size.
			return verifySize(dst, rf)
		}
		if err := verifySHA256(dst, rf.SHA256); err != nil {
			_ = RemovePartial(dst)
			return err
		}
		return nil
	default: // "size" or unset
		return verifySize(dst, rf)
	}
}

func verifySize(dst string, rf *ResolvedFile) error {
	if rf.Size <= 0 {
		return nil
	}
	fi, err := os.Stat(dst)
	if err != nil {
		return err
	}
	if fi.Size() != rf.Size {
		_ = RemovePartial(dst)
		return &VerificationError{
			File:     dst,
			Expected: fmt.Sprint(rf.Size),
			Actual:   fmt.Sprint(fi.Size()),
			Method:   "size",
		}
	}
	return nil
}
