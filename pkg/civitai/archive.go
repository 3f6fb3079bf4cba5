// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package civitai

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// modelExts are the file extensions treated as model files when unpacking
// an archive.
var modelExts = map[string]bool{
	".safetensors": true,
	".ckpt":        true,
	".pt":          true,
	".onnx":        true,
	".bin":         true,
}

// IsArchive reports whether the filename looks like a packaged archive.
func IsArchive(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".zip")
}

// IsModelFile reports whether the filename has a model-format extension.
func IsModelFile(name string) bool {
	return modelExts[strings.ToLower(filepath.Ext(name))]
}

// ExtractModelFiles unpacks the model-format entries of a ZIP archive into
// destDir and deletes the archive afterwards. Entry paths inside the archive
// are flattened to their base name; a name that already exists in destDir
// gets a numeric suffix instead of overwriting.
//
// When the archive holds no model-format entries it is left untouched and
// ErrNoModelFiles is returned. Callers treat that as non-fatal.
func ExtractModelFiles(archivePath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", filepath.Base(archivePath), err)
	}

	var extracted []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() || !IsModelFile(f.Name) {
			continue
		}
		dst := uniquePath(destDir, filepath.Base(f.Name))
		if err := extractEntry(f, dst); err != nil {
			r.Close()
			return extracted, err
		}
		extracted = append(extracted, dst)
	}
	r.Close()

	if len(extracted) == 0 {
		return nil, ErrNoModelFiles
	}
	if err := os.Remove(archivePath); err != nil {
		return extracted, fmt.Errorf("remove archive after extraction: %w", err)
	}
	return extracted, nil
}

func extractEntry(f *zip.File, dst string) error {
	in, err := f.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// uniquePath returns dir/name, appending " (n)" before the extension until
// the path does not exist.
func uniquePath(dir, name string) string {
	dst := filepath.Join(dir, name)
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		return dst
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		dst = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			return dst
		}
	}
}
