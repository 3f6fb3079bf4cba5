// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package civitai

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCivitai serves both the metadata API and the download route for a
// set of version payloads, exercising the orchestrator end to end with the
// built-in engine.
type fakeCivitai struct {
	srv      *httptest.Server
	mu       sync.Mutex
	files    map[int64][]byte // version id -> payload
	names    map[int64]string // version id -> published filename
	failures map[int64]int    // version id -> HTTP status to force on download
	hits     map[int64]int    // download request count
}

func newFakeCivitai(t *testing.T) *fakeCivitai {
	t.Helper()
	f := &fakeCivitai{
		files:    make(map[int64][]byte),
		names:    make(map[int64]string),
		failures: make(map[int64]int),
		hits:     make(map[int64]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/model-versions/", func(w http.ResponseWriter, r *http.Request) {
		var id int64
		fmt.Sscanf(r.URL.Path, "/api/v1/model-versions/%d", &id)
		f.mu.Lock()
		data, ok := f.files[id]
		name := f.names[id]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":    id,
			"name":  "v1",
			"model": map[string]any{"name": "Fake Model", "type": "Checkpoint"},
			"files": []map[string]any{{
				"name":        name,
				"type":        "Model",
				"sizeKB":      float64(len(data)) / 1024,
				"primary":     true,
				"downloadUrl": f.srv.URL + fmt.Sprintf("/api/download/models/%d", id),
				"metadata":    map[string]string{"format": "SafeTensor"},
			}},
		})
	})
	mux.HandleFunc("/api/download/models/", func(w http.ResponseWriter, r *http.Request) {
		var id int64
		fmt.Sscanf(r.URL.Path, "/api/download/models/%d", &id)
		f.mu.Lock()
		f.hits[id]++
		data := f.files[id]
		status := f.failures[id]
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.Write(data)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCivitai) add(id int64, name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[id] = data
	f.names[id] = name
}

func (f *fakeCivitai) downloads(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[id]
}

func (f *fakeCivitai) settings(dir string) Settings {
	cfg := DefaultSettings()
	cfg.Endpoint = f.srv.URL
	cfg.OutputDir = dir
	cfg.NoAria2 = true
	cfg.Retries = 1
	cfg.BackoffInitial = "1ms"
	cfg.BackoffMax = "2ms"
	return cfg
}

func collectEvents(events *[]ProgressEvent, mu *sync.Mutex) ProgressFunc {
	return func(ev ProgressEvent) {
		mu.Lock()
		*events = append(*events, ev)
		mu.Unlock()
	}
}

func TestDownload(t *testing.T) {
	fake := newFakeCivitai(t)
	fake.add(42, "model.safetensors", []byte("safetensor weights"))

	dir := t.TempDir()
	cfg := fake.settings(dir)

	var mu sync.Mutex
	var events []ProgressEvent

	err := Download(context.Background(), Job{VersionID: 42}, cfg, collectEvents(&events, &mu))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "model.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, []byte("safetensor weights"), data)

	kinds := map[string]bool{}
	for _, ev := range events {
		kinds[ev.Event] = true
	}
	for _, want := range []string{"resolve_start", "resolved", "file_start", "file_done", "done"} {
		assert.True(t, kinds[want], "missing event %q", want)
	}
}

func TestDownloadIdempotent(t *testing.T) {
	fake := newFakeCivitai(t)
	fake.add(42, "model.safetensors", []byte("safetensor weights"))

	dir := t.TempDir()
	cfg := fake.settings(dir)

	require.NoError(t, Download(context.Background(), Job{VersionID: 42}, cfg, nil))
	require.Equal(t, 1, fake.downloads(42))

	// Second run without force skips the transfer entirely
	var mu sync.Mutex
	var events []ProgressEvent
	require.NoError(t, Download(context.Background(), Job{VersionID: 42}, cfg, collectEvents(&events, &mu)))
	assert.Equal(t, 1, fake.downloads(42), "no second transfer expected")

	var skipped bool
	for _, ev := range events {
		if ev.Event == "file_done" {
			assert.Contains(t, ev.Message, "skip")
			skipped = true
		}
	}
	assert.True(t, skipped, "expected a skip event")
}

func TestDownloadForce(t *testing.T) {
	fake := newFakeCivitai(t)
	fake.add(42, "model.safetensors", []byte("safetensor weights"))

	dir := t.TempDir()
	cfg := fake.settings(dir)

	require.NoError(t, Download(context.Background(), Job{VersionID: 42}, cfg, nil))
	require.NoError(t, Download(context.Background(), Job{VersionID: 42, Force: true}, cfg, nil))
	assert.Equal(t, 2, fake.downloads(42), "force must always re-transfer")
}

func TestDownloadRemovesPartialFirst(t *testing.T) {
	fake := newFakeCivitai(t)
	fake.add(42, "model.safetensors", []byte("safetensor weights"))

	dir := t.TempDir()
	dst := filepath.Join(dir, "model.safetensors")
	writeFile(t, dst, []byte("truncated"))
	writeFile(t, dst+".aria2", []byte{1})

	cfg := fake.settings(dir)
	require.NoError(t, Download(context.Background(), Job{VersionID: 42}, cfg, nil))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("safetensor weights"), data)
	_, err = os.Stat(dst + ".aria2")
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadFilenameOverride(t *testing.T) {
	fake := newFakeCivitai(t)
	fake.add(42, "model.safetensors", []byte("safetensor weights"))

	dir := t.TempDir()
	cfg := fake.settings(dir)

	job := Job{VersionID: 42, Filename: "renamed.safetensors"}
	require.NoError(t, Download(context.Background(), job, cfg, nil))

	_, err := os.Stat(filepath.Join(dir, "renamed.safetensors"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "model.safetensors"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadTransferFailure(t *testing.T) {
	fake := newFakeCivitai(t)
	fake.add(42, "model.safetensors", []byte("safetensor weights"))
	fake.failures[42] = http.StatusInternalServerError

	dir := t.TempDir()
	cfg := fake.settings(dir)

	err := Download(context.Background(), Job{VersionID: 42}, cfg, nil)
	require.Error(t, err)

	var terr *TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "builtin", terr.Tool)

	// No file may be considered valid at the destination
	status, _ := InspectLocal(filepath.Join(dir, "model.safetensors"), 0)
	assert.NotEqual(t, StatusValid, status)
}

func TestDownloadGatedFile(t *testing.T) {
	fake := newFakeCivitai(t)
	fake.add(42, "model.safetensors", []byte("safetensor weights"))
	fake.failures[42] = http.StatusUnauthorized

	cfg := fake.settings(t.TempDir())

	err := Download(context.Background(), Job{VersionID: 42}, cfg, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDownloadArchivePostProcessing(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("lora.safetensors")
	require.NoError(t, err)
	_, err = w.Write([]byte("lora weights"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	fake := newFakeCivitai(t)
	fake.add(42, "bundle.zip", buf.Bytes())

	dir := t.TempDir()
	cfg := fake.settings(dir)

	require.NoError(t, Download(context.Background(), Job{VersionID: 42}, cfg, nil))

	data, err := os.ReadFile(filepath.Join(dir, "lora.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, []byte("lora weights"), data)

	_, err = os.Stat(filepath.Join(dir, "bundle.zip"))
	assert.True(t, os.IsNotExist(err), "archive should be gone after extraction")
}

func TestDownloadArchiveWithoutModelFiles(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("readme.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("docs only"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	fake := newFakeCivitai(t)
	fake.add(42, "docs.zip", buf.Bytes())

	dir := t.TempDir()
	cfg := fake.settings(dir)

	var mu sync.Mutex
	var events []ProgressEvent
	require.NoError(t, Download(context.Background(), Job{VersionID: 42}, cfg, collectEvents(&events, &mu)))

	_, err = os.Stat(filepath.Join(dir, "docs.zip"))
	assert.NoError(t, err, "archive must be retained")

	var warned bool
	for _, ev := range events {
		if ev.Event == "extract" && ev.Level == "warn" {
			warned = true
		}
	}
	assert.True(t, warned, "expected a warning about the kept archive")
}

func TestDownloadAll(t *testing.T) {
	fake := newFakeCivitai(t)
	fake.add(1, "one.safetensors", []byte("one"))
	fake.add(2, "two.safetensors", []byte("two"))
	fake.add(3, "three.safetensors", []byte("three"))
	fake.failures[2] = http.StatusInternalServerError

	dir := t.TempDir()
	cfg := fake.settings(dir)
	cfg.MaxActive = 2

	jobs := []Job{{VersionID: 1}, {VersionID: 2}, {VersionID: 3}}
	err := DownloadAll(context.Background(), jobs, cfg, nil)
	require.Error(t, err, "one failing job must surface")

	// The failing job must not stop the others
	for _, name := range []string{"one.safetensors", "three.safetensors"} {
		_, serr := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, serr, name)
	}
}

func TestDownloadAllEmpty(t *testing.T) {
	err := DownloadAll(context.Background(), nil, DefaultSettings(), nil)
	assert.Error(t, err)
}
