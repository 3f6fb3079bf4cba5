// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package civitai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVersionAPI serves a model-versions endpoint for the given payloads.
func fakeVersionAPI(t *testing.T, versions map[int64]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/model-versions/", func(w http.ResponseWriter, r *http.Request) {
		var id int64
		fmt.Sscanf(r.URL.Path, "/api/v1/model-versions/%d", &id)
		v, ok := versions[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "Model not found"})
			return
		}
		json.NewEncoder(w).Encode(v)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func versionPayload(name string, sizeKB float64, sha string) map[string]any {
	return map[string]any{
		"id":      int64(42),
		"modelId": int64(7),
		"name":    "v1.0",
		"model":   map[string]any{"name": "Test Model", "type": "Checkpoint"},
		"files": []map[string]any{
			{
				"name":        name,
				"type":        "Model",
				"sizeKB":      sizeKB,
				"primary":     true,
				"downloadUrl": "https://example.com/api/download/models/42",
				"hashes":      map[string]string{"SHA256": sha},
				"metadata":    map[string]string{"format": "SafeTensor"},
			},
		},
	}
}

func TestResolve(t *testing.T) {
	srv := fakeVersionAPI(t, map[int64]any{
		42: versionPayload("model.safetensors", 2048, "ABCDEF0123"),
	})

	cfg := Settings{Endpoint: srv.URL, Token: "tok"}

	rf, err := Resolve(context.Background(), Job{VersionID: 42}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "model.safetensors", rf.Name)
	assert.Equal(t, int64(2048*1024), rf.Size)
	assert.Equal(t, "abcdef0123", rf.SHA256)
	assert.Equal(t, "Test Model", rf.ModelName)

	u, err := url.Parse(rf.URL)
	require.NoError(t, err)
	assert.Equal(t, "Model", u.Query().Get("type"))
	assert.Equal(t, "SafeTensor", u.Query().Get("format"))
}

func TestResolveMissingVersionID(t *testing.T) {
	_, err := Resolve(context.Background(), Job{}, Settings{})
	assert.ErrorIs(t, err, ErrMissingVersionID)
}

func TestResolveNotFound(t *testing.T) {
	srv := fakeVersionAPI(t, nil)

	_, err := Resolve(context.Background(), Job{VersionID: 99}, Settings{Endpoint: srv.URL})
	assert.ErrorIs(t, err, ErrNotFound)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.False(t, apiErr.IsRetryable())
}

func TestResolveUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": "token required"})
	}))
	defer srv.Close()

	_, err := Resolve(context.Background(), Job{VersionID: 42}, Settings{Endpoint: srv.URL})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "token required")
}

func TestResolveSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(versionPayload("m.safetensors", 1, ""))
	}))
	defer srv.Close()

	_, err := Resolve(context.Background(), Job{VersionID: 42}, Settings{Endpoint: srv.URL, Token: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestResolveNoFiles(t *testing.T) {
	srv := fakeVersionAPI(t, map[int64]any{
		42: map[string]any{"id": 42, "files": []any{}},
	})

	_, err := Resolve(context.Background(), Job{VersionID: 42}, Settings{Endpoint: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no files")
}

func TestPickFile(t *testing.T) {
	files := []modelFile{
		{Name: "training.zip", Type: "Training Data"},
		{Name: "model.ckpt", Type: "Model", Primary: true},
		{Name: "model.safetensors", Type: "Model"},
	}
	files[2].Metadata.Format = "SafeTensor"
	files[1].Metadata.Format = "PickleTensor"

	t.Run("prefers requested type and format", func(t *testing.T) {
		f := pickFile(files, Job{})
		assert.Equal(t, "model.safetensors", f.Name)
	})

	t.Run("falls back to primary of requested type", func(t *testing.T) {
		f := pickFile(files, Job{Format: "Other"})
		assert.Equal(t, "model.ckpt", f.Name)
	})

	t.Run("explicit type wins", func(t *testing.T) {
		f := pickFile(files, Job{Type: "Training Data", Format: "Other"})
		assert.Equal(t, "training.zip", f.Name)
	})

	t.Run("unknown type falls back to primary", func(t *testing.T) {
		f := pickFile(files, Job{Type: "VAE"})
		assert.Equal(t, "model.ckpt", f.Name)
	})
}

func TestDownloadURL(t *testing.T) {
	t.Run("published url gets type and format params", func(t *testing.T) {
		f := modelFile{DownloadURL: "https://civitai.com/api/download/models/42"}
		u, err := url.Parse(downloadURL("", Job{VersionID: 42}, f))
		require.NoError(t, err)
		assert.Equal(t, "Model", u.Query().Get("type"))
		assert.Equal(t, "SafeTensor", u.Query().Get("format"))
	})

	t.Run("existing params are kept", func(t *testing.T) {
		f := modelFile{DownloadURL: "https://civitai.com/api/download/models/42?format=PickleTensor"}
		u, err := url.Parse(downloadURL("", Job{VersionID: 42}, f))
		require.NoError(t, err)
		assert.Equal(t, "PickleTensor", u.Query().Get("format"))
	})

	t.Run("missing url is built from version id", func(t *testing.T) {
		u, err := url.Parse(downloadURL("", Job{VersionID: 42}, modelFile{}))
		require.NoError(t, err)
		assert.Equal(t, "/api/download/models/42", u.Path)
	})
}
