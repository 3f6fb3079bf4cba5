// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package civitai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultEndpoint is the default CivitAI base URL.
// Can be overridden via Settings.Endpoint for mirrors or tests.
const DefaultEndpoint = "https://civitai.com"

// getEndpoint returns the endpoint to use, falling back to default if empty.
func getEndpoint(endpoint string) string {
	if endpoint == "" {
		return DefaultEndpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

// modelVersion mirrors the relevant parts of the
// /api/v1/model-versions/{id} response.
type modelVersion struct {
	ID        int64       `json:"id"`
	ModelID   int64       `json:"modelId"`
	Name      string      `json:"name"`
	BaseModel string      `json:"baseModel,omitempty"`
	Files     []modelFile `json:"files"`
	Model     struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"model"`
}

// modelFile is a single published file of a model version.
type modelFile struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Type        string            `json:"type"` // "Model", "VAE", "Training Data", ...
	SizeKB      float64           `json:"sizeKB"`
	Primary     bool              `json:"primary"`
	DownloadURL string            `json:"downloadUrl"`
	Hashes      map[string]string `json:"hashes,omitempty"`
	Metadata    struct {
		Format string `json:"format,omitempty"` // "SafeTensor", "PickleTensor", "Other"
		Size   string `json:"size,omitempty"`   // "full", "pruned"
		Fp     string `json:"fp,omitempty"`     // "fp16", "fp32"
	} `json:"metadata"`
}

// ResolvedFile is the outcome of metadata resolution: everything needed to
// transfer and verify one file of a model version.
type ResolvedFile struct {
	VersionID int64  `json:"versionId"`
	ModelName string `json:"modelName,omitempty"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	Size      int64  `json:"size"`
	SHA256    string `json:"sha256,omitempty"`
	Format    string `json:"format,omitempty"`
}

// buildHTTPClient creates an HTTP client with sensible defaults.
func buildHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr}
}

// addAuth adds authentication and user-agent headers to a request.
func addAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", "civitdl/1")
}

// Resolve queries the model-versions API and returns the file to download.
//
// File selection prefers an exact match on the requested type and format,
// then the file flagged primary, then the first published file.
func Resolve(ctx context.Context, job Job, cfg Settings) (*ResolvedFile, error) {
	if job.VersionID <= 0 {
		return nil, ErrMissingVersionID
	}
	httpc := buildHTTPClient()
	return resolve(ctx, httpc, job, cfg)
}

func resolve(ctx context.Context, httpc *http.Client, job Job, cfg Settings) (*ResolvedFile, error) {
	reqURL := versionURL(cfg.Endpoint, job.VersionID)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}
	addAuth(req, cfg.Token)

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve version %d: %w", job.VersionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        reqURL,
		}
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil {
			if body.Message != "" {
				apiErr.Message = body.Message
			} else {
				apiErr.Message = body.Error
			}
		}
		return nil, apiErr
	}

	var mv modelVersion
	if err := json.NewDecoder(resp.Body).Decode(&mv); err != nil {
		return nil, fmt.Errorf("decode version %d metadata: %w", job.VersionID, err)
	}
	if len(mv.Files) == 0 {
		return nil, fmt.Errorf("version %d publishes no files", job.VersionID)
	}

	f := pickFile(mv.Files, job)

	rf := &ResolvedFile{
		VersionID: job.VersionID,
		ModelName: mv.Model.Name,
		Name:      f.Name,
		URL:       downloadURL(cfg.Endpoint, job, f),
		Size:      int64(math.Round(f.SizeKB * 1024)),
		Format:    f.Metadata.Format,
	}
	if sha, ok := f.Hashes["SHA256"]; ok {
		rf.SHA256 = strings.ToLower(sha)
	}
	if rf.Name == "" {
		return nil, fmt.Errorf("version %d metadata has no filename", job.VersionID)
	}
	return rf, nil
}

// pickFile chooses which published file of the version to fetch.
func pickFile(files []modelFile, job Job) modelFile {
	wantType := defaultString(job.Type, "Model")
	wantFormat := defaultString(job.Format, "SafeTensor")

	// Exact type+format match first
	for _, f := range files {
		if strings.EqualFold(f.Type, wantType) && strings.EqualFold(f.Metadata.Format, wantFormat) {
			return f
		}
	}
	// Then any file of the wanted type, primary preferred
	var typed *modelFile
	for i := range files {
		if strings.EqualFold(files[i].Type, wantType) {
			if files[i].Primary {
				return files[i]
			}
			if typed == nil {
				typed = &files[i]
			}
		}
	}
	if typed != nil {
		return *typed
	}
	// Fall back to the primary file, then the first
	for _, f := range files {
		if f.Primary {
			return f
		}
	}
	return files[0]
}

// URL builders - all accept endpoint to support mirrors and tests

func versionURL(endpoint string, versionID int64) string {
	return fmt.Sprintf("%s/api/v1/model-versions/%d", getEndpoint(endpoint), versionID)
}

// downloadURL returns the transfer URL for a file, carrying the requested
// type and format as query parameters. The API's own downloadUrl is used
// when published; otherwise the conventional download route is built from
// the version id.
func downloadURL(endpoint string, job Job, f modelFile) string {
	base := f.DownloadURL
	if base == "" {
		base = fmt.Sprintf("%s/api/download/models/%d", getEndpoint(endpoint), job.VersionID)
	}

	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	if q.Get("type") == "" {
		q.Set("type", defaultString(job.Type, "Model"))
	}
	if q.Get("format") == "" {
		q.Set("format", defaultString(job.Format, "SafeTensor"))
	}
	u.RawQuery = q.Encode()
	return u.String()
}
