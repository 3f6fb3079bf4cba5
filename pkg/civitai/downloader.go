// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package civitai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// The built-in transfer engine. Used when aria2c is not installed or has
// been disabled; it downloads the file itself with ranged multipart
// requests above a size threshold and a plain streaming request below it.

// progressReader wraps an io.Reader and emits progress events during reads.
type progressReader struct {
	reader     io.Reader
	total      int64
	downloaded int64
	file       string
	emit       func(ProgressEvent)
	lastEmit   time.Time
	interval   time.Duration
}

func newProgressReader(r io.Reader, total int64, file string, emit func(ProgressEvent)) *progressReader {
	return &progressReader{
		reader:   r,
		total:    total,
		file:     file,
		emit:     emit,
		lastEmit: time.Now(),
		interval: 200 * time.Millisecond, // Emit at most 5 times per second
	}
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.downloaded += int64(n)
		// Throttle emissions to avoid flooding
		if time.Since(pr.lastEmit) >= pr.interval || err == io.EOF {
			pr.emit(ProgressEvent{
				Event:      "file_progress",
				File:       pr.file,
				Downloaded: pr.downloaded,
				Total:      pr.total,
			})
			pr.lastEmit = time.Now()
		}
	}
	return n, err
}

// downloadBuiltin transfers rf to dst using the built-in engine.
func downloadBuiltin(ctx context.Context, httpc *http.Client, cfg Settings, rf *ResolvedFile, dst string, emit func(ProgressEvent)) error {
	thresholdBytes, err := parseSizeString(defaultString(cfg.MultipartThreshold, "32MiB"), 32<<20)
	if err != nil {
		return fmt.Errorf("invalid multipart-threshold: %w", err)
	}

	if rf.Size >= thresholdBytes && acceptsRanges(ctx, httpc, cfg.Token, rf.URL) {
		err = downloadMultipart(ctx, httpc, cfg, rf, dst, emit)
	} else {
		err = downloadSingle(ctx, httpc, cfg, rf, dst, emit)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransferError{File: rf.Name, Tool: "builtin", Err: err}
	}
	return nil
}

// acceptsRanges checks if the server supports range requests for the URL.
func acceptsRanges(ctx context.Context, httpc *http.Client, token, urlStr string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "HEAD", urlStr, nil)
	addAuth(req, token)
	resp, err := httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes")
}

// downloadSingle downloads a file in a single request.
func downloadSingle(ctx context.Context, httpc *http.Client, cfg Settings, rf *ResolvedFile, dst string, emit func(ProgressEvent)) error {
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer out.Close()

	retry := newRetry(cfg)
	retries := cfg.Retries
	if retries <= 0 {
		retries = 4
	}
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, _ := http.NewRequestWithContext(ctx, "GET", rf.URL, nil)
		addAuth(req, cfg.Token)

		resp, err := httpc.Do(req)
		if err != nil {
			lastErr = err
		} else {
			switch {
			case resp.StatusCode == 401 || resp.StatusCode == 403:
				resp.Body.Close()
				return ErrUnauthorized
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				lastErr = fmt.Errorf("bad status: %s", resp.Status)
				resp.Body.Close()
			default:
				// Restart the temp file on each attempt
				if _, err := out.Seek(0, io.SeekStart); err != nil {
					resp.Body.Close()
					return err
				}
				if err := out.Truncate(0); err != nil {
					resp.Body.Close()
					return err
				}
				pr := newProgressReader(resp.Body, rf.Size, rf.Name, emit)
				_, cerr := io.Copy(out, pr)
				resp.Body.Close()
				if cerr == nil {
					out.Close()
					return os.Rename(tmp, dst)
				}
				lastErr = cerr
			}
		}

		if attempt < retries {
			emit(ProgressEvent{Event: "retry", File: rf.Name, Attempt: attempt + 1, Message: lastErr.Error()})
			if d := retry.Next(); !sleepCtx(ctx, d) {
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// downloadMultipart downloads a file using parallel range requests, one part
// file per connection, then assembles the parts.
func downloadMultipart(ctx context.Context, httpc *http.Client, cfg Settings, rf *ResolvedFile, dst string, emit func(ProgressEvent)) error {
	size := rf.Size
	if size == 0 {
		// HEAD to resolve size
		req, _ := http.NewRequestWithContext(ctx, "HEAD", rf.URL, nil)
		addAuth(req, cfg.Token)
		resp, err := httpc.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		size = resp.ContentLength
	}
	if size <= 0 {
		return downloadSingle(ctx, httpc, cfg, rf, dst, emit)
	}

	n := cfg.Connections
	if n <= 0 {
		n = 8
	}
	chunk := size / int64(n)
	if chunk <= 0 {
		chunk = size
		n = 1
	}

	tmpParts := make([]string, n)
	for i := 0; i < n; i++ {
		tmpParts[i] = fmt.Sprintf("%s.part-%02d", dst, i)
	}

	partCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, partCtx := errgroup.WithContext(partCtx)

	for i := 0; i < n; i++ {
		i := i
		start := int64(i) * chunk
		end := start + chunk - 1
		if i == n-1 {
			end = size - 1
		}

		g.Go(func() error {
			return downloadPart(partCtx, httpc, cfg, rf, tmpParts[i], start, end, emit)
		})
	}

	// Emit periodic progress while parts are in flight
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		t := time.NewTicker(200 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-partCtx.Done():
				return
			case <-t.C:
				var downloaded int64
				for _, p := range tmpParts {
					if fi, err := os.Stat(p); err == nil {
						downloaded += fi.Size()
					}
				}
				emit(ProgressEvent{Event: "file_progress", File: rf.Name, Downloaded: downloaded, Total: size})
			}
		}
	}()

	err := g.Wait()
	cancel()
	<-progressDone
	if err != nil {
		return err
	}

	// Assemble parts
	out, err := os.Create(dst + ".part")
	if err != nil {
		return err
	}
	for _, p := range tmpParts {
		in, err := os.Open(p)
		if err != nil {
			out.Close()
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			in.Close()
			out.Close()
			return err
		}
		in.Close()
	}
	out.Close()

	if err := os.Rename(dst+".part", dst); err != nil {
		return err
	}
	for _, p := range tmpParts {
		_ = os.Remove(p)
	}
	return nil
}

// downloadPart fetches one byte range into its part file, with retries.
// A part file that already has the full range is left alone (resume).
func downloadPart(ctx context.Context, httpc *http.Client, cfg Settings, rf *ResolvedFile, tmp string, start, end int64, emit func(ProgressEvent)) error {
	if fi, err := os.Stat(tmp); err == nil && fi.Size() == (end-start+1) {
		return nil
	}

	retry := newRetry(cfg)
	retries := cfg.Retries
	if retries <= 0 {
		retries = 4
	}
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rq, _ := http.NewRequestWithContext(ctx, "GET", rf.URL, nil)
		addAuth(rq, cfg.Token)
		rq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

		rs, err := httpc.Do(rq)
		if err != nil {
			lastErr = err
		} else if rs.StatusCode == 401 || rs.StatusCode == 403 {
			rs.Body.Close()
			return ErrUnauthorized
		} else if rs.StatusCode != 206 {
			lastErr = fmt.Errorf("range not supported (status %s)", rs.Status)
			rs.Body.Close()
		} else {
			out, err := os.Create(tmp)
			if err != nil {
				lastErr = err
				rs.Body.Close()
			} else {
				_, lastErr = io.Copy(out, rs.Body)
				out.Close()
				rs.Body.Close()
				if lastErr == nil {
					return nil
				}
			}
		}

		if attempt < retries {
			emit(ProgressEvent{Event: "retry", File: rf.Name, Attempt: attempt + 1, Message: lastErr.Error()})
			if d := retry.Next(); !sleepCtx(ctx, d) {
				return ctx.Err()
			}
		}
	}
	return lastErr
}
