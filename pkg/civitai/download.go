// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package civitai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

// Download runs one download job end to end:
// resolve metadata, check the destination, transfer, verify, post-process.
//
// Skip decisions rely only on the filesystem: a complete file at the
// destination means the job is a no-op unless Force is set. Partial
// remnants (empty files, aria2 control files, temp parts) are removed
// before a fresh attempt.
//
// Cancellation: the transfer subprocess and all built-in engine requests
// are tied to ctx for fast abort.
func Download(ctx context.Context, job Job, cfg Settings, progress ProgressFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validate(job, cfg); err != nil {
		return err
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "Models"
	}

	emit := func(ev ProgressEvent) {
		if progress != nil {
			if ev.Time.IsZero() {
				ev.Time = time.Now().UTC()
			}
			if ev.VersionID == 0 {
				ev.VersionID = job.VersionID
			}
			progress(ev)
		}
	}

	httpc := buildHTTPClient()

	emit(ProgressEvent{Event: "resolve_start", Message: "resolving version metadata"})

	rf, err := resolve(ctx, httpc, job, cfg)
	if err != nil {
		emit(ProgressEvent{Level: "error", Event: "error", Message: err.Error()})
		return err
	}

	name := defaultString(job.Filename, rf.Name)
	dst := filepath.Join(cfg.OutputDir, name)
	if rf.Name != name {
		// Keep engine progress events keyed by the effective filename.
		clone := *rf
		clone.Name = name
		rf = &clone
	}

	emit(ProgressEvent{Event: "resolved", File: name, Total: rf.Size,
		Message: fmt.Sprintf("%s (%s)", rf.ModelName, defaultString(rf.Format, "unknown format"))})

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return err
	}

	// Filesystem-based skip
	switch status, reason := InspectLocal(dst, rf.Size); status {
	case StatusValid:
		if !job.Force {
			emit(ProgressEvent{Event: "file_done", File: name, Total: rf.Size, Message: "skip (" + reason + ")"})
			emit(ProgressEvent{Event: "done", File: name, Message: "already downloaded"})
			return nil
		}
		if err := RemovePartial(dst); err != nil {
			return err
		}
	case StatusPartial:
		emit(ProgressEvent{Level: "warn", Event: "file_start", File: name,
			Message: "removing partial download: " + reason})
		if err := RemovePartial(dst); err != nil {
			return err
		}
	}

	emit(ProgressEvent{Event: "file_start", File: name, Total: rf.Size})

	if Aria2Available(cfg) {
		err = runAria2(ctx, cfg, rf.URL, dst, cfg.Aria2Stdout, cfg.Aria2Stderr)
	} else {
		err = downloadBuiltin(ctx, httpc, cfg, rf, dst, emit)
	}
	if err != nil {
		emit(ProgressEvent{Level: "error", Event: "error", File: name, Message: err.Error()})
		return err
	}

	if err := verifyDownload(dst, rf, cfg.Verify); err != nil {
		emit(ProgressEvent{Level: "error", Event: "error", File: name, Message: err.Error()})
		return err
	}

	emit(ProgressEvent{Event: "file_done", File: name, Total: rf.Size})

	// Post-process packaged archives
	if IsArchive(dst) {
		extracted, xerr := ExtractModelFiles(dst, cfg.OutputDir)
		switch {
		case errors.Is(xerr, ErrNoModelFiles):
			emit(ProgressEvent{Level: "warn", Event: "extract", File: name,
				Message: "no model files in archive, keeping it as-is"})
		case xerr != nil:
			emit(ProgressEvent{Level: "error", Event: "error", File: name, Message: xerr.Error()})
			return xerr
		default:
			for _, p := range extracted {
				emit(ProgressEvent{Event: "extract", File: filepath.Base(p), Message: "extracted from " + name})
			}
		}
	}

	emit(ProgressEvent{Event: "done", File: name, Message: "download complete"})
	return nil
}

// DownloadAll runs several jobs with a bounded worker pool. A failing job
// does not stop the others; the returned error joins every failure.
func DownloadAll(ctx context.Context, jobs []Job, cfg Settings, progress ProgressFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(jobs) == 0 {
		return errors.New("no jobs given")
	}

	active := cfg.MaxActive
	if active <= 0 {
		active = 2
	}

	var g errgroup.Group
	g.SetLimit(active)

	errs := make([]error, len(jobs))
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			errs[i] = Download(ctx, job, cfg, progress)
			return nil // keep going; failures are collected
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
