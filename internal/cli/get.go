// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Hearmeman24/CivitAI-Downloader/internal/tui"
	"github.com/Hearmeman24/CivitAI-Downloader/pkg/civitai"
)

func newGetCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	cfg := &civitai.Settings{}
	var (
		modelsCSV string
		filename  string
		force     bool
		fileType  string
		format    string
		dryRun    bool
		planFmt   string
	)

	cmd := &cobra.Command{
		Use:   "get [VERSION_ID...]",
		Short: "Download model versions from CivitAI",
		Long: `Download one or more model versions by their numeric id.

The id is the modelVersionId shown on a model's CivitAI page. Metadata
(filename, size, download URL) is resolved through the public API; the
transfer itself goes through aria2c when installed, or the built-in
multi-connection engine otherwise.`,
		Args: cobra.ArbitraryArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, finalCfg, err := finalize(ro, args, modelsCSV, filename, force, fileType, format, *cfg)
			if err != nil {
				return err
			}

			// Plan-only mode
			if dryRun {
				return printPlan(ctx, ro, jobs, finalCfg, planFmt)
			}

			progress, closeUI := pickProgress(ro, jobs, &finalCfg)
			defer closeUI()

			if len(jobs) == 1 {
				return civitai.Download(ctx, jobs[0], finalCfg, progress)
			}
			return civitai.DownloadAll(ctx, jobs, finalCfg, progress)
		},
	}

	// Job flags
	cmd.Flags().StringVarP(&modelsCSV, "models", "m", "", "Comma-separated model-version ids (alternative to positional args)")
	cmd.Flags().StringVar(&filename, "filename", "", "Override the filename published by the API (single id only)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Re-download even when a valid file already exists")
	cmd.Flags().StringVar(&fileType, "type", "Model", "File type to fetch: Model|VAE|Training Data")
	cmd.Flags().StringVar(&format, "format", "SafeTensor", "Preferred file format: SafeTensor|PickleTensor|Other")

	// Settings flags
	cmd.Flags().StringVarP(&cfg.OutputDir, "output", "o", "Models", "Destination directory")
	cmd.Flags().IntVarP(&cfg.Connections, "connections", "c", 8, "Parallel connections for the transfer")
	cmd.Flags().IntVar(&cfg.MaxActive, "max-active", 2, "Maximum number of versions downloading at once")
	cmd.Flags().StringVar(&cfg.Aria2Path, "aria2c", "", "Path to the aria2c executable (default: look up on PATH)")
	cmd.Flags().BoolVar(&cfg.NoAria2, "no-aria2", false, "Skip aria2c and use the built-in transfer engine")
	cmd.Flags().StringVar(&cfg.MultipartThreshold, "multipart-threshold", "32MiB", "Built-in engine: use ranged multipart transfers for files >= this size")
	cmd.Flags().StringVar(&cfg.Verify, "verify", "size", "Verification after transfer: none|size|sha256")
	cmd.Flags().IntVar(&cfg.Retries, "retries", 4, "Built-in engine: max retry attempts per HTTP request")
	cmd.Flags().StringVar(&cfg.BackoffInitial, "backoff-initial", "400ms", "Initial retry backoff duration")
	cmd.Flags().StringVar(&cfg.BackoffMax, "backoff-max", "10s", "Maximum retry backoff duration")

	// CLI-only flags
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Resolve metadata only: print what would be downloaded and exit")
	cmd.Flags().StringVar(&planFmt, "plan-format", "table", "Output format for --dry-run: table|json")

	return cmd
}

// finalize validates the version-id list and produces the jobs and settings
// the library runs with.
func finalize(ro *RootOpts, args []string, modelsCSV, filename string, force bool, fileType, format string, cfg civitai.Settings) ([]civitai.Job, civitai.Settings, error) {
	ids := append([]string{}, args...)
	ids = append(ids, splitComma(modelsCSV)...)

	if len(ids) == 0 {
		return nil, cfg, fmt.Errorf("missing VERSION_ID. Pass one or more ids as positional args or via --models")
	}

	// Repeated ids collapse to one job; two concurrent transfers would
	// fight over the same destination file.
	jobs := make([]civitai.Job, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, cfg, fmt.Errorf("invalid model-version id %q (expected a positive number)", raw)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		jobs = append(jobs, civitai.Job{
			VersionID: id,
			Filename:  filename,
			Force:     force,
			Type:      fileType,
			Format:    format,
		})
	}

	if filename != "" && len(jobs) > 1 {
		return nil, cfg, fmt.Errorf("--filename can only be used with a single version id")
	}

	cfg.Token = resolveToken(ro)
	return jobs, cfg, nil
}

// pickProgress chooses the progress surface: JSON lines, quiet text, a live
// TUI table for several versions, or a single pb bar for one. When aria2c
// will run, its own output goes to the terminal instead.
func pickProgress(ro *RootOpts, jobs []civitai.Job, cfg *civitai.Settings) (civitai.ProgressFunc, func()) {
	noop := func() {}

	if ro.JSONOut {
		return jsonProgress(os.Stdout), noop
	}
	if ro.Quiet {
		return cliProgress(ro), noop
	}

	if civitai.Aria2Available(*cfg) {
		// aria2c renders its own progress
		cfg.Aria2Stdout = os.Stdout
		cfg.Aria2Stderr = os.Stderr
		return cliProgress(ro), noop
	}

	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	if interactive && len(jobs) > 1 {
		ui := tui.NewLiveRenderer(jobs, *cfg)
		return ui.Handler(), ui.Close
	}
	return barProgress(ro), noop
}

// barProgress renders one pb bar per transfer of the built-in engine and
// falls back to plain lines for everything else.
func barProgress(ro *RootOpts) civitai.ProgressFunc {
	var mu sync.Mutex
	bars := map[string]*pb.ProgressBar{}
	plain := cliProgress(ro)

	return func(ev civitai.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()

		switch ev.Event {
		case "file_start":
			if ev.Total > 0 {
				bar := pb.New64(ev.Total)
				bar.Set(pb.Bytes, true)
				bar.SetWriter(os.Stderr)
				bars[ev.File] = bar.Start()
				return
			}
		case "file_progress":
			if bar, ok := bars[ev.File]; ok {
				bar.SetCurrent(ev.Downloaded)
			}
			return
		case "file_done":
			if bar, ok := bars[ev.File]; ok {
				bar.SetCurrent(bar.Total())
				bar.Finish()
				delete(bars, ev.File)
			}
		}
		plain(ev)
	}
}

// printPlan resolves each job without downloading and prints the outcome.
func printPlan(ctx context.Context, ro *RootOpts, jobs []civitai.Job, cfg civitai.Settings, planFmt string) error {
	resolved := make([]*civitai.ResolvedFile, 0, len(jobs))
	for _, job := range jobs {
		rf, err := civitai.Resolve(ctx, job, cfg)
		if err != nil {
			return err
		}
		resolved = append(resolved, rf)
	}

	if planFmt == "json" || ro.JSONOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resolved)
	}

	fmt.Printf("Plan (%d versions):\n", len(resolved))
	for _, rf := range resolved {
		fmt.Printf("  %d  %-40s  %10d bytes  %s\n", rf.VersionID, rf.Name, rf.Size, rf.URL)
	}
	return nil
}
