// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Hearmeman24/CivitAI-Downloader/pkg/civitai"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	Token   string
	JSONOut bool
	Quiet   bool
	Verbose bool
	Config  string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "civitdl",
		Short:         "Download model files from CivitAI by model-version id",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	// Global flags
	root.PersistentFlags().StringVarP(&ro.Token, "token", "t", "", "CivitAI API token (also reads CIVITAI_TOKEN env)")
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events (progress, metadata, results)")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (minimal logs)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")

	// Add commands
	getCmd := newGetCmd(ctx, ro)
	root.AddCommand(getCmd)
	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newServeCmd(ro))
	root.AddCommand(newConfigCmd())

	// Make get the default command when no subcommand is given
	root.RunE = getCmd.RunE
	root.Flags().AddFlagSet(getCmd.Flags())
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// resolveToken picks the API token: flag first, then environment. The
// placeholder value "token_here" that ships in example configs counts as
// unset.
func resolveToken(ro *RootOpts) string {
	tok := strings.TrimSpace(ro.Token)
	if tok == "" {
		tok = strings.TrimSpace(os.Getenv("CIVITAI_TOKEN"))
	}
	if tok == "" {
		tok = strings.TrimSpace(os.Getenv("civitai_token"))
	}
	if tok == "token_here" {
		return ""
	}
	return tok
}

// applySettingsDefaults layers config-file values under flags the user did
// not set. Lookup order for the file: --config, then
// ~/.config/civitdl.{json,yaml,yml}.
func applySettingsDefaults(cmd *cobra.Command, ro *RootOpts, dst *civitai.Settings) error {
	path := ro.Config
	if path == "" {
		home, _ := os.UserHomeDir()
		jsonPath := filepath.Join(home, ".config", "civitdl.json")
		yamlPath := filepath.Join(home, ".config", "civitdl.yaml")
		ymlPath := filepath.Join(home, ".config", "civitdl.yml")

		if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
		} else if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
		} else if _, err := os.Stat(ymlPath); err == nil {
			path = ymlPath
		}
	}
	if path == "" {
		return nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cfg map[string]any

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid YAML config file: %w", err)
		}
	default: // .json or unknown
		if err := json.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid JSON config file: %w", err)
		}
	}

	setStr := func(flagName string, set func(string)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			set(fmt.Sprint(v))
		}
	}
	setInt := func(flagName string, set func(int)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			var x int
			fmt.Sscan(fmt.Sprint(v), &x)
			set(x)
		}
	}
	setBool := func(flagName string, set func(bool)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			set(fmt.Sprint(v) == "true")
		}
	}

	setStr("output", func(v string) { dst.OutputDir = v })
	setInt("connections", func(v int) { dst.Connections = v })
	setInt("max-active", func(v int) { dst.MaxActive = v })
	setStr("aria2c", func(v string) { dst.Aria2Path = v })
	setBool("no-aria2", func(v bool) { dst.NoAria2 = v })
	setStr("multipart-threshold", func(v string) { dst.MultipartThreshold = v })
	setStr("verify", func(v string) { dst.Verify = v })
	setInt("retries", func(v int) { dst.Retries = v })
	setStr("backoff-initial", func(v string) { dst.BackoffInitial = v })
	setStr("backoff-max", func(v string) { dst.BackoffMax = v })

	if !cmd.Flags().Changed("token") && os.Getenv("CIVITAI_TOKEN") == "" {
		if v, ok := cfg["token"]; ok && v != nil {
			ro.Token = fmt.Sprint(v)
		}
	}

	return nil
}

// splitComma splits a comma-separated list, dropping empty entries.
func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// cliProgress returns a simple text-based progress handler.
func cliProgress(ro *RootOpts) civitai.ProgressFunc {
	return func(ev civitai.ProgressEvent) {
		switch ev.Event {
		case "resolve_start":
			if !ro.Quiet {
				fmt.Printf("Resolving version %d ...\n", ev.VersionID)
			}
		case "resolved":
			if !ro.Quiet {
				fmt.Printf("version %d: %s (%s)\n", ev.VersionID, ev.File, ev.Message)
			}
		case "retry":
			fmt.Printf("retry %s (attempt %d): %s\n", ev.File, ev.Attempt, ev.Message)
		case "file_start":
			if !ro.Quiet {
				fmt.Printf("downloading: %s (%d bytes)\n", ev.File, ev.Total)
			}
		case "file_done":
			if strings.HasPrefix(ev.Message, "skip") {
				fmt.Printf("skip: %s %s\n", ev.File, ev.Message)
			} else {
				fmt.Printf("done: %s\n", ev.File)
			}
		case "extract":
			fmt.Printf("extract: %s %s\n", ev.File, ev.Message)
		case "error":
			fmt.Fprintf(os.Stderr, "error: %s\n", ev.Message)
		case "done":
			if !ro.Quiet {
				fmt.Printf("version %d: %s\n", ev.VersionID, ev.Message)
			}
		}
	}
}

// jsonProgress returns a JSON-lines progress handler.
func jsonProgress(w io.Writer) civitai.ProgressFunc {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	return func(ev civitai.ProgressEvent) {
		mu.Lock()
		_ = enc.Encode(ev)
		mu.Unlock()
	}
}
