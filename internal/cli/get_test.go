// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"testing"

	"github.com/Hearmeman24/CivitAI-Downloader/pkg/civitai"
)

func TestFinalize(t *testing.T) {
	ro := &RootOpts{}

	t.Run("combines args and models flag", func(t *testing.T) {
		jobs, _, err := finalize(ro, []string{"42"}, "7,8", "", false, "Model", "SafeTensor", civitai.Settings{})
		if err != nil {
			t.Fatalf("finalize failed: %v", err)
		}
		if len(jobs) != 3 {
			t.Fatalf("Expected 3 jobs, got %d", len(jobs))
		}
		want := []int64{42, 7, 8}
		for i, j := range jobs {
			if j.VersionID != want[i] {
				t.Errorf("Expected id %d at %d, got %d", want[i], i, j.VersionID)
			}
		}
	})

	t.Run("deduplicates repeated ids", func(t *testing.T) {
		jobs, _, err := finalize(ro, []string{"42", "42"}, "42,7", "", false, "Model", "SafeTensor", civitai.Settings{})
		if err != nil {
			t.Fatalf("finalize failed: %v", err)
		}
		if len(jobs) != 2 {
			t.Fatalf("Expected 2 jobs after dedup, got %d", len(jobs))
		}
		if jobs[0].VersionID != 42 || jobs[1].VersionID != 7 {
			t.Errorf("Expected ids [42 7], got [%d %d]", jobs[0].VersionID, jobs[1].VersionID)
		}
	})

	t.Run("rejects filename with several ids", func(t *testing.T) {
		_, _, err := finalize(ro, []string{"1", "2"}, "", "x.safetensors", false, "Model", "SafeTensor", civitai.Settings{})
		if err == nil {
			t.Fatal("Expected error for --filename with multiple ids")
		}
	})

	t.Run("allows filename when duplicates collapse to one id", func(t *testing.T) {
		jobs, _, err := finalize(ro, []string{"5", "5"}, "", "x.safetensors", false, "Model", "SafeTensor", civitai.Settings{})
		if err != nil {
			t.Fatalf("finalize failed: %v", err)
		}
		if len(jobs) != 1 || jobs[0].Filename != "x.safetensors" {
			t.Fatalf("Expected one job with the filename override, got %+v", jobs)
		}
	})

	t.Run("rejects malformed ids", func(t *testing.T) {
		for _, bad := range []string{"abc", "0", "-4", "1.5"} {
			if _, _, err := finalize(ro, []string{bad}, "", "", false, "Model", "SafeTensor", civitai.Settings{}); err == nil {
				t.Errorf("Expected error for id %q", bad)
			}
		}
	})

	t.Run("requires at least one id", func(t *testing.T) {
		if _, _, err := finalize(ro, nil, "", "", false, "Model", "SafeTensor", civitai.Settings{}); err == nil {
			t.Fatal("Expected error for missing ids")
		}
	})
}
