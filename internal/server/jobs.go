// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hearmeman24/CivitAI-Downloader/pkg/civitai"
)

// JobStatus is the lifecycle state of a download job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job is a tracked download with its progress.
type Job struct {
	ID        string      `json:"id"`
	VersionID int64       `json:"versionId"`
	ModelName string      `json:"modelName,omitempty"`
	File      string      `json:"file,omitempty"`
	Type      string      `json:"type,omitempty"`
	Format    string      `json:"format,omitempty"`
	Force     bool        `json:"force,omitempty"`
	Status    JobStatus   `json:"status"`
	Error     string      `json:"error,omitempty"`
	Progress  JobProgress `json:"progress"`
	Extracted []string    `json:"extracted,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	StartedAt *time.Time  `json:"startedAt,omitempty"`
	EndedAt   *time.Time  `json:"endedAt,omitempty"`

	cancel context.CancelFunc
}

// snapshot returns a copy safe to read and marshal outside the manager's
// lock. Must be called with the manager's lock held.
func (j *Job) snapshot() Job {
	c := *j
	c.cancel = nil
	c.Extracted = append([]string(nil), j.Extracted...)
	return c
}

// JobProgress is the byte-level progress of a job's transfer.
type JobProgress struct {
	TotalBytes      int64 `json:"totalBytes"`
	DownloadedBytes int64 `json:"downloadedBytes"`
}

// JobManager tracks download jobs and runs them in the background. At most
// MaxActive jobs transfer at once; the rest wait in the queued state.
type JobManager struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	config    *Config
	listeners []chan Job
	wsHub     *WSHub
	metrics   *Metrics
	slots     chan struct{}
}

// NewJobManager creates a job manager using the given server config.
func NewJobManager(config *Config, wsHub *WSHub, metrics *Metrics) *JobManager {
	active := config.MaxActive
	if active <= 0 {
		active = 2
	}
	return &JobManager{
		jobs:    make(map[string]*Job),
		config:  config,
		wsHub:   wsHub,
		metrics: metrics,
		slots:   make(chan struct{}, active),
	}
}

// CreateJob registers a new download and starts it in the background.
// Duplicate requests for a version that is already queued or running
// return the existing job with created=false.
func (m *JobManager) CreateJob(req DownloadRequest) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Dedup against active jobs for the same version.
	for _, j := range m.jobs {
		if j.VersionID == req.VersionID &&
			(j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
			return j.snapshot(), false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        uuid.NewString(),
		VersionID: req.VersionID,
		File:      req.Filename,
		Type:      req.Type,
		Format:    req.Format,
		Force:     req.Force,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
		cancel:    cancel,
	}
	m.jobs[job.ID] = job
	if m.metrics != nil {
		m.metrics.JobsCreated.Inc()
		m.metrics.JobsActive.Inc()
	}

	go m.runJob(ctx, job)

	return job.snapshot(), true
}

// GetJob returns a copy of the job with the given id.
func (m *JobManager) GetJob(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// ListJobs returns copies of all known jobs, newest first.
func (m *JobManager) ListJobs() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j.snapshot())
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	return jobs
}

// CancelJob cancels a queued or running job. Returns false if the job
// does not exist or has already finished.
func (m *JobManager) CancelJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return false
	}
	if j.Status != JobStatusQueued && j.Status != JobStatusRunning {
		return false
	}
	j.cancel()
	return true
}

// DeleteJob removes a finished job from the registry.
func (m *JobManager) DeleteJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return false
	}
	if j.Status == JobStatusQueued || j.Status == JobStatusRunning {
		return false
	}
	delete(m.jobs, id)
	return true
}

// Subscribe returns a channel that receives job update snapshots.
func (m *JobManager) Subscribe() chan Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Job, 16)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (m *JobManager) Unsubscribe(ch chan Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, l := range m.listeners {
		if l == ch {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *JobManager) notifyListeners(snap Job) {
	m.mu.RLock()
	listeners := make([]chan Job, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, ch := range listeners {
		select {
		case ch <- snap:
		default:
			// Slow listener, drop the update.
		}
	}

	if m.wsHub != nil {
		m.wsHub.BroadcastJob(snap)
	}
}

// finish records the terminal state and releases metrics. Returns the
// snapshot to broadcast.
func (m *JobManager) finish(job *Job, status JobStatus, errMsg string) Job {
	m.mu.Lock()
	endTime := time.Now()
	job.EndedAt = &endTime
	job.Status = status
	job.Error = errMsg
	snap := job.snapshot()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.JobsActive.Dec()
		m.metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	}
	return snap
}

// runJob waits for a transfer slot, executes the download, and keeps the
// job record updated.
func (m *JobManager) runJob(ctx context.Context, job *Job) {
	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		// Cancelled while still queued.
		m.notifyListeners(m.finish(job, JobStatusCancelled, ""))
		return
	}
	defer func() { <-m.slots }()

	m.mu.Lock()
	now := time.Now()
	job.Status = JobStatusRunning
	job.StartedAt = &now
	snap := job.snapshot()
	m.mu.Unlock()
	m.notifyListeners(snap)

	dlJob := civitai.Job{
		VersionID: job.VersionID,
		Filename:  job.File,
		Force:     job.Force,
		Type:      job.Type,
		Format:    job.Format,
	}
	cfg := m.config.settings()

	progress := func(evt civitai.ProgressEvent) {
		m.mu.Lock()

		switch evt.Event {
		case "resolved":
			job.ModelName = evt.Message
			job.File = evt.File
			job.Progress.TotalBytes = evt.Total

		case "file_start":
			job.File = evt.File
			if evt.Total > 0 {
				job.Progress.TotalBytes = evt.Total
			}

		case "file_progress":
			job.Progress.DownloadedBytes = evt.Downloaded
			if evt.Total > 0 {
				job.Progress.TotalBytes = evt.Total
			}

		case "file_done":
			job.Progress.DownloadedBytes = job.Progress.TotalBytes
			if m.metrics != nil {
				m.metrics.BytesDownloaded.Add(float64(job.Progress.TotalBytes))
			}

		case "extract":
			if evt.Level != "warn" && evt.File != "" {
				job.Extracted = append(job.Extracted, evt.File)
			}
		}

		snap := job.snapshot()
		m.mu.Unlock() // unlock before notifying to avoid deadlock
		m.notifyListeners(snap)
	}

	err := civitai.Download(ctx, dlJob, cfg, progress)

	switch {
	case ctx.Err() != nil:
		snap = m.finish(job, JobStatusCancelled, "")
	case err != nil:
		snap = m.finish(job, JobStatusFailed, err.Error())
	default:
		snap = m.finish(job, JobStatusCompleted, "")
	}
	m.notifyListeners(snap)
}
