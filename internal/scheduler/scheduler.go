// Copyright 2025 LogLine Contributors
//
// Scheduler — a priority + deadline job queue keyed on the adaptive
// clock. Grounded on the teacher's pkg/batch.Scheduler for the
// Config/Start/Stop/state-machine shape and the run-loop's ticker-driven
// polling; the heap itself follows container/heap the way the standard
// library documents it (no teacher analogue pops a priority heap, so
// this part is stdlib by necessity — see DESIGN.md).

package scheduler

import (
	"container/heap"
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danvoulez/logline/pkg/span"
)

// CompletionStatus records how a job finished.
type CompletionStatus string

const (
	CompletedOK      CompletionStatus = "completed"
	CompletedTimeout CompletionStatus = "timeout"
	CompletedFailed  CompletionStatus = "failed"
	CompletedCancel  CompletionStatus = "cancelled"
)

// CompletionRecord is emitted whenever a job leaves the running set.
type CompletionRecord struct {
	JobID    string
	Status   CompletionStatus
	Error    string
	Duration time.Duration
}

// Dispatcher executes an activated job. It must respect ctx cancellation
// for cooperative stop-at-suspension-point cancellation.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *span.Job) (*CompletionRecord, error)
}

// Config controls scheduler behavior.
type Config struct {
	MaxConcurrentJobs int
	CheckInterval     time.Duration // default 100ms poll of the heap
	Backoff           func(attempt int) time.Duration
	Logger            *log.Logger
	Registerer        prometheus.Registerer
}

func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentJobs: 8,
		CheckInterval:     100 * time.Millisecond,
		Backoff: func(attempt int) time.Duration {
			d := time.Duration(1<<uint(attempt)) * time.Second
			if d > 5*time.Minute {
				d = 5 * time.Minute
			}
			return d
		},
		Logger: log.New(log.Writer(), "[Scheduler] ", log.LstdFlags),
	}
}

// heapItem wraps a Job with its combined priority score. Higher score
// pops first.
type heapItem struct {
	job   *span.Job
	score int64
	index int
}

type jobHeap []*heapItem

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	// Non-strict FIFO within a priority class: break ties on original
	// scheduled_tick so equally-scored jobs drain in arrival order.
	return h[i].job.ScheduledTick < h[j].job.ScheduledTick
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *jobHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Stats are exported counters (spec 4.E).
type Stats struct {
	Scheduled       int64
	Completed       int64
	Failed          int64
	InQueue         int64
	Running         int64
	TotalBudget     int64
	MeanDurationMS  float64
	totalDurationMS float64
}

// Scheduler is the priority+deadline job queue.
type Scheduler struct {
	mu sync.Mutex

	cfg        *Config
	dispatcher Dispatcher
	nowTick    func() int64 // sourced from the adaptive clock

	heap     jobHeap
	byID     map[string]*heapItem
	running  map[string]*runningJob
	done     map[string]bool // completed job ids, for dependency checks
	stats    Stats
	attempts map[string]int

	scheduledCounter prometheus.Counter
	completedCounter *prometheus.CounterVec

	stopCh chan struct{}
	doneCh chan struct{}
}

type runningJob struct {
	job       *span.Job
	startedAt int64
	cancel    context.CancelFunc
}

// New constructs a Scheduler. nowTick supplies the current adaptive-clock
// tick value (e.g. clock.Clock.State().CurrentUnitValue, truncated).
func New(dispatcher Dispatcher, nowTick func() int64, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Scheduler] ", log.LstdFlags)
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 8
	}

	s := &Scheduler{
		cfg:        cfg,
		dispatcher: dispatcher,
		nowTick:    nowTick,
		byID:       make(map[string]*heapItem),
		running:    make(map[string]*runningJob),
		done:       make(map[string]bool),
		attempts:   make(map[string]int),
	}
	heap.Init(&s.heap)

	if cfg.Registerer != nil {
		s.scheduledCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logline_scheduler_jobs_scheduled_total",
			Help: "Total jobs submitted to the scheduler.",
		})
		s.completedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logline_scheduler_jobs_completed_total",
			Help: "Total jobs completed, by terminal status.",
		}, []string{"status"})
		cfg.Registerer.MustRegister(s.scheduledCounter, s.completedCounter)
	}

	return s
}

// Submit enqueues a job.
func (s *Scheduler) Submit(job *span.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.RetriesRemaining == 0 && job.Status == "" {
		job.RetriesRemaining = 3
	}
	job.Status = span.JobQueued

	item := &heapItem{job: job, score: s.score(job, s.nowTick())}
	s.byID[job.ID] = item
	heap.Push(&s.heap, item)

	s.stats.Scheduled++
	s.stats.InQueue = int64(s.heap.Len())
	s.stats.TotalBudget += job.TrajBudget
	if s.scheduledCounter != nil {
		s.scheduledCounter.Inc()
	}
}

// score computes priority_class·10⁶ + lateness_ticks.
func (s *Scheduler) score(job *span.Job, now int64) int64 {
	lateness := now - job.ScheduledTick
	if lateness < 0 {
		lateness = 0
	}
	return int64(job.Priority)*1_000_000 + lateness
}

// Cancel removes a pending job from the heap, or marks a running job
// cancelled so the executor stops at its next suspension point.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.byID[jobID]; ok {
		heap.Remove(&s.heap, item.index)
		delete(s.byID, jobID)
		item.job.Status = span.JobCancelled
		s.stats.InQueue = int64(s.heap.Len())
		return true
	}
	if rj, ok := s.running[jobID]; ok {
		rj.job.Status = span.JobCancelled
		if rj.cancel != nil {
			rj.cancel()
		}
		return true
	}
	return false
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Start begins the scheduler's polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop halts the polling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	interval := s.cfg.CheckInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce reclassifies timed-out running jobs and activates as many
// ready jobs as concurrency allows.
func (s *Scheduler) pollOnce(ctx context.Context) {
	now := s.nowTick()

	s.mu.Lock()
	for id, rj := range s.running {
		if rj.job.TimeoutTicks > 0 && now-rj.startedAt > rj.job.TimeoutTicks {
			rj.job.Status = span.JobTimeout
			if rj.cancel != nil {
				rj.cancel()
			}
			delete(s.running, id)
			s.stats.Failed++
			s.recordCompletion(CompletedTimeout)
			s.cfg.Logger.Printf("job %s timed out after %d ticks", id, rj.job.TimeoutTicks)
		}
	}

	var notYetReady []*heapItem
	for len(s.running) < s.cfg.MaxConcurrentJobs && s.heap.Len() > 0 {
		item := heap.Pop(&s.heap).(*heapItem)
		job := item.job
		delete(s.byID, job.ID)

		if job.ScheduledTick > now || !s.dependenciesComplete(job) {
			notYetReady = append(notYetReady, item)
			continue
		}

		job.Status = span.JobRunning
		job.StartedAt = now
		runCtx, cancel := context.WithCancel(ctx)
		s.running[job.ID] = &runningJob{job: job, startedAt: now, cancel: cancel}

		go s.dispatch(runCtx, job)
	}
	for _, item := range notYetReady {
		item.score = s.score(item.job, now)
		heap.Push(&s.heap, item)
	}
	s.stats.InQueue = int64(s.heap.Len())
	s.stats.Running = int64(len(s.running))
	s.mu.Unlock()
}

func (s *Scheduler) dependenciesComplete(job *span.Job) bool {
	for _, dep := range job.Dependencies {
		if !s.done[dep] {
			return false
		}
	}
	return true
}

func (s *Scheduler) dispatch(ctx context.Context, job *span.Job) {
	start := time.Now()
	rec, err := s.dispatcher.Dispatch(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, job.ID)

	status := CompletedOK
	switch {
	case err != nil:
		status = CompletedFailed
	case rec != nil:
		status = rec.Status
	}

	if status == CompletedFailed && job.RetriesRemaining > 0 {
		job.RetriesRemaining--
		attempt := s.attempts[job.ID] + 1
		s.attempts[job.ID] = attempt
		job.ScheduledTick = s.nowTick() + int64(s.cfg.Backoff(attempt).Seconds())
		job.Status = span.JobQueued
		item := &heapItem{job: job, score: s.score(job, s.nowTick())}
		s.byID[job.ID] = item
		heap.Push(&s.heap, item)
		s.cfg.Logger.Printf("job %s failed, retry %d scheduled at tick %d", job.ID, attempt, job.ScheduledTick)
		return
	}

	if status == CompletedFailed && job.Fallback != "" {
		s.cfg.Logger.Printf("job %s exhausted retries; fallback %q is not dispatched", job.ID, job.Fallback)
	}

	s.done[job.ID] = status == CompletedOK
	switch status {
	case CompletedOK:
		job.Status = span.JobCompleted
		s.stats.Completed++
	case CompletedTimeout:
		job.Status = span.JobTimeout
		s.stats.Failed++
	case CompletedCancel:
		job.Status = span.JobCancelled
	default:
		job.Status = span.JobFailed
		s.stats.Failed++
	}

	s.stats.totalDurationMS += float64(time.Since(start).Milliseconds())
	total := s.stats.Completed + s.stats.Failed
	if total > 0 {
		s.stats.MeanDurationMS = s.stats.totalDurationMS / float64(total)
	}
	s.recordCompletion(status)
}

func (s *Scheduler) recordCompletion(status CompletionStatus) {
	if s.completedCounter != nil {
		s.completedCounter.WithLabelValues(string(status)).Inc()
	}
}
