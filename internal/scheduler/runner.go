package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/sirupsen/logrus"

	"qbit-optimizer/internal/domain"
)

// maxSleepCap bounds every wait so clock steps and suspend are noticed.
const maxSleepCap = 60 * time.Second

// Job is a named driver fired on a cron schedule.
type Job struct {
	Name string
	Cron string
	Run  func(ctx context.Context) error
}

type event struct {
	name      string
	triggerAt time.Time
}

type eventHeap []event

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].triggerAt.Before(h[j].triggerAt) }
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *eventHeap) remove(name string) {
	for i, e := range *h {
		if e.name == name {
			heap.Remove(h, i)
			return
		}
	}
}

// Runner fires registered jobs on their cron schedules. Each firing runs in
// its own goroutine; a job guards itself against overlap.
type Runner struct {
	logger *logrus.Entry
	now    func() time.Time

	mu     sync.Mutex
	jobs   map[string]*Job
	events eventHeap
	wake   chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

func NewRunner(logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{
		logger: logger.WithField("component", "runner"),
		now:    time.Now,
		jobs:   make(map[string]*Job),
		wake:   make(chan struct{}, 1),
	}
}

// Register adds a job. An empty cron registers it for manual triggers only.
func (r *Runner) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run func")
	}
	if job.Cron != "" && !gronx.New().IsValid(job.Cron) {
		return fmt.Errorf("invalid cron %q for %s", job.Cron, job.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	j := job
	r.jobs[job.Name] = &j
	if r.ctx != nil {
		r.scheduleLocked(&j, r.now())
	}
	return nil
}

// Start launches the scheduling loop. It returns immediately.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	now := r.now()
	for _, job := range r.jobs {
		r.scheduleLocked(job, now)
	}
	count := len(r.jobs)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop()
	}()
	r.logger.Infof("runner started with %d jobs", count)
}

// Shutdown stops the loop and waits for in-flight jobs.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.logger.Info("runner stopped")
}

// Reschedule replaces a job's cron expression and recomputes its next run.
func (r *Runner) Reschedule(name, expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid cron %q", expr)
	}
	r.mu.Lock()
	job, ok := r.jobs[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown job %s", name)
	}
	job.Cron = expr
	r.events.remove(name)
	if r.ctx != nil {
		r.scheduleLocked(job, r.now())
	}
	r.mu.Unlock()

	r.poke()
	r.logger.Infof("%s rescheduled to %q", name, expr)
	return nil
}

// Schedule returns the job's cron expression and next planned run.
func (r *Runner) Schedule(name string) (string, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[name]
	if !ok {
		return "", time.Time{}, false
	}
	for _, e := range r.events {
		if e.name == name {
			return job.Cron, e.triggerAt, true
		}
	}
	return job.Cron, time.Time{}, true
}

// ErrStopped is returned by Trigger once Shutdown has begun.
var ErrStopped = errors.New("runner stopped")

// Trigger fires a job now, outside its schedule.
func (r *Runner) Trigger(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	if r.ctx == nil {
		return errors.New("runner not started")
	}
	if r.stopped || r.ctx.Err() != nil {
		return ErrStopped
	}
	r.fire(r.ctx, job)
	return nil
}

func (r *Runner) loop() {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		r.mu.Lock()
		wait := maxSleepCap
		if len(r.events) > 0 {
			if d := r.events[0].triggerAt.Sub(r.now()); d < wait {
				wait = d
			}
		}
		r.mu.Unlock()
		if wait < 0 {
			wait = 0
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}

		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			r.fireDue()
		}
	}
}

func (r *Runner) fireDue() {
	r.mu.Lock()
	now := r.now()
	var due []*Job
	for len(r.events) > 0 && !r.events[0].triggerAt.After(now) {
		e := heap.Pop(&r.events).(event)
		job, ok := r.jobs[e.name]
		if !ok {
			continue
		}
		due = append(due, job)
		r.scheduleLocked(job, now)
	}
	ctx := r.ctx
	if r.stopped {
		due = nil
	}
	for _, job := range due {
		r.fire(ctx, job)
	}
	r.mu.Unlock()
}

func (r *Runner) fire(ctx context.Context, job *Job) {
	name, run := job.Name, job.Run
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		log := r.logger.WithField("job", name)
		err := run(ctx)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrBusy):
			log.Warn("previous run still in progress, trigger dropped")
		case errors.Is(err, domain.ErrGateHeld):
			log.Info("transfer lock held, run skipped")
		case errors.Is(err, context.Canceled):
			log.Info("run cancelled")
		default:
			log.Errorf("run failed: %v", err)
		}
	}()
}

// scheduleLocked pushes the next occurrence of job strictly after from.
func (r *Runner) scheduleLocked(job *Job, from time.Time) {
	if job.Cron == "" {
		return
	}
	next, err := nextCronOccurrence(job.Cron, from)
	if err != nil {
		r.logger.WithField("job", job.Name).Errorf("compute next run: %v", err)
		return
	}
	heap.Push(&r.events, event{name: job.Name, triggerAt: next})
}

func (r *Runner) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func nextCronOccurrence(expr string, start time.Time) (time.Time, error) {
	return gronx.NextTickAfter(expr, start, false)
}
