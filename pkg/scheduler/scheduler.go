// Package scheduler fires enabled cron workflows on wall-clock minutes.
//
// Each tick evaluates every minute since the previous tick (bounded by the
// catch-up limit) against every enabled cron workflow. A match is submitted
// to the connector executor on its own goroutine while the store's read lock
// is held, after re-checking that the workflow still exists, is enabled and
// has not already fired for that minute.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/dshills/flowagent/pkg/result"
	"github.com/dshills/flowagent/pkg/storage"
	"github.com/dshills/flowagent/pkg/workflow"
)

// Defaults.
const (
	DefaultTick       = 15 * time.Second
	MaxTick           = time.Minute
	DefaultMaxCatchUp = 5
)

// Executor runs one connector action. connector.Registry satisfies it.
type Executor interface {
	Execute(ctx context.Context, connector, action string, params map[string]interface{}) result.Result
}

// Sink receives the report of each fire. protocol.Writer satisfies it.
type Sink interface {
	Write(result.Result) error
}

// RunRecorder persists fires. storage.RunHistory satisfies it.
type RunRecorder interface {
	RecordRun(ctx context.Context, run storage.Run) error
}

// Observer is notified of ticks and fires.
type Observer interface {
	ObserveTick(evaluated int, d time.Duration)
	ObserveFire(connector string, success bool)
}

// Scheduler evaluates cron triggers and dispatches matching workflows.
type Scheduler struct {
	store    *workflow.Store
	exec     Executor
	sink     Sink
	history  RunRecorder
	observer Observer
	log      logrus.FieldLogger

	tick       time.Duration
	maxCatchUp int
	loc        *time.Location
	now        func() time.Time

	mu        sync.Mutex
	lastTick  time.Time
	lastFired map[string]time.Time
	schedules map[string]compiled
	warned    map[string]bool
	closed    bool
	inflight  sync.WaitGroup
}

type compiled struct {
	expr  string
	sched cron.Schedule
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick sets the tick interval. Values above MaxTick are clamped so every
// minute boundary sees at least one tick.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithMaxCatchUp bounds how many minutes one tick evaluates after a stall.
func WithMaxCatchUp(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxCatchUp = n
		}
	}
}

// WithLocation sets the time zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSink sets where fire reports are written.
func WithSink(sink Sink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// WithHistory records every fire.
func WithHistory(h RunRecorder) Option {
	return func(s *Scheduler) { s.history = h }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithLogger sets the scheduler logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New returns a scheduler over store that submits to exec.
func New(store *workflow.Store, exec Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		exec:       exec,
		log:        logrus.StandardLogger(),
		tick:       DefaultTick,
		maxCatchUp: DefaultMaxCatchUp,
		loc:        time.Local,
		now:        time.Now,
		lastFired:  make(map[string]time.Time),
		schedules:  make(map[string]compiled),
		warned:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tick > MaxTick {
		s.tick = MaxTick
	}
	s.log = s.log.WithField("component", "scheduler")
	return s
}

// Interval returns the effective tick interval.
func (s *Scheduler) Interval() time.Duration { return s.tick }

// Run ticks until ctx is cancelled. Fires already dispatched keep running
// after Run returns; use Wait to bound them.
func (s *Scheduler) Run(ctx context.Context) error {
	fireCtx := context.WithoutCancel(ctx)
	s.log.WithFields(logrus.Fields{
		"tick":     s.tick,
		"timezone": s.loc.String(),
	}).Info("scheduler started")

	s.Tick(fireCtx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(fireCtx)
		}
	}
}

// Tick runs one evaluation pass and returns how many fires it dispatched.
// ctx is handed to the dispatched actions.
func (s *Scheduler) Tick(ctx context.Context) int {
	start := time.Now()
	minutes := s.minutesToEvaluate(s.now().In(s.loc).Truncate(time.Minute))

	snapshot := s.store.List()
	s.prune(snapshot)

	fired := 0
	for _, w := range snapshot {
		if !w.IsEnabled {
			continue
		}
		if w.Trigger.Type != workflow.TriggerCron {
			s.warnNotExecutable(w)
			continue
		}
		sched, err := s.schedule(w)
		if err != nil {
			// Admission validates expressions, so this is a stored record
			// edited by hand.
			s.log.WithField("workflow_id", w.ID).WithError(err).Warn("skipping workflow with invalid schedule")
			continue
		}
		for _, m := range minutes {
			if workflow.Matches(sched, m) && s.submit(ctx, w.ID, m) {
				fired++
			}
		}
	}

	if s.observer != nil {
		s.observer.ObserveTick(len(snapshot), time.Since(start))
	}
	return fired
}

// minutesToEvaluate returns the minutes a tick at cur covers: every minute
// after the previous tick up to cur, keeping only the last maxCatchUp. A
// repeated minute, or a clock that moved backwards, evaluates cur alone.
func (s *Scheduler) minutesToEvaluate(cur time.Time) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.lastTick
	if prev.IsZero() || !cur.After(prev) {
		if cur.After(prev) {
			s.lastTick = cur
		}
		return []time.Time{cur}
	}
	s.lastTick = cur

	first := prev.Add(time.Minute)
	if oldest := cur.Add(-time.Duration(s.maxCatchUp-1) * time.Minute); first.Before(oldest) {
		s.log.WithFields(logrus.Fields{
			"skipped_from": first.Format(time.RFC3339),
			"skipped_to":   oldest.Add(-time.Minute).Format(time.RFC3339),
		}).Warn("scheduler fell behind, skipping missed minutes")
		first = oldest
	}

	var out []time.Time
	for m := first; !m.After(cur); m = m.Add(time.Minute) {
		out = append(out, m)
	}
	return out
}

// submit dispatches the workflow for minute m. It holds the store's read
// lock so a concurrent delete or disable either completes first, and is
// seen here, or waits until the fire is recorded.
func (s *Scheduler) submit(ctx context.Context, id string, m time.Time) bool {
	submitted := false
	s.store.View(id, func(w workflow.Workflow) {
		if !w.IsEnabled || w.Trigger.Type != workflow.TriggerCron {
			return
		}
		sched, err := s.schedule(w)
		if err != nil || !workflow.Matches(sched, m) {
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		if last, ok := s.lastFired[id]; ok && !m.After(last) {
			return
		}
		s.lastFired[id] = m
		s.inflight.Add(1)
		submitted = true
		go s.fire(ctx, w, m)
	})
	return submitted
}

func (s *Scheduler) fire(ctx context.Context, w workflow.Workflow, m time.Time) {
	defer s.inflight.Done()

	log := s.log.WithFields(logrus.Fields{
		"workflow_id": w.ID,
		"connector":   w.TargetConnector,
		"action":      w.Action.Type,
		"minute":      m.Format("2006-01-02T15:04"),
	})
	started := s.now()

	var res result.Result
	func() {
		defer func() {
			if p := recover(); p != nil {
				log.WithField("stack", string(debug.Stack())).Errorf("scheduled fire panicked: %v", p)
				res = result.Fail(fmt.Sprintf("panic: %v", p))
			}
		}()
		res = s.exec.Execute(ctx, w.TargetConnector, w.Action.Type, w.Action.Params)
	}()

	success := result.Succeeded(res)
	detail := outcome(res)
	var report result.Ack
	if success {
		report = result.OK(fmt.Sprintf("workflow %s ran: %s", w, detail))
		log.Info("scheduled workflow ran")
	} else {
		report = result.Fail(fmt.Sprintf("workflow %s failed: %s", w, detail))
		log.WithField("detail", detail).Warn("scheduled workflow failed")
	}
	report.ID = w.ID

	if s.observer != nil {
		s.observer.ObserveFire(w.TargetConnector, success)
	}
	if s.sink != nil {
		if err := s.sink.Write(report); err != nil {
			log.WithError(err).Error("failed to write fire report")
		}
	}
	if s.history != nil {
		status := storage.RunSucceeded
		if !success {
			status = storage.RunFailed
		}
		run := storage.Run{
			ID:           uuid.New().String(),
			WorkflowID:   w.ID,
			WorkflowName: w.Name,
			Connector:    w.TargetConnector,
			Action:       w.Action.Type,
			ScheduledFor: m,
			StartedAt:    started,
			CompletedAt:  s.now(),
			Status:       status,
			Detail:       detail,
		}
		if err := s.history.RecordRun(ctx, run); err != nil {
			log.WithError(err).Error("failed to record run")
		}
	}
}

// outcome is the detail text of a result without the ack sentence prefix.
func outcome(r result.Result) string {
	switch v := r.(type) {
	case result.Ack:
		return v.Detail
	case result.WriteAssist:
		if v.Err != "" {
			return v.Err
		}
		return v.Text
	case nil:
		return "no result"
	}
	return result.Summary(r)
}

// schedule returns the parsed schedule for w, reparsing when the expression
// changed since it was cached.
func (s *Scheduler) schedule(w workflow.Workflow) (cron.Schedule, error) {
	expr := w.Trigger.Cron.Expression

	s.mu.Lock()
	c, ok := s.schedules[w.ID]
	s.mu.Unlock()
	if ok && c.expr == expr {
		return c.sched, nil
	}

	sched, err := w.Trigger.Schedule()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.schedules[w.ID] = compiled{expr: expr, sched: sched}
	s.mu.Unlock()
	return sched, nil
}

func (s *Scheduler) warnNotExecutable(w workflow.Workflow) {
	s.mu.Lock()
	seen := s.warned[w.ID]
	s.warned[w.ID] = true
	s.mu.Unlock()
	if seen {
		return
	}

	_, err := w.Trigger.Schedule()
	if err == nil || !errors.Is(err, workflow.ErrTriggerNotExecutable) {
		return
	}
	s.log.WithField("workflow_id", w.ID).WithError(err).Warn("workflow will not fire")
}

// prune drops per-workflow state for ids no longer stored.
func (s *Scheduler) prune(snapshot []workflow.Workflow) {
	live := make(map[string]bool, len(snapshot))
	for _, w := range snapshot {
		live[w.ID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.lastFired {
		if !live[id] {
			delete(s.lastFired, id)
		}
	}
	for id := range s.schedules {
		if !live[id] {
			delete(s.schedules, id)
		}
	}
	for id := range s.warned {
		if !live[id] {
			delete(s.warned, id)
		}
	}
}

// Wait stops new fires and waits up to grace for dispatched ones. It
// reports whether they all finished.
func (s *Scheduler) Wait(grace time.Duration) bool {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		s.log.WithField("grace", grace).Warn("abandoning scheduled fires still in flight")
		return false
	}
}
