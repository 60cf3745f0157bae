package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowagent/internal/log"
	"github.com/dshills/flowagent/pkg/result"
	"github.com/dshills/flowagent/pkg/storage"
	"github.com/dshills/flowagent/pkg/workflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type call struct {
	Connector string
	Action    string
	Params    map[string]interface{}
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []call
	reply result.Result
	block chan struct{}
}

func (e *fakeExecutor) Execute(_ context.Context, connector, action string, params map[string]interface{}) result.Result {
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call{connector, action, params})
	if e.reply == nil {
		return result.Text{Text: "done"}
	}
	return e.reply
}

func (e *fakeExecutor) Calls() []call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]call(nil), e.calls...)
}

type fakeSink struct {
	mu  sync.Mutex
	out []result.Result
}

func (s *fakeSink) Write(r result.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, r)
	return nil
}

func (s *fakeSink) Results() []result.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]result.Result(nil), s.out...)
}

type harness struct {
	store *workflow.Store
	exec  *fakeExecutor
	sink  *fakeSink
	clock *fakeClock
	sched *Scheduler
}

func at(hour, minute, second int) time.Time {
	return time.Date(2024, 3, 4, hour, minute, second, 0, time.UTC)
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	n := 0
	store, err := workflow.NewStore(
		storage.NewWorkflowFile(filepath.Join(t.TempDir(), "workflows.json")),
		workflow.WithLogger(log.Discard()),
		workflow.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("wf-%d", n)
		}),
	)
	require.NoError(t, err)

	h := &harness{
		store: store,
		exec:  &fakeExecutor{},
		sink:  &fakeSink{},
		clock: &fakeClock{now: at(10, 0, 0)},
	}
	base := []Option{
		WithClock(h.clock.Now),
		WithLocation(time.UTC),
		WithSink(h.sink),
		WithLogger(log.Discard()),
	}
	h.sched = New(store, h.exec, append(base, opts...)...)
	return h
}

func (h *harness) add(t *testing.T, name, expr string) workflow.Workflow {
	t.Helper()
	w, err := h.store.Create(workflow.Workflow{
		Name:            name,
		Trigger:         workflow.NewCronTrigger(expr),
		TargetConnector: "BROWSER",
		Action:          workflow.Action{Type: "NAVIGATE", Params: map[string]interface{}{"url": "https://x.test"}},
		IsEnabled:       true,
	})
	require.NoError(t, err)
	return w
}

func (h *harness) tickAt(t *testing.T, now time.Time) int {
	t.Helper()
	h.clock.Set(now)
	n := h.sched.Tick(context.Background())
	require.True(t, h.sched.waitIdle(time.Second), "fires did not finish")
	return n
}

// waitIdle waits for in-flight fires without closing the scheduler.
func (s *Scheduler) waitIdle(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func TestTickFiresOncePerMinute(t *testing.T) {
	h := newHarness(t)
	h.add(t, "Every five", "*/5 * * * *")

	assert.Equal(t, 1, h.tickAt(t, at(10, 5, 10)))
	assert.Equal(t, 0, h.tickAt(t, at(10, 5, 40)), "second tick in the same minute")
	assert.Equal(t, 0, h.tickAt(t, at(10, 6, 0)))

	calls := h.exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, call{"BROWSER", "NAVIGATE", map[string]interface{}{"url": "https://x.test"}}, calls[0])
	assert.Equal(t, []result.Result{
		result.Ack{Success: true, Detail: "workflow 'Every five' (wf-1) ran: done", ID: "wf-1"},
	}, h.sink.Results())
}

func TestTickSkipsDisabledAndNonMatching(t *testing.T) {
	h := newHarness(t)
	h.add(t, "Ten o'clock", "0 10 * * *")
	off := h.add(t, "Off", "* * * * *")
	disabled := false
	_, err := h.store.Update(off.ID, workflow.Patch{IsEnabled: &disabled})
	require.NoError(t, err)

	assert.Equal(t, 0, h.tickAt(t, at(9, 59, 0)))
	assert.Equal(t, 1, h.tickAt(t, at(10, 0, 30)))
	assert.Equal(t, 0, h.tickAt(t, at(10, 1, 0)))
	assert.Len(t, h.exec.Calls(), 1)
}

func TestTickCatchesUpBoundedMinutes(t *testing.T) {
	h := newHarness(t, WithMaxCatchUp(3))
	h.add(t, "Every minute", "* * * * *")

	assert.Equal(t, 1, h.tickAt(t, at(10, 0, 0)), "first tick covers the current minute only")
	assert.Equal(t, 2, h.tickAt(t, at(10, 2, 0)), "10:01 and 10:02")
	assert.Equal(t, 3, h.tickAt(t, at(10, 12, 0)), "only the last three minutes after a stall")
	assert.Len(t, h.exec.Calls(), 6)
}

func TestClockGoingBackwardsDoesNotRefire(t *testing.T) {
	h := newHarness(t)
	h.add(t, "Every minute", "* * * * *")

	assert.Equal(t, 1, h.tickAt(t, at(10, 5, 0)))
	assert.Equal(t, 0, h.tickAt(t, at(10, 4, 0)))
	assert.Equal(t, 1, h.tickAt(t, at(10, 6, 0)))
}

func TestDeletedWorkflowNeverFires(t *testing.T) {
	h := newHarness(t)
	w := h.add(t, "Gone", "* * * * *")
	assert.Equal(t, 1, h.tickAt(t, at(10, 0, 0)))

	require.NoError(t, h.store.Delete(w.ID))
	assert.False(t, h.sched.submit(context.Background(), w.ID, at(10, 1, 0)))
	assert.Equal(t, 0, h.tickAt(t, at(10, 1, 0)))
	assert.Len(t, h.exec.Calls(), 1)

	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	assert.NotContains(t, h.sched.lastFired, w.ID, "state for deleted ids is pruned")
}

func TestSubmitRechecksSchedule(t *testing.T) {
	h := newHarness(t)
	w := h.add(t, "Moved", "0 10 * * *")
	_, err := h.store.Update(w.ID, workflow.Patch{Trigger: &workflow.Trigger{
		Type: workflow.TriggerCron, Cron: &workflow.CronConfig{Expression: "0 11 * * *"},
	}})
	require.NoError(t, err)

	assert.False(t, h.sched.submit(context.Background(), w.ID, at(10, 0, 0)))
	assert.True(t, h.sched.submit(context.Background(), w.ID, at(11, 0, 0)))
	require.True(t, h.sched.waitIdle(time.Second))
}

func TestFailureIsReportedAndWorkflowKept(t *testing.T) {
	h := newHarness(t)
	h.exec.reply = result.Fail("browser unavailable")
	w := h.add(t, "Daily", "0 10 * * *")

	assert.Equal(t, 1, h.tickAt(t, at(10, 0, 0)))
	assert.Equal(t, []result.Result{
		result.Ack{Success: false, Detail: "workflow 'Daily' (wf-1) failed: browser unavailable", ID: "wf-1"},
	}, h.sink.Results())

	stored, ok := h.store.Get(w.ID)
	require.True(t, ok)
	assert.True(t, stored.IsEnabled)
}

func TestSemanticTriggerWarnsOnce(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	h := newHarness(t, WithLogger(logger))
	_, err := h.store.Create(workflow.Workflow{
		Name:            "Watch",
		Trigger:         workflow.NewSemanticTrigger("price drops", "*/10 * * * *"),
		TargetConnector: "BROWSER",
		Action:          workflow.Action{Type: "NAVIGATE", Params: map[string]interface{}{}},
		IsEnabled:       true,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, h.tickAt(t, at(10, 0, 0)))
	assert.Equal(t, 0, h.tickAt(t, at(10, 10, 0)))

	var warnings []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "workflow will not fire" {
			warnings = append(warnings, e)
		}
	}
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0].Data[logrus.ErrorKey].(error), workflow.ErrTriggerNotExecutable)
	assert.Empty(t, h.exec.Calls())
}

func TestLocation(t *testing.T) {
	h := newHarness(t, WithLocation(time.FixedZone("UTC+2", 2*3600)))
	h.add(t, "Nine local", "0 9 * * *")

	assert.Equal(t, 0, h.tickAt(t, at(9, 0, 0)))
	assert.Equal(t, 1, h.tickAt(t, at(7, 0, 0).Add(24*time.Hour)))
}

func TestHistoryRecordsRuns(t *testing.T) {
	history, err := storage.OpenRunHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	h := newHarness(t, WithHistory(history))
	h.add(t, "Daily", "0 10 * * *")
	h.tickAt(t, at(10, 0, 5))

	runs, total, err := history.ListRuns(context.Background(), storage.RunListOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "wf-1", runs[0].WorkflowID)
	assert.Equal(t, "Daily", runs[0].WorkflowName)
	assert.Equal(t, storage.RunSucceeded, runs[0].Status)
	assert.Equal(t, "done", runs[0].Detail)
	assert.True(t, runs[0].ScheduledFor.Equal(at(10, 0, 0)))
}

type countingObserver struct {
	mu       sync.Mutex
	ticks    int
	fires    int
	failures int
}

func (o *countingObserver) ObserveTick(int, time.Duration) {
	o.mu.Lock()
	o.ticks++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveFire(_ string, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fires++
	if !success {
		o.failures++
	}
}

func TestObserver(t *testing.T) {
	obs := &countingObserver{}
	h := newHarness(t, WithObserver(obs))
	h.add(t, "Every minute", "* * * * *")
	h.tickAt(t, at(10, 0, 0))
	h.tickAt(t, at(10, 0, 30))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.ticks)
	assert.Equal(t, 1, obs.fires)
	assert.Zero(t, obs.failures)
}

func TestWaitAbandonsSlowFires(t *testing.T) {
	h := newHarness(t)
	h.exec.block = make(chan struct{})
	h.add(t, "Slow", "* * * * *")

	h.clock.Set(at(10, 0, 0))
	require.Equal(t, 1, h.sched.Tick(context.Background()))

	assert.False(t, h.sched.Wait(20*time.Millisecond))
	assert.Equal(t, 0, h.sched.Tick(context.Background()), "no fires after Wait")

	close(h.exec.block)
	assert.True(t, h.sched.Wait(time.Second))
}

func TestTickIntervalIsClamped(t *testing.T) {
	s := New(nil, &fakeExecutor{}, WithTick(5*time.Minute), WithLogger(log.Discard()))
	assert.Equal(t, MaxTick, s.Interval())

	s = New(nil, &fakeExecutor{}, WithLogger(log.Discard()))
	assert.Equal(t, DefaultTick, s.Interval())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, WithTick(time.Millisecond))
	h.add(t, "Every minute", "* * * * *")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.exec.Calls()) == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, h.sched.Wait(time.Second))
	assert.Len(t, h.exec.Calls(), 1, "ticks in the same minute fire once")
}
