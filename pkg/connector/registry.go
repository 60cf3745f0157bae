// Package connector maps (connector, action) pairs to handlers and runs them
// under a uniform policy: bounded time, bounded concurrency, optional retry,
// and no panics or errors escaping to the caller.
package connector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	ferrors "github.com/dshills/flowagent/pkg/errors"
	"github.com/dshills/flowagent/pkg/result"
)

// Handler performs one connector action.
type Handler func(ctx context.Context, params Params) (result.Result, error)

// Observer is told about every completed call. The metrics package
// implements it.
type Observer interface {
	ObserveConnectorCall(connector, action string, success bool, d time.Duration)
}

// ActionInfo describes a registered action.
type ActionInfo struct {
	Connector   string
	Action      string
	Description string
	Timeout     time.Duration
}

type key struct{ connector, action string }

func makeKey(connector, action string) key {
	return key{strings.ToUpper(strings.TrimSpace(connector)), strings.ToUpper(strings.TrimSpace(action))}
}

type entry struct {
	info    ActionInfo
	handler Handler
	retry   *RetryPolicy
}

// ActionOption configures a registered action.
type ActionOption func(*entry)

// WithTimeout overrides the registry default timeout for one action.
func WithTimeout(d time.Duration) ActionOption {
	return func(e *entry) { e.info.Timeout = d }
}

// WithDescription sets the text shown by Describe.
func WithDescription(desc string) ActionOption {
	return func(e *entry) { e.info.Description = desc }
}

// WithRetry overrides the registry retry policy for one action.
func WithRetry(p RetryPolicy) ActionOption {
	return func(e *entry) { e.retry = &p }
}

// Registry is the handler table. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	entries  map[key]*entry
	timeout  time.Duration
	retry    RetryPolicy
	sem      *semaphore.Weighted
	log      logrus.FieldLogger
	observer Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultTimeout bounds every call without its own timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithMaxConcurrent bounds how many handlers run at once.
func WithMaxConcurrent(n int64) Option {
	return func(r *Registry) {
		if n > 0 {
			r.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithDefaultRetry sets the retry policy for every action.
func WithDefaultRetry(p RetryPolicy) Option {
	return func(r *Registry) { r.retry = p }
}

// WithLogger sets the registry logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Registry) { r.log = l }
}

// WithObserver reports completed calls to o.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// DefaultTimeout applies when neither the registry nor the action sets one.
const DefaultTimeout = 60 * time.Second

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[key]*entry),
		timeout: DefaultTimeout,
		sem:     semaphore.NewWeighted(8),
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces the handler for connector.action. Names are
// matched case-insensitively and reported upper-case.
func (r *Registry) Register(connector, action string, h Handler, opts ...ActionOption) {
	k := makeKey(connector, action)
	e := &entry{
		info:    ActionInfo{Connector: k.connector, Action: k.action},
		handler: h,
	}
	for _, opt := range opts {
		opt(e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[k] = e
}

// Supports reports whether connector.action has a handler.
func (r *Registry) Supports(connector, action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[makeKey(connector, action)]
	return ok
}

// HasConnector reports whether any action is registered for connector.
func (r *Registry) HasConnector(connector string) bool {
	name := strings.ToUpper(strings.TrimSpace(connector))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k := range r.entries {
		if k.connector == name {
			return true
		}
	}
	return false
}

// Describe lists every registered action, sorted by connector then action.
func (r *Registry) Describe() []ActionInfo {
	r.mu.RLock()
	out := make([]ActionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		info := e.info
		if info.Timeout <= 0 {
			info.Timeout = r.timeout
		}
		out = append(out, info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Connector != out[j].Connector {
			return out[i].Connector < out[j].Connector
		}
		return out[i].Action < out[j].Action
	})
	return out
}

// Execute runs connector.action with params. It always returns a Result:
// an unknown pair, a handler error, a panic, a timeout or cancellation all
// become a failed Ack.
func (r *Registry) Execute(ctx context.Context, connector, action string, params map[string]interface{}) result.Result {
	k := makeKey(connector, action)

	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if !ok {
		return result.Fail(fmt.Sprintf("unsupported action %s.%s", k.connector, k.action))
	}

	log := r.log.WithFields(logrus.Fields{"connector": k.connector, "action": k.action})
	start := time.Now()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return r.finish(log, k, start, nil, ferrors.Connector(k.String(), fmt.Errorf("cancelled before start: %w", err)))
	}
	defer r.sem.Release(1)

	timeout := e.info.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	policy := r.retry
	if e.retry != nil {
		policy = *e.retry
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res result.Result
	err := retry(callCtx, policy, func() error {
		var callErr error
		res, callErr = call(callCtx, e.handler, Params(params))
		if callErr != nil {
			log.WithError(callErr).Debug("connector attempt failed")
		}
		return callErr
	})
	if err != nil && ferrors.KindOf(err) == "" {
		err = ferrors.Connector(k.String(), err)
	}
	return r.finish(log, k, start, res, err)
}

func (r *Registry) finish(log logrus.FieldLogger, k key, start time.Time, res result.Result, err error) result.Result {
	if err == nil && res == nil {
		res = result.OK(fmt.Sprintf("%s.%s completed", k.connector, k.action))
	}
	if err != nil {
		res = result.FromError(err)
	}
	d := time.Since(start)
	success := result.Succeeded(res)
	if r.observer != nil {
		r.observer.ObserveConnectorCall(k.connector, k.action, success, d)
	}
	if success {
		log.WithField("duration", d).Debug("connector call succeeded")
	} else {
		log.WithField("duration", d).WithField("detail", result.Summary(res)).Warn("connector call failed")
	}
	return res
}

func (k key) String() string { return k.connector + "." + k.action }

// call runs h on its own goroutine so a handler that ignores ctx still
// cannot hold the caller past the deadline. Panics become errors.
func call(ctx context.Context, h Handler, params Params) (result.Result, error) {
	type outcome struct {
		res result.Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: Permanent(fmt.Errorf("connector panicked: %v", p))}
			}
		}()
		res, err := h(ctx, params)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("timed out")
		}
		return nil, fmt.Errorf("cancelled: %w", ctx.Err())
	}
}
