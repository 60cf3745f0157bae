package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/flowagent/pkg/protocol"
	"github.com/dshills/flowagent/pkg/result"
)

// MaxLineSize bounds one inbound line.
const MaxLineSize = 4 * 1024 * 1024

// DefaultMaxPending bounds connector commands in flight. Commands beyond it
// are answered with MsgBusy instead of queueing.
const DefaultMaxPending = 64

// MsgBusy answers a connector command arriving while too many are pending.
const MsgBusy = "agent is busy: too many commands in progress, try again shortly"

// Sink receives every Result. protocol.Writer satisfies it.
type Sink interface {
	Write(result.Result) error
}

// Agent serves an input stream. Workflow and settings commands are handled
// in arrival order on the reading goroutine; connector commands run on
// their own goroutines so a slow connector never stalls the input.
type Agent struct {
	dispatcher *Dispatcher
	out        Sink
	log        logrus.FieldLogger

	mu     sync.Mutex
	closed bool
	tasks  errgroup.Group
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithAgentLogger sets the agent logger.
func WithAgentLogger(l logrus.FieldLogger) AgentOption {
	return func(a *Agent) { a.log = l }
}

// WithMaxPending bounds in-flight connector commands.
func WithMaxPending(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.tasks.SetLimit(n)
		}
	}
}

// New returns an Agent writing results to out.
func New(d *Dispatcher, out Sink, opts ...AgentOption) *Agent {
	a := &Agent{dispatcher: d, out: out, log: logrus.StandardLogger()}
	a.tasks.SetLimit(DefaultMaxPending)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Serve reads lines from in until EOF or ctx is cancelled. A line longer
// than MaxLineSize is discarded through its newline and answered with a
// failed Ack. Connector commands still running when Serve returns keep
// going; call Wait to bound them.
func (a *Agent) Serve(ctx context.Context, in io.Reader) error {
	lines := make(chan inputLine)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		r := bufio.NewReaderSize(in, 64*1024)
		for {
			line, err := readLine(r)
			if err == nil || line.text != "" || line.tooLong {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					readErr <- err
				}
				return
			}
		}
	}()

	taskCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			a.log.Info("input loop cancelled")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return fmt.Errorf("failed to read input: %w", err)
				default:
				}
				a.log.Info("input closed")
				return nil
			}
			if line.tooLong {
				a.log.WithField("limit", MaxLineSize).Warn("discarding oversized input line")
				a.write(result.Fail(fmt.Sprintf("line too long: exceeds %d bytes", MaxLineSize)))
				continue
			}
			a.handle(taskCtx, line.text)
		}
	}
}

// inputLine is one line of input without its terminator. text is empty
// when tooLong is set.
type inputLine struct {
	text    string
	tooLong bool
}

// readLine reads through the next newline. A line over MaxLineSize is
// consumed without being kept. The final unterminated line is returned
// together with the reader's error.
func readLine(r *bufio.Reader) (inputLine, error) {
	var (
		buf  []byte
		over bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if !over {
			buf = append(buf, chunk...)
			content := len(buf)
			if err == nil {
				content--
			}
			if content > MaxLineSize {
				over, buf = true, nil
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if over {
			return inputLine{tooLong: true}, err
		}
		text := strings.TrimSuffix(strings.TrimSuffix(string(buf), "\n"), "\r")
		return inputLine{text: text}, err
	}
}

func (a *Agent) handle(ctx context.Context, line string) {
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		a.write(a.dispatcher.reject(cmd, err))
		return
	}
	if !ConnectorBound(cmd) {
		a.write(a.dispatcher.Handle(ctx, cmd))
		return
	}

	a.mu.Lock()
	started := !a.closed && a.tasks.TryGo(func() error {
		a.write(a.dispatcher.Handle(ctx, cmd))
		return nil
	})
	a.mu.Unlock()
	if !started {
		a.log.WithField("verb", string(cmd.Verb)).Warn("rejecting connector command")
		a.write(result.Fail(MsgBusy))
	}
}

func (a *Agent) write(r result.Result) {
	if err := a.out.Write(r); err != nil {
		a.log.WithError(err).Error("failed to write result")
	}
}

// Wait stops accepting connector commands and waits up to grace for those
// in flight. It reports whether they all finished.
func (a *Agent) Wait(grace time.Duration) bool {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = a.tasks.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		a.log.WithField("grace", grace).Warn("abandoning connector commands still in flight")
		return false
	}
}
