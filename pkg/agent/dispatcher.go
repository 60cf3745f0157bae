// Package agent turns inbound command lines into Results. The Dispatcher
// handles one line; Agent serves a whole input stream.
package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dshills/flowagent/pkg/connector"
	"github.com/dshills/flowagent/pkg/connector/browser"
	"github.com/dshills/flowagent/pkg/connector/gmail"
	"github.com/dshills/flowagent/pkg/connector/textgen"
	ferrors "github.com/dshills/flowagent/pkg/errors"
	"github.com/dshills/flowagent/pkg/protocol"
	"github.com/dshills/flowagent/pkg/result"
	"github.com/dshills/flowagent/pkg/workflow"
)

// Replies that are not produced by a collaborator.
const (
	MsgEmptyLine   = "Please enter a command."
	MsgUnknown     = "I'm not sure how to handle: "
	MsgNeedURL     = "Please specify a URL to navigate to."
	MsgNeedQuery   = "Please specify what you want to search for."
	MsgEmptyEcho   = "Echo command received, but no message to echo."
	MsgNoConnector = "No connectors are registered."
)

// Connectors is the capability set the dispatcher calls into.
// connector.Registry satisfies it.
type Connectors interface {
	Execute(ctx context.Context, connector, action string, params map[string]interface{}) result.Result
	Supports(connector, action string) bool
	HasConnector(connector string) bool
	Describe() []connector.ActionInfo
}

// Settings is the key/value collaborator behind the settings verbs.
type Settings interface {
	All() map[string]interface{}
	Update(key string, value interface{}) error
}

// Observer counts handled commands.
type Observer interface {
	ObserveCommand(verb string, success bool)
}

// Dispatcher routes parsed commands to the store, the connectors or the
// settings.
type Dispatcher struct {
	store      *workflow.Store
	connectors Connectors
	settings   Settings
	observer   Observer
	log        logrus.FieldLogger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// NewDispatcher returns a dispatcher over its collaborators.
func NewDispatcher(store *workflow.Store, connectors Connectors, settings Settings, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		connectors: connectors,
		settings:   settings,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch parses line and handles it. Every line yields exactly one Result.
func (d *Dispatcher) Dispatch(ctx context.Context, line string) result.Result {
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		return d.reject(cmd, err)
	}
	return d.Handle(ctx, cmd)
}

// ConnectorBound reports whether cmd calls a connector and may therefore be
// slow.
func ConnectorBound(cmd protocol.Command) bool {
	switch cmd.Verb {
	case protocol.VerbNavigate, protocol.VerbSearch, protocol.VerbListEmails, protocol.VerbAssistWrite:
		return true
	}
	return false
}

// Handle runs a parsed command. A panic in any collaborator becomes a failed
// Ack.
func (d *Dispatcher) Handle(ctx context.Context, cmd protocol.Command) (res result.Result) {
	log := d.log.WithFields(logrus.Fields{"verb": string(cmd.Verb), "kind": cmd.Kind.String()})
	defer func() {
		if p := recover(); p != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("command panicked: %v", p)
			res = result.Fail(fmt.Sprintf("internal error handling '%s'", cmd.Verb))
		}
		if d.observer != nil {
			d.observer.ObserveCommand(string(cmd.Verb), result.Succeeded(res))
		}
	}()

	log.Debug("handling command")
	switch cmd.Verb {
	case protocol.VerbEmpty:
		return result.Text{Text: MsgEmptyLine}
	case protocol.VerbListWorkflows:
		return result.WorkflowList{Workflows: d.store.List()}
	case protocol.VerbCreateWorkflow:
		return d.createWorkflow(cmd.Payload)
	case protocol.VerbUpdateWorkflow:
		return d.updateWorkflow(cmd.Payload)
	case protocol.VerbDeleteWorkflow:
		return d.deleteWorkflow(cmd.Payload)
	case protocol.VerbGetSettings:
		return result.SettingsSnapshot{Settings: d.settings.All()}
	case protocol.VerbUpdateSetting:
		return d.updateSetting(cmd.Payload)
	case protocol.VerbAssistWrite:
		return d.assistWrite(ctx, cmd.Payload)
	case protocol.VerbNavigate:
		if cmd.Arg == "" {
			return result.Text{Text: MsgNeedURL}
		}
		return d.connectors.Execute(ctx, browser.Name, browser.ActionNavigate,
			map[string]interface{}{"url": protocol.NormalizeURL(cmd.Arg)})
	case protocol.VerbSearch:
		if cmd.Arg == "" {
			return result.Text{Text: MsgNeedQuery}
		}
		return d.connectors.Execute(ctx, browser.Name, browser.ActionSearch,
			map[string]interface{}{"query": cmd.Arg})
	case protocol.VerbListEmails:
		return d.connectors.Execute(ctx, gmail.Name, gmail.ActionListEmails,
			map[string]interface{}{"count": cmd.Count})
	case protocol.VerbListConnectors:
		return d.listConnectors()
	case protocol.VerbEcho:
		if cmd.Arg == "" {
			return result.Text{Text: MsgEmptyEcho}
		}
		return result.Text{Text: cmd.Arg}
	}
	return result.Text{Text: MsgUnknown + cmd.Raw}
}

// reject reports a command that failed to parse. A malformed assist request
// still answers with an assist error so the caller's editor can show it.
func (d *Dispatcher) reject(cmd protocol.Command, err error) result.Result {
	d.log.WithField("verb", string(cmd.Verb)).WithError(err).Info("rejected command")
	var res result.Result = result.FromError(err)
	if cmd.Verb == protocol.VerbAssistWrite {
		res = result.WriteAssist{Err: ferrors.Detail(err)}
	}
	if d.observer != nil {
		d.observer.ObserveCommand(string(cmd.Verb), false)
	}
	return res
}

func (d *Dispatcher) createWorkflow(payload []byte) result.Result {
	w, err := workflow.DecodeNew(payload)
	if err != nil {
		return result.FromError(err)
	}
	if err := d.checkTarget(string(protocol.VerbCreateWorkflow), w); err != nil {
		return result.FromError(err)
	}
	created, err := d.store.Create(w)
	if err != nil {
		return result.FromError(err)
	}
	d.log.WithField("workflow_id", created.ID).Info("workflow created")
	return result.Ack{
		Success: true,
		Detail:  fmt.Sprintf("Workflow '%s' created with id %s", created.Name, created.ID) + scheduleNotice(created),
		ID:      created.ID,
	}
}

func (d *Dispatcher) updateWorkflow(payload []byte) result.Result {
	const op = string(protocol.VerbUpdateWorkflow)
	id, patch, err := workflow.DecodePatch(payload)
	if err != nil {
		return result.FromError(err)
	}
	if patch.TargetConnector != nil || patch.Action != nil {
		current, ok := d.store.Get(id)
		if !ok {
			return result.FromError(ferrors.NotFound(op, id))
		}
		if err := d.checkTarget(op, patch.Apply(current)); err != nil {
			return result.FromError(err)
		}
	}
	updated, err := d.store.Update(id, patch)
	if err != nil {
		return result.FromError(err)
	}
	d.log.WithField("workflow_id", id).Info("workflow updated")
	return result.Ack{
		Success: true,
		Detail:  fmt.Sprintf("Workflow '%s' updated", updated.Name) + scheduleNotice(updated),
		ID:      id,
	}
}

func (d *Dispatcher) deleteWorkflow(payload []byte) result.Result {
	id, err := protocol.DecodeDelete(payload)
	if err != nil {
		return result.FromError(err)
	}
	if err := d.store.Delete(id); err != nil {
		return result.FromError(err)
	}
	d.log.WithField("workflow_id", id).Info("workflow deleted")
	return result.Ack{Success: true, Detail: fmt.Sprintf("Workflow '%s' deleted", id), ID: id}
}

// scheduleNotice tells the front end that w is stored but will never fire
// because its trigger type cannot run yet.
func scheduleNotice(w workflow.Workflow) string {
	if _, err := w.Trigger.Schedule(); errors.Is(err, workflow.ErrTriggerNotExecutable) {
		return fmt.Sprintf(" (note: %s triggers are not yet executable; it will not fire)", w.Trigger.Type)
	}
	return ""
}

// checkTarget rejects workflows aimed at a connector or action that is not
// registered.
func (d *Dispatcher) checkTarget(op string, w workflow.Workflow) error {
	if !d.connectors.HasConnector(w.TargetConnector) {
		return ferrors.Validation(op, fmt.Errorf("unknown connector '%s'", w.TargetConnector))
	}
	if !d.connectors.Supports(w.TargetConnector, w.Action.Type) {
		return ferrors.Validation(op, fmt.Errorf("connector '%s' does not support action '%s'",
			w.TargetConnector, w.Action.Type))
	}
	return nil
}

func (d *Dispatcher) updateSetting(payload []byte) result.Result {
	key, value, err := protocol.DecodeSetting(payload)
	if err != nil {
		return result.FromError(err)
	}
	if err := d.settings.Update(key, value); err != nil {
		return result.FromError(err)
	}
	return result.OK(fmt.Sprintf("Setting '%s' updated", key))
}

func (d *Dispatcher) assistWrite(ctx context.Context, payload []byte) result.Result {
	req, err := protocol.DecodeAssist(payload)
	if err != nil {
		return result.WriteAssist{Err: ferrors.Detail(err)}
	}
	params := map[string]interface{}{"prompt": req.Prompt}
	if req.Model != "" {
		params["model"] = req.Model
	}

	switch v := d.connectors.Execute(ctx, textgen.Name, textgen.ActionGenerateText, params).(type) {
	case result.WriteAssist:
		return v
	case result.Ack:
		if !v.Success {
			return result.WriteAssist{Err: v.Detail}
		}
		return result.WriteAssist{Text: v.Detail}
	case result.Text:
		return result.WriteAssist{Text: v.Text}
	default:
		return result.WriteAssist{Err: "unexpected text generation result"}
	}
}

func (d *Dispatcher) listConnectors() result.Result {
	infos := d.connectors.Describe()
	if len(infos) == 0 {
		return result.Text{Text: MsgNoConnector}
	}
	var b strings.Builder
	b.WriteString("Available connector actions:")
	for _, info := range infos {
		fmt.Fprintf(&b, "\n- %s.%s", info.Connector, info.Action)
		if info.Description != "" {
			b.WriteString(": ")
			b.WriteString(info.Description)
		}
	}
	return result.Text{Text: b.String()}
}
