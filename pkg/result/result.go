// Package result defines the typed outcomes produced by the dispatcher, the
// connector registry and the scheduler. Nothing here knows the wire format;
// the protocol package flattens a Result at the output boundary.
package result

import (
	"github.com/dshills/flowagent/pkg/errors"
	"github.com/dshills/flowagent/pkg/workflow"
)

// Kind discriminates Result variants.
type Kind string

const (
	KindText        Kind = "text"
	KindWorkflows   Kind = "workflow_list"
	KindSettings    Kind = "all_settings_response"
	KindAck         Kind = "ack"
	KindWriteAssist Kind = "write_assist"
)

// Result is implemented by every variant.
type Result interface {
	Kind() Kind
}

// Text is free-form text for display.
type Text struct {
	Text string
}

// Kind implements Result.
func (Text) Kind() Kind { return KindText }

// WorkflowList is a snapshot of the workflow store.
type WorkflowList struct {
	Workflows []workflow.Workflow
}

// Kind implements Result.
func (WorkflowList) Kind() Kind { return KindWorkflows }

// SettingsSnapshot is every current setting.
type SettingsSnapshot struct {
	Settings map[string]interface{}
}

// Kind implements Result.
func (SettingsSnapshot) Kind() Kind { return KindSettings }

// Ack reports success or failure of a command. ID carries the workflow id
// for create and update.
type Ack struct {
	Success bool
	Detail  string
	ID      string
}

// Kind implements Result.
func (Ack) Kind() Kind { return KindAck }

// Sentence renders the ack for plain-text display.
func (a Ack) Sentence() string {
	if a.Success {
		if a.Detail == "" {
			return "OK"
		}
		return a.Detail
	}
	if a.Detail == "" {
		return "Error"
	}
	return "Error: " + a.Detail
}

// WriteAssist is the reply to a text generation request. Exactly one of
// Text or Err is set.
type WriteAssist struct {
	Text string
	Err  string
}

// Kind implements Result.
func (WriteAssist) Kind() Kind { return KindWriteAssist }

// OK builds a successful Ack.
func OK(detail string) Ack { return Ack{Success: true, Detail: detail} }

// Fail builds a failed Ack.
func Fail(detail string) Ack { return Ack{Success: false, Detail: detail} }

// FromError builds a failed Ack from err, using the user-facing part of any
// classified error.
func FromError(err error) Ack {
	return Ack{Success: false, Detail: errors.Detail(err)}
}

// Succeeded reports whether r is a success. Only a failed Ack or a
// WriteAssist carrying an error counts as failure.
func Succeeded(r Result) bool {
	switch v := r.(type) {
	case Ack:
		return v.Success
	case WriteAssist:
		return v.Err == ""
	case nil:
		return false
	}
	return true
}

// Summary returns a one-line description of r for logs and reports.
func Summary(r Result) string {
	switch v := r.(type) {
	case Text:
		return v.Text
	case Ack:
		return v.Sentence()
	case WriteAssist:
		if v.Err != "" {
			return "Error: " + v.Err
		}
		return v.Text
	case WorkflowList:
		return "workflow list"
	case SettingsSnapshot:
		return "settings snapshot"
	}
	return ""
}
