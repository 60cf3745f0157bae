// Package workflow defines the Workflow entity, its trigger and action
// variants, and the Store that owns the live collection.
package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action is what a workflow asks its target connector to do. Params are
// opaque here; each connector action defines its own shape.
type Action struct {
	Type   string                 `json:"action_type"`
	Params map[string]interface{} `json:"params"`
}

// UnmarshalJSON keeps numeric params as json.Number so they round-trip
// without float rounding.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type   string                 `json:"action_type"`
		Params map[string]interface{} `json:"params"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*a = Action{Type: raw.Type, Params: raw.Params}
	return nil
}

// Workflow pairs a trigger with an action against a target connector.
type Workflow struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Trigger         Trigger `json:"trigger"`
	TargetConnector string  `json:"target_connector"`
	Action          Action  `json:"action"`
	IsEnabled       bool    `json:"is_enabled"`
}

// workflowJSON lets Decode tell an omitted is_enabled from false.
type workflowJSON struct {
	ID              *string `json:"id"`
	Name            string  `json:"name"`
	Trigger         Trigger `json:"trigger"`
	TargetConnector string  `json:"target_connector"`
	Action          Action  `json:"action"`
	IsEnabled       *bool   `json:"is_enabled"`
}

// UnmarshalJSON decodes a workflow record; is_enabled defaults to true and a
// null id decodes as empty.
func (w *Workflow) UnmarshalJSON(data []byte) error {
	var raw workflowJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Workflow{
		Name:            raw.Name,
		Trigger:         raw.Trigger,
		TargetConnector: raw.TargetConnector,
		Action:          raw.Action,
		IsEnabled:       true,
	}
	if raw.ID != nil {
		out.ID = *raw.ID
	}
	if raw.IsEnabled != nil {
		out.IsEnabled = *raw.IsEnabled
	}
	if out.Action.Params == nil {
		out.Action.Params = map[string]interface{}{}
	}
	*w = out
	return nil
}

// Validate checks the structural rules every admitted workflow satisfies.
func (w Workflow) Validate() error {
	var problems []string
	if strings.TrimSpace(w.Name) == "" {
		problems = append(problems, "name is required")
	}
	if err := w.Trigger.Validate(); err != nil {
		problems = append(problems, "trigger: "+err.Error())
	}
	if strings.TrimSpace(w.TargetConnector) == "" {
		problems = append(problems, "target_connector is required")
	}
	if strings.TrimSpace(w.Action.Type) == "" {
		problems = append(problems, "action.action_type is required")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Clone returns a deep copy so callers can never mutate stored state.
func (w Workflow) Clone() Workflow {
	out := w
	switch {
	case w.Trigger.Cron != nil:
		c := *w.Trigger.Cron
		out.Trigger.Cron = &c
	case w.Trigger.Semantic != nil:
		s := *w.Trigger.Semantic
		if s.RequiredTools != nil {
			s.RequiredTools = append([]string(nil), s.RequiredTools...)
		}
		out.Trigger.Semantic = &s
	}
	if w.Action.Params != nil {
		out.Action.Params = cloneValue(w.Action.Params).(map[string]interface{})
	}
	return out
}

// String is a short human label, used in logs and scheduler reports.
func (w Workflow) String() string {
	return fmt.Sprintf("'%s' (%s)", w.Name, w.ID)
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}

// Patch carries the top-level fields supplied to an update. Nil fields keep
// the stored value.
type Patch struct {
	Name            *string  `json:"name"`
	Trigger         *Trigger `json:"trigger"`
	TargetConnector *string  `json:"target_connector"`
	Action          *Action  `json:"action"`
	IsEnabled       *bool    `json:"is_enabled"`
}

// Apply returns w with every supplied field replaced.
func (p Patch) Apply(w Workflow) Workflow {
	out := w.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Trigger != nil {
		out.Trigger = *p.Trigger
	}
	if p.TargetConnector != nil {
		out.TargetConnector = *p.TargetConnector
	}
	if p.Action != nil {
		out.Action = *p.Action
		if out.Action.Params == nil {
			out.Action.Params = map[string]interface{}{}
		}
	}
	if p.IsEnabled != nil {
		out.IsEnabled = *p.IsEnabled
	}
	return out.Clone()
}

// Empty reports whether no field was supplied.
func (p Patch) Empty() bool {
	return p.Name == nil && p.Trigger == nil && p.TargetConnector == nil && p.Action == nil && p.IsEnabled == nil
}
