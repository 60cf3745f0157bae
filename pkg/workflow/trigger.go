package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerType discriminates the Trigger variants.
type TriggerType string

const (
	// TriggerCron fires on a five-field cron expression.
	TriggerCron TriggerType = "cron"
	// TriggerSemantic is recognized and persisted but has no evaluator.
	TriggerSemantic TriggerType = "semantic_condition"
)

// triggerAliases maps accepted input spellings onto canonical types.
var triggerAliases = map[string]TriggerType{
	"cron":               TriggerCron,
	"semantic_condition": TriggerSemantic,
	"semantic":           TriggerSemantic,
}

// ErrTriggerNotExecutable is returned when a trigger variant exists but
// cannot be evaluated.
var ErrTriggerNotExecutable = errors.New("trigger is not yet executable")

// CronConfig configures a cron trigger.
type CronConfig struct {
	Expression string `json:"cron_expression"`
}

// SemanticConfig configures a semantic-condition trigger.
type SemanticConfig struct {
	Condition     string   `json:"condition_description"`
	CheckInterval string   `json:"check_interval_cron"`
	RequiredTools []string `json:"required_tools_mcps,omitempty"`
}

// Trigger is a tagged variant over the trigger configs. Exactly one of Cron
// or Semantic is set, matching Type.
type Trigger struct {
	Type     TriggerType
	Cron     *CronConfig
	Semantic *SemanticConfig
}

// NewCronTrigger returns a cron trigger for expr.
func NewCronTrigger(expr string) Trigger {
	return Trigger{Type: TriggerCron, Cron: &CronConfig{Expression: expr}}
}

// NewSemanticTrigger returns a semantic-condition trigger.
func NewSemanticTrigger(condition, checkInterval string, tools ...string) Trigger {
	return Trigger{
		Type: TriggerSemantic,
		Semantic: &SemanticConfig{
			Condition:     condition,
			CheckInterval: checkInterval,
			RequiredTools: tools,
		},
	}
}

type triggerJSON struct {
	Type   string          `json:"trigger_type"`
	Config json.RawMessage `json:"config"`
}

// MarshalJSON writes {"trigger_type": ..., "config": {...}}.
func (t Trigger) MarshalJSON() ([]byte, error) {
	var cfg interface{}
	switch t.Type {
	case TriggerCron:
		cfg = t.Cron
	case TriggerSemantic:
		cfg = t.Semantic
	default:
		return nil, fmt.Errorf("unknown trigger type %q", t.Type)
	}
	if cfg == nil {
		cfg = struct{}{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(triggerJSON{Type: string(t.Type), Config: raw})
}

// UnmarshalJSON reads {"trigger_type": ..., "config": {...}}.
func (t *Trigger) UnmarshalJSON(data []byte) error {
	var raw triggerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	typ, ok := triggerAliases[strings.ToLower(strings.TrimSpace(raw.Type))]
	if !ok {
		return fmt.Errorf("unknown trigger type %q", raw.Type)
	}
	if len(raw.Config) == 0 || string(raw.Config) == "null" {
		raw.Config = []byte("{}")
	}

	out := Trigger{Type: typ}
	switch typ {
	case TriggerCron:
		out.Cron = &CronConfig{}
		if err := json.Unmarshal(raw.Config, out.Cron); err != nil {
			return fmt.Errorf("invalid cron trigger config: %w", err)
		}
	case TriggerSemantic:
		out.Semantic = &SemanticConfig{}
		if err := json.Unmarshal(raw.Config, out.Semantic); err != nil {
			return fmt.Errorf("invalid semantic trigger config: %w", err)
		}
	}
	*t = out
	return nil
}

// Validate checks the trigger config, including that every cron expression
// parses.
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerCron:
		if t.Cron == nil || strings.TrimSpace(t.Cron.Expression) == "" {
			return errors.New("cron trigger requires cron_expression")
		}
		if _, err := ParseCron(t.Cron.Expression); err != nil {
			return err
		}
	case TriggerSemantic:
		if t.Semantic == nil || strings.TrimSpace(t.Semantic.Condition) == "" {
			return errors.New("semantic_condition trigger requires condition_description")
		}
		if strings.TrimSpace(t.Semantic.CheckInterval) == "" {
			return errors.New("semantic_condition trigger requires check_interval_cron")
		}
		if _, err := ParseCron(t.Semantic.CheckInterval); err != nil {
			return fmt.Errorf("check_interval_cron: %w", err)
		}
	default:
		return fmt.Errorf("unknown trigger type %q", t.Type)
	}
	return nil
}

// Schedule returns the cron schedule for a cron trigger. Other variants
// return an error wrapping ErrTriggerNotExecutable.
func (t Trigger) Schedule() (cron.Schedule, error) {
	if t.Type != TriggerCron || t.Cron == nil {
		return nil, fmt.Errorf("%w: trigger type %s", ErrTriggerNotExecutable, t.Type)
	}
	return ParseCron(t.Cron.Expression)
}

// ParseCron parses a standard five-field cron expression. Descriptors such as
// @daily are accepted; @every intervals are not, because they do not align to
// wall-clock minutes.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "@every") {
		return nil, fmt.Errorf("invalid cron expression %q: @every is not supported", expr)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Matches reports whether sched fires in the wall-clock minute containing t.
func Matches(sched cron.Schedule, t time.Time) bool {
	minute := t.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute)
}
