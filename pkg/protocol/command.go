// Package protocol turns inbound lines into Commands and Results into
// outbound lines.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	ferrors "github.com/dshills/flowagent/pkg/errors"
)

// StructuredPrefix marks a structured command line.
const StructuredPrefix = "agent_command:"

// Email count bounds for "list emails [n]".
const (
	DefaultEmailCount = 5
	MaxEmailCount     = 100
)

// CommandKind discriminates free text from structured commands.
type CommandKind int

const (
	FreeText CommandKind = iota
	Structured
)

func (k CommandKind) String() string {
	if k == Structured {
		return "structured"
	}
	return "free_text"
}

// Verb identifies what a command asks for.
type Verb string

const (
	VerbEmpty          Verb = ""
	VerbUnknown        Verb = "unknown"
	VerbListWorkflows  Verb = "list workflows"
	VerbCreateWorkflow Verb = "create workflow"
	VerbUpdateWorkflow Verb = "update workflow"
	VerbDeleteWorkflow Verb = "delete workflow"
	VerbGetSettings    Verb = "get settings"
	VerbUpdateSetting  Verb = "update setting"
	VerbAssistWrite    Verb = "assist_write_generate"
	VerbNavigate       Verb = "navigate to"
	VerbSearch         Verb = "search for"
	VerbListEmails     Verb = "list emails"
	VerbListConnectors Verb = "list connectors"
	VerbEcho           Verb = "echo"
)

// payloadVerbs take a JSON payload, in match order.
var payloadVerbs = []Verb{
	VerbCreateWorkflow,
	VerbUpdateWorkflow,
	VerbDeleteWorkflow,
	VerbUpdateSetting,
	VerbAssistWrite,
}

var emailAliases = []string{"list emails", "show my emails", "get my emails"}

// Command is one parsed inbound line.
type Command struct {
	Kind    CommandKind
	Verb    Verb
	Payload []byte // JSON payload of a structured verb
	Arg     string // URL, search query or echo text, original casing
	Count   int    // email count for VerbListEmails
	Raw     string // trimmed input line
}

// ParseCommand parses one line. Structured commands are recognized first,
// with or without the agent_command: prefix; everything else is matched
// against the natural-language templates. Unmatched free text is not an
// error: it yields VerbUnknown. An error is returned only for a structured
// command that is malformed.
func ParseCommand(line string) (Command, error) {
	raw := strings.TrimSpace(line)
	cmd := Command{Kind: FreeText, Raw: raw}
	if raw == "" {
		cmd.Verb = VerbEmpty
		return cmd, nil
	}

	body := raw
	prefixed := hasPrefixFold(raw, StructuredPrefix)
	if prefixed {
		body = strings.TrimSpace(raw[len(StructuredPrefix):])
	}

	for _, verb := range payloadVerbs {
		rest, ok := cutVerb(body, string(verb))
		if !ok {
			continue
		}
		cmd.Kind = Structured
		cmd.Verb = verb
		if rest == "" {
			return cmd, ferrors.Parse(string(verb), fmt.Errorf("%s requires a JSON payload", verb))
		}
		cmd.Payload = []byte(rest)
		return cmd, nil
	}

	parseFreeText(&cmd, body)
	if prefixed {
		cmd.Kind = Structured
		if cmd.Verb == VerbUnknown {
			return cmd, ferrors.Parse("parse command", fmt.Errorf("unknown command '%s'", body))
		}
	}
	return cmd, nil
}

func parseFreeText(cmd *Command, text string) {
	lower := strings.ToLower(text)

	switch {
	case hasWordPrefix(lower, string(VerbListWorkflows)):
		cmd.Verb = VerbListWorkflows
	case hasWordPrefix(lower, string(VerbGetSettings)):
		cmd.Verb = VerbGetSettings
	case hasWordPrefix(lower, string(VerbListConnectors)):
		cmd.Verb = VerbListConnectors
	case matchEmails(cmd, text):
	case hasWordPrefix(lower, string(VerbNavigate)):
		cmd.Verb = VerbNavigate
		cmd.Arg = strings.TrimSpace(text[len(VerbNavigate):])
	case hasWordPrefix(lower, string(VerbSearch)):
		cmd.Verb = VerbSearch
		cmd.Arg = strings.TrimSpace(text[len(VerbSearch):])
	case hasWordPrefix(lower, string(VerbEcho)):
		cmd.Verb = VerbEcho
		cmd.Arg = strings.TrimSpace(text[len(VerbEcho):])
	default:
		cmd.Verb = VerbUnknown
	}
}

// matchEmails recognizes "list emails [n]" and its aliases. A count that is
// not a number leaves the line unmatched; counts outside 1..100 are clamped.
func matchEmails(cmd *Command, text string) bool {
	lower := strings.ToLower(text)
	for _, alias := range emailAliases {
		if !hasWordPrefix(lower, alias) {
			continue
		}
		rest := strings.TrimSpace(text[len(alias):])
		count := DefaultEmailCount
		if rest != "" {
			n, err := strconv.Atoi(rest)
			if err != nil {
				return false
			}
			count = ClampEmailCount(n)
		}
		cmd.Verb = VerbListEmails
		cmd.Count = count
		return true
	}
	return false
}

// ClampEmailCount bounds n to 1..MaxEmailCount.
func ClampEmailCount(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxEmailCount {
		return MaxEmailCount
	}
	return n
}

// NormalizeURL adds http:// to a URL without a scheme.
func NormalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	if strings.Contains(u, "://") {
		return u
	}
	return "http://" + u
}

// cutVerb matches verb at the start of s, case-insensitively, and returns
// the trimmed remainder.
func cutVerb(s, verb string) (string, bool) {
	if !hasWordPrefix(strings.ToLower(s), verb) {
		return "", false
	}
	return strings.TrimSpace(s[len(verb):]), true
}

// hasWordPrefix reports whether s is prefix or starts with prefix followed
// by whitespace or a JSON opener.
func hasWordPrefix(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	if len(s) == len(prefix) {
		return true
	}
	switch s[len(prefix)] {
	case ' ', '\t', '{', '[':
		return true
	}
	return false
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
