package connector

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Params are the action parameters handed to a Handler. Values come from
// decoded JSON: stored workflows carry numbers as json.Number, direct
// commands as Go ints or float64.
type Params map[string]interface{}

// String returns a required non-blank string parameter.
func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", Permanent(fmt.Errorf("missing required parameter '%s'", key))
	}
	s, ok := v.(string)
	if !ok {
		return "", Permanent(fmt.Errorf("parameter '%s' must be a string", key))
	}
	if strings.TrimSpace(s) == "" {
		return "", Permanent(fmt.Errorf("parameter '%s' must not be empty", key))
	}
	return s, nil
}

// OptionalString returns a string parameter or def when absent.
func (p Params) OptionalString(key, def string) string {
	if s, ok := p[key].(string); ok && s != "" {
		return s
	}
	return def
}

// Int returns an integer parameter, or def when absent. Whole floats,
// json.Number integers and numeric strings are accepted.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case json.Number:
		i, err := strconv.Atoi(n.String())
		if err != nil {
			return 0, Permanent(fmt.Errorf("parameter '%s' must be a whole number", key))
		}
		return i, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, Permanent(fmt.Errorf("parameter '%s' must be a whole number", key))
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, Permanent(fmt.Errorf("parameter '%s' must be a number", key))
		}
		return i, nil
	}
	return 0, Permanent(fmt.Errorf("parameter '%s' must be a number", key))
}
