package actions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ExtractEvent pulls the comparison scalar out of a raw payload. Precedence:
// JSON object's "event" field, else "ext" field, else the whole JSON value
// stringified, else the raw payload text.
func ExtractEvent(payload []byte) string {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	if obj, ok := v.(map[string]any); ok {
		if ev, ok := obj["event"]; ok {
			return stringify(ev)
		}
		if ext, ok := obj["ext"]; ok {
			return stringify(ext)
		}
	}
	return stringify(v)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

// Compare applies a comparator to an observed value and a match value.
// When both sides parse as decimal numbers the comparison is numeric,
// otherwise lexicographic on the string forms.
func Compare(cmp string, observed string, match any) (bool, error) {
	want := stringify(match)

	lf, lerr := strconv.ParseFloat(strings.TrimSpace(observed), 64)
	rf, rerr := strconv.ParseFloat(strings.TrimSpace(want), 64)
	if lerr == nil && rerr == nil {
		return compareNumeric(cmp, lf, rf)
	}
	return compareString(cmp, observed, want)
}

func compareNumeric(cmp string, l, r float64) (bool, error) {
	switch cmp {
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	}
	return false, fmt.Errorf("invalid comparator %q", cmp)
}

func compareString(cmp string, l, r string) (bool, error) {
	switch cmp {
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	}
	return false, fmt.Errorf("invalid comparator %q", cmp)
}
