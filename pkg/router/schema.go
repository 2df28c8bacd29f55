package router

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

// validateResponse checks a sandbox response body against the schema of its kind.
func validateResponse(kind types.Kind, body []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return fmt.Errorf("response is not a JSON object: %w", err)
	}
	if obj == nil {
		return fmt.Errorf("response is null")
	}

	switch kind {
	case types.KindPython, types.KindShell:
		return requireString(obj, "output", "error")
	case types.KindUpload:
		return requireString(obj, "message", "error")
	case types.KindSQL:
		return validateSQLResponse(obj)
	default:
		return fmt.Errorf("unknown request kind %q", kind)
	}
}

func validateSQLResponse(obj map[string]json.RawMessage) error {
	raw, ok := obj["type"]
	if !ok {
		return requireString(obj, "error", "detail")
	}
	typ, ok := jsonString(raw)
	if !ok {
		return fmt.Errorf(`field "type" is not a string`)
	}

	switch typ {
	case types.SQLResultSelect:
		rows, ok := obj["rows"]
		if !ok || !isJSON(rows, '[') {
			return fmt.Errorf(`select result needs a "rows" array`)
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(rows, &elems); err != nil {
			return fmt.Errorf(`invalid "rows": %w`, err)
		}
		for i, elem := range elems {
			if !isJSON(elem, '{') {
				return fmt.Errorf("row %d is not an object", i)
			}
		}
		return nil
	case types.SQLResultCommand:
		return requireString(obj, "message")
	default:
		return fmt.Errorf("unknown sql result type %q", typ)
	}
}

// requireString passes when at least one of keys holds a JSON string.
func requireString(obj map[string]json.RawMessage, keys ...string) error {
	for _, k := range keys {
		if raw, ok := obj[k]; ok {
			if _, isStr := jsonString(raw); isStr {
				return nil
			}
		}
	}
	return fmt.Errorf("response needs a string field among %q", keys)
}

func jsonString(raw json.RawMessage) (string, bool) {
	if !isJSON(raw, '"') {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isJSON(raw json.RawMessage, first byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == first
}
