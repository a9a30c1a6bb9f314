package action

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Params are the parameters of one action as decoded from the job file.
// They have been checked against the command's schema before any action
// runs, so accessors fall back to defaults instead of failing.
type Params map[string]interface{}

func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Params) String(key string) string {
	return p.StringOr(key, "")
}

func (p Params) StringOr(key, def string) string {
	if s, ok := p[key].(string); ok && s != "" {
		return s
	}
	return def
}

func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

func newUUID() string {
	return uuid.NewString()
}
