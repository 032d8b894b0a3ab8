package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// varPrefix marks extra playbook variables in a request body.
const varPrefix = "v_"

// payload is a decoded JSON request body. Values keep their JSON types so
// clients that send numbers or booleans for text fields keep working.
type payload map[string]any

func decodePayload(r *http.Request) (payload, error) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	var p payload
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("body must be a JSON object")
	}
	return p, nil
}

// str returns key as text. Missing keys and null are empty.
func (p payload) str(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// flag reports whether key is truthy: true, a non-zero number, a string
// that parses as true, or any other non-empty string.
func (p payload) flag(key string) bool {
	switch v := p[key].(type) {
	case nil:
		return false
	case bool:
		return v
	case json.Number:
		f, err := v.Float64()
		return err == nil && f != 0
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

// int returns key as an integer, or def when absent or not numeric.
func (p payload) int(key string, def int) int {
	switch v := p[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		if f, err := v.Float64(); err == nil {
			return int(f)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// vars collects v_-prefixed keys with the prefix removed.
func (p payload) vars() map[string]string {
	out := make(map[string]string)
	for k := range p {
		name, ok := strings.CutPrefix(k, varPrefix)
		if !ok || name == "" {
			continue
		}
		out[name] = p.str(k)
	}
	return out
}
