package config

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Options is a loosely typed option bag (parser and source settings). Values
// arrive from JSON, YAML or the environment, so every accessor tolerates the
// representations those decoders produce and falls back to def otherwise.
type Options map[string]any

// Any returns the raw value stored under key, or nil.
func (o Options) Any(key string) any {
	if o == nil {
		return nil
	}
	if v, ok := o[key]; ok {
		return v
	}
	// Viper lowercases keys; accept either spelling.
	return o[strings.ToLower(key)]
}

// String returns key as a string.
func (o Options) String(key, def string) string {
	switch v := o.Any(key).(type) {
	case string:
		return v
	case nil:
		return def
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return def
}

// Bool returns key as a bool. Strings are parsed with strconv.ParseBool.
func (o Options) Bool(key string, def bool) bool {
	switch v := o.Any(key).(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Int returns key as an int.
func (o Options) Int(key string, def int) int {
	switch v := o.Any(key).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

// Rune returns the first rune of a string option. "\t" and "tab" both mean a tab.
func (o Options) Rune(key string, def rune) rune {
	s, ok := o.Any(key).(string)
	if !ok || s == "" {
		return def
	}
	switch s {
	case `\t`, "tab":
		return '\t'
	}
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return def
	}
	return r
}

// StringMap returns key as map[string]string, dropping non-string values.
func (o Options) StringMap(key string) map[string]string {
	out := map[string]string{}
	switch m := o.Any(key).(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}
