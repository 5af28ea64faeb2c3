// Package json streams JSON documents into positional record rows.
package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"sqlbulk/internal/config"
	"sqlbulk/internal/record"
)

// StreamJSONRows parses JSON from r and streams one *record.Row per object,
// aligned to columns.
//
// Accepted shapes:
//   - a root array of objects, streamed element by element
//   - a root object holding an array of objects (the envelope field), streamed
//     the same way; other fields of the envelope are skipped
//   - a single root object, emitted as one record
//   - any of the above followed by newline-delimited objects (JSONL)
//
// Nested objects are flattened with "_" so {"Price":{"Net":1}} feeds column
// "Price_Net", the same path a nested field descriptor uses.
//
// Options:
//   - header_map: source key -> column name
//   - records_field: envelope field to stream (default: first array of objects)
//   - array_join_separator (default ","): joins arrays of strings into one value
//   - flatten_separator (default "_")
func StreamJSONRows(
	ctx context.Context,
	r io.Reader,
	columns []string,
	opts config.Options,
	out chan<- *record.Row,
	onErr func(line int, err error),
) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	s := &streamer{
		ctx:     ctx,
		dec:     dec,
		columns: columns,
		rev:     reverseHeaderMap(opts.StringMap("header_map")),
		field:   opts.String("records_field", ""),
		joinSep: opts.String("array_join_separator", ","),
		flatSep: opts.String("flatten_separator", "_"),
		out:     out,
		onErr:   onErr,
	}
	if s.joinSep == "" {
		s.joinSep = ","
	}
	return s.run()
}

type streamer struct {
	ctx     context.Context
	dec     *json.Decoder
	columns []string
	rev     map[string]string
	field   string
	joinSep string
	flatSep string
	out     chan<- *record.Row
	onErr   func(int, error)
	line    int

	// visit, when set, receives each flattened object instead of out.
	visit func(flat map[string]any) error
}

func (s *streamer) fail(err error) error {
	if s.onErr != nil {
		s.onErr(s.line+1, err)
	}
	return err
}

func (s *streamer) run() error {
	tok, err := s.dec.Token()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return s.fail(fmt.Errorf("json: read first token: %w", err))
	}

	switch tok {
	case json.Delim('['):
		if err := s.streamArray(); err != nil {
			return err
		}
	case json.Delim('{'):
		single, err := s.streamEnvelope()
		if err != nil {
			return err
		}
		if single != nil {
			if err := s.emit(single); err != nil {
				return err
			}
		}
	default:
		return s.fail(fmt.Errorf("json: unsupported root token %v (want object or array)", tok))
	}
	return s.streamTrailing()
}

// streamArray streams the objects of an array whose '[' was consumed,
// then consumes the closing ']'. null elements are skipped.
func (s *streamer) streamArray() error {
	for s.dec.More() {
		var raw any
		if err := s.dec.Decode(&raw); err != nil {
			return s.fail(fmt.Errorf("json: decode array element: %w", err))
		}
		if raw == nil {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return s.fail(fmt.Errorf("json: array element is not an object (got %T)", raw))
		}
		if err := s.emit(obj); err != nil {
			return err
		}
	}
	return expectDelim(s.dec, ']')
}

// streamEnvelope walks a root object whose '{' was consumed. It returns the
// materialized object when no records array was found.
func (s *streamer) streamEnvelope() (map[string]any, error) {
	single := make(map[string]any)
	streamed := false

	for s.dec.More() {
		keyTok, err := s.dec.Token()
		if err != nil {
			return nil, s.fail(fmt.Errorf("json: read object key: %w", err))
		}
		key, _ := keyTok.(string)

		valTok, err := s.dec.Token()
		if err != nil {
			return nil, s.fail(fmt.Errorf("json: read value of %q: %w", key, err))
		}

		candidate := !streamed && (s.field == "" || s.field == key)
		if valTok == json.Delim('[') && candidate {
			if err := s.streamArray(); err != nil {
				return nil, err
			}
			streamed = true
			continue
		}

		v, err := readValue(s.dec, valTok)
		if err != nil {
			return nil, s.fail(err)
		}
		if !streamed {
			single[key] = v
		}
	}
	if err := expectDelim(s.dec, '}'); err != nil {
		return nil, err
	}
	if streamed {
		return nil, nil
	}
	return single, nil
}

func (s *streamer) streamTrailing() error {
	for {
		var obj map[string]any
		if err := s.dec.Decode(&obj); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return s.fail(fmt.Errorf("json: decode trailing object: %w", err))
		}
		if obj == nil {
			continue
		}
		if err := s.emit(obj); err != nil {
			return err
		}
	}
}

func (s *streamer) emit(obj map[string]any) error {
	s.line++

	flat := make(map[string]any, len(obj))
	flatten("", obj, s.flatSep, flat)
	if s.visit != nil {
		return s.visit(flat)
	}

	row := record.Get(len(s.columns))
	row.Line = s.line
	for i, col := range s.columns {
		v, ok := flat[col]
		if !ok {
			if src, mapped := s.rev[col]; mapped {
				v = flat[src]
			}
		}
		row.V[i] = scalar(v, s.joinSep)
	}

	select {
	case s.out <- row:
		return nil
	case <-s.ctx.Done():
		row.Drop()
		return s.ctx.Err()
	}
}

// readValue materializes the value whose first token was already read.
func readValue(dec *json.Decoder, tok json.Token) (any, error) {
	switch tok {
	case json.Delim('{'):
		m := make(map[string]any)
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested key: %w", err)
			}
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested value: %w", err)
			}
			v, err := readValue(dec, vt)
			if err != nil {
				return nil, err
			}
			k, _ := kt.(string)
			m[k] = v
		}
		return m, expectDelim(dec, '}')

	case json.Delim('['):
		var arr []any
		for dec.More() {
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested element: %w", err)
			}
			v, err := readValue(dec, vt)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, expectDelim(dec, ']')
	}
	return tok, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: read %q: %w", want, err)
	}
	if tok != want {
		return fmt.Errorf("json: expected %q, got %v", want, tok)
	}
	return nil
}

// flatten copies obj into dst, joining nested object keys with sep.
func flatten(prefix string, obj map[string]any, sep string, dst map[string]any) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + sep + k
		}
		if m, ok := v.(map[string]any); ok {
			flatten(key, m, sep, dst)
			continue
		}
		dst[key] = v
	}
}

// scalar joins arrays of strings; mixed arrays and everything else pass through.
func scalar(v any, sep string) any {
	arr, ok := v.([]any)
	if !ok {
		return v
	}
	ss := make([]string, 0, len(arr))
	for _, it := range arr {
		if it == nil {
			continue
		}
		s, ok := it.(string)
		if !ok {
			return v
		}
		ss = append(ss, s)
	}
	return strings.Join(ss, sep)
}

func reverseHeaderMap(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for src, col := range h {
		if src != "" && col != "" {
			out[col] = src
		}
	}
	return out
}
