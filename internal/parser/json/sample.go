package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"sqlbulk/internal/config"
)

var errSampleFull = errors.New("json: sample full")

// Sample reads up to limit objects (all when limit <= 0) from r, accepting the
// same layouts as StreamJSONRows. It returns the flattened keys, ordered by
// first appearance and sorted within each object, and one text row per object
// aligned to those keys. Missing and null values are "".
func Sample(r io.Reader, limit int, opts config.Options) ([]string, [][]string, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var (
		keys []string
		seen = map[string]bool{}
		objs []map[string]any
	)
	s := &streamer{
		ctx:     context.Background(),
		dec:     dec,
		field:   opts.String("records_field", ""),
		joinSep: opts.String("array_join_separator", ","),
		flatSep: opts.String("flatten_separator", "_"),
	}
	s.visit = func(flat map[string]any) error {
		var fresh []string
		for k := range flat {
			if !seen[k] {
				seen[k] = true
				fresh = append(fresh, k)
			}
		}
		sort.Strings(fresh)
		keys = append(keys, fresh...)
		objs = append(objs, flat)
		if limit > 0 && len(objs) >= limit {
			return errSampleFull
		}
		return nil
	}

	if err := s.run(); err != nil && !errors.Is(err, errSampleFull) {
		return nil, nil, err
	}

	rows := make([][]string, len(objs))
	for i, obj := range objs {
		row := make([]string, len(keys))
		for j, k := range keys {
			row[j] = text(scalar(obj[k], s.joinSep))
		}
		rows[i] = row
	}
	return keys, rows, nil
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	}
	return fmt.Sprint(v)
}
