// Package config defines the job file consumed by cmd/sqlbulk: where records
// come from, which table they are applied to, and how.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SQLBULK_TARGET_DSN.
const EnvPrefix = "SQLBULK"

// Job is one bulk apply: a record source, a target table and an operation.
type Job struct {
	Name      string    `json:"name" mapstructure:"name"`
	Source    Source    `json:"source" mapstructure:"source"`
	Target    Target    `json:"target" mapstructure:"target"`
	Operation Operation `json:"operation" mapstructure:"operation"`
	Runtime   Runtime   `json:"runtime" mapstructure:"runtime"`
}

// Source describes where records are read from.
type Source struct {
	// Kind: "file" | "postgres" | "sqlite". Empty means no source (delete_where).
	Kind string `json:"kind" mapstructure:"kind"`

	// File sources.
	Path   string `json:"path" mapstructure:"path"`
	Format string `json:"format" mapstructure:"format"` // csv | json; inferred from Path when empty

	// Query sources.
	DSN   string `json:"dsn" mapstructure:"dsn"`
	Query string `json:"query" mapstructure:"query"`

	Options Options `json:"options" mapstructure:"options"`
}

// FileFormat returns Format, or the format implied by the file extension.
func (s Source) FileFormat() string {
	if f := strings.ToLower(strings.TrimSpace(s.Format)); f != "" {
		return f
	}
	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".csv", ".tsv":
		return "csv"
	case ".json", ".jsonl", ".ndjson":
		return "json"
	}
	return ""
}

// Target is the database table the operation writes to.
type Target struct {
	Kind     string `json:"kind" mapstructure:"kind"`
	DSN      string `json:"dsn" mapstructure:"dsn"`
	Table    string `json:"table" mapstructure:"table"`
	Database string `json:"database" mapstructure:"database"`

	MaxOpenConns int `json:"max_open_conns" mapstructure:"max_open_conns"`
}

// Column is one record field. Name is the field as it appears in the source;
// Column, when set, is the database column it maps to.
type Column struct {
	Name      string `json:"name" mapstructure:"name"`
	Type      string `json:"type" mapstructure:"type"`
	Column    string `json:"column" mapstructure:"column"`
	Collation string `json:"collation" mapstructure:"collation"`
}

// Identity names the table's auto-generated key and whether server values
// are echoed back ("input", "output", "input_output").
type Identity struct {
	Column    string `json:"column" mapstructure:"column"`
	Direction string `json:"direction" mapstructure:"direction"`
}

// Operation describes the write. Conditions use the textual form
// "<column> <op> <literal>"; Where entries after the first start with AND or OR.
type Operation struct {
	Kind    string   `json:"kind" mapstructure:"kind"`
	Columns []Column `json:"columns" mapstructure:"columns"`

	MatchOn              []string  `json:"match_on" mapstructure:"match_on"`
	Identity             *Identity `json:"identity" mapstructure:"identity"`
	ExcludeFromUpdate    []string  `json:"exclude_from_update" mapstructure:"exclude_from_update"`
	DeleteWhenNotMatched bool      `json:"delete_when_not_matched" mapstructure:"delete_when_not_matched"`

	MatchUpdate []string `json:"match_update" mapstructure:"match_update"`
	MatchDelete []string `json:"match_delete" mapstructure:"match_delete"`
	Where       []string `json:"where" mapstructure:"where"`

	Hint string `json:"hint" mapstructure:"hint"`
}

// ColumnNames returns the configured field names in order.
func (o Operation) ColumnNames() []string {
	out := make([]string, len(o.Columns))
	for i, c := range o.Columns {
		out[i] = c.Name
	}
	return out
}

// Runtime controls execution.
type Runtime struct {
	// CommitSize splits the input into commits of at most this many records;
	// 0 commits everything at once.
	CommitSize int `json:"commit_size" mapstructure:"commit_size"`
	// BatchSize is the bulk-copy rows-per-batch hint.
	BatchSize int           `json:"batch_size" mapstructure:"batch_size"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`

	DisableIndexes   bool `json:"disable_indexes" mapstructure:"disable_indexes"`
	CheckConstraints bool `json:"check_constraints" mapstructure:"check_constraints"`
	FireTriggers     bool `json:"fire_triggers" mapstructure:"fire_triggers"`
	KeepNulls        bool `json:"keep_nulls" mapstructure:"keep_nulls"`
	TableLock        bool `json:"table_lock" mapstructure:"table_lock"`

	// IdentitiesOut is a CSV file receiving echoed identity values.
	IdentitiesOut string `json:"identities_out" mapstructure:"identities_out"`
}

// SplitConnector separates a leading AND/OR from a Where entry.
// The connector is returned upper-cased; it is empty when absent.
func SplitConnector(s string) (string, string) {
	t := strings.TrimSpace(s)
	for _, kw := range []string{"AND", "OR"} {
		if len(t) > len(kw) && strings.EqualFold(t[:len(kw)], kw) && (t[len(kw)] == ' ' || t[len(kw)] == '\t') {
			return kw, strings.TrimSpace(t[len(kw):])
		}
	}
	return "", t
}

// Load reads a JSON or YAML job file. Every key can be overridden from the
// environment (SQLBULK_TARGET_DSN, SQLBULK_RUNTIME_BATCH_SIZE, ...) and
// ${VAR} references in DSNs are expanded.
func Load(path string) (Job, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets are usually absent from the file; bind them so the
	// environment alone can supply them.
	for _, k := range []string{"source.dsn", "target.dsn", "target.table", "target.database"} {
		if err := v.BindEnv(k); err != nil {
			return Job{}, fmt.Errorf("config: bind %s: %w", k, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return Job{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var job Job
	if err := v.Unmarshal(&job); err != nil {
		return Job{}, fmt.Errorf("config: decode %s: %w", path, err)
	}

	job.Source.DSN = os.ExpandEnv(job.Source.DSN)
	job.Target.DSN = os.ExpandEnv(job.Target.DSN)
	if job.Name == "" {
		job.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return job, nil
}
