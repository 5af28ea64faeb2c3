package bulk

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is. The typed errors below match the relevant sentinel.
var (
	ErrConfiguration         = errors.New("bulk: configuration error")
	ErrMatchKeyRequired      = errors.New("bulk: at least one match key is required")
	ErrIdentity              = errors.New("bulk: identity column misconfigured")
	ErrColumnLength          = errors.New("bulk: column length exceeded")
	ErrUnsupportedColumnType = errors.New("bulk: unsupported column type")
	ErrNoSetterAvailable     = errors.New("bulk: no setter available")
	ErrStagingLeak           = errors.New("bulk: staging objects were not dropped")
)

// ConfigurationError is raised before any statement is sent to the server.
type ConfigurationError struct {
	Op  string
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Op == "" {
		return "bulk: " + e.Msg
	}
	return "bulk: " + e.Op + ": " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Is matches ErrConfiguration in addition to the wrapped error.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configErr(op, format string, args ...any) error {
	return &ConfigurationError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// MatchKeyRequired returns the configuration error used when an update, upsert
// or delete has no match keys.
func MatchKeyRequired(op string) error {
	return &ConfigurationError{
		Op:  op,
		Msg: "at least one match key is required (MatchOn)",
		Err: ErrMatchKeyRequired,
	}
}

// IdentityError wraps a server rejection caused by writing to, or failing to
// account for, an identity column.
type IdentityError struct {
	Number  int32
	Message string
	Err     error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("bulk: identity error %d: %s. An identity column must be declared on the "+
		"operation (Identity) when the target table has one; see the Identity direction options.",
		e.Number, strings.TrimSuffix(e.Message, "."))
}

func (e *IdentityError) Unwrap() error { return e.Err }

func (e *IdentityError) Is(target error) bool { return target == ErrIdentity }

// ColumnLengthError reports staged data longer than the destination column allows.
type ColumnLengthError struct {
	Column string
	Length int
	Err    error
}

func (e *ColumnLengthError) Error() string {
	if e.Column == "" {
		return "bulk: a column contains data longer than its declared length"
	}
	return fmt.Sprintf("bulk: column %s contains data with a length greater than %d", e.Column, e.Length)
}

func (e *ColumnLengthError) Unwrap() error { return e.Err }

func (e *ColumnLengthError) Is(target error) bool { return target == ErrColumnLength }

// UnsupportedColumnTypeError reports a field whose type cannot be parameterized.
type UnsupportedColumnTypeError struct {
	Path   string
	GoType string
}

func (e *UnsupportedColumnTypeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("bulk: unsupported column type %s", e.GoType)
	}
	return fmt.Sprintf("bulk: field %q has unsupported column type %s", e.Path, e.GoType)
}

func (e *UnsupportedColumnTypeError) Is(target error) bool { return target == ErrUnsupportedColumnType }

// NoSetterError is returned when identity echo-back is requested for a field
// registered without a setter.
type NoSetterError struct {
	Column string
}

func (e *NoSetterError) Error() string {
	return fmt.Sprintf("bulk: no setter available on field %q; could not write output back to the record", e.Column)
}

func (e *NoSetterError) Is(target error) bool { return target == ErrNoSetterAvailable }

// StagingLeakError lists transient tables that could not be dropped after a
// failed or cancelled commit. They live until the owning session closes.
type StagingLeakError struct {
	Tables []string
	Err    error
}

func (e *StagingLeakError) Error() string {
	return fmt.Sprintf("bulk: staging tables not dropped (%s): %v", strings.Join(e.Tables, ", "), e.Err)
}

func (e *StagingLeakError) Unwrap() error { return e.Err }

func (e *StagingLeakError) Is(target error) bool { return target == ErrStagingLeak }

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsIdentity reports whether err is an identity error.
func IsIdentity(err error) bool { return errors.Is(err, ErrIdentity) }

// IsColumnLength reports whether err is a column length error.
func IsColumnLength(err error) bool { return errors.Is(err, ErrColumnLength) }
