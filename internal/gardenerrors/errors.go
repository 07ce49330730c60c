// Package gardenerrors defines the error-kind taxonomy shared across every
// core component: filesystem failures, config problems, CLI misuse,
// subprocess failures, output-envelope parse failures, and database errors.
package gardenerrors

import "fmt"

// Kind classifies an Error for errors.As-based dispatch without exposing a
// distinct Go type per failure mode.
type Kind string

const (
	KindIO             Kind = "io"
	KindConfigParse    Kind = "config_parse"
	KindInvalidConfig  Kind = "invalid_config"
	KindCli            Kind = "cli"
	KindProcess        Kind = "process"
	KindOutputEnvelope Kind = "output_envelope"
	KindDatabase       Kind = "database"
)

// Error is the single error sum type every core component surfaces.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, gardenerrors.ErrDatabase).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

func new_(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func IO(msg string, err error) *Error           { return new_(KindIO, msg, err) }
func ConfigParse(msg string, err error) *Error  { return new_(KindConfigParse, msg, err) }
func InvalidConfig(msg string) *Error           { return new_(KindInvalidConfig, msg, nil) }
func Cli(msg string) *Error                     { return new_(KindCli, msg, nil) }
func Process(msg string) *Error                 { return new_(KindProcess, msg, nil) }
func ProcessWrap(msg string, err error) *Error  { return new_(KindProcess, msg, err) }
func OutputEnvelope(msg string) *Error          { return new_(KindOutputEnvelope, msg, nil) }
func Database(msg string, err error) *Error     { return new_(KindDatabase, msg, err) }

// Sentinel values usable with errors.Is to test only the Kind.
var (
	ErrIO             = &Error{Kind: KindIO}
	ErrConfigParse    = &Error{Kind: KindConfigParse}
	ErrInvalidConfig  = &Error{Kind: KindInvalidConfig}
	ErrCli            = &Error{Kind: KindCli}
	ErrProcess        = &Error{Kind: KindProcess}
	ErrOutputEnvelope = &Error{Kind: KindOutputEnvelope}
	ErrDatabase       = &Error{Kind: KindDatabase}
)
