package retry

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

// Transient marks an error as retryable regardless of what Classify would
// otherwise decide.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTransient,
		reason: "explicit_transient",
	}
}

// Terminal marks an error as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTerminal,
		reason: "explicit_terminal",
	}
}

// Classify decides whether an error is worth retrying. Unknown errors
// default to terminal so a malformed payload cannot wedge the stream in a
// redelivery loop.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return Decision{Class: ClassTransient, Reason: "sql_connection_done"}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgresCode(pqErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Decision{Class: ClassTransient, Reason: "net_timeout"}
		}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

// classifyPostgresCode treats serialization failures, deadlocks, lock
// timeouts and resource exhaustion as transient; constraint violations and
// everything else are terminal.
func classifyPostgresCode(pqErr *pq.Error) Decision {
	switch pqErr.Code {
	case "40001": // serialization_failure
		return Decision{Class: ClassTransient, Reason: "pg_serialization_failure"}
	case "40P01": // deadlock_detected
		return Decision{Class: ClassTransient, Reason: "pg_deadlock"}
	case "55P03": // lock_not_available
		return Decision{Class: ClassTransient, Reason: "pg_lock_not_available"}
	case "57P03": // cannot_connect_now
		return Decision{Class: ClassTransient, Reason: "pg_cannot_connect"}
	}
	switch pqErr.Code.Class() {
	case "53": // insufficient_resources
		return Decision{Class: ClassTransient, Reason: "pg_insufficient_resources"}
	case "08": // connection_exception
		return Decision{Class: ClassTransient, Reason: "pg_connection_exception"}
	case "23": // integrity_constraint_violation
		return Decision{Class: ClassTerminal, Reason: "pg_constraint_violation"}
	}
	return Decision{Class: ClassTerminal, Reason: "pg_" + strings.ToLower(pqErr.Code.Name())}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 500",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
	"circuit breaker is open",
}

var terminalMessageTokens = []string{
	"invalid payload",
	"invalid argument",
	"unknown rule type",
	"no recipient configured",
	"parse error",
	"not found",
	"unauthorized",
	"forbidden",
	"http status 400",
	"http status 401",
	"http status 403",
	"http status 404",
	"http status 410",
	"constraint violation",
}
