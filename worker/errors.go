package worker

import (
	"fmt"
	"strings"
)

// ErrorKind is the stable error taxonomy that crosses the worker boundary.
// Raw engine error strings never leave the worker; every exit path translates
// into one of these kinds first.
type ErrorKind string

const (
	// KindSemantic covers engine-reported query errors: unknown column,
	// unknown table, syntax errors, type mismatches. These are returned as
	// normal execution results, not exceptional failures.
	KindSemantic ErrorKind = "query_semantic"
	// KindBadRequest covers protocol-level problems: missing pagination,
	// non-read-only SQL, unknown dataset or op.
	KindBadRequest ErrorKind = "bad_request"
	// KindInternal covers unexpected worker-side failures that are neither
	// the query's fault nor the caller's.
	KindInternal ErrorKind = "internal"
	// KindTimeout and KindCrash are assigned by the pool manager, never by
	// the worker itself; a worker that times out is killed, not asked.
	KindTimeout ErrorKind = "query_timeout"
	KindCrash   ErrorKind = "worker_crash"
)

// JobError is the wire form of a translated error.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// newError builds a JobError with a formatted message.
func newError(kind ErrorKind, format string, args ...any) *JobError {
	return &JobError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// semanticPatterns are substrings of engine errors that indicate the query
// itself is wrong rather than the worker being broken. Covers sqlite, mysql
// and snowflake error texts.
var semanticPatterns = []string{
	"no such column",
	"no such table",
	"syntax error",
	"unknown column",
	"unknown table",
	"doesn't exist",
	"does not exist",
	"ambiguous column",
	"ambiguous",
	"misuse of aggregate",
	"wrong number of arguments",
	"datatype mismatch",
	"incompatible types",
	"invalid identifier",
	"division by zero",
}

// translateEngineError maps a raw engine error to the stable taxonomy.
// Anything recognizably caused by the query text becomes KindSemantic with a
// cleaned-up message; everything else is KindInternal.
func translateEngineError(err error) *JobError {
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, pat := range semanticPatterns {
		if strings.Contains(lower, pat) {
			return &JobError{Kind: KindSemantic, Message: cleanEngineMessage(msg)}
		}
	}
	return &JobError{Kind: KindInternal, Message: "query execution failed"}
}

// cleanEngineMessage strips driver prefixes so the user-facing message reads
// like a query diagnostic, not a stack dump.
func cleanEngineMessage(msg string) string {
	for _, prefix := range []string{"SQL logic error: ", "Error 1054: ", "Error 1146: "} {
		msg = strings.TrimPrefix(msg, prefix)
	}
	// sqlite appends an error code in parentheses, e.g. "(1)"
	if i := strings.LastIndex(msg, " ("); i > 0 && strings.HasSuffix(msg, ")") {
		if _, onlyDigits := parseDigits(msg[i+2 : len(msg)-1]); onlyDigits {
			msg = msg[:i]
		}
	}
	return strings.TrimSpace(msg)
}

func parseDigits(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
