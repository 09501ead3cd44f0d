package worker

import (
	"regexp"
	"strings"
)

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`/\*[\s\S]*?\*/`)
)

// ValidateReadOnly checks that a query is a safe read-only statement.
// Comments are stripped before validation so "/* x */ DROP TABLE" cannot
// sneak past the prefix check. Only SELECT and WITH (for CTEs) are allowed.
func ValidateReadOnly(query string) *JobError {
	clean := strings.TrimSpace(query)
	clean = lineCommentRe.ReplaceAllString(clean, "")
	clean = blockCommentRe.ReplaceAllString(clean, "")
	clean = strings.TrimSpace(clean)

	if clean == "" {
		return newError(KindBadRequest, "empty query")
	}

	upper := strings.ToUpper(clean)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return newError(KindBadRequest, "only SELECT queries are allowed. Use SELECT to retrieve data.")
	}

	// A semicolon followed by more text means a second statement.
	trimmed := strings.TrimRight(clean, "; \t\n\r")
	if strings.Contains(trimmed, ";") {
		return newError(KindBadRequest, "multiple statements are not allowed")
	}

	return nil
}

// stripTrailingSemicolons removes statement terminators so LIMIT/OFFSET can
// be appended safely.
func stripTrailingSemicolons(query string) string {
	return strings.TrimRight(strings.TrimSpace(query), "; \t\n\r")
}
