// Package facade serves the read-only HTTP API over published
// artifacts. Errors leave as RFC 7807 problem documents with stable type
// URIs per error kind; internals and secrets never reach a response
// body.
package facade

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/earcrawler/earcrawler/pkg/errkind"
)

// problemNS prefixes every problem type URI.
const problemNS = "https://ear.example.org/problems/"

// ProblemDetail implements RFC 7807.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

var kindStatus = map[errkind.Kind]int{
	errkind.InvalidInput:        http.StatusBadRequest,
	errkind.ContractViolation:   http.StatusBadGateway,
	errkind.IntegrityFailure:    http.StatusServiceUnavailable,
	errkind.AuthorizationDenied: http.StatusForbidden,
	errkind.ResourceExhausted:   http.StatusTooManyRequests,
	errkind.Upstream:            http.StatusBadGateway,
	errkind.Timeout:             http.StatusGatewayTimeout,
	errkind.NotFound:            http.StatusNotFound,
	errkind.Conflict:            http.StatusConflict,
	errkind.Internal:            http.StatusInternalServerError,
}

var kindTitle = map[errkind.Kind]string{
	errkind.InvalidInput:        "Invalid Input",
	errkind.ContractViolation:   "Contract Violation",
	errkind.IntegrityFailure:    "Integrity Failure",
	errkind.AuthorizationDenied: "Forbidden",
	errkind.ResourceExhausted:   "Too Many Requests",
	errkind.Upstream:            "Upstream Failure",
	errkind.Timeout:             "Timeout",
	errkind.NotFound:            "Not Found",
	errkind.Conflict:            "Conflict",
	errkind.Internal:            "Internal Server Error",
}

// writeProblem writes an RFC 7807 response.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, typ, title, detail string) {
	problem := &ProblemDetail{
		Type:     typ,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-Id"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// writeKindError maps a kinded error to its problem document. Internal
// errors are logged and masked; every other kind's message is already
// redacted by construction.
func writeKindError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errkind.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	detail := err.Error()
	if kind == errkind.Internal {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		detail = "An unexpected error occurred."
	}
	writeProblem(w, r, status, problemNS+string(kind), kindTitle[kind], detail)
}
