package obs

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// RequestContext carries the per-request fields the access log records.
type RequestContext struct {
	RequestID    string
	Method       string
	Path         string
	ResolvedPath string
	RouteID      string
	Outcome      string
	HashKey      string
	HashDecision string
	Status       int
	Duration     time.Duration
	BytesOut     int64
	UserAgent    string
	RemoteAddr   string
	ClientGone   bool
}

type AccessLogEntry struct {
	Timestamp    string `json:"ts"`
	RequestID    string `json:"request_id"`
	Method       string `json:"method"`
	Path         string `json:"path"`
	ResolvedPath string `json:"resolved_path,omitempty"`
	RouteID      string `json:"route_id"`
	Outcome      string `json:"outcome"`
	HashKey      string `json:"hash_key,omitempty"`
	HashDecision string `json:"hash_decision,omitempty"`
	Status       int    `json:"status"`
	DurationMS   int64  `json:"duration_ms"`
	BytesOut     int64  `json:"bytes_out"`
	UserAgent    string `json:"user_agent,omitempty"`
	RemoteAddr   string `json:"remote_addr,omitempty"`
	ClientGone   bool   `json:"client_gone"`
}

func LogAccess(ctx RequestContext) {
	entry := AccessLogEntry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		RequestID:    defaultString(ctx.RequestID, "none"),
		Method:       ctx.Method,
		Path:         ctx.Path,
		ResolvedPath: ctx.ResolvedPath,
		RouteID:      defaultString(ctx.RouteID, "none"),
		Outcome:      defaultString(ctx.Outcome, "none"),
		HashKey:      ctx.HashKey,
		HashDecision: ctx.HashDecision,
		Status:       ctx.Status,
		DurationMS:   ctx.Duration.Milliseconds(),
		BytesOut:     ctx.BytesOut,
		UserAgent:    ctx.UserAgent,
		RemoteAddr:   ctx.RemoteAddr,
		ClientGone:   ctx.ClientGone,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stdout, "log_marshal_error request_id=%s error=%v\n", entry.RequestID, err)
		return
	}
	_, _ = os.Stdout.Write(append(data, '\n'))
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func RedactHeaderValue(name, value string) string {
	if name == "" {
		return value
	}
	if isSensitiveHeader(name) {
		return "[redacted]"
	}
	return value
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "cookie", "set-cookie", "x-api-key", "proxy-authorization":
		return true
	default:
		return false
	}
}
