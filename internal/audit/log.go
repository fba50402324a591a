// Package audit writes append-only JSON audit lines for attendance decisions.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"fieldops.org/internal/attendance"
	"fieldops.org/internal/auth"
	"fieldops.org/internal/obs"
)

// Event names.
const (
	SubmissionCreated = "attendance.submission.create"
	SubmissionFailed  = "attendance.submission.failed"
	RecordReviewed    = "attendance.record.review"
	TokenIssued       = "auth.token.issued"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// LogEvent writes an audit entry enriched with request and caller context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry["user_id"] = userID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields
	obs.LogRequest(entry)
	return nil
}

// RecordFields is the audit view of a stored record: enough to trace a
// decision without copying the image reference.
func RecordFields(rec attendance.Record) map[string]any {
	fields := map[string]any{
		"record_id":             rec.ID,
		"user_email":            rec.UserEmail,
		"status":                string(rec.Status),
		"face_match_confidence": rec.FaceMatchConfidence,
		"flags":                 len(rec.VerificationFlags),
	}
	if rec.TaskID != "" {
		fields["task_id"] = rec.TaskID
	}
	if rec.DistanceFromTask != nil {
		fields["distance_from_task"] = *rec.DistanceFromTask
	}
	if rec.ReviewedBy != "" {
		fields["reviewed_by"] = rec.ReviewedBy
	}
	return fields
}
