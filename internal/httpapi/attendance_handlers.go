package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"fieldops.org/internal/attendance"
	"fieldops.org/internal/audit"
	"fieldops.org/internal/auth"
	"fieldops.org/internal/geo"
	"fieldops.org/internal/i18n"
	"fieldops.org/internal/stream"
)

const (
	maxJSONBytes      = 1 << 20
	maxMultipartBytes = 10 << 20
	multipartMemory   = 8 << 20
)

var reviewerRoles = []string{string(attendance.RoleTeamLead), string(attendance.RoleAdmin)}

// taskID accepts both string and numeric task identifiers.
type taskID string

func (id *taskID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = taskID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("task.id must be a string or a number")
	}
	*id = taskID(n.String())
	return nil
}

type subjectPayload struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

type taskPayload struct {
	ID                     taskID   `json:"id"`
	Title                  string   `json:"title"`
	Latitude               *float64 `json:"latitude"`
	Longitude              *float64 `json:"longitude"`
	AllowedRadiusMeters    int      `json:"allowedRadiusMeters"`
	TimeFlexibilityMinutes int      `json:"timeFlexibilityMinutes"`
	Strictness             string   `json:"strictness"`
}

type locationPayload struct {
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	AccuracyMeters float64  `json:"accuracyMeters"`
	Address        string   `json:"address"`
}

type submissionRequest struct {
	Subject    subjectPayload   `json:"subject"`
	Task       *taskPayload     `json:"task"`
	Location   *locationPayload `json:"location"`
	ImageRef   string           `json:"imageRef"`
	DeviceInfo string           `json:"deviceInfo"`
}

type submissionResponse struct {
	RecordID               string            `json:"recordId"`
	Status                 attendance.Status `json:"status"`
	FaceMatchConfidence    float64           `json:"faceMatchConfidence"`
	DistanceFromTaskMeters *float64          `json:"distanceFromTaskMeters"`
	Flags                  []string          `json:"flags"`
	Message                string            `json:"message"`
}

type reviewRequest struct {
	Decision string `json:"decision"`
	Comments string `json:"comments"`
	// Reviewer is only honoured when requests are unauthenticated.
	Reviewer string `json:"reviewer"`
}

type reviewResponse struct {
	Record  attendance.Record `json:"record"`
	Message string            `json:"message"`
}

type listRecordsResponse struct {
	Items []attendance.Record `json:"items"`
	Count int                 `json:"count"`
}

func (a *API) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.submit(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleRecordsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listRecords(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleRecordResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/attendance-records/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/review") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/review"), "/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, r, http.StatusNotFound, "record not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		review := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a.reviewRecord(w, r, id)
		})
		if a.issuer == nil {
			review(w, r)
			return
		}
		RequireRole(reviewerRoles...)(review).ServeHTTP(w, r)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getRecord(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	if a.engine == nil {
		writeError(w, r, http.StatusServiceUnavailable, "submissions disabled")
		return
	}
	ctx := withRequestLocale(r)
	r = r.WithContext(ctx)

	attempt, err := a.decodeSubmission(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if user, ok := auth.UserIDFromContext(ctx); ok {
		if attempt.Subject.Email == "" {
			attempt.Subject.Email = user
		}
		if attempt.Subject.DisplayName == "" {
			attempt.Subject.DisplayName = auth.UserNameFromContext(ctx)
		}
		if !strings.EqualFold(attempt.Subject.Email, user) && !auth.HasRole(ctx, reviewerRoles...) {
			writeError(w, r, http.StatusForbidden, "cannot submit attendance for another user")
			return
		}
	}

	res, err := a.engine.Submit(ctx, attempt)
	if err != nil {
		fields := map[string]any{
			"reason":     attendance.ErrorCode(err),
			"user_email": attempt.Subject.Email,
		}
		if attempt.Task != nil {
			fields["task_id"] = attempt.Task.ID
		}
		_ = audit.LogEvent(ctx, audit.SubmissionFailed, fields)
		handleAttendanceError(w, r, err)
		return
	}

	_ = audit.LogEvent(ctx, audit.SubmissionCreated, audit.RecordFields(res.Record))
	if res.Outcome.Status == attendance.StatusPending && a.stream != nil {
		a.stream.PublishRecord(stream.KindPending, res.Record)
	}

	flags := res.Outcome.Flags
	if flags == nil {
		flags = []string{}
	}
	writeJSON(w, http.StatusOK, submissionResponse{
		RecordID:               res.Record.ID,
		Status:                 res.Outcome.Status,
		FaceMatchConfidence:    res.Outcome.FaceMatchConfidence,
		DistanceFromTaskMeters: res.Outcome.DistanceFromTaskMeters,
		Flags:                  flags,
		Message:                outcomeMessage(ctx, res.Outcome),
	})
}

func (a *API) decodeSubmission(w http.ResponseWriter, r *http.Request) (attendance.CheckInAttempt, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req submissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			return attendance.CheckInAttempt{}, err
		}
		return req.attempt(), nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxMultipartBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return attendance.CheckInAttempt{}, fmt.Errorf("invalid multipart body: %w", err)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	raw := r.FormValue("payload")
	if strings.TrimSpace(raw) == "" {
		return attendance.CheckInAttempt{}, errors.New("payload part is required")
	}
	var req submissionRequest
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return attendance.CheckInAttempt{}, fmt.Errorf("invalid payload: %w", err)
	}
	attempt := req.attempt()

	file, header, err := r.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return attempt, nil
	case err != nil:
		return attendance.CheckInAttempt{}, fmt.Errorf("invalid image part: %w", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return attendance.CheckInAttempt{}, fmt.Errorf("read image: %w", err)
	}
	attempt.Image = &attendance.Image{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	return attempt, nil
}

func (req submissionRequest) attempt() attendance.CheckInAttempt {
	in := attendance.CheckInAttempt{
		ImageRef:   strings.TrimSpace(req.ImageRef),
		DeviceInfo: req.DeviceInfo,
		Subject: attendance.Subject{
			Email:       strings.TrimSpace(req.Subject.Email),
			DisplayName: strings.TrimSpace(req.Subject.DisplayName),
			Role:        attendance.Role(req.Subject.Role),
		},
	}
	if loc := req.Location; loc != nil && loc.Latitude != nil && loc.Longitude != nil {
		in.Location = &geo.Fix{
			Point:          geo.Point{Latitude: *loc.Latitude, Longitude: *loc.Longitude},
			AccuracyMeters: loc.AccuracyMeters,
			Address:        loc.Address,
		}
	}
	if t := req.Task; t != nil {
		task := &attendance.Task{
			ID:                     string(t.ID),
			Title:                  t.Title,
			Latitude:               t.Latitude,
			Longitude:              t.Longitude,
			AllowedRadiusMeters:    t.AllowedRadiusMeters,
			TimeFlexibilityMinutes: t.TimeFlexibilityMinutes,
			Strictness:             attendance.Strictness(t.Strictness),
		}
		task.TimeFlexibilityMinutes = task.TimeFlexibility()
		in.Task = task
	}
	return in
}

func (a *API) listRecords(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, "records disabled")
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), attendance.DefaultListLimit, 1, attendance.MaxListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := attendance.Filter{
		UserEmail: q.Get("user_email"),
		TaskID:    q.Get("task_id"),
		Limit:     limit,
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		st := attendance.Status(strings.ToLower(raw))
		if !st.Valid() {
			writeError(w, r, http.StatusBadRequest, "unknown status")
			return
		}
		f.Status = st
	}
	if user, ok := a.restrictedUser(r.Context()); ok {
		f.UserEmail = user
	}

	items, err := a.store.List(r.Context(), f)
	if err != nil {
		handleAttendanceError(w, r, err)
		return
	}
	if items == nil {
		items = []attendance.Record{}
	}
	writeJSON(w, http.StatusOK, listRecordsResponse{Items: items, Count: len(items)})
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request, id string) {
	if a.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, "records disabled")
		return
	}
	rec, err := a.store.Get(r.Context(), id)
	if err != nil {
		handleAttendanceError(w, r, err)
		return
	}
	if user, ok := a.restrictedUser(r.Context()); ok && !strings.EqualFold(rec.UserEmail, user) {
		handleAttendanceError(w, r, attendance.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) reviewRecord(w http.ResponseWriter, r *http.Request, id string) {
	if a.reviewer == nil {
		writeError(w, r, http.StatusServiceUnavailable, "review disabled")
		return
	}
	ctx := withRequestLocale(r)
	r = r.WithContext(ctx)

	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	reviewer := strings.TrimSpace(req.Reviewer)
	if user, ok := auth.UserIDFromContext(ctx); ok {
		reviewer = user
	}

	rec, err := a.reviewer.Review(ctx, id, attendance.ReviewDecision{
		Decision: attendance.Decision(req.Decision),
		Reviewer: reviewer,
		Comments: req.Comments,
	})
	if err != nil {
		handleAttendanceError(w, r, err)
		return
	}

	fields := audit.RecordFields(rec)
	fields["decision"] = strings.ToLower(strings.TrimSpace(req.Decision))
	_ = audit.LogEvent(ctx, audit.RecordReviewed, fields)
	if a.stream != nil {
		a.stream.PublishRecord(stream.KindReviewed, rec)
	}

	msg := i18n.T(ctx, i18n.MsgRecordApproved, nil)
	if rec.Status == attendance.StatusRejected {
		msg = i18n.T(ctx, i18n.MsgRecordRejected, nil)
	}
	writeJSON(w, http.StatusOK, reviewResponse{Record: rec, Message: msg})
}

// restrictedUser returns the caller's email when they may only see their own
// records.
func (a *API) restrictedUser(ctx context.Context) (string, bool) {
	if a.issuer == nil {
		return "", false
	}
	user, ok := auth.UserIDFromContext(ctx)
	if !ok || auth.HasRole(ctx, reviewerRoles...) {
		return "", false
	}
	return user, true
}

func outcomeMessage(ctx context.Context, out attendance.Outcome) string {
	if out.Status == attendance.StatusPending {
		return i18n.TN(ctx, i18n.MsgPending, len(out.Flags), nil)
	}
	return i18n.T(ctx, i18n.MsgApproved, nil)
}

func withRequestLocale(r *http.Request) context.Context {
	return i18n.WithLocale(r.Context(), i18n.Match(r.Header.Get("Accept-Language")))
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, fmt.Errorf("limit must be between %d and %d", min, max)
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxJSONBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleAttendanceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	code := attendance.ErrorCode(err)
	switch {
	case attendance.IsValidationError(err):
		writeCodedError(w, r, http.StatusUnprocessableEntity, code,
			i18n.T(ctx, i18n.MsgInvalid, map[string]any{"Reason": err.Error()}))
	case attendance.IsUpstreamError(err):
		writeCodedError(w, r, http.StatusBadGateway, code, i18n.T(ctx, i18n.MsgFailed, nil))
	case errors.Is(err, attendance.ErrNotFound):
		writeCodedError(w, r, http.StatusNotFound, code, err.Error())
	case errors.Is(err, attendance.ErrNotPending):
		writeCodedError(w, r, http.StatusConflict, code, err.Error())
	case errors.Is(err, attendance.ErrInvalidDecision):
		writeCodedError(w, r, http.StatusBadRequest, code, err.Error())
	case errors.Is(err, context.Canceled):
		writeCodedError(w, r, http.StatusRequestTimeout, "canceled", "request canceled")
	default:
		writeCodedError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeCodedError puts a machine-readable reason in "error" and a display
// string in "message".
func writeCodedError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error":   code,
		"message": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
