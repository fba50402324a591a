package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"fieldops.org/internal/attendance"
	"fieldops.org/internal/auth"
	"fieldops.org/internal/i18n"
	"fieldops.org/internal/stream"
	"fieldops.org/internal/upload"
)

type fixedVerifier struct {
	score float64
	err   error
}

func (v fixedVerifier) Verify(ctx context.Context, _ attendance.VerifyRequest) (float64, error) {
	return v.score, v.err
}

type testConfig struct {
	score     float64
	verifyErr error
	open      bool // no issuer, every route unauthenticated
	noTokens  bool
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	store   *attendance.InMemoryStore
	stream  *stream.Stream
}

func newTestAPI(t *testing.T) *apiClient {
	return newTestAPIWith(t, testConfig{score: 96})
}

func newTestAPIWith(t *testing.T, cfg testConfig) *apiClient {
	t.Helper()

	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n init: %v", err)
	}

	dir := t.TempDir()
	up, err := upload.NewDirUploader(dir, "/files")
	if err != nil {
		t.Fatalf("dir uploader: %v", err)
	}
	store := attendance.NewInMemoryStore()
	engine := attendance.NewEngine(fixedVerifier{score: cfg.score, err: cfg.verifyErr}, store,
		attendance.WithUploader(up))

	deps := Deps{
		Engine:    engine,
		Store:     store,
		Stream:    stream.New(),
		DevTokens: !cfg.noTokens,
		TokenTTL:  time.Hour,
		Files:     http.FileServer(http.Dir(dir)),
	}
	if !cfg.open {
		issuer, err := auth.NewIssuer("test-secret")
		if err != nil {
			t.Fatalf("new issuer: %v", err)
		}
		deps.Issuer = issuer
	}

	api := New(ReadyProbe{}, "test", deps)
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		store:   store,
		stream:  deps.Stream,
	}
}

func (c *apiClient) do(req *http.Request, headers map[string]string) *http.Response {
	c.t.Helper()
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, headers)
}

func (c *apiClient) postRaw(path, contentType string, body []byte, headers map[string]string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	return c.do(req, headers)
}

func (c *apiClient) obtainToken(user string, roles []string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user":  user,
		"roles": roles,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func (c *apiClient) bearer(user string, roles ...string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.obtainToken(user, roles)}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// checkIn is a submission body for a task at the origin with a 100m radius.
func checkIn(lon float64, strictness string) map[string]any {
	return map[string]any{
		"subject": map[string]any{"displayName": "Vol", "role": "volunteer"},
		"task": map[string]any{
			"id":                  42,
			"title":               "Food bank shift",
			"latitude":            0,
			"longitude":           0,
			"allowedRadiusMeters": 100,
			"strictness":          strictness,
		},
		"location": map[string]any{"latitude": 0, "longitude": lon, "accuracyMeters": 8, "address": "Main St"},
		"imageRef": "https://files.example.org/capture.jpg",
	}
}

func TestSubmitJSONAutoApproved(t *testing.T) {
	api := newTestAPI(t)
	vol := api.bearer("vol@example.org", "volunteer")

	resp := api.post("/v1/attendance-submissions", checkIn(0.0009, "moderate"), vol)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	out := decode[submissionResponse](t, resp)
	if out.Status != attendance.StatusAutoApproved {
		t.Fatalf("expected auto_approved, got %s", out.Status)
	}
	if len(out.Flags) != 1 || !strings.HasPrefix(out.Flags[0], "Location outside task radius") {
		t.Fatalf("unexpected flags: %v", out.Flags)
	}
	if out.DistanceFromTaskMeters == nil || *out.DistanceFromTaskMeters < 100 || *out.DistanceFromTaskMeters > 100.2 {
		t.Fatalf("unexpected distance: %v", out.DistanceFromTaskMeters)
	}
	if out.FaceMatchConfidence != 96 {
		t.Fatalf("unexpected confidence: %v", out.FaceMatchConfidence)
	}
	if out.Message != "Your attendance has been automatically approved." {
		t.Fatalf("unexpected message: %q", out.Message)
	}

	resp = api.get("/v1/attendance-records/"+out.RecordID, nil, vol)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	rec := decode[attendance.Record](t, resp)
	if rec.UserEmail != "vol@example.org" {
		t.Fatalf("subject email should default to token subject, got %q", rec.UserEmail)
	}
	if rec.TaskID != "42" || rec.DistanceFromTask == nil || *rec.DistanceFromTask != 100 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestSubmitAliasPathAndNoTask(t *testing.T) {
	api := newTestAPIWith(t, testConfig{score: 99, open: true})

	body := map[string]any{
		"subject":  map[string]any{"email": "vol@example.org"},
		"task":     nil,
		"location": map[string]any{"latitude": 51.5, "longitude": -0.12, "accuracyMeters": 12},
		"imageRef": "capture.jpg",
	}
	resp := api.post("/attendance-submissions", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	raw := decode[map[string]any](t, resp)
	if raw["status"] != "auto_approved" {
		t.Fatalf("unexpected status: %v", raw["status"])
	}
	if v, ok := raw["distanceFromTaskMeters"]; !ok || v != nil {
		t.Fatalf("expected explicit null distance, got %v (present=%v)", v, ok)
	}
	if flags, ok := raw["flags"].([]any); !ok || len(flags) != 0 {
		t.Fatalf("expected empty flags array, got %v", raw["flags"])
	}
}

func TestSubmitPendingLocalizedMessage(t *testing.T) {
	api := newTestAPIWith(t, testConfig{score: 80})
	vol := api.bearer("vol@example.org", "volunteer")
	vol["Accept-Language"] = "ru-RU,ru;q=0.9,en;q=0.5"

	resp := api.post("/v1/attendance-submissions", checkIn(0.002, "moderate"), vol)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	out := decode[submissionResponse](t, resp)
	if out.Status != attendance.StatusPending || len(out.Flags) != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Flags[1] != "Low face match confidence (80.0%)" {
		t.Fatalf("unexpected confidence flag: %q", out.Flags[1])
	}
	if !strings.Contains(out.Message, "Обнаружено 2") {
		t.Fatalf("expected russian plural message, got %q", out.Message)
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	api := newTestAPI(t)
	vol := api.bearer("vol@example.org", "volunteer")

	cases := []struct {
		name   string
		mutate func(map[string]any)
		code   string
	}{
		{"missing location", func(b map[string]any) { delete(b, "location") }, "invalid_location"},
		{"latitude out of range", func(b map[string]any) {
			b["location"] = map[string]any{"latitude": 200, "longitude": 0, "accuracyMeters": 5}
		}, "invalid_location"},
		{"missing longitude", func(b map[string]any) {
			b["location"] = map[string]any{"latitude": 10, "accuracyMeters": 5}
		}, "invalid_location"},
		{"missing image", func(b map[string]any) { b["imageRef"] = "  " }, "missing_image"},
		{"unknown strictness", func(b map[string]any) {
			b["task"].(map[string]any)["strictness"] = "paranoid"
		}, "invalid_task"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := checkIn(0, "strict")
			tc.mutate(body)
			resp := api.post("/v1/attendance-submissions", body, vol)
			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d", resp.StatusCode)
			}
			out := decode[map[string]any](t, resp)
			if out["error"] != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, out["error"])
			}
			if out["request_id"] == nil {
				t.Fatal("expected request_id in error body")
			}
		})
	}
	if n := api.store.Len(); n != 0 {
		t.Fatalf("validation failures must not create records, got %d", n)
	}
}

func TestSubmitMalformedBody(t *testing.T) {
	api := newTestAPI(t)
	vol := api.bearer("vol@example.org", "volunteer")

	resp := api.postRaw("/v1/attendance-submissions", "application/json", []byte(`{"subject":`), vol)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("truncated body: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	body := checkIn(0, "moderate")
	body["selfie"] = "data:..."
	resp = api.post("/v1/attendance-submissions", body, vol)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	body = checkIn(0, "moderate")
	body["task"].(map[string]any)["id"] = true
	resp = api.post("/v1/attendance-submissions", body, vol)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("boolean task id: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/attendance-submissions", nil, vol)
	if resp.StatusCode != http.StatusMethodNotAllowed || resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("expected 405 with Allow header, got %d %q", resp.StatusCode, resp.Header.Get("Allow"))
	}
	resp.Body.Close()
}

func TestSubmitUpstreamFailure(t *testing.T) {
	api := newTestAPIWith(t, testConfig{verifyErr: errors.New("matcher down")})
	vol := api.bearer("vol@example.org", "volunteer")

	resp := api.post("/v1/attendance-submissions", checkIn(0, "moderate"), vol)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	out := decode[map[string]any](t, resp)
	if out["error"] != "verifier_unavailable" {
		t.Fatalf("unexpected error code: %v", out["error"])
	}
	if out["message"] != "Failed to submit attendance. Please try again." {
		t.Fatalf("unexpected message: %v", out["message"])
	}
	if api.store.Len() != 0 {
		t.Fatal("upstream failure must not create a record")
	}
}

func TestSubmitForAnotherUserForbidden(t *testing.T) {
	api := newTestAPI(t)
	vol := api.bearer("vol@example.org", "volunteer")

	body := checkIn(0, "moderate")
	body["subject"].(map[string]any)["email"] = "someone@example.org"
	resp := api.post("/v1/attendance-submissions", body, vol)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	lead := api.bearer("lead@example.org", "team_lead")
	resp = api.post("/v1/attendance-submissions", body, lead)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("team lead on behalf: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSubmitMultipartUploadsImage(t *testing.T) {
	api := newTestAPI(t)
	vol := api.bearer("vol@example.org", "volunteer")

	payload := checkIn(0, "strict")
	delete(payload, "imageRef")
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("payload", string(raw)); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	fw, err := mw.CreateFormFile("image", "selfie.jpg")
	if err != nil {
		t.Fatalf("create file part: %v", err)
	}
	image := []byte("\xff\xd8\xff\xe0fake-jpeg")
	_, _ = fw.Write(image)
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	resp := api.postRaw("/v1/attendance-submissions", mw.FormDataContentType(), buf.Bytes(), vol)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	out := decode[submissionResponse](t, resp)
	if out.Status != attendance.StatusAutoApproved || len(out.Flags) != 0 {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	rec, err := api.store.Get(context.Background(), out.RecordID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !strings.HasPrefix(rec.FaceImageURL, "/files/") {
		t.Fatalf("expected uploaded capture url, got %q", rec.FaceImageURL)
	}

	resp = api.get(rec.FaceImageURL, nil, vol)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch capture: %d", resp.StatusCode)
	}
	var got bytes.Buffer
	_, _ = got.ReadFrom(resp.Body)
	if !bytes.Equal(got.Bytes(), image) {
		t.Fatal("served capture differs from upload")
	}
}

func TestSubmitMultipartWithoutImage(t *testing.T) {
	api := newTestAPI(t)
	vol := api.bearer("vol@example.org", "volunteer")

	payload := checkIn(0, "strict")
	delete(payload, "imageRef")
	raw, _ := json.Marshal(payload)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("payload", string(raw))
	_ = mw.Close()

	resp := api.postRaw("/v1/attendance-submissions", mw.FormDataContentType(), buf.Bytes(), vol)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	out := decode[map[string]any](t, resp)
	if out["error"] != "missing_image" {
		t.Fatalf("unexpected error: %v", out["error"])
	}
}

func TestReviewFlow(t *testing.T) {
	api := newTestAPIWith(t, testConfig{score: 70})
	vol := api.bearer("vol@example.org", "volunteer")
	lead := api.bearer("lead@example.org", "team_lead")

	resp := api.post("/v1/attendance-submissions", checkIn(0, "strict"), vol)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	out := decode[submissionResponse](t, resp)
	if out.Status != attendance.StatusPending {
		t.Fatalf("expected pending, got %s", out.Status)
	}
	reviewPath := "/v1/attendance-records/" + out.RecordID + "/review"

	resp = api.post(reviewPath, map[string]any{"decision": "approve"}, vol)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("volunteer review: expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post(reviewPath, map[string]any{"decision": "maybe"}, lead)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad decision: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post(reviewPath, map[string]any{"decision": "approve", "comments": "known volunteer"}, lead)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d", resp.StatusCode)
	}
	reviewed := decode[reviewResponse](t, resp)
	if reviewed.Record.Status != attendance.StatusApproved {
		t.Fatalf("expected approved, got %s", reviewed.Record.Status)
	}
	if reviewed.Record.ReviewedBy != "lead@example.org" || reviewed.Record.ReviewComments != "known volunteer" {
		t.Fatalf("unexpected review fields: %+v", reviewed.Record)
	}
	if reviewed.Message != "Attendance record approved." {
		t.Fatalf("unexpected message: %q", reviewed.Message)
	}

	resp = api.post(reviewPath, map[string]any{"decision": "reject"}, lead)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second review: expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/attendance-records/missing/review", map[string]any{"decision": "reject"}, lead)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown record: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestReviewOpenModeUsesBodyReviewer(t *testing.T) {
	api := newTestAPIWith(t, testConfig{score: 50, open: true})

	body := checkIn(0, "strict")
	body["subject"].(map[string]any)["email"] = "vol@example.org"
	resp := api.post("/v1/attendance-submissions", body, nil)
	out := decode[submissionResponse](t, resp)

	resp = api.post("/v1/attendance-records/"+out.RecordID+"/review", map[string]any{"decision": "reject"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing reviewer: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/attendance-records/"+out.RecordID+"/review", map[string]any{
		"decision": "reject",
		"reviewer": "desk@example.org",
		"comments": "photo is blank",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject: expected 200, got %d", resp.StatusCode)
	}
	reviewed := decode[reviewResponse](t, resp)
	if reviewed.Record.Status != attendance.StatusRejected || reviewed.Record.ReviewedBy != "desk@example.org" {
		t.Fatalf("unexpected record: %+v", reviewed.Record)
	}
}

func TestListRecordsScopedToCaller(t *testing.T) {
	api := newTestAPIWith(t, testConfig{score: 70})
	alice := api.bearer("alice@example.org", "volunteer")
	bob := api.bearer("bob@example.org", "volunteer")
	lead := api.bearer("lead@example.org", "team_lead")

	for _, h := range []map[string]string{alice, bob, alice} {
		resp := api.post("/v1/attendance-submissions", checkIn(0, "strict"), h)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("submit: %d", resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := api.get("/v1/attendance-records", url.Values{"user_email": {"bob@example.org"}}, alice)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	mine := decode[listRecordsResponse](t, resp)
	if mine.Count != 2 {
		t.Fatalf("volunteer should only see own records, got %d", mine.Count)
	}
	for _, rec := range mine.Items {
		if rec.UserEmail != "alice@example.org" {
			t.Fatalf("leaked record of %s", rec.UserEmail)
		}
	}

	resp = api.get("/v1/attendance-records", url.Values{"status": {"pending"}, "limit": {"2"}}, lead)
	all := decode[listRecordsResponse](t, resp)
	if all.Count != 2 {
		t.Fatalf("expected limit 2, got %d", all.Count)
	}

	resp = api.get("/v1/attendance-records", url.Values{"user_email": {"BOB@example.org"}}, lead)
	bobs := decode[listRecordsResponse](t, resp)
	if bobs.Count != 1 {
		t.Fatalf("expected 1 record for bob, got %d", bobs.Count)
	}

	resp = api.get("/v1/attendance-records/"+bobs.Items[0].ID, nil, alice)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign record: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	for _, q := range []url.Values{{"limit": {"0"}}, {"limit": {"abc"}}, {"status": {"lost"}}} {
		resp = api.get("/v1/attendance-records", q, lead)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%v: expected 400, got %d", q, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestAuthTokenValidation(t *testing.T) {
	api := newTestAPI(t)

	cases := []struct {
		body map[string]any
		want int
	}{
		{map[string]any{"user": "", "roles": []string{"admin"}}, http.StatusBadRequest},
		{map[string]any{"user": "x@example.org", "roles": []string{}}, http.StatusBadRequest},
		{map[string]any{"user": "x@example.org", "roles": []string{"root"}}, http.StatusBadRequest},
		{map[string]any{"user": "x@example.org", "name": "X", "roles": []string{"Staff"}}, http.StatusOK},
	}
	for _, tc := range cases {
		resp := api.post("/v1/auth/token", tc.body, nil)
		if resp.StatusCode != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.body, tc.want, resp.StatusCode)
		}
		resp.Body.Close()
	}

	disabled := newTestAPIWith(t, testConfig{noTokens: true})
	resp := disabled.post("/v1/auth/token", map[string]any{"user": "x", "roles": []string{"admin"}}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("disabled dev tokens: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/attendance-records", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/metrics"} {
		resp := api.get(path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("%s: missing X-Request-ID", path)
		}
		resp.Body.Close()
	}
}

type downStore struct{ *attendance.InMemoryStore }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadyReportsStoreFailure(t *testing.T) {
	api := New(ProbeFor(downStore{attendance.NewInMemoryStore()}), "test", Deps{})
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}

	if p := ProbeFor(attendance.NewInMemoryStore()); p.Store != nil {
		t.Fatal("in-memory store has no ping")
	}
}

func TestStreamDeliversPendingEvents(t *testing.T) {
	api := newTestAPIWith(t, testConfig{score: 60})
	vol := api.bearer("vol@example.org", "volunteer")
	lead := api.bearer("lead@example.org", "team_lead")

	resp := api.get("/v1/attendance-events", nil, vol)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("volunteer stream: expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/attendance-events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp = api.do(req, lead)
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("expected stream preamble, got %q (%v)", line, err)
	}

	submit := api.post("/v1/attendance-submissions", checkIn(0, "strict"), vol)
	out := decode[submissionResponse](t, submit)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt stream.RecordEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Kind != stream.KindPending || evt.RecordID != out.RecordID {
			t.Fatalf("unexpected event: %+v", evt)
		}
		return
	}
}

func TestSubmissionTaskTimeFlexibilityDefault(t *testing.T) {
	for body, want := range map[string]int{
		`{"task":{"id":1,"strictness":"strict"}}`:                             attendance.DefaultTimeFlexibilityMinutes,
		`{"task":{"id":1,"strictness":"strict","timeFlexibilityMinutes":0}}`:  attendance.DefaultTimeFlexibilityMinutes,
		`{"task":{"id":1,"strictness":"strict","timeFlexibilityMinutes":45}}`: 45,
	} {
		var req submissionRequest
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			t.Fatalf("decode %s: %v", body, err)
		}
		in := req.attempt()
		if in.Task == nil || in.Task.TimeFlexibilityMinutes != want {
			t.Fatalf("%s: task = %+v, want flexibility %d", body, in.Task, want)
		}
	}
}
