package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                       "/",
		"/metrics":                               "/metrics",
		"/v1/attendance-records":                 "/v1/attendance-records",
		"/v1/attendance-records/":                "/v1/attendance-records/",
		"/v1/attendance-records/01HX":            "/v1/attendance-records/:id",
		"/v1/attendance-records/01HX/review":     "/v1/attendance-records/:id/review",
		"/v1/attendance-records/01HX/extra":      "/v1/attendance-records/01HX/extra",
		"/attendance-records/01HX":               "/attendance-records/:id",
		"/v1/attendance-submissions?debug=1":     "/v1/attendance-submissions",
		"/v1/attendance-records/01HX?limit=1":    "/v1/attendance-records/:id",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestObserveDecision(t *testing.T) {
	before := testutil.ToFloat64(submissionsTotal.WithLabelValues("pending"))
	flagBefore := testutil.ToFloat64(flagsTotal.WithLabelValues("face_confidence"))
	d := 150.0
	ObserveDecision("pending", []string{"location_radius", "face_confidence"}, 80, &d)
	if got := testutil.ToFloat64(submissionsTotal.WithLabelValues("pending")); got != before+1 {
		t.Fatalf("submissions = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(flagsTotal.WithLabelValues("face_confidence")); got != flagBefore+1 {
		t.Fatalf("flags = %v", got)
	}

	failBefore := testutil.ToFloat64(submissionFailures.WithLabelValues("upload_failed"))
	ObserveSubmissionFailure("upload_failed")
	if got := testutil.ToFloat64(submissionFailures.WithLabelValues("upload_failed")); got != failBefore+1 {
		t.Fatalf("failures = %v", got)
	}
}

func TestSetReady(t *testing.T) {
	SetReady(true)
	if !Ready() || testutil.ToFloat64(readyGauge) != 1 {
		t.Fatal("expected ready")
	}
	SetReady(false)
	if Ready() || testutil.ToFloat64(readyGauge) != 0 {
		t.Fatal("expected not ready")
	}
}

func TestInstrumentUsesCanonicalPath(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/attendance-records/:id", "404"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/attendance-records/abc", nil))
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/attendance-records/:id", "404")); got != before+1 {
		t.Fatalf("requests = %v, want %v", got, before+1)
	}
}

func TestLogWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	Log("warn", "reverse_geocode_failed", map[string]any{"error": "timeout", "msg": "overridden"})

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if entry["level"] != "warn" || entry["msg"] != "reverse_geocode_failed" || entry["error"] != "timeout" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatal("missing ts")
	}
}
