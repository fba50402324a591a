package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"fieldops.org/internal/attendance"
	"fieldops.org/internal/auth"
	"fieldops.org/internal/obs"
	"fieldops.org/internal/stream"
)

const serviceName = "fieldops-api"

type pinger interface {
	Ping(ctx context.Context) error
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe проверяет готовность: ping хранилища, если оно умеет.
type ReadyProbe struct {
	Store pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// ProbeFor returns a probe for store when it supports Ping.
func ProbeFor(store attendance.RecordStore) ReadyProbe {
	if p, ok := store.(pinger); ok {
		return ReadyProbe{Store: p}
	}
	return ReadyProbe{}
}

// Deps are the collaborators behind the HTTP surface. Issuer and Stream are
// optional; without an issuer every route is open.
type Deps struct {
	Engine    *attendance.Engine
	Reviewer  *attendance.Reviewer
	Store     attendance.RecordStore
	Issuer    *auth.Issuer
	Stream    *stream.Stream
	DevTokens bool
	TokenTTL  time.Duration
	// Files serves uploaded captures under /files/ when set.
	Files http.Handler
}

// API: HTTP слой.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	engine    *attendance.Engine
	reviewer  *attendance.Reviewer
	store     attendance.RecordStore
	issuer    *auth.Issuer
	stream    *stream.Stream
	devTokens bool
	tokenTTL  time.Duration

	rateBurst  int
	ratePerSec float64
}

func New(rp readinessChecker, version string, deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		engine:     deps.Engine,
		reviewer:   deps.Reviewer,
		store:      deps.Store,
		issuer:     deps.Issuer,
		stream:     deps.Stream,
		devTokens:  deps.DevTokens,
		tokenTTL:   deps.TokenTTL,
		rateBurst:  20,
		ratePerSec: 5,
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = defaultTokenTTL
	}
	if a.reviewer == nil && a.store != nil {
		a.reviewer = attendance.NewReviewer(a.store)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.HandleFunc("/v1/attendance-submissions", a.handleSubmissions)
	a.mux.HandleFunc("/attendance-submissions", a.handleSubmissions)
	a.mux.HandleFunc("/v1/attendance-records", a.handleRecordsCollection)
	a.mux.HandleFunc("/v1/attendance-records/", a.handleRecordResource)
	a.mux.HandleFunc("/v1/attendance-events", a.Stream)
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	if deps.Files != nil {
		a.mux.Handle("/files/", http.StripPrefix("/files/", deps.Files))
	}

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// SetRateLimit overrides the per-client token bucket.
func (a *API) SetRateLimit(burst int, perSecond float64) {
	if burst > 0 {
		a.rateBurst = burst
	}
	if perSecond > 0 {
		a.ratePerSec = perSecond
	}
}

// Handler возвращает http.Handler со всей цепочкой middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readyProbe != nil {
		if err := a.readyProbe.Check(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
