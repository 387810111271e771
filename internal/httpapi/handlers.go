package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"tenauth.org/api/spec"
	"tenauth.org/internal/authz"
	"tenauth.org/internal/events"
	"tenauth.org/internal/obs"
)

// ReadyProbe reports whether the backing store accepts traffic.
type ReadyProbe struct {
	Ping func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Ping == nil {
		return nil
	}
	return rp.Ping(ctx)
}

// API is the HTTP layer over the authorization service.
type API struct {
	mux         *http.ServeMux
	svc         *authz.Service
	bus         *events.Bus
	readyProbe  ReadyProbe
	version     string
	requireAuth bool
}

// Option configures the API.
type Option func(*API)

// WithEventBus enables the SSE event stream.
func WithEventBus(bus *events.Bus) Option {
	return func(a *API) { a.bus = bus }
}

// WithAuthRequired enforces bearer-token authentication on the /v1/tenants
// surface.
func WithAuthRequired(required bool) Option {
	return func(a *API) { a.requireAuth = required }
}

func New(svc *authz.Service, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// OpenAPI YAML
	a.mux.HandleFunc("GET /openapi.yaml", a.OpenAPISpec)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	// roles
	a.mux.HandleFunc("POST /v1/tenants/{tenantID}/roles", a.createRole)
	a.mux.HandleFunc("GET /v1/tenants/{tenantID}/roles", a.listRoles)
	a.mux.HandleFunc("GET /v1/tenants/{tenantID}/roles/{id}", a.getRole)
	a.mux.HandleFunc("PATCH /v1/tenants/{tenantID}/roles/{id}", a.updateRole)
	a.mux.HandleFunc("DELETE /v1/tenants/{tenantID}/roles/{id}", a.deleteRole)
	a.mux.HandleFunc("GET /v1/tenants/{tenantID}/roles/key/{key}", a.getRoleByKey)

	// policies
	a.mux.HandleFunc("POST /v1/tenants/{tenantID}/policies", a.createPolicy)
	a.mux.HandleFunc("GET /v1/tenants/{tenantID}/policies", a.listPolicies)
	a.mux.HandleFunc("GET /v1/tenants/{tenantID}/policies/{id}", a.getPolicy)
	a.mux.HandleFunc("PATCH /v1/tenants/{tenantID}/policies/{id}", a.updatePolicy)
	a.mux.HandleFunc("DELETE /v1/tenants/{tenantID}/policies/{id}", a.deletePolicy)
	a.mux.HandleFunc("GET /v1/tenants/{tenantID}/policies/key/{key}", a.getPolicyByKey)

	// assignments
	a.mux.HandleFunc("POST /v1/tenants/{tenantID}/assignments", a.assignRole)
	a.mux.HandleFunc("GET /v1/tenants/{tenantID}/assignments", a.listAssignments)
	a.mux.HandleFunc("DELETE /v1/tenants/{tenantID}/assignments/{id}", a.revokeAssignment)
	a.mux.HandleFunc("POST /v1/tenants/{tenantID}/assignments/expire", a.expireAssignments)
	a.mux.HandleFunc("GET /v1/tenants/{tenantID}/users/{userID}/assignments", a.getUserAssignments)
	a.mux.HandleFunc("GET /v1/tenants/{tenantID}/users/{userID}/permissions", a.getEffectivePermissions)

	// evaluation
	a.mux.HandleFunc("POST /v1/tenants/{tenantID}/evaluate", a.evaluate)
	a.mux.HandleFunc("POST /v1/tenants/{tenantID}/evaluate/batch", a.evaluateBatch)

	// event stream
	a.mux.HandleFunc("GET /v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tenauth-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tenauth-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
