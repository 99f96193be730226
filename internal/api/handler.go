// Package api serves the deliveryguard JSON API: definition management,
// instance creation and queries, the connector outcome boundary and
// operator resolution of in-doubt instances.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/tracker"
)

// Service is the part of tracker.Service the API exposes.
type Service interface {
	CreateDefinition(ctx context.Context, def domain.Definition) (domain.Definition, error)
	GetDefinition(ctx context.Context, cluster domain.ClusterID, name string) (domain.Definition, error)
	EditDefinition(ctx context.Context, cluster domain.ClusterID, name string, upd domain.Definition) (domain.Definition, error)
	DeleteDefinition(ctx context.Context, cluster domain.ClusterID, name string, force bool, operatorID string) error
	ListDefinitions(ctx context.Context, cluster domain.ClusterID, targetType domain.TargetType, order tracker.Sort) ([]tracker.DefinitionView, error)
	Summarize(ctx context.Context, cluster domain.ClusterID, name string) (tracker.DefinitionView, error)

	CreateInstance(ctx context.Context, cluster domain.ClusterID, name, payloadRef string) (domain.Instance, error)
	ListInstances(ctx context.Context, q tracker.InstanceQuery) ([]tracker.InstanceView, error)
	InstanceDetails(ctx context.Context, id domain.InstanceID) (tracker.InstanceDetail, error)
	ReportOutcome(ctx context.Context, id domain.InstanceID, o tracker.Outcome) (domain.Instance, error)
	Cancel(ctx context.Context, id domain.InstanceID, operatorID, note string) (domain.Instance, error)
	Resolve(ctx context.Context, id domain.InstanceID, resolution domain.Resolution, operatorID, note string) (domain.Instance, error)
	ListInDoubt(ctx context.Context, cluster domain.ClusterID, name string) ([]tracker.InDoubtView, error)
}

// HealthChecker provides store health status for the /health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	svc      Service
	cluster  domain.ClusterID // used when a request names none
	health   HealthChecker
	isLeader func() bool
	timeout  time.Duration // per-request bound on store work, 0 = none
	mux      *http.ServeMux
}

func NewHandler(svc Service, defaultCluster domain.ClusterID) *Handler {
	h := &Handler{svc: svc, cluster: defaultCluster, mux: http.NewServeMux()}
	h.routes()
	return h
}

// WithHealthChecker sets the store health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(hc HealthChecker) *Handler {
	h.health = hc
	return h
}

// WithLeaderStatus reports leadership in verbose /health responses.
func (h *Handler) WithLeaderStatus(isLeader func() bool) *Handler {
	h.isLeader = isLeader
	return h
}

// WithRequestTimeout bounds the context every request runs its store work in.
func (h *Handler) WithRequestTimeout(d time.Duration) *Handler {
	h.timeout = d
	return h
}

func (h *Handler) routes() {
	h.mux.HandleFunc("GET /health", h.healthCheck)

	h.mux.HandleFunc("GET /definitions", h.listDefinitions)
	h.mux.HandleFunc("POST /definitions", h.createDefinition)
	h.mux.HandleFunc("GET /definitions/{name}", h.getDefinition)
	h.mux.HandleFunc("PUT /definitions/{name}", h.editDefinition)
	h.mux.HandleFunc("DELETE /definitions/{name}", h.deleteDefinition)
	h.mux.HandleFunc("GET /definitions/{name}/summary", h.summarize)
	h.mux.HandleFunc("POST /definitions/{name}/instances", h.createInstance)

	h.mux.HandleFunc("GET /instances", h.listInstances)
	h.mux.HandleFunc("GET /instances/{id}", h.instanceDetails)
	h.mux.HandleFunc("POST /instances/{id}/outcome", h.reportOutcome)
	h.mux.HandleFunc("POST /instances/{id}/cancel", h.cancel)
	h.mux.HandleFunc("POST /instances/{id}/resolve", h.resolve)

	h.mux.HandleFunc("GET /in-doubt", h.listInDoubt)

	h.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}
	h.mux.ServeHTTP(w, r)
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.health == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.health.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["store"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["store"] = "healthy"
	}

	if h.isLeader != nil {
		if h.isLeader() {
			resp.Components["leader"] = "leader"
		} else {
			resp.Components["leader"] = "follower"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// decode reads a JSON body, writing the error response itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// clusterParam returns the cluster_id query parameter or the default.
func (h *Handler) clusterParam(r *http.Request) domain.ClusterID {
	if c := r.URL.Query().Get("cluster_id"); c != "" {
		return domain.ClusterID(c)
	}
	return h.cluster
}

func (h *Handler) createDefinition(w http.ResponseWriter, r *http.Request) {
	var req DefinitionRequest
	if !decode(w, r, &req) {
		return
	}

	cluster := h.clusterParam(r)
	if req.ClusterID != "" {
		cluster = domain.ClusterID(req.ClusterID)
	}
	def, err := parseDefinition(req, cluster)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.svc.CreateDefinition(r.Context(), def)
	if err != nil {
		writeServiceError(w, "create definition", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDefinitionResponse(created))
}

func (h *Handler) getDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := h.svc.GetDefinition(r.Context(), h.clusterParam(r), r.PathValue("name"))
	if err != nil {
		writeServiceError(w, "get definition", err)
		return
	}
	writeJSON(w, http.StatusOK, toDefinitionResponse(def))
}

func (h *Handler) editDefinition(w http.ResponseWriter, r *http.Request) {
	var req DefinitionRequest
	if !decode(w, r, &req) {
		return
	}

	cluster := h.clusterParam(r)
	upd, err := parseDefinition(req, cluster)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	def, err := h.svc.EditDefinition(r.Context(), cluster, r.PathValue("name"), upd)
	if err != nil {
		writeServiceError(w, "edit definition", err)
		return
	}
	writeJSON(w, http.StatusOK, toDefinitionResponse(def))
}

func (h *Handler) deleteDefinition(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	force := q.Get("force") == "true"
	operatorID := q.Get("operator_id")

	if err := h.svc.DeleteDefinition(r.Context(), h.clusterParam(r), r.PathValue("name"), force, operatorID); err != nil {
		writeServiceError(w, "delete definition", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listDefinitions(w http.ResponseWriter, r *http.Request) {
	tt, err := parseTargetTypeParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	order, err := parseSortParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	views, err := h.svc.ListDefinitions(r.Context(), h.clusterParam(r), tt, order)
	if err != nil {
		writeServiceError(w, "list definitions", err)
		return
	}

	resp := ListDefinitionsResponse{Definitions: make([]DefinitionResponse, len(views))}
	for i, v := range views {
		resp.Definitions[i] = toDefinitionView(v)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) summarize(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Summarize(r.Context(), h.clusterParam(r), r.PathValue("name"))
	if err != nil {
		writeServiceError(w, "summarize", err)
		return
	}
	writeJSON(w, http.StatusOK, toDefinitionView(v))
}

func (h *Handler) createInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if !decode(w, r, &req) {
		return
	}

	inst, err := h.svc.CreateInstance(r.Context(), h.clusterParam(r), r.PathValue("name"), req.PayloadRef)
	if err != nil {
		writeServiceError(w, "create instance", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInstanceResponse(inst))
}

func (h *Handler) listInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tt, err := parseTargetTypeParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	order, err := parseSortParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var state domain.State
	if s := q.Get("state"); s != "" {
		if state, err = domain.ParseState(s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid state: "+s)
			return
		}
	}

	views, err := h.svc.ListInstances(r.Context(), tracker.InstanceQuery{
		ClusterID:  h.clusterParam(r),
		Name:       q.Get("name"),
		TargetType: tt,
		State:      state,
		Sort:       order,
		Page:       tracker.Page{Limit: limit, Offset: offset},
	})
	if err != nil {
		writeServiceError(w, "list instances", err)
		return
	}

	resp := ListInstancesResponse{Instances: make([]InstanceResponse, len(views))}
	for i, v := range views {
		resp.Instances[i] = toInstanceView(v)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) instanceDetails(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.InstanceDetails(r.Context(), domain.InstanceID(r.PathValue("id")))
	if err != nil {
		writeServiceError(w, "instance details", err)
		return
	}

	resp := InstanceDetailResponse{
		Instance:    toInstanceView(d.InstanceView),
		Events:      make([]EventResponse, len(d.Events)),
		ReplayError: d.ReplayError,
	}
	for i, ev := range d.Events {
		resp.Events[i] = toEventResponse(ev)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) reportOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := parseOutcome(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inst, err := h.svc.ReportOutcome(r.Context(), domain.InstanceID(r.PathValue("id")), o)
	if err != nil && !errors.Is(err, domain.ErrPolicyExhausted) {
		writeServiceError(w, "report outcome", err)
		return
	}
	// An exhausted policy still committed: the instance is archived failed.
	writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	if req.OperatorID == "" {
		writeError(w, http.StatusBadRequest, "operator_id is required")
		return
	}

	inst, err := h.svc.Cancel(r.Context(), domain.InstanceID(r.PathValue("id")), req.OperatorID, req.Note)
	if err != nil {
		writeServiceError(w, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := domain.ParseResolution(req.Resolution)
	if err != nil {
		writeError(w, http.StatusBadRequest, "resolution must be success or failure")
		return
	}

	inst, err := h.svc.Resolve(r.Context(), domain.InstanceID(r.PathValue("id")), res, req.OperatorID, req.Note)
	if err != nil {
		writeServiceError(w, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

func (h *Handler) listInDoubt(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.ListInDoubt(r.Context(), h.clusterParam(r), r.URL.Query().Get("name"))
	if err != nil {
		writeServiceError(w, "list in-doubt", err)
		return
	}

	resp := ListInDoubtResponse{InDoubt: make([]InDoubtResponse, len(views))}
	for i, v := range views {
		resp.InDoubt[i] = InDoubtResponse{
			InstanceResponse: toInstanceView(v.InstanceView),
			InDoubtSince:     formatTime(v.Since),
			DwellSeconds:     v.Dwell.Seconds(),
			MaxDwellSeconds:  v.MaxDwell.Seconds(),
			Escalated:        v.Escalated,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicateName),
		errors.Is(err, domain.ErrInUse),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrNotInDoubt),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrPolicyExhausted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("api: %s error: %v", op, err)
		writeError(w, status, "failed to "+op)
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
