package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/deliveryguard/internal/domain"
	"github.com/djlord-it/deliveryguard/internal/store/memory"
	"github.com/djlord-it/deliveryguard/internal/testutil"
	"github.com/djlord-it/deliveryguard/internal/tracker"
)

// mockHealthChecker implements HealthChecker for handler tests.
type mockHealthChecker struct {
	mu     sync.Mutex
	pingFn func(ctx context.Context) error
}

func (m *mockHealthChecker) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

// failingService returns err from every call it overrides.
type failingService struct {
	*tracker.Service
	err error
}

func (s *failingService) CreateDefinition(ctx context.Context, def domain.Definition) (domain.Definition, error) {
	return domain.Definition{}, s.err
}

func (s *failingService) ListInstances(ctx context.Context, q tracker.InstanceQuery) ([]tracker.InstanceView, error) {
	return nil, s.err
}

type testEnv struct {
	handler *Handler
	svc     *tracker.Service
	clock   *testutil.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := tracker.New(memory.New()).WithClock(clock.Now).WithDefaultInDoubtDwell(time.Hour)
	return &testEnv{handler: NewHandler(svc, "default"), svc: svc, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", w.Body.String(), err)
	}
	return v
}

const ordersBody = `{
	"name": "orders",
	"description": "order confirmations",
	"target": "https://example.com/hooks/orders",
	"target_type": "http",
	"secret": "s3cret",
	"policy": {"max_attempts": 3, "backoff": ["0s", "1m"], "ack_timeout": "10s"}
}`

func (e *testEnv) createOrders(t *testing.T) DefinitionResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/definitions", ordersBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("create definition: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[DefinitionResponse](t, w)
}

func (e *testEnv) createInstance(t *testing.T) InstanceResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/definitions/orders/instances", `{"payload_ref": "s3://bucket/order-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create instance: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[InstanceResponse](t, w)
}

func (e *testEnv) inDoubt(t *testing.T) InstanceResponse {
	t.Helper()
	inst := e.createInstance(t)
	for _, kind := range []string{"dispatched", "timeout"} {
		w := e.do(t, http.MethodPost, "/instances/"+inst.ID+"/outcome", `{"kind": "`+kind+`"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("outcome %s: expected 200, got %d: %s", kind, w.Code, w.Body.String())
		}
	}
	return inst
}

// --- Definition Tests ---

func TestHandler_CreateDefinition_Success(t *testing.T) {
	env := newTestEnv(t)

	resp := env.createOrders(t)

	if resp.ID == "" {
		t.Error("ID should not be empty")
	}
	if resp.ClusterID != "default" {
		t.Errorf("ClusterID = %q, want default", resp.ClusterID)
	}
	if resp.Name != "orders" {
		t.Errorf("Name = %q, want orders", resp.Name)
	}
	if resp.ShortDef != "max=3 backoff=0s,1m0s ack=10s" {
		t.Errorf("ShortDef = %q", resp.ShortDef)
	}
	if resp.Policy.MaxInDoubtDwell != "1h0m0s" {
		t.Errorf("MaxInDoubtDwell = %q, want service default 1h0m0s", resp.Policy.MaxInDoubtDwell)
	}
}

func TestHandler_CreateDefinition_NeverReturnsSecret(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/definitions", ordersBody)
	if strings.Contains(w.Body.String(), "s3cret") {
		t.Errorf("response leaks secret: %s", w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/definitions/orders", "")
	if strings.Contains(w.Body.String(), "s3cret") {
		t.Errorf("get leaks secret: %s", w.Body.String())
	}
}

func TestHandler_CreateDefinition_ClusterFromBodyOrQuery(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/definitions?cluster_id=east", ordersBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody[DefinitionResponse](t, w).ClusterID; got != "east" {
		t.Errorf("ClusterID = %q, want east", got)
	}

	body := strings.Replace(ordersBody, `"name"`, `"cluster_id": "west", "name"`, 1)
	w = env.do(t, http.MethodPost, "/definitions", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody[DefinitionResponse](t, w).ClusterID; got != "west" {
		t.Errorf("ClusterID = %q, want west", got)
	}

	w = env.do(t, http.MethodGet, "/definitions/orders", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("default cluster has no orders: expected 404, got %d", w.Code)
	}
}

func TestHandler_CreateDefinition_ValidationError(t *testing.T) {
	env := newTestEnv(t)

	body := `{"target": "https://example.com", "target_type": "http", "policy": {"max_attempts": 1}}`
	w := env.do(t, http.MethodPost, "/definitions", body)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	resp := decodeBody[ErrorResponse](t, w)
	if !strings.Contains(resp.Error, "name") {
		t.Errorf("error should mention name: %q", resp.Error)
	}
}

func TestHandler_CreateDefinition_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	env.createOrders(t)

	w := env.do(t, http.MethodPost, "/definitions", ordersBody)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestHandler_CreateDefinition_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/definitions", "{invalid")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandler_CreateDefinition_ServiceError(t *testing.T) {
	svc := &failingService{Service: tracker.New(memory.New()), err: errors.New("database error")}
	handler := NewHandler(svc, "default")

	req := httptest.NewRequest(http.MethodPost, "/definitions", strings.NewReader(ordersBody))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "database error") {
		t.Errorf("internal error leaked: %s", w.Body.String())
	}
}

func TestHandler_CreateDefinition_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t)

	// Create body larger than 1MB
	largeBody := `{"name": "` + strings.Repeat("a", 1<<20+1) + `"}`
	w := env.do(t, http.MethodPost, "/definitions", largeBody)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}

func TestHandler_EditDefinition(t *testing.T) {
	env := newTestEnv(t)
	env.createOrders(t)

	edited := strings.Replace(ordersBody, `"max_attempts": 3`, `"max_attempts": 5`, 1)
	w := env.do(t, http.MethodPut, "/definitions/orders", edited)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody[DefinitionResponse](t, w).Policy.MaxAttempts; got != 5 {
		t.Errorf("MaxAttempts = %d, want 5", got)
	}

	env.createInstance(t)

	edited = strings.Replace(ordersBody, `"max_attempts": 3`, `"max_attempts": 7`, 1)
	w = env.do(t, http.MethodPut, "/definitions/orders", edited)
	if w.Code != http.StatusConflict {
		t.Errorf("structural edit of a used definition: expected 409, got %d", w.Code)
	}

	w = env.do(t, http.MethodPut, "/definitions/missing", ordersBody)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandler_DeleteDefinition(t *testing.T) {
	env := newTestEnv(t)
	env.createOrders(t)
	inst := env.createInstance(t)

	w := env.do(t, http.MethodDelete, "/definitions/orders", "")
	if w.Code != http.StatusConflict {
		t.Errorf("open instances: expected 409, got %d", w.Code)
	}

	w = env.do(t, http.MethodDelete, "/definitions/orders?force=true", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("force without operator: expected 400, got %d", w.Code)
	}

	w = env.do(t, http.MethodDelete, "/definitions/orders?force=true&operator_id=alice", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/instances/"+inst.ID, "")
	if got := decodeBody[InstanceDetailResponse](t, w).Instance.State; got != string(domain.StateArchivedFailed) {
		t.Errorf("State = %q, want ARCHIVED_FAILED", got)
	}

	w = env.do(t, http.MethodDelete, "/definitions/orders", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandler_ListDefinitions(t *testing.T) {
	env := newTestEnv(t)
	env.createOrders(t)
	env.clock.Advance(time.Second)
	w := env.do(t, http.MethodPost, "/definitions", strings.Replace(strings.Replace(ordersBody, `"orders"`, `"billing"`, 1), `"http"`, `"amqp"`, 1))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	env.createInstance(t)

	w = env.do(t, http.MethodGet, "/definitions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeBody[ListDefinitionsResponse](t, w)
	if len(resp.Definitions) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(resp.Definitions))
	}
	if resp.Definitions[0].Name != "orders" || resp.Definitions[0].Summary == nil || resp.Definitions[0].Summary.Total != 1 {
		t.Errorf("unexpected first definition: %+v", resp.Definitions[0])
	}

	w = env.do(t, http.MethodGet, "/definitions?sort=name", "")
	resp = decodeBody[ListDefinitionsResponse](t, w)
	if resp.Definitions[0].Name != "billing" {
		t.Errorf("sort=name: first = %q, want billing", resp.Definitions[0].Name)
	}

	w = env.do(t, http.MethodGet, "/definitions?target_type=amqp", "")
	resp = decodeBody[ListDefinitionsResponse](t, w)
	if len(resp.Definitions) != 1 || resp.Definitions[0].Name != "billing" {
		t.Errorf("target_type=amqp: got %+v", resp.Definitions)
	}

	for _, q := range []string{"?target_type=pigeon", "?sort=bogus"} {
		w = env.do(t, http.MethodGet, "/definitions"+q, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestHandler_Summarize(t *testing.T) {
	env := newTestEnv(t)
	env.createOrders(t)
	env.createInstance(t)
	env.inDoubt(t)

	w := env.do(t, http.MethodGet, "/definitions/orders/summary", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	sum := decodeBody[DefinitionResponse](t, w).Summary
	if sum == nil {
		t.Fatal("summary missing")
	}
	if sum.Total != 2 || sum.InProgress != 1 || sum.InDoubt != 1 {
		t.Errorf("unexpected summary: %+v", sum)
	}
}

// --- Instance Tests ---

func TestHandler_CreateInstance(t *testing.T) {
	env := newTestEnv(t)
	env.createOrders(t)

	inst := env.createInstance(t)
	if inst.State != string(domain.StateQueued) {
		t.Errorf("State = %q, want QUEUED", inst.State)
	}
	if inst.PayloadRef != "s3://bucket/order-1" {
		t.Errorf("PayloadRef = %q", inst.PayloadRef)
	}

	w := env.do(t, http.MethodPost, "/definitions/missing/instances", `{}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandler_ListInstances(t *testing.T) {
	env := newTestEnv(t)
	env.createOrders(t)
	first := env.createInstance(t)
	env.clock.Advance(time.Second)
	env.createInstance(t)
	env.inDoubt(t)

	w := env.do(t, http.MethodGet, "/instances", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := len(decodeBody[ListInstancesResponse](t, w).Instances); got != 3 {
		t.Errorf("expected 3 instances, got %d", got)
	}

	w = env.do(t, http.MethodGet, "/instances?state=IN_DOUBT", "")
	resp := decodeBody[ListInstancesResponse](t, w)
	if len(resp.Instances) != 1 || resp.Instances[0].Definition != "orders" {
		t.Errorf("state filter: got %+v", resp.Instances)
	}

	w = env.do(t, http.MethodGet, "/instances?limit=1&sort=created", "")
	resp = decodeBody[ListInstancesResponse](t, w)
	if len(resp.Instances) != 1 || resp.Instances[0].ID != first.ID {
		t.Errorf("limit=1: got %+v", resp.Instances)
	}

	for _, q := range []string{"?state=LOST", "?limit=5000", "?offset=-1", "?desc=perhaps"} {
		w = env.do(t, http.MethodGet, "/instances"+q, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}

	w = env.do(t, http.MethodGet, "/instances?name=missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown definition: expected 404, got %d", w.Code)
	}
}

func TestHandler_ListInstances_ServiceError(t *testing.T) {
	svc := &failingService{Service: tracker.New(memory.New()), err: errors.New("database error")}
	handler := NewHandler(svc, "default")

	req := httptest.NewRequest(http.MethodGet, "/instances", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

// deadlineService records whether ListInstances ran with a deadline.
type deadlineService struct {
	*tracker.Service
	hadDeadline bool
}

func (s *deadlineService) ListInstances(ctx context.Context, q tracker.InstanceQuery) ([]tracker.InstanceView, error) {
	_, s.hadDeadline = ctx.Deadline()
	return nil, nil
}

func TestHandler_RequestTimeout(t *testing.T) {
	svc := &deadlineService{Service: tracker.New(memory.New())}

	NewHandler(svc, "default").ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/instances", nil))
	if svc.hadDeadline {
		t.Error("no timeout configured, expected no deadline")
	}

	handler := NewHandler(svc, "default").WithRequestTimeout(time.Second)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/instances", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if !svc.hadDeadline {
		t.Error("expected the service call to carry the request timeout")
	}
}

func TestHandler_InstanceDetails(t *testing.T) {
	env := newTestEnv(t)
	env.createOrders(t)
	inst := env.inDoubt(t)

	w := env.do(t, http.MethodGet, "/instances/"+inst.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeBody[InstanceDetailResponse](t, w)
	if len(resp.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(resp.Events))
	}
	if resp.Events[2].Kind != string(domain.EventTimeout) || resp.Events[2].To != string(domain.StateInDoubt) {
		t.Errorf("unexpected last event: %+v", resp.Events[2])
	}
	if resp.ReplayError != "" {
		t.Errorf("unexpected replay error: %s", resp.ReplayError)
	}

	w = env.do(t, http.MethodGet, "/instances/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandler_ReportOutcome(t *testing.T) {
	env := newTestEnv(t)
	env.createOrders(t)
	inst := env.createInstance(t)

	w := env.do(t, http.MethodPost, "/instances/"+inst.ID+"/outcome", `{"kind": "ack"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("ack before dispatch: expected 409, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/instances/"+inst.ID+"/outcome", `{"kind": "dispatched"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/instances/"+inst.ID+"/outcome", `{"kind": "ack", "detail": "processed"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody[InstanceResponse](t, w).State; got != string(domain.StateArchivedSuccess) {
		t.Errorf("State = %q, want ARCHIVED_SUCCESS", got)
	}

	w = env.do(t, http.MethodPost, "/instances/"+inst.ID+"/outcome", `{"kind": "resolve"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandler_Cancel(t *testing.T) {
	env := newTestEnv(t)
	env.createOrders(t)
	inst := env.createInstance(t)

	w := env.do(t, http.MethodPost, "/instances/"+inst.ID+"/cancel", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing operator: expected 400, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/instances/"+inst.ID+"/cancel", `{"operator_id": "bob", "note": "dup"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody[InstanceResponse](t, w).State; got != string(domain.StateArchivedFailed) {
		t.Errorf("State = %q, want ARCHIVED_FAILED", got)
	}
}

// --- In-doubt Tests ---

func TestHandler_Resolve(t *testing.T) {
	env := newTestEnv(t)
	env.createOrders(t)
	inst := env.inDoubt(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"bad resolution", `{"resolution": "maybe", "operator_id": "alice", "note": "n"}`, http.StatusBadRequest},
		{"missing note", `{"resolution": "success", "operator_id": "alice"}`, http.StatusBadRequest},
		{"missing operator", `{"resolution": "success", "note": "n"}`, http.StatusBadRequest},
		{"resolved", `{"resolution": "success", "operator_id": "alice", "note": "receiver logs show 200"}`, http.StatusOK},
		{"already resolved", `{"resolution": "failure", "operator_id": "alice", "note": "n"}`, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/instances/"+inst.ID+"/resolve", tt.body)
			if w.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
		})
	}

	w := env.do(t, http.MethodGet, "/instances/"+inst.ID, "")
	resp := decodeBody[InstanceDetailResponse](t, w)
	last := resp.Events[len(resp.Events)-1]
	if last.Kind != string(domain.EventResolve) || last.OperatorID != "alice" || last.Resolution != "success" {
		t.Errorf("unexpected resolve event: %+v", last)
	}
}

func TestHandler_ListInDoubt(t *testing.T) {
	env := newTestEnv(t)
	env.createOrders(t)
	inst := env.inDoubt(t)
	env.createInstance(t)

	env.clock.Advance(2 * time.Hour)

	w := env.do(t, http.MethodGet, "/in-doubt", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeBody[ListInDoubtResponse](t, w)
	if len(resp.InDoubt) != 1 {
		t.Fatalf("expected 1 in-doubt instance, got %d", len(resp.InDoubt))
	}
	got := resp.InDoubt[0]
	if got.ID != inst.ID || !got.Escalated || got.DwellSeconds < 7199 || got.MaxDwellSeconds != 3600 {
		t.Errorf("unexpected in-doubt view: %+v", got)
	}

	w = env.do(t, http.MethodGet, "/in-doubt?name=missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Health Tests ---

func TestHandler_Health_Simple(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "")

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if resp := decodeBody[HealthResponse](t, w); resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
}

func TestHandler_Health_Verbose_Healthy(t *testing.T) {
	env := newTestEnv(t)
	env.handler.WithHealthChecker(&mockHealthChecker{}).WithLeaderStatus(func() bool { return true })

	w := env.do(t, http.MethodGet, "/health?verbose=true", "")

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	resp := decodeBody[HealthResponse](t, w)
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
	if resp.Components["store"] != "healthy" {
		t.Errorf("store = %q, want healthy", resp.Components["store"])
	}
	if resp.Components["leader"] != "leader" {
		t.Errorf("leader = %q, want leader", resp.Components["leader"])
	}
}

func TestHandler_Health_Verbose_Unhealthy(t *testing.T) {
	env := newTestEnv(t)
	env.handler.WithHealthChecker(&mockHealthChecker{
		pingFn: func(ctx context.Context) error {
			return errors.New("connection refused")
		},
	})

	w := env.do(t, http.MethodGet, "/health?verbose=true", "")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	if resp := decodeBody[HealthResponse](t, w); resp.Status != "degraded" {
		t.Errorf("Status = %q, want degraded", resp.Status)
	}
}

// --- Routing Tests ---

func TestHandler_NotFound(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/nonexistent", "")

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrInvalidArgument, http.StatusBadRequest},
		{domain.ErrDuplicateName, http.StatusConflict},
		{domain.ErrInUse, http.StatusConflict},
		{domain.ErrNotInDoubt, http.StatusConflict},
		{domain.ErrConflict, http.StatusConflict},
		{&domain.TransitionError{Kind: domain.EventAck, Err: domain.ErrInvalidTransition}, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
