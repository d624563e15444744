package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"AgentMesh/internal/directory"
	"AgentMesh/internal/identity"
	"AgentMesh/internal/ledger"
	"AgentMesh/internal/market"
	"AgentMesh/internal/relay"
)

var (
	operator  = identity.Normalize("operator")
	treasury  = identity.Normalize("treasury")
	vault     = identity.Normalize("market-vault")
	transport = identity.Normalize("relay-transport")
	alice     = identity.Normalize("alice")
)

type stubTransport struct{}

func (stubTransport) Name() string { return "stub" }

func (stubTransport) Dispatch(context.Context, relay.Envelope, uint64) error { return nil }

func (stubTransport) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *ledger.MemoryLedger) {
	t.Helper()
	led := ledger.NewMemoryLedger()
	led.Mint(alice, 1000)

	dir := directory.New(led, operator, treasury)
	mkt := market.New(led, dir, operator, vault)
	rly := relay.New(dir, stubTransport{}, operator, transport, relay.WithPartitions("local", "remote"))

	return NewServer(":0", dir, mkt, rly, WithInsecureHeader()), led
}

func doRequest(t *testing.T, server *Server, method, target, caller string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, body)
	if caller != "" {
		req.Header.Set(identityHeader, caller)
	}
	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func registerTestAgent(t *testing.T, server *Server, caller string) uint64 {
	t.Helper()
	rec := doRequest(t, server, http.MethodPost, "/api/v1/agents", caller, directory.RegisterRequest{
		Name:         caller + "-agent",
		Capabilities: []string{"nlp"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register agent: status %d body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		ID uint64 `json:"id"`
	}
	decodeResponse(t, rec, &out)
	return out.ID
}

func TestRegisterAndFetchAgent(t *testing.T) {
	server, _ := newTestServer(t)
	id := registerTestAgent(t, server, "alice")

	rec := doRequest(t, server, http.MethodGet, "/api/v1/agents/1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get agent: status %d body %s", rec.Code, rec.Body.String())
	}
	var agent directory.Agent
	decodeResponse(t, rec, &agent)
	if agent.ID != id || agent.Name != "alice-agent" {
		t.Fatalf("unexpected agent: %+v", agent)
	}
	if agent.Status != directory.StatusActive {
		t.Fatalf("expected active status, got %s", agent.Status)
	}
}

func TestRequestsWithoutIdentityAreRejected(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/api/v1/agents", "", directory.RegisterRequest{
		Name:         "anonymous",
		Capabilities: []string{"nlp"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body %s", rec.Code, rec.Body.String())
	}
	var body errorBody
	decodeResponse(t, rec, &body)
	if body.Code != "UNAUTHORIZED" {
		t.Fatalf("unexpected error code: %q", body.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	server, _ := newTestServer(t)
	registerTestAgent(t, server, "alice")

	// 不存在的资源。
	rec := doRequest(t, server, http.MethodGet, "/api/v1/agents/99", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	// 校验失败。
	rec = doRequest(t, server, http.MethodPost, "/api/v1/agents", "alice", directory.RegisterRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body %s", rec.Code, rec.Body.String())
	}

	// 名称冲突同样是校验错误。
	rec = doRequest(t, server, http.MethodPost, "/api/v1/agents", "bob", directory.RegisterRequest{
		Name:         "alice-agent",
		Capabilities: []string{"nlp"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate name, got %d", rec.Code)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	server, led := newTestServer(t)
	agentID := registerTestAgent(t, server, "alice")

	rec := doRequest(t, server, http.MethodPost, "/api/v1/tasks", "alice", market.CreateRequest{
		Description:          "translate document",
		RequiredCapabilities: []string{"nlp"},
		Reward:               50,
		Deadline:             time.Now().Add(time.Hour).Unix(),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task: status %d body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID uint64 `json:"id"`
	}
	decodeResponse(t, rec, &created)

	rec = doRequest(t, server, http.MethodPost, "/api/v1/tasks/1/assign", "alice", map[string]uint64{"agent_id": agentID})
	if rec.Code != http.StatusOK {
		t.Fatalf("assign: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, server, http.MethodPost, "/api/v1/tasks/1/start", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, server, http.MethodPost, "/api/v1/tasks/1/complete", "alice", map[string]string{"result": "done"})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, server, http.MethodGet, "/api/v1/tasks/1", "", nil)
	var task market.Task
	decodeResponse(t, rec, &task)
	if task.Status != market.StatusCompleted || task.Result != "done" {
		t.Fatalf("unexpected task: %+v", task)
	}

	// 奖励已结算回所有者账户。
	balance, err := led.BalanceOf(context.Background(), alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 1000 {
		t.Fatalf("expected settlement back to owner, got %d", balance)
	}

	// 状态机冲突映射为 409。
	rec = doRequest(t, server, http.MethodPost, "/api/v1/tasks/1/start", "alice", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestInsufficientFundsMapsToPaymentRequired(t *testing.T) {
	server, _ := newTestServer(t)
	registerTestAgent(t, server, "alice")

	rec := doRequest(t, server, http.MethodPost, "/api/v1/tasks", "alice", market.CreateRequest{
		Description:          "too expensive",
		RequiredCapabilities: []string{"nlp"},
		Reward:               5000,
		Deadline:             time.Now().Add(time.Hour).Unix(),
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestRelayEndpoints(t *testing.T) {
	server, _ := newTestServer(t)
	agentID := registerTestAgent(t, server, "alice")

	rec := doRequest(t, server, http.MethodPost, "/api/v1/relay/registrations", "alice", map[string]any{
		"agent_id":     agentID,
		"partition_id": "local",
		"address":      "inproc://agent-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("relay register: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, server, http.MethodPost, "/api/v1/relay/messages", "alice", map[string]any{
		"source_agent":     agentID,
		"target_partition": "remote",
		"target_agent":     7,
		"payload":          []byte("ping"),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("relay send: status %d body %s", rec.Code, rec.Body.String())
	}
	var sent struct {
		MessageID string `json:"message_id"`
	}
	decodeResponse(t, rec, &sent)
	if sent.MessageID == "" {
		t.Fatal("message id must be set")
	}

	// 分区管理是操作员特权。
	rec = doRequest(t, server, http.MethodPost, "/api/v1/relay/partitions", "alice", map[string]string{"partition_id": "gamma"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec = doRequest(t, server, http.MethodPost, "/api/v1/relay/partitions", "operator", map[string]string{"partition_id": "gamma"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add partition: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, server, http.MethodGet, "/api/v1/relay/partitions", "", nil)
	var partitions struct {
		Partitions []string `json:"partitions"`
	}
	decodeResponse(t, rec, &partitions)
	if len(partitions.Partitions) != 3 {
		t.Fatalf("expected 3 partitions, got %v", partitions.Partitions)
	}
}

func TestStatsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	registerTestAgent(t, server, "alice")

	rec := doRequest(t, server, http.MethodGet, "/api/v1/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status %d", rec.Code)
	}
	var stats struct {
		Agents directory.Stats `json:"agents"`
		Tasks  market.Stats    `json:"tasks"`
	}
	decodeResponse(t, rec, &stats)
	if stats.Agents.TotalAgents != 1 || stats.Agents.ActiveAgents != 1 {
		t.Fatalf("unexpected agent stats: %+v", stats.Agents)
	}
}

func TestEventsEndpointWithoutArchive(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/api/v1/events", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without archive, got %d", rec.Code)
	}
}
