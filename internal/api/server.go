// Package api 暴露 REST 接口，供外部身份驱动目录、市场与中继。
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"AgentMesh/internal/archive"
	"AgentMesh/internal/directory"
	"AgentMesh/internal/identity"
	"AgentMesh/internal/market"
	"AgentMesh/internal/observability/metrics"
	"AgentMesh/internal/relay"
)

// EventLog 是归档的只读视图，允许 API 在未配置归档时置空。
type EventLog interface {
	Recent(ctx context.Context, limit int) ([]*archive.Record, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr     string
	dir      *directory.Directory
	market   *market.Market
	relay    *relay.Relay
	events   EventLog
	tokens   *identity.TokenManager
	insecure bool
}

// Option 定义可选的服务配置。
type Option func(*Server)

// WithEventLog 挂载事件归档的查询端点。
func WithEventLog(log EventLog) Option {
	return func(s *Server) {
		s.events = log
	}
}

// WithTokenManager 启用签名令牌验证。
func WithTokenManager(tokens *identity.TokenManager) Option {
	return func(s *Server) {
		s.tokens = tokens
	}
}

// WithInsecureHeader 允许通过 X-Agentmesh-Identity 请求头直接声明身份。
// 仅限本地开发环境。
func WithInsecureHeader() Option {
	return func(s *Server) {
		s.insecure = true
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, dir *directory.Directory, mkt *market.Market, rly *relay.Relay, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		dir:    dir,
		market: mkt,
		relay:  rly,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// routes 组装全部路由。
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/agents", s.observed("agents", s.handleRegisterAgent))
	mux.HandleFunc("GET /api/v1/agents/{id}", s.observed("agent", s.handleGetAgent))
	mux.HandleFunc("GET /api/v1/agents/{id}/network", s.observed("agent_network", s.handleAgentNetwork))
	mux.HandleFunc("GET /api/v1/agents/{id}/capabilities", s.observed("agent_capabilities", s.handleAgentCapabilities))
	mux.HandleFunc("GET /api/v1/agents/{id}/tasks", s.observed("agent_tasks", s.handleAgentTasks))
	mux.HandleFunc("POST /api/v1/agents/{id}/status", s.observed("agent_status", s.handleSetStatus))
	mux.HandleFunc("POST /api/v1/agents/{id}/reward", s.observed("agent_reward", s.handleReward))

	mux.HandleFunc("POST /api/v1/connections", s.observed("connections", s.handleConnect))
	mux.HandleFunc("DELETE /api/v1/connections", s.observed("connections", s.handleDisconnect))

	mux.HandleFunc("POST /api/v1/tasks", s.observed("tasks", s.handleCreateTask))
	mux.HandleFunc("GET /api/v1/tasks", s.observed("tasks", s.handleListTasks))
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.observed("task", s.handleGetTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/assign", s.observed("task_assign", s.handleAssignTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/start", s.observed("task_start", s.handleStartTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/complete", s.observed("task_complete", s.handleCompleteTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/fail", s.observed("task_fail", s.handleFailTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.observed("task_cancel", s.handleCancelTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/expire", s.observed("task_expire", s.handleExpireTask))

	mux.HandleFunc("POST /api/v1/relay/registrations", s.observed("relay_register", s.handleRelayRegister))
	mux.HandleFunc("POST /api/v1/relay/messages", s.observed("relay_send", s.handleRelaySend))
	mux.HandleFunc("GET /api/v1/relay/partitions", s.observed("relay_partitions", s.handleListPartitions))
	mux.HandleFunc("POST /api/v1/relay/partitions", s.observed("relay_partitions", s.handleAddPartition))

	mux.HandleFunc("GET /api/v1/stats", s.observed("stats", s.handleStats))
	mux.HandleFunc("GET /api/v1/events", s.observed("events", s.handleEvents))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
