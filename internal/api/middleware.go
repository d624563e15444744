package api

import (
	"net/http"
	"strings"
	"time"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/identity"
	"AgentMesh/internal/observability/metrics"
)

const identityHeader = "X-Agentmesh-Identity"

// statusRecorder 记录响应状态码，供请求指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// observed 包装处理函数，记录请求计数与耗时。
func (s *Server) observed(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

// callerFromRequest 解析调用者身份。优先使用 Bearer 令牌；开发模式下
// 允许请求头直接声明。
func (s *Server) callerFromRequest(r *http.Request) (identity.Identity, error) {
	header := r.Header.Get("Authorization")
	if header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return identity.Zero, xerrors.New(xerrors.CodeUnauthorized, "Authorization 头格式必须为 Bearer")
		}
		if s.tokens == nil {
			return identity.Zero, xerrors.New(xerrors.CodeUnauthorized, "服务未启用令牌验证")
		}
		id, err := s.tokens.Verify(strings.TrimSpace(token))
		if err != nil {
			return identity.Zero, xerrors.Wrap(xerrors.CodeUnauthorized, err, "令牌验证失败")
		}
		return id, nil
	}
	if s.insecure {
		if raw := r.Header.Get(identityHeader); raw != "" {
			id := identity.Normalize(raw)
			if !id.IsZero() {
				return id, nil
			}
		}
	}
	return identity.Zero, xerrors.New(xerrors.CodeUnauthorized, "请求缺少调用者身份")
}
