package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"AgentMesh/internal/directory"
	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/identity"
	"AgentMesh/internal/ledger"
	"AgentMesh/internal/market"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// writeError 将统一错误类型映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeValidation:
		status = http.StatusBadRequest
	case xerrors.CodeUnauthorized:
		status = http.StatusForbidden
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidState, xerrors.CodeCapabilityMismatch, xerrors.CodeReentrantCall:
		status = http.StatusConflict
	case xerrors.CodeEscrow, ledger.CodeInsufficientFunds, ledger.CodeTransferRejected:
		status = http.StatusPaymentRequired
	case xerrors.CodeDelivery:
		status = http.StatusBadGateway
	}

	body := errorBody{Code: string(code), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
		body.Detail = e.Metadata()
	}
	writeJSON(w, status, body)
}

func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, xerrors.New(xerrors.CodeValidation, "路径中的编号无效")
	}
	return id, nil
}

func decodeBody(r *http.Request, target any) error {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return xerrors.New(xerrors.CodeValidation, "请求体解析失败")
	}
	return nil
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	caller, err := s.callerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req directory.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.dir.Register(r.Context(), caller, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.dir.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentNetwork(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	network, err := s.dir.Network(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]uint64{"connections": network})
}

func (s *Server) handleAgentCapabilities(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caps, err := s.dir.Capabilities(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"capabilities": caps})
}

func (s *Server) handleAgentTasks(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks := s.market.AgentTasks(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string][]uint64{"tasks": tasks})
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	caller, err := s.callerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Status directory.Status `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.dir.SetStatus(r.Context(), caller, id, req.Status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}

func (s *Server) handleReward(w http.ResponseWriter, r *http.Request) {
	caller, err := s.callerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.dir.Reward(r.Context(), caller, id, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"amount": req.Amount})
}

type connectionRequest struct {
	FromAgent uint64 `json:"from_agent"`
	ToAgent   uint64 `json:"to_agent"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	caller, err := s.callerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req connectionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.dir.Connect(r.Context(), caller, req.FromAgent, req.ToAgent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	caller, err := s.callerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req connectionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.dir.Disconnect(r.Context(), caller, req.FromAgent, req.ToAgent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	caller, err := s.callerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req market.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.market.CreateTask(r.Context(), caller, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := make([]market.ListOption, 0, 2)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, market.WithLimit(limit))
		}
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		opts = append(opts, market.WithStatuses(market.Status(raw)))
	}
	tasks := s.market.List(r.Context(), opts...)
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.market.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	caller, err := s.callerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		AgentID uint64 `json:"agent_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.market.AssignTask(r.Context(), caller, id, req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"agent_id": req.AgentID})
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	s.taskTransition(w, r, s.market.StartTask)
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	s.taskTransition(w, r, s.market.FailTask)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	s.taskTransition(w, r, s.market.CancelTask)
}

func (s *Server) handleExpireTask(w http.ResponseWriter, r *http.Request) {
	s.taskTransition(w, r, s.market.HandleExpired)
}

func (s *Server) taskTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller identity.Identity, taskID uint64) error) {
	caller, err := s.callerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := op(r.Context(), caller, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"id": id})
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	caller, err := s.callerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Result string `json:"result"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.market.CompleteTask(r.Context(), caller, id, req.Result); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"id": id})
}

func (s *Server) handleRelayRegister(w http.ResponseWriter, r *http.Request) {
	caller, err := s.callerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		AgentID     uint64 `json:"agent_id"`
		PartitionID string `json:"partition_id"`
		Address     string `json:"address"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.relay.RegisterAgent(r.Context(), caller, req.AgentID, req.PartitionID, req.Address); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleRelaySend(w http.ResponseWriter, r *http.Request) {
	caller, err := s.callerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		SourceAgent     uint64 `json:"source_agent"`
		TargetPartition string `json:"target_partition"`
		TargetAgent     uint64 `json:"target_agent"`
		Payload         []byte `json:"payload"`
		Fee             uint64 `json:"fee"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	messageID, err := s.relay.SendMessage(r.Context(), caller, req.SourceAgent, req.TargetPartition, req.TargetAgent, req.Payload, req.Fee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": messageID})
}

func (s *Server) handleListPartitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"partitions": s.relay.SupportedPartitions(r.Context())})
}

func (s *Server) handleAddPartition(w http.ResponseWriter, r *http.Request) {
	caller, err := s.callerFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PartitionID string `json:"partition_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.relay.AddSupportedPartition(r.Context(), caller, req.PartitionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": s.dir.Stats(r.Context()),
		"tasks":  s.market.Stats(r.Context()),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "事件归档未启用"))
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records})
}
