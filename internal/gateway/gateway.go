// Package gateway serves the relay's network surface: the JSON-RPC tool
// endpoint for the orchestrator, live notification channels (SSE and
// WebSocket) for workers, and a small REST surface for agent
// registration and messaging.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentrelay/internal/audit"
	"github.com/basket/agentrelay/internal/dispatch"
	"github.com/basket/agentrelay/internal/otel"
	"github.com/basket/agentrelay/internal/persistence"
	"github.com/basket/agentrelay/internal/relay"
	"github.com/basket/agentrelay/internal/session"
	"github.com/basket/agentrelay/internal/shared"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	protocolVersion = "2024-11-05"
	serverName      = "agentrelay"
)

// Config wires the gateway's collaborators.
type Config struct {
	Store      *persistence.Store
	Dispatcher *dispatch.Dispatcher
	Hub        *session.Hub

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Server is the HTTP surface.
type Server struct {
	cfg Config

	authMu    sync.RWMutex
	authToken string
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg, authToken: cfg.AuthToken}
}

// SetAuthToken swaps the bearer token, for config hot-reload.
func (s *Server) SetAuthToken(token string) {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	s.authToken = token
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/events/", s.handleSSE)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	// Worker-facing REST endpoints.
	mux.HandleFunc("/agent/register", s.handleAgentRegister)
	mux.HandleFunc("/agent/message", s.handleAgentMessage)
	mux.HandleFunc("/agent/messages", s.handleAgentMessages)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	s.authMu.RLock()
	want := s.authToken
	s.authMu.RUnlock()
	if want == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == want
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// callerCtx resolves the calling agent for a request. The X-Agent-Name
// header names the caller; absent, the call is attributed to the
// orchestrator. Every request gets a fresh trace id.
func callerCtx(r *http.Request) context.Context {
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	caller := strings.TrimSpace(r.Header.Get("X-Agent-Name"))
	if caller == "" {
		caller = dispatch.OrchestratorName
	}
	return shared.WithCaller(ctx, caller)
}

// --- JSON-RPC tool endpoint ---

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: ErrCodeParse, Message: "parse error"},
		})
		return
	}
	resp := s.dispatchRPC(callerCtx(r), req)
	if resp == nil {
		// Notification: acknowledge with no body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, *resp)
}

func (s *Server) dispatchRPC(ctx context.Context, req rpcRequest) *rpcResponse {
	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, "rpc "+req.Method,
			otel.AttrTraceID.String(shared.TraceID(ctx)))
		defer span.End()
	}
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}

	var result any
	var rpcErr *rpcError

	start := time.Now()
	switch req.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo": map[string]any{
				"name":    serverName,
				"version": otel.Version,
			},
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
		}
	case "notifications/initialized":
		return nil
	case "ping":
		result = map[string]any{}
	case "tools/list":
		result = map[string]any{"tools": dispatch.Definitions()}
	case "tools/call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "tool name required"}
			break
		}
		result = s.callTool(ctx, p.Name, p.Arguments)
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
	}
	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// callTool runs one tool call and wraps the outcome in the tool-result
// shape: protocol failures are data, not transport errors.
func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) map[string]any {
	start := time.Now()
	out, err := s.cfg.Dispatcher.Call(ctx, name, args)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ToolCallErrors.Add(ctx, 1)
		}
		var perr *dispatch.ProtocolError
		if !errors.As(err, &perr) {
			perr = &dispatch.ProtocolError{Code: dispatch.CodeStoreUnavailable, Message: err.Error()}
		}
		body, _ := json.Marshal(perr)
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": string(body)}},
			"isError": true,
		}
	}
	body, merr := json.Marshal(out)
	if merr != nil {
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": fmt.Sprintf("encode result: %v", merr)}},
			"isError": true,
		}
	}
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(body)}},
		"structuredContent": out,
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

// --- live channels ---

// handleSSE streams notifications for one agent at /events/{name}.
// The agent must already be registered. Notifications are hints; the
// message log stays the source of truth.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.originAllowed(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/events/")
	if name == "" || strings.Contains(name, "/") {
		http.Error(w, "agent name required", http.StatusBadRequest)
		return
	}
	agent, err := s.cfg.Store.GetAgentByName(r.Context(), name)
	if err != nil {
		if relay.IsKind(err, relay.KindNotFound) {
			http.Error(w, fmt.Sprintf("agent %q not found", name), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.cfg.Hub.Subscribe(agent.Name)
	defer s.cfg.Hub.Unsubscribe(sub)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.LiveChannels.Add(r.Context(), 1)
		defer s.cfg.Metrics.LiveChannels.Add(context.Background(), -1)
	}
	_ = s.cfg.Dispatcher.Touch(r.Context(), agent.ID)
	slog.Info("sse: agent connected", "agent", agent.Name)
	defer slog.Info("sse: agent disconnected", "agent", agent.Name)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
			_ = s.cfg.Dispatcher.Touch(context.Background(), agent.ID)
		case n, ok := <-sub.Ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(n)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Kind, data)
			flusher.Flush()
		}
	}
}

// handleWS serves a bidirectional channel at /ws?agent={name}: inbound
// frames are JSON-RPC requests attributed to the agent, outbound frames
// carry responses and push notifications.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("agent"))
	if name == "" {
		http.Error(w, "agent query parameter required", http.StatusBadRequest)
		return
	}
	agent, err := s.cfg.Store.GetAgentByName(r.Context(), name)
	if err != nil {
		if relay.IsKind(err, relay.KindNotFound) {
			http.Error(w, fmt.Sprintf("agent %q not found", name), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	slog.Info("ws: agent connected", "agent", agent.Name)
	defer func() {
		slog.Info("ws: agent disconnecting", "agent", agent.Name)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Hub.Subscribe(agent.Name)
	defer s.cfg.Hub.Unsubscribe(sub)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.LiveChannels.Add(r.Context(), 1)
		defer s.cfg.Metrics.LiveChannels.Add(context.Background(), -1)
	}
	_ = s.cfg.Dispatcher.Touch(r.Context(), agent.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Push notifications alongside the request/response loop.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-sub.Ch:
				if !ok {
					return
				}
				err := wsjson.Write(ctx, conn, map[string]any{
					"jsonrpc": "2.0",
					"method":  "notifications/message",
					"params":  n,
				})
				if err != nil {
					return
				}
			}
		}
	}()

	callCtx := shared.WithCaller(ctx, agent.Name)
	for {
		var req rpcRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		resp := s.dispatchRPC(shared.WithTraceID(callCtx, shared.NewTraceID()), req)
		if resp == nil {
			continue
		}
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			slog.Error("ws: write response error", "method", req.Method, "error", err)
			return
		}
	}
}

// --- worker REST surface ---

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var p struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	agent, err := s.cfg.Dispatcher.Register(r.Context(), relay.RegisterAgent{
		Name:        p.Name,
		Description: p.Description,
	})
	if err != nil {
		writeProtocolErr(w, err)
		return
	}
	audit.Record("ok", "agent_register", agent.Name, "")
	writeJSON(w, map[string]any{
		"name":          agent.Name,
		"description":   agent.Description,
		"registered_at": agent.RegisteredAt,
		"last_seen_at":  agent.LastSeenAt,
	})
}

func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var p struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Content string `json:"content"`
		TaskID  string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(p.From) == "" {
		http.Error(w, "from is required", http.StatusBadRequest)
		return
	}
	result, err := s.cfg.Dispatcher.SendMessage(r.Context(), p.From, dispatch.SendMessageParams{
		To:      p.To,
		Content: p.Content,
		TaskID:  p.TaskID,
	})
	if err != nil {
		writeProtocolErr(w, err)
		return
	}
	audit.Record("ok", "agent_message", p.From, "")
	writeJSON(w, result)
}

func (s *Server) handleAgentMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	params := dispatch.GetMessagesParams{
		TaskID:    q.Get("task_id"),
		Sender:    q.Get("sender"),
		Recipient: q.Get("recipient"),
		Since:     q.Get("since"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		params.Limit = n
	}
	msgs, err := s.cfg.Dispatcher.GetMessages(r.Context(), params)
	if err != nil {
		writeProtocolErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"messages": msgs})
}

// --- health and metrics ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	}
	if msgs, err := s.cfg.Store.MessageCount(r.Context()); err == nil {
		payload["message_count"] = msgs
	}
	payload["live_channels"] = s.cfg.Hub.ConnectedCount()
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	var msgCount int64
	if c, err := s.cfg.Store.MessageCount(ctx); err == nil {
		msgCount = c
	}
	agentCount := 0
	if agents, err := s.cfg.Store.ListAgents(ctx); err == nil {
		for _, a := range agents {
			if a.Name != dispatch.OrchestratorName {
				agentCount++
			}
		}
	}

	payload := map[string]any{
		"messages_total":   msgCount,
		"agent_count":      agentCount,
		"live_channels":    s.cfg.Hub.ConnectedCount(),
		"audit_fail_total": audit.FailCount(),
		"alloc_bytes":      mem.Alloc,
	}
	writeJSON(w, payload)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// writeProtocolErr maps dispatcher errors onto HTTP statuses for the
// REST surface.
func writeProtocolErr(w http.ResponseWriter, err error) {
	var perr *dispatch.ProtocolError
	if !errors.As(err, &perr) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusInternalServerError
	switch perr.Code {
	case dispatch.CodeInvalidInput:
		status = http.StatusBadRequest
	case dispatch.CodeAgentNotFound, dispatch.CodeTaskNotFound:
		status = http.StatusNotFound
	case dispatch.CodeConflict:
		status = http.StatusConflict
	case dispatch.CodeStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(perr)
}
