package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	wick "github.com/wicklab/wick"
	"github.com/wicklab/wick/backend"
	"github.com/wicklab/wick/mcp"
	"github.com/wicklab/wick/trace"
)

// keepAliveInterval paces SSE comment pings on long-lived streams.
const keepAliveInterval = 15 * time.Second

// Server wires the agent registry, thread store, auth, trace recorder,
// and MCP federation behind one HTTP handler.
type Server struct {
	cfg        *Config
	configPath string
	log        *slog.Logger

	auth     *Auth
	registry *wick.Registry
	threads  *wick.ThreadStore
	backends *BackendStore
	recorder *trace.Recorder
	tracer   wick.Tracer
	agg      *mcp.Aggregator
	mcpH     *mcp.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithTracer adds an extra tracer (an OTLP exporter) beside the built-in
// recorder.
func WithTracer(t wick.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = trace.Multi{s.recorder, t}
		}
	}
}

// New builds a server from config. configPath enables config rewrite on
// role/user CRUD; leave it empty to keep mutations in memory only.
func New(cfg *Config, configPath string, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		log:        slog.New(slog.DiscardHandler),
		registry:   wick.NewRegistry(),
		backends:   NewBackendStore(),
		recorder:   trace.NewRecorder(0),
	}
	s.tracer = s.recorder
	for _, o := range opts {
		o(s)
	}
	s.threads = wick.NewThreadStore(0, s.log)

	if cfg.Auth.Enabled {
		auth, err := NewAuth(cfg, configPath, s.log)
		if err != nil {
			return nil, err
		}
		s.auth = auth
	}

	s.agg = mcp.NewAggregator(s.log)
	s.mcpH = mcp.NewHandler(s.agg, s.rolePatterns, s.log)

	// Federated tool-set changes invalidate built engines so the next
	// turn resolves tools fresh.
	broadcast := s.agg.OnChange
	s.agg.OnChange = func() {
		broadcast()
		s.registry.InvalidateAll()
	}

	for id, agentCfg := range cfg.Agents {
		s.registry.RegisterTemplate(id, agentCfg)
	}
	return s, nil
}

// Start connects downstreams and launches the background loops. It
// returns after initial discovery; loops stop when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	for _, d := range s.cfg.Downstream {
		s.agg.AddDownstream(ctx, d.Name, d.URL)
	}
	s.agg.StartHealthLoop(ctx, 0)
	s.threads.StartReaper(ctx, 0)
}

// Close releases held resources.
func (s *Server) Close() {
	s.backends.CloseAll()
}

// Handler returns the full route tree wrapped in auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("GET /auth/oidc/login", s.handleOIDCLogin)
	mux.HandleFunc("GET /auth/oidc/callback", s.handleOIDCCallback)
	mux.HandleFunc("POST /oauth/token", s.handleOAuthToken)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", s.handleProtectedResource)

	mux.HandleFunc("GET /auth/roles", s.handleListRoles)
	mux.HandleFunc("POST /auth/roles", s.handleCreateRole)
	mux.HandleFunc("PUT /auth/roles/{name}", s.handleUpdateRole)
	mux.HandleFunc("DELETE /auth/roles/{name}", s.handleDeleteRole)
	mux.HandleFunc("GET /auth/users", s.handleListUsers)
	mux.HandleFunc("POST /auth/users", s.handleCreateUser)
	mux.HandleFunc("DELETE /auth/users/{name}", s.handleDeleteUser)

	mux.HandleFunc("GET /agents/", s.handleListAgents)
	mux.HandleFunc("GET /agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("POST /agents/{id}/stream", s.handleStream)
	mux.HandleFunc("PATCH /agents/{id}/backend", s.handlePatchBackend)
	mux.HandleFunc("PATCH /agents/{id}/hooks", s.handlePatchHooks)
	mux.HandleFunc("GET /agents/files/download", s.handleDownload)
	mux.HandleFunc("PUT /agents/files/upload", s.handleUpload)
	mux.HandleFunc("GET /agents/traces", s.handleListTraces)
	mux.HandleFunc("GET /agents/traces/{thread_id}", s.handleGetTrace)

	mux.HandleFunc("GET /tools/", s.handleListTools)
	mux.HandleFunc("GET /downstream/", s.handleDownstream)
	mux.Handle("/mcp", s.mcpH)

	resourceURL := s.cfg.Auth.ResourceURL
	return AuthMiddleware(s.auth, resourceURL, mux)
}

// resolveUser returns the acting username, "local" when auth is off.
func (s *Server) resolveUser(r *http.Request) string {
	if u := userFromContext(r); u != nil {
		return u.Username
	}
	return "local"
}

// rolePatterns resolves the caller's tool patterns for the MCP endpoint
// and tool listing. Auth disabled means everything is visible.
func (s *Server) rolePatterns(r *http.Request) ([]string, bool) {
	if s.auth == nil {
		return []string{"*"}, true
	}
	u := userFromContext(r)
	if u == nil {
		return nil, false
	}
	return s.auth.RolePatterns(u.Role)
}

// --- Auth endpoints ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeJSONError(w, http.StatusNotFound, "auth is disabled")
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	user, err := s.auth.VerifyPassword(req.Username, req.Password)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := s.auth.GenerateToken(user)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   s.auth.ExpirySeconds(),
		"role":         user.Role,
	})
}

func (s *Server) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeJSONError(w, http.StatusNotFound, "auth is disabled")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	if grant := r.PostFormValue("grant_type"); grant != "client_credentials" {
		writeJSONError(w, http.StatusBadRequest, "unsupported grant_type")
		return
	}
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}
	user, err := s.auth.VerifyClientCredentials(clientID, clientSecret)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid client credentials")
		return
	}
	token, err := s.auth.GenerateToken(user)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   s.auth.ExpirySeconds(),
	})
}

func (s *Server) handleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeJSONError(w, http.StatusNotFound, "auth is disabled")
		return
	}
	state, err := s.auth.GenerateOIDCState()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	url, err := s.auth.OIDCAuthURL(state)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeJSONError(w, http.StatusNotFound, "auth is disabled")
		return
	}
	if !s.auth.ValidateOIDCState(r.URL.Query().Get("state")) {
		writeJSONError(w, http.StatusBadRequest, "invalid or expired state")
		return
	}
	email, err := s.auth.OIDCExchangeCode(r.URL.Query().Get("code"))
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	user := s.auth.FindOrCreateOIDCUser(email)
	token, err := s.auth.GenerateToken(user)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   s.auth.ExpirySeconds(),
		"role":         user.Role,
	})
}

func (s *Server) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":              s.cfg.Auth.ResourceURL,
		"authorization_servers": []string{s.cfg.Auth.ResourceURL},
	})
}

// --- Role / user CRUD ---

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeJSONError(w, http.StatusNotFound, "auth is disabled")
		return
	}
	if requireAdmin(w, r) == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.auth.ListRoles())
}

type rolePayload struct {
	Name  string   `json:"name"`
	Tools []string `json:"tools"`
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeJSONError(w, http.StatusNotFound, "auth is disabled")
		return
	}
	if requireAdmin(w, r) == nil {
		return
	}
	var req rolePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.auth.CreateRole(req.Name, req.Tools); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": req.Name, "tools": req.Tools})
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeJSONError(w, http.StatusNotFound, "auth is disabled")
		return
	}
	if requireAdmin(w, r) == nil {
		return
	}
	name := r.PathValue("name")
	var req rolePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.auth.UpdateRole(name, req.Tools); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "tools": req.Tools})
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeJSONError(w, http.StatusNotFound, "auth is disabled")
		return
	}
	if requireAdmin(w, r) == nil {
		return
	}
	if err := s.auth.DeleteRole(r.PathValue("name")); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeJSONError(w, http.StatusNotFound, "auth is disabled")
		return
	}
	if requireAdmin(w, r) == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.auth.ListUsers())
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeJSONError(w, http.StatusNotFound, "auth is disabled")
		return
	}
	if requireAdmin(w, r) == nil {
		return
	}
	var req struct {
		Username     string `json:"username"`
		PasswordHash string `json:"password_hash"`
		Role         string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.PasswordHash == "" {
		writeJSONError(w, http.StatusBadRequest, "username and password_hash are required")
		return
	}
	user, err := s.auth.CreateUser(req.Username, req.PasswordHash, req.Role)
	if err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeJSONError(w, http.StatusNotFound, "auth is disabled")
		return
	}
	if requireAdmin(w, r) == nil {
		return
	}
	if err := s.auth.DeleteUser(r.PathValue("name")); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Turn streaming ---

type turnRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	ThreadID *string `json:"thread_id"`
	Trace    *bool   `json:"trace"`
}

// validateInput converts caller messages, accepting only user and system
// roles. Assistant and tool messages are loop-internal.
func validateInput(req *turnRequest) ([]wick.Message, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}
	msgs := make([]wick.Message, 0, len(req.Messages))
	for i, m := range req.Messages {
		if m.Role != wick.RoleUser && m.Role != wick.RoleSystem {
			return nil, fmt.Errorf("message %d: role %q is not accepted as input", i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return nil, fmt.Errorf("message %d: content is empty", i)
		}
		msgs = append(msgs, wick.Message{Role: m.Role, Content: m.Content})
	}
	return msgs, nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	msgs, err := validateInput(&req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	username := s.resolveUser(r)
	inst, err := s.registry.GetOrClone(agentID, username)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	engine, err := inst.Engine(s.buildEngine)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	threadID := wick.NewID()
	if req.ThreadID != nil && *req.ThreadID != "" {
		threadID = *req.ThreadID
	}
	if err := s.threads.Acquire(threadID); err != nil {
		if errors.Is(err, wick.ErrThreadBusy) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer s.threads.Release(threadID)

	sse := NewSSEWriter(w)
	if sse == nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Tracing defaults on; a turn may opt out with trace=false.
	runCtx := r.Context()
	if req.Trace != nil && !*req.Trace {
		runCtx = wick.WithTracingDisabled(runCtx)
	}

	state := s.threads.GetOrCreate(threadID)
	sink := wick.NewSink(0)
	go func() {
		_ = engine.Run(runCtx, state, msgs, sink)
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sink.Events():
			if !ok {
				s.threads.Save(threadID)
				return
			}
			_ = sse.SendEvent(ev.Event, ev)
		case <-ticker.C:
			sse.SendComment("keep-alive")
		}
	}
}

// --- Agent admin ---

// AgentInfo is the admin view of one agent.
type AgentInfo struct {
	AgentID         string   `json:"agent_id"`
	Name            string   `json:"name"`
	Model           string   `json:"model"`
	SystemPrompt    string   `json:"system_prompt"`
	Tools           []string `json:"tools"`
	Subagents       []string `json:"subagents"`
	Middleware      []string `json:"middleware"`
	Hooks           []string `json:"hooks"`
	BackendType     string   `json:"backend_type"`
	SandboxURL      string   `json:"sandbox_url,omitempty"`
	Skills          []string `json:"skills"`
	Memory          []string `json:"memory"`
	Debug           bool     `json:"debug"`
	ContainerStatus string   `json:"container_status,omitempty"`
	ContainerError  string   `json:"container_error,omitempty"`
}

func (s *Server) agentInfo(agentID, username string, cfg *wick.AgentConfig, overrides *wick.HookOverrides) AgentInfo {
	info := AgentInfo{
		AgentID:     agentID,
		Name:        cfg.Name,
		Model:       cfg.Model.String(),
		Tools:       nonNil(cfg.Tools),
		Subagents:   subagentNames(cfg.Subagents),
		Middleware:  nonNil(cfg.Middleware),
		Hooks:       cfg.DefaultHookNames(),
		BackendType: "state",
		Skills:      []string{},
		Memory:      []string{},
		Debug:       cfg.Debug,
	}
	if overrides != nil {
		info.Hooks = hookNamesWithOverrides(cfg, overrides)
	}
	if cfg.SystemPrompt != "" {
		sp := cfg.SystemPrompt
		if len(sp) > 120 {
			sp = sp[:120] + "..."
		}
		info.SystemPrompt = sp
	}
	if cfg.Backend != nil {
		info.BackendType = cfg.Backend.Type
		info.SandboxURL = cfg.Backend.DockerHost
	}
	if cfg.Skills != nil {
		info.Skills = nonNil(cfg.Skills.Paths)
	}
	if cfg.Memory != nil {
		info.Memory = nonNil(cfg.Memory.Paths)
	}
	if b := s.backends.Get(agentID, username); b != nil {
		if st := b.ContainerStatus(); st != backend.StatusNone {
			info.ContainerStatus = string(st)
		}
		info.ContainerError = b.ContainerError()
	}
	return info
}

func hookNamesWithOverrides(cfg *wick.AgentConfig, ov *wick.HookOverrides) []string {
	removeSet := make(map[string]bool, len(ov.Remove))
	for _, n := range ov.Remove {
		removeSet[n] = true
	}
	var names []string
	for _, n := range cfg.DefaultHookNames() {
		if !removeSet[n] {
			names = append(names, n)
		}
	}
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}
	for _, n := range ov.Add {
		if !present[n] {
			names = append(names, n)
			present[n] = true
		}
	}
	if names == nil {
		names = []string{}
	}
	return names
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	username := s.resolveUser(r)
	infos := []AgentInfo{}
	for _, id := range s.registry.TemplateIDs() {
		cfg, _ := s.registry.Template(id)
		var overrides *wick.HookOverrides
		if inst, ok := s.registry.Instance(id, username); ok {
			cfg = inst.Config
			overrides = inst.HookOverrides
		}
		infos = append(infos, s.agentInfo(id, username, cfg, overrides))
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	username := s.resolveUser(r)
	inst, err := s.registry.GetOrClone(agentID, username)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.agentInfo(agentID, username, inst.Config, inst.HookOverrides))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	username := s.resolveUser(r)
	s.backends.Remove(agentID, username)
	if _, ok := s.registry.DeleteInstance(agentID, username); !ok {
		writeJSONError(w, http.StatusNotFound, "no instance for agent "+agentID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchBackend(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var body struct {
		Mode       string  `json:"mode"` // "local" or "remote"
		SandboxURL *string `json:"sandbox_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	username := s.resolveUser(r)
	inst, err := s.registry.GetOrClone(agentID, username)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	prev := inst.Config.Backend
	cfg := &wick.BackendCfg{}
	if prev != nil {
		*cfg = *prev
	}
	switch body.Mode {
	case "local":
		cfg.Type = "local"
		cfg.DockerHost = ""
	case "remote":
		cfg.Type = "docker"
		if body.SandboxURL != nil {
			cfg.DockerHost = *body.SandboxURL
		}
	default:
		writeJSONError(w, http.StatusBadRequest, "mode must be 'local' or 'remote'")
		return
	}

	s.backends.Remove(agentID, username)
	if _, err := s.registry.UpdateBackend(agentID, username, cfg); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	b, err := newBackend(cfg, username, s.log)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	containerStatus := "launched"
	if db, ok := b.(*backend.DockerBackend); ok {
		db.LaunchAsync(nil)
		containerStatus = "launching"
	}
	s.backends.Set(agentID, username, b)

	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":         agentID,
		"backend_type":     cfg.Type,
		"sandbox_url":      cfg.DockerHost,
		"container_status": containerStatus,
	})
}

var knownHooks = map[string]bool{
	"tracing": true, "todolist": true, "filesystem": true,
	"skills": true, "memory": true, "summarization": true,
}

func (s *Server) handlePatchHooks(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var body wick.HookOverrides
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	for _, name := range append(append([]string(nil), body.Add...), body.Remove...) {
		if !knownHooks[name] {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown hook: %q", name))
			return
		}
	}

	username := s.resolveUser(r)
	inst, err := s.registry.GetOrClone(agentID, username)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	merged := mergeOverrides(inst.HookOverrides, &body)
	if _, err := s.registry.UpdateHooks(agentID, username, merged); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"hooks":    hookNamesWithOverrides(inst.Config, merged),
	})
}

// mergeOverrides folds a patch into existing overrides. Adding a hook
// cancels a prior removal and vice versa.
func mergeOverrides(existing, patch *wick.HookOverrides) *wick.HookOverrides {
	out := &wick.HookOverrides{}
	if existing != nil {
		out.Remove = append([]string(nil), existing.Remove...)
		out.Add = append([]string(nil), existing.Add...)
		if existing.Config != nil {
			out.Config = make(map[string]any, len(existing.Config))
			for k, v := range existing.Config {
				out.Config[k] = v
			}
		}
	}
	if len(patch.Add) > 0 {
		out.Add = mergeStrings(out.Add, patch.Add)
		out.Remove = removeStrings(out.Remove, patch.Add)
	}
	if len(patch.Remove) > 0 {
		out.Remove = mergeStrings(out.Remove, patch.Remove)
		out.Add = removeStrings(out.Add, patch.Remove)
	}
	if patch.Config != nil {
		if out.Config == nil {
			out.Config = map[string]any{}
		}
		for k, v := range patch.Config {
			out.Config[k] = v
		}
	}
	return out
}

func mergeStrings(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			a = append(a, s)
			set[s] = true
		}
	}
	return a
}

func removeStrings(a, toRemove []string) []string {
	set := make(map[string]bool, len(toRemove))
	for _, s := range toRemove {
		set[s] = true
	}
	var out []string
	for _, s := range a {
		if !set[s] {
			out = append(out, s)
		}
	}
	return out
}

// --- Files ---

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		agentID = "default"
	}

	username := s.resolveUser(r)
	b := s.backends.Get(agentID, username)
	if b == nil {
		writeJSONError(w, http.StatusBadRequest, "agent has no backend")
		return
	}
	resolved, err := b.ResolvePath(path)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := b.DownloadFiles(r.Context(), []string{resolved})
	if len(results) == 0 || results[0].Error != "" {
		writeJSONError(w, http.StatusNotFound, "file not found: "+resolved)
		return
	}

	filename := resolved
	if idx := strings.LastIndex(resolved, "/"); idx >= 0 {
		filename = resolved[idx+1:]
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, filename))
	_, _ = w.Write(results[0].Content)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = "default"
	}

	username := s.resolveUser(r)
	b := s.backends.Get(agentID, username)
	if b == nil {
		writeJSONError(w, http.StatusBadRequest, "agent has no backend")
		return
	}
	resolved, err := b.ResolvePath(req.Path)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	content := []byte(req.Content)
	results := b.UploadFiles(r.Context(), []backend.FileUpload{{Path: resolved, Content: content}})
	if len(results) > 0 && results[0].Error != "" {
		writeJSONError(w, http.StatusInternalServerError, "upload failed: "+results[0].Error)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"path":   resolved,
		"size":   len(content),
	})
}

// --- Tools / downstream / traces ---

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	patterns, ok := s.rolePatterns(r)
	if !ok {
		writeJSONError(w, http.StatusForbidden, "no role patterns for user")
		return
	}

	type toolEntry struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
		Source      string          `json:"source"`
	}
	entries := []toolEntry{}
	for _, t := range mcp.FilterTools(patterns, s.agg.AllTools()) {
		source := ""
		if c := s.agg.Lookup(t.Name); c != nil {
			source = c.Name()
		}
		entries = append(entries, toolEntry{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Source:      source,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDownstream(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agg.Statuses())
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"threads": s.recorder.Threads()})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	spans := s.recorder.Spans(threadID)
	if len(spans) == 0 {
		writeJSONError(w, http.StatusNotFound, "no trace for thread "+threadID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_id": threadID, "spans": spans})
}

// --- helpers ---

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func subagentNames(subs []wick.SubagentCfg) []string {
	names := make([]string, len(subs))
	for i, sa := range subs {
		names[i] = sa.Name
	}
	return names
}
