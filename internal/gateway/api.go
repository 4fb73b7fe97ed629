// ABOUTME: Collaborator HTTP API: tenants, dialogs, handoff transitions, messages, audit, presence
// ABOUTME: Also the read-only diagnostics surface and health endpoints

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/handoff"
	"github.com/2389/switchboard/internal/presence"
	"github.com/2389/switchboard/internal/store"
)

const maxBodyBytes = 1 << 20

// TenantRequest is the JSON body for POST /api/tenants.
type TenantRequest struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	AllowedDomains []string `json:"allowed_domains"`
}

// TenantResponse describes a tenant.
type TenantResponse struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	AllowedDomains []string `json:"allowed_domains"`
	Fingerprint    string   `json:"domain_fingerprint"`
	CreatedAt      string   `json:"created_at"`
}

// TokenRequest is the JSON body for POST /api/tenants/{id}/tokens.
type TokenRequest struct {
	DialogID string `json:"dialog_id,omitempty"`
}

// DialogRequest is the JSON body for POST /api/dialogs.
type DialogRequest struct {
	ID          string `json:"id,omitempty"`
	TenantID    string `json:"tenant_id"`
	Channel     string `json:"channel,omitempty"`
	AssistantID string `json:"assistant_id"`
	GuestID     string `json:"guest_id"`
}

// HandoffRequest is the JSON body for POST /api/dialogs/{id}/handoff.
type HandoffRequest struct {
	Reason       string `json:"reason"`
	RequestID    string `json:"request_id"`
	LastUserText string `json:"last_user_text,omitempty"`
}

// TakeoverRequest is the JSON body for POST /api/dialogs/{id}/takeover.
type TakeoverRequest struct {
	OperatorID string `json:"operator_id,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

// ReleaseRequest is the JSON body for POST /api/dialogs/{id}/release.
type ReleaseRequest struct {
	OperatorID string `json:"operator_id,omitempty"`
}

// CancelRequest is the JSON body for POST /api/dialogs/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// MessageRequest is the JSON body for POST /api/dialogs/{id}/messages.
type MessageRequest struct {
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
}

// MessageResponse acknowledges a message push.
type MessageResponse struct {
	MessageID string `json:"message_id"`
	Duplicate bool   `json:"duplicate"`
}

// AuditEntryResponse is one handoff audit entry.
type AuditEntryResponse struct {
	Seq        int64          `json:"seq"`
	FromStatus string         `json:"from_status"`
	ToStatus   string         `json:"to_status"`
	Actor      string         `json:"actor"`
	Reason     string         `json:"reason,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// AuditResponse is the JSON response for GET /api/dialogs/{id}/audit.
type AuditResponse struct {
	DialogID string               `json:"dialog_id"`
	Entries  []AuditEntryResponse `json:"entries"`
}

// PresenceRequest is the JSON body for POST /api/operators/presence.
type PresenceRequest struct {
	OperatorID string         `json:"operator_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Status     string         `json:"status"`
	Capacity   map[string]int `json:"capacity,omitempty"`
}

// PresenceResponse describes one operator's presence.
type PresenceResponse struct {
	OperatorID    string         `json:"operator_id"`
	TenantID      string         `json:"tenant_id"`
	Status        string         `json:"status"`
	LastHeartbeat string         `json:"last_heartbeat"`
	Capacity      map[string]int `json:"capacity"`
	ActiveChats   int            `json:"active_chats"`
}

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	authed := auth.HTTPAuthMiddleware(g.authn)
	api := func(h http.HandlerFunc) http.Handler { return authed(h) }
	requireManager := auth.RequireManagerHTTP()
	manager := func(h http.HandlerFunc) http.Handler { return authed(requireManager(h)) }

	mux.Handle("POST /api/tenants", manager(g.handleCreateTenant))
	mux.Handle("PUT /api/tenants/{id}/domains", manager(g.handleSetTenantDomains))
	mux.Handle("POST /api/tenants/{id}/tokens", manager(g.handleIssueToken))

	mux.Handle("POST /api/dialogs", api(g.handleCreateDialog))
	mux.Handle("GET /api/dialogs/{id}/handoff", api(g.handleGetHandoff))
	mux.Handle("POST /api/dialogs/{id}/handoff", api(g.handleRequestHandoff))
	mux.Handle("POST /api/dialogs/{id}/takeover", api(g.handleTakeover))
	mux.Handle("POST /api/dialogs/{id}/release", api(g.handleRelease))
	mux.Handle("POST /api/dialogs/{id}/cancel", api(g.handleCancel))
	mux.Handle("POST /api/dialogs/{id}/messages", api(g.handlePushMessage))
	mux.Handle("GET /api/dialogs/{id}/audit", api(g.handleAudit))

	mux.Handle("POST /api/operators/presence", api(g.handleSetPresence))
	mux.Handle("GET /api/operators/presence", api(g.handleListPresence))
	mux.Handle("POST /api/operators/reconcile", manager(g.handleReconcile))

	mux.Handle("GET /api/diagnostics/dialogs/{id}", api(g.handleDialogDiagnostics))
	mux.Handle("GET /api/diagnostics/connections", manager(g.handleConnectionDiagnostics))

	mux.HandleFunc("GET /embed/{id}/frame-policy", g.handleFramePolicy)
	mux.HandleFunc("GET /ws/operator/{id}", g.handleOperatorSocket)
	mux.HandleFunc("GET /ws/widget/{id}", g.handleWidgetSocket)
	mux.HandleFunc("GET /events/{id}", g.handleEventStream)

	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (g *Gateway) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req TenantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := events.ValidateDialogID(req.ID); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		req.Name = req.ID
	}

	t := &store.Tenant{ID: req.ID, Name: req.Name, AllowedDomains: auth.NormalizeDomains(req.AllowedDomains)}
	if err := g.store.CreateTenant(r.Context(), t); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			sendJSONError(w, http.StatusConflict, "tenant already exists")
			return
		}
		g.internalError(w, "failed to create tenant", err)
		return
	}
	g.logger.Info("tenant created", "tenant_id", t.ID, "domains", t.AllowedDomains)
	writeJSON(w, http.StatusCreated, tenantResponse(t))
}

func (g *Gateway) handleSetTenantDomains(w http.ResponseWriter, r *http.Request) {
	var req TenantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tenantID := r.PathValue("id")
	domains := auth.NormalizeDomains(req.AllowedDomains)

	if err := g.store.SetTenantDomains(r.Context(), tenantID, domains); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			sendJSONError(w, http.StatusNotFound, "tenant not found")
			return
		}
		g.internalError(w, "failed to update tenant domains", err)
		return
	}

	t, err := g.store.GetTenant(r.Context(), tenantID)
	if err != nil {
		g.internalError(w, "failed to load tenant", err)
		return
	}
	g.logger.Info("tenant domains changed, outstanding capability tokens invalidated",
		"tenant_id", tenantID,
		"domains", domains)
	writeJSON(w, http.StatusOK, tenantResponse(t))
}

func (g *Gateway) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tenantID := r.PathValue("id")

	domains, err := g.store.TenantDomains(r.Context(), tenantID)
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "tenant not found")
		return
	}
	if err != nil {
		g.internalError(w, "failed to load tenant", err)
		return
	}

	token, err := g.issuer.Issue(tenantID, req.DialogID, domains)
	if err != nil {
		g.internalError(w, "failed to issue token", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":           token,
		"tenant_id":       tenantID,
		"dialog_id":       req.DialogID,
		"allowed_domains": domains,
	})
}

func (g *Gateway) handleCreateDialog(w http.ResponseWriter, r *http.Request) {
	var req DialogRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TenantID == "" || req.AssistantID == "" || req.GuestID == "" {
		sendJSONError(w, http.StatusBadRequest, "tenant_id, assistant_id, and guest_id are required")
		return
	}
	if !auth.MustFromContext(r.Context()).CanAccessTenant(req.TenantID) {
		sendJSONError(w, http.StatusForbidden, "tenant not accessible")
		return
	}
	if _, err := g.store.GetTenant(r.Context(), req.TenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			sendJSONError(w, http.StatusNotFound, "tenant not found")
			return
		}
		g.internalError(w, "failed to load tenant", err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	d := &store.Dialog{
		ID:          req.ID,
		TenantID:    req.TenantID,
		Channel:     req.Channel,
		AssistantID: req.AssistantID,
		GuestID:     req.GuestID,
	}
	if err := g.store.CreateDialog(r.Context(), d); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			sendJSONError(w, http.StatusConflict, "dialog already exists")
			return
		}
		g.internalError(w, "failed to create dialog", err)
		return
	}

	snap, err := g.handoff.Snapshot(r.Context(), d.ID)
	if err != nil {
		g.internalError(w, "failed to load dialog state", err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// loadDialog resolves the {id} path value and checks tenant access.
func (g *Gateway) loadDialog(w http.ResponseWriter, r *http.Request) (*store.Dialog, bool) {
	d, err := g.store.GetDialog(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "dialog not found")
		return nil, false
	}
	if err != nil {
		g.internalError(w, "failed to load dialog", err)
		return nil, false
	}
	if authCtx := auth.FromContext(r.Context()); authCtx != nil && !authCtx.CanAccessTenant(d.TenantID) {
		sendJSONError(w, http.StatusForbidden, "dialog not accessible")
		return nil, false
	}
	return d, true
}

func (g *Gateway) handleGetHandoff(w http.ResponseWriter, r *http.Request) {
	d, ok := g.loadDialog(w, r)
	if !ok {
		return
	}
	snap, err := g.handoff.Snapshot(r.Context(), d.ID)
	if err != nil {
		g.writeHandoffError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleRequestHandoff(w http.ResponseWriter, r *http.Request) {
	d, ok := g.loadDialog(w, r)
	if !ok {
		return
	}
	var req HandoffRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = idempotencyKey(r)
	}

	res, err := g.handoff.Request(r.Context(), handoff.RequestParams{
		DialogID:     d.ID,
		Reason:       req.Reason,
		RequestID:    req.RequestID,
		LastUserText: req.LastUserText,
		Actor:        auth.MustFromContext(r.Context()).PrincipalID,
	})
	if err != nil {
		g.writeHandoffError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// operatorFor resolves which operator an action is performed for. Operators
// act for themselves unless they are admins; services must name one.
func operatorFor(authCtx *auth.AuthContext, requested string) (string, int, string) {
	switch {
	case authCtx.IsService():
		if requested == "" {
			return "", http.StatusBadRequest, "operator_id is required"
		}
		return requested, 0, ""
	case requested == "" || requested == authCtx.PrincipalID:
		return authCtx.PrincipalID, 0, ""
	case authCtx.IsAdmin():
		return requested, 0, ""
	default:
		return "", http.StatusForbidden, "cannot act for another operator"
	}
}

func (g *Gateway) handleTakeover(w http.ResponseWriter, r *http.Request) {
	d, ok := g.loadDialog(w, r)
	if !ok {
		return
	}
	var req TakeoverRequest
	if !decodeBody(w, r, &req) {
		return
	}

	authCtx := auth.MustFromContext(r.Context())
	if req.Force && !authCtx.IsAdmin() {
		sendJSONError(w, http.StatusForbidden, "force requires admin role")
		return
	}
	operatorID, status, msg := operatorFor(authCtx, req.OperatorID)
	if status != 0 {
		sendJSONError(w, status, msg)
		return
	}

	res, err := g.handoff.Takeover(r.Context(), handoff.TakeoverParams{
		DialogID:   d.ID,
		OperatorID: operatorID,
		Force:      req.Force,
		Actor:      authCtx.PrincipalID,
	})
	if err != nil {
		g.writeHandoffError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleRelease(w http.ResponseWriter, r *http.Request) {
	d, ok := g.loadDialog(w, r)
	if !ok {
		return
	}
	var req ReleaseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	operatorID, status, msg := operatorFor(auth.MustFromContext(r.Context()), req.OperatorID)
	if status != 0 {
		sendJSONError(w, status, msg)
		return
	}

	res, err := g.handoff.Release(r.Context(), d.ID, operatorID)
	if err != nil {
		g.writeHandoffError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	d, ok := g.loadDialog(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := g.handoff.Cancel(r.Context(), d.ID, auth.MustFromContext(r.Context()).PrincipalID, req.Reason)
	if err != nil {
		g.writeHandoffError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handlePushMessage(w http.ResponseWriter, r *http.Request) {
	d, ok := g.loadDialog(w, r)
	if !ok {
		return
	}
	var req MessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch req.Sender {
	case "user", "assistant", "operator":
	default:
		sendJSONError(w, http.StatusBadRequest, "sender must be user, assistant, or operator")
		return
	}
	if req.MessageID == "" {
		req.MessageID = idempotencyKey(r)
	}

	dup, err := g.delivery.PublishMessage(r.Context(), d.ID, events.Message{
		Sender:    req.Sender,
		Text:      req.Text,
		MessageID: req.MessageID,
	})
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, MessageResponse{MessageID: req.MessageID, Duplicate: dup})
}

func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	d, ok := g.loadDialog(w, r)
	if !ok {
		return
	}

	afterSeq, err := queryInt(r, "after_seq")
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "after_seq must be an integer")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	entries, err := g.handoff.Audit(r.Context(), d.ID, int64(afterSeq), limit)
	if err != nil {
		g.writeHandoffError(w, err)
		return
	}

	resp := AuditResponse{DialogID: d.ID, Entries: make([]AuditEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, AuditEntryResponse{
			Seq:        e.Seq,
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			Actor:      e.Actor,
			Reason:     e.Reason,
			RequestID:  e.RequestID,
			Extra:      e.Extra,
			CreatedAt:  e.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleSetPresence(w http.ResponseWriter, r *http.Request) {
	var req PresenceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := presence.ParseStatus(req.Status)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	authCtx := auth.MustFromContext(r.Context())
	operatorID, code, msg := operatorFor(authCtx, req.OperatorID)
	if code != 0 {
		sendJSONError(w, code, msg)
		return
	}
	tenantID := authCtx.TenantID
	if authCtx.IsService() {
		tenantID = req.TenantID
	}

	p, err := g.presence.SetStatus(r.Context(), operatorID, tenantID, status, req.Capacity)
	if err != nil {
		g.internalError(w, "failed to set presence", err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse(p))
}

func (g *Gateway) handleListPresence(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	tenantID := authCtx.TenantID
	if authCtx.IsService() {
		tenantID = r.URL.Query().Get("tenant_id")
	}

	var status store.PresenceStatus
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := presence.ParseStatus(s)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = parsed
	}

	rows, err := g.presence.List(r.Context(), tenantID, status)
	if err != nil {
		g.internalError(w, "failed to list presence", err)
		return
	}
	out := make([]PresenceResponse, 0, len(rows))
	for _, p := range rows {
		out = append(out, presenceResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"operators": out})
}

func (g *Gateway) handleReconcile(w http.ResponseWriter, r *http.Request) {
	drifts, err := g.presence.Reconcile(r.Context())
	if err != nil {
		g.internalError(w, "failed to reconcile presence", err)
		return
	}
	out := make([]map[string]any, 0, len(drifts))
	for _, d := range drifts {
		out = append(out, map[string]any{"operator_id": d.OperatorID, "cached": d.Cached, "actual": d.Actual})
	}
	writeJSON(w, http.StatusOK, map[string]any{"corrected": out})
}

func (g *Gateway) handleDialogDiagnostics(w http.ResponseWriter, r *http.Request) {
	d, ok := g.loadDialog(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, g.registry.Status(d.ID))
}

func (g *Gateway) handleConnectionDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"server_id":       g.serverID,
		"connections":     g.registry.Totals(),
		"rate_limit_keys": g.guard.Len(),
	})
}

// writeHandoffError maps state machine errors to HTTP statuses.
func (g *Gateway) writeHandoffError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, handoff.ErrDialogNotFound):
		sendJSONError(w, http.StatusNotFound, "dialog not found")
	case errors.Is(err, handoff.ErrMissingOperator):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, handoff.ErrOperatorUnavailable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "code": "operator_unavailable"})
	case errors.Is(err, handoff.ErrOperatorAtCapacity):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "code": "operator_at_capacity"})
	case errors.Is(err, handoff.ErrNotAssigned):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "code": "not_assigned"})
	case errors.Is(err, handoff.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "code": "invalid_transition"})
	default:
		g.internalError(w, "handoff operation failed", err)
	}
}

func (g *Gateway) internalError(w http.ResponseWriter, msg string, err error) {
	g.logger.Error(msg, "error", err)
	sendJSONError(w, http.StatusInternalServerError, "internal server error")
}

// idempotencyKey returns the Idempotency-Key header, falling back to
// X-Idempotency-Key.
func idempotencyKey(r *http.Request) string {
	if k := r.Header.Get("Idempotency-Key"); k != "" {
		return k
	}
	return r.Header.Get("X-Idempotency-Key")
}

func queryInt(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// decodeBody parses a JSON body into v. An empty body leaves v unchanged.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func tenantResponse(t *store.Tenant) TenantResponse {
	domains := t.AllowedDomains
	if domains == nil {
		domains = []string{}
	}
	return TenantResponse{
		ID:             t.ID,
		Name:           t.Name,
		AllowedDomains: domains,
		Fingerprint:    auth.DomainFingerprint(t.AllowedDomains),
		CreatedAt:      t.CreatedAt.Format(time.RFC3339),
	}
}

func presenceResponse(p *store.OperatorPresence) PresenceResponse {
	return PresenceResponse{
		OperatorID:    p.OperatorID,
		TenantID:      p.TenantID,
		Status:        string(p.Status),
		LastHeartbeat: p.LastHeartbeat.Format(time.RFC3339Nano),
		Capacity:      p.Capacity,
		ActiveChats:   p.ActiveChats,
	}
}
