package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/trialpulse/clindata/core/pkg/accesscontrol"
	"github.com/trialpulse/clindata/core/pkg/annotation"
	"github.com/trialpulse/clindata/core/pkg/chain"
	"github.com/trialpulse/clindata/core/pkg/event"
	"github.com/trialpulse/clindata/core/pkg/projector"
	"github.com/trialpulse/clindata/core/pkg/store"
	syncpkg "github.com/trialpulse/clindata/core/pkg/sync"
)

const maxBodyBytes = 1 << 20 // 1MB

// Handler exposes the data store over HTTP. All writes go through the sync
// resolver; nothing appends to the ledger behind its back.
type Handler struct {
	Events      store.Store
	Resolver    *syncpkg.Resolver
	Projector   *projector.Projector
	Verifier    *chain.Verifier
	Conflicts   *syncpkg.ConflictStore
	Annotations *annotation.Store

	// PageSize caps GET /v1/events pages.
	PageSize int
}

// RegisterRoutes wires every endpoint onto mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", h.handleAppend)
	mux.HandleFunc("GET /v1/events", h.handleQueryEvents)
	mux.HandleFunc("GET /v1/events/{id}", h.handleGetEvent)
	mux.HandleFunc("POST /v1/sync/batch", h.handleSyncBatch)
	mux.HandleFunc("GET /v1/conflicts", h.handleListConflicts)
	mux.HandleFunc("GET /v1/conflicts/{id}", h.handleGetConflict)
	mux.HandleFunc("POST /v1/conflicts/{id}/resolve", h.handleResolveConflict)
	mux.HandleFunc("POST /v1/annotations", h.handleOpenAnnotation)
	mux.HandleFunc("GET /v1/annotations", h.handleListAnnotations)
	mux.HandleFunc("POST /v1/annotations/{id}/answer", h.handleAnswerAnnotation)
	mux.HandleFunc("POST /v1/annotations/{id}/close", h.handleCloseAnnotation)
	mux.HandleFunc("POST /v1/verify", h.handleVerify)
	mux.HandleFunc("GET /v1/entities/{id}", h.handleEntityHistory)
	mux.HandleFunc("GET /v1/entities/{id}/state", h.handleEntityState)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /readiness", h.handleHealth)
}

// AppendResponse is the commit receipt for one accepted event.
type AppendResponse struct {
	EventID    string            `json:"event_id"`
	Sequence   int64             `json:"sequence"`
	ServerTime time.Time         `json:"server_time"`
	Hash       string            `json:"hash"`
	Status     syncpkg.Status    `json:"status"`
	Flagged    bool              `json:"flagged,omitempty"`
	Conflict   *syncpkg.Conflict `json:"conflict,omitempty"`
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	env, ok := h.decodeEnvelope(w, r)
	if !ok {
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		env.IdempotencyKey = key
	}

	res, err := h.Resolver.Submit(r.Context(), env)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Status == syncpkg.StatusDuplicate {
		status = http.StatusOK
	}
	if res.Status == syncpkg.StatusConflict {
		// The branch is committed and preserved, but it is not the live
		// head; the caller must know review is now required.
		status = http.StatusConflict
	}
	writeJSON(w, status, appendResponse(res))
}

func appendResponse(res *syncpkg.Result) *AppendResponse {
	return &AppendResponse{
		EventID:    res.Event.EventID,
		Sequence:   res.Event.Sequence,
		ServerTime: res.Event.ServerTime,
		Hash:       res.Event.Hash,
		Status:     res.Status,
		Flagged:    res.Flagged,
		Conflict:   res.Conflict,
	}
}

// EventsPage is one page of ledger rows plus the cursor for the next.
type EventsPage struct {
	Events     []*event.Event `json:"events"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

func (h *Handler) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		TenantID:  q.Get("tenant_id"),
		EntityID:  q.Get("entity_id"),
		ActorID:   q.Get("actor_id"),
		Operation: event.Operation(q.Get("operation")),
		Limit:     h.pageSize(),
	}
	if v := q.Get("cursor"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, "cursor must be an integer sequence number")
			return
		}
		f.AfterSeq = seq
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		if n < f.Limit {
			f.Limit = n
		}
	}
	var ok bool
	if f.From, ok = parseTimeParam(w, q.Get("from"), "from"); !ok {
		return
	}
	if f.To, ok = parseTimeParam(w, q.Get("to"), "to"); !ok {
		return
	}

	events, next, err := h.Events.AllEvents(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &EventsPage{Events: events, NextCursor: next})
}

func (h *Handler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.Events.EventByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// SyncBatchRequest is one offline upload.
type SyncBatchRequest struct {
	Envelopes []*event.Envelope `json:"envelopes"`
}

func (h *Handler) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 8*maxBodyBytes)
	var req SyncBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if len(req.Envelopes) == 0 {
		WriteBadRequest(w, "envelopes must not be empty")
		return
	}
	h.stampActor(r, req.Envelopes...)

	batch, err := h.Resolver.ApplyBatch(r.Context(), req.Envelopes)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *Handler) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("open") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	conflicts, err := h.Conflicts.List(r.Context(), openOnly, limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}

func (h *Handler) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	conflict, err := h.Conflicts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

// ResolveRequest carries the reviewer's resolution event and note.
type ResolveRequest struct {
	Envelope *event.Envelope `json:"envelope"`
	Note     string          `json:"note"`
}

func (h *Handler) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Envelope == nil {
		WriteBadRequest(w, "envelope is required")
		return
	}
	h.stampActor(r, req.Envelope)

	res, err := h.Resolver.Resolve(r.Context(), r.PathValue("id"), req.Envelope, req.Note)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, appendResponse(res))
}

// OpenAnnotationRequest raises a data query.
type OpenAnnotationRequest struct {
	EntityID string `json:"entity_id"`
	EventID  string `json:"event_id,omitempty"`
	Question string `json:"question"`
}

func (h *Handler) handleOpenAnnotation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req OpenAnnotationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.EntityID == "" {
		WriteBadRequest(w, "entity_id is required")
		return
	}
	a, err := h.Annotations.Open(r.Context(), req.EntityID, req.EventID, req.Question)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) handleListAnnotations(w http.ResponseWriter, r *http.Request) {
	entityID := r.URL.Query().Get("entity_id")
	if entityID == "" {
		WriteBadRequest(w, "entity_id is required")
		return
	}
	openOnly := r.URL.Query().Get("open") == "true"
	annotations, err := h.Annotations.List(r.Context(), entityID, openOnly)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"annotations": annotations})
}

func (h *Handler) handleAnswerAnnotation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	a, err := h.Annotations.Answer(r.Context(), r.PathValue("id"), req.Answer)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleCloseAnnotation(w http.ResponseWriter, r *http.Request) {
	a, err := h.Annotations.Close(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// VerifyRequest resumes a chunked chain sweep; zero values start at genesis.
type VerifyRequest struct {
	AfterSeq int64  `json:"after_seq,omitempty"`
	PrevHash string `json:"prev_hash,omitempty"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	p := accesscontrol.PrincipalFromContext(r.Context())
	if p == nil || (p.Role != accesscontrol.RoleAuditor && p.Role != accesscontrol.RoleService) {
		WriteForbidden(w, "chain verification requires the auditor role")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req VerifyRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "Invalid request body")
			return
		}
	}

	// The sweep must read every row; auditors already have full read
	// visibility, the service identity just makes that explicit.
	svcCtx := accesscontrol.WithPrincipal(r.Context(), accesscontrol.ServicePrincipal())
	report, err := h.Verifier.VerifyFrom(svcCtx, req.AfterSeq, req.PrevHash)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	var asOf *time.Time
	if v := r.URL.Query().Get("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, "as_of must be RFC 3339")
			return
		}
		asOf = &t
	}
	events, err := h.Events.EventsFor(r.Context(), r.PathValue("id"), asOf)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	// Invisible and nonexistent entities are indistinguishable: both are an
	// empty history, never a 404 that leaks existence.
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (h *Handler) handleEntityState(w http.ResponseWriter, r *http.Request) {
	state, err := h.Projector.State(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeEnvelope reads one envelope and stamps attribution from the
// verified principal. Client-claimed actor fields are never trusted.
func (h *Handler) decodeEnvelope(w http.ResponseWriter, r *http.Request) (*event.Envelope, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var env event.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return nil, false
	}
	h.stampActor(r, &env)
	return &env, true
}

func (h *Handler) stampActor(r *http.Request, envelopes ...*event.Envelope) {
	p := accesscontrol.PrincipalFromContext(r.Context())
	if p == nil {
		return
	}
	for _, env := range envelopes {
		env.ActorID = p.ActorID
		env.ActorRole = string(p.Role)
	}
}

func (h *Handler) pageSize() int {
	if h.PageSize > 0 {
		return h.PageSize
	}
	return 100
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *event.ValidationError
	var fork *store.ForkError
	var tooLarge *syncpkg.BatchTooLargeError
	switch {
	case errors.As(err, &validation):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", validation.Error())
	case errors.As(err, &tooLarge):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", tooLarge.Error())
	case errors.Is(err, store.ErrImmutability):
		WriteErrorR(w, r, http.StatusForbidden, "Forbidden", "recorded events cannot be changed or removed")
	case errors.Is(err, store.ErrWriteDenied):
		WriteErrorR(w, r, http.StatusForbidden, "Forbidden", "the caller may not perform this write")
	case errors.As(err, &fork), errors.Is(err, store.ErrSupersededParent), errors.Is(err, projector.ErrBlocked):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, projector.ErrNotFound),
		errors.Is(err, syncpkg.ErrConflictNotFound),
		errors.Is(err, annotation.ErrNotFound):
		WriteNotFound(w, "")
	default:
		WriteInternal(w, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseTimeParam(w http.ResponseWriter, v, name string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		WriteBadRequest(w, name+" must be RFC 3339")
		return time.Time{}, false
	}
	return t, true
}
