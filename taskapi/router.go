package taskapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/legalflow/clausereview/apperr"
	"github.com/legalflow/clausereview/domain"
	"github.com/legalflow/clausereview/domainplugin"
	"github.com/legalflow/clausereview/events"
	"github.com/legalflow/clausereview/skills"
)

// Router wires the Task API Facade's HTTP and SSE surface over a Manager.
type Router struct {
	manager *Manager
	auth    *Authenticator
	bus     *events.Bus
	plugins *domainplugin.Registry
	skills  *skills.Registry
}

// NewRouter builds the chi router. bus is used directly (rather than
// through graph.EventPublisher) because streaming needs Subscribe, which
// is not part of that narrower interface.
func NewRouter(manager *Manager, auth *Authenticator, bus *events.Bus, plugins *domainplugin.Registry, registry *skills.Registry) http.Handler {
	rt := &Router{manager: manager, auth: auth, bus: bus, plugins: plugins, skills: registry}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: false,
	}))

	r.Get("/domains", rt.listDomains)
	r.Get("/domains/{domainID}", rt.getDomain)
	r.Get("/skills", rt.listSkills)
	r.Get("/skills/{skillID}", rt.getSkill)
	r.Get("/skills/by-domain/{domainID}", rt.skillsByDomain)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Post("/review/start", rt.startReview)
		r.Post("/review/{taskID}/upload", rt.uploadDocument)
		r.Get("/review/{taskID}/documents", rt.listDocuments)
		r.Post("/review/{taskID}/run", rt.runReview)
		r.Post("/review/{taskID}/approve", rt.approve)
		r.Post("/review/{taskID}/resume", rt.resume)
		r.Get("/review/{taskID}/status", rt.status)
		r.Post("/review/{taskID}/rehydrate", rt.rehydrate)
		r.Get("/review/{taskID}/clause/{clauseID}/context", rt.clauseContext)
		r.Get("/review/{taskID}/stream", rt.stream)
		r.Get("/review/quota", rt.quotaBalance)
		r.Post("/review/{taskID}/clause/{clauseID}/chat", rt.clauseChat)
	})

	return r
}

func (rt *Router) listDomains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.plugins.List())
}

func (rt *Router) getDomain(w http.ResponseWriter, r *http.Request) {
	plugin, err := rt.plugins.Get(chi.URLParam(r, "domainID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plugin)
}

func (rt *Router) listSkills(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.skills.List())
}

func (rt *Router) getSkill(w http.ResponseWriter, r *http.Request) {
	sk, ok := rt.skills.Lookup(chi.URLParam(r, "skillID"))
	if !ok {
		writeError(w, apperr.New(apperr.KindSkillNotFound, "unknown skill"))
		return
	}
	writeJSON(w, http.StatusOK, sk)
}

func (rt *Router) skillsByDomain(w http.ResponseWriter, r *http.Request) {
	plugin, err := rt.plugins.Get(chi.URLParam(r, "domainID"))
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make(map[string]bool)
	var ordered []string
	for _, item := range plugin.Checklist {
		for _, id := range item.RequiredSkills {
			if !ids[id] {
				ids[id] = true
				ordered = append(ordered, id)
			}
		}
		for _, id := range item.SuggestedSkills {
			if !ids[id] {
				ids[id] = true
				ordered = append(ordered, id)
			}
		}
	}
	writeJSON(w, http.StatusOK, rt.skills.ToolDefinitions(ordered))
}

type startReviewRequest struct {
	DomainID string `json:"domain_id"`
	Subtype  string `json:"subtype"`
	Language string `json:"language"`
}

func (rt *Router) startReview(w http.ResponseWriter, r *http.Request) {
	userID, err := UserIDFromContext(r.Context())
	if err != nil {
		writeError(w, apperr.New(apperr.KindUnauthorized, err.Error()))
		return
	}
	var req startReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidInput, "decode request body", err))
		return
	}
	task, err := rt.manager.CreateTask(r.Context(), userID, req.DomainID, req.Subtype, req.Language)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	userID, err := UserIDFromContext(r.Context())
	if err != nil {
		writeError(w, apperr.New(apperr.KindUnauthorized, err.Error()))
		return
	}
	role := domain.DocumentRole(r.URL.Query().Get("role"))
	if role == "" {
		role = domain.RolePrimary
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = "document.txt"
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidInput, "read uploaded document", err))
		return
	}
	tree, err := rt.manager.UploadDocument(r.Context(), userID, chi.URLParam(r, "taskID"), role, filename, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (rt *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	userID, err := UserIDFromContext(r.Context())
	if err != nil {
		writeError(w, apperr.New(apperr.KindUnauthorized, err.Error()))
		return
	}
	taskID := chi.URLParam(r, "taskID")
	tree, err := rt.manager.Clauses(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := rt.manager.ownedEntry(userID, taskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (rt *Router) runReview(w http.ResponseWriter, r *http.Request) {
	userID, err := UserIDFromContext(r.Context())
	if err != nil {
		writeError(w, apperr.New(apperr.KindUnauthorized, err.Error()))
		return
	}
	if err := rt.manager.Run(r.Context(), userID, chi.URLParam(r, "taskID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type approveRequest struct {
	Decisions map[string]domain.UserDecision `json:"decisions"`
}

func (rt *Router) approve(w http.ResponseWriter, r *http.Request) {
	userID, err := UserIDFromContext(r.Context())
	if err != nil {
		writeError(w, apperr.New(apperr.KindUnauthorized, err.Error()))
		return
	}
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidInput, "decode request body", err))
		return
	}
	if err := rt.manager.Approve(r.Context(), userID, chi.URLParam(r, "taskID"), req.Decisions); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) resume(w http.ResponseWriter, r *http.Request) {
	userID, err := UserIDFromContext(r.Context())
	if err != nil {
		writeError(w, apperr.New(apperr.KindUnauthorized, err.Error()))
		return
	}
	if err := rt.manager.Resume(r.Context(), userID, chi.URLParam(r, "taskID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (rt *Router) status(w http.ResponseWriter, r *http.Request) {
	userID, err := UserIDFromContext(r.Context())
	if err != nil {
		writeError(w, apperr.New(apperr.KindUnauthorized, err.Error()))
		return
	}
	task, pending, err := rt.manager.Status(r.Context(), userID, chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "pending_diffs": pending})
}

func (rt *Router) rehydrate(w http.ResponseWriter, r *http.Request) {
	userID, err := UserIDFromContext(r.Context())
	if err != nil {
		writeError(w, apperr.New(apperr.KindUnauthorized, err.Error()))
		return
	}
	state, err := rt.manager.Rehydrate(r.Context(), userID, chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (rt *Router) clauseContext(w http.ResponseWriter, r *http.Request) {
	userID, err := UserIDFromContext(r.Context())
	if err != nil {
		writeError(w, apperr.New(apperr.KindUnauthorized, err.Error()))
		return
	}
	node, refs, err := rt.manager.ClauseContext(r.Context(), userID, chi.URLParam(r, "taskID"), chi.URLParam(r, "clauseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clause": node, "cross_references": refs})
}

// stream serves the SSE Event Bus for one task, replaying events since
// Last-Event-ID (or the last_seen_seq query parameter) before switching to
// live delivery.
func (rt *Router) stream(w http.ResponseWriter, r *http.Request) {
	userID, err := UserIDFromContext(r.Context())
	if err != nil {
		writeError(w, apperr.New(apperr.KindUnauthorized, err.Error()))
		return
	}
	taskID := chi.URLParam(r, "taskID")
	if _, err := rt.manager.ownedEntry(userID, taskID); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.New(apperr.KindInternal, "streaming unsupported"))
		return
	}

	lastSeen := int64(-1)
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			lastSeen = n
		}
	} else if v := r.URL.Query().Get("last_seen_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			lastSeen = n
		}
	}

	ch, cancel := rt.bus.Subscribe(taskID, lastSeen)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := events.WriteSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Type == events.TypeReviewCompleted || ev.Type == events.TypeDone {
				return
			}
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (rt *Router) quotaBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := UserIDFromContext(r.Context())
	if err != nil {
		writeError(w, apperr.New(apperr.KindUnauthorized, err.Error()))
		return
	}
	balance, err := rt.manager.quota.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

type clauseChatRequest struct {
	Message string `json:"message"`
}

// clauseChat appends a user turn to a clause's refinement chat and returns
// the model's reply, grounded in the clause's current text —
// a supplemented, lighter-weight path than a full clause_generate_diffs
// round, for back-and-forth discussion that may or may not end in a new
// diff proposal.
func (rt *Router) clauseChat(w http.ResponseWriter, r *http.Request) {
	userID, err := UserIDFromContext(r.Context())
	if err != nil {
		writeError(w, apperr.New(apperr.KindUnauthorized, err.Error()))
		return
	}
	var req clauseChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidInput, "decode request body", err))
		return
	}
	reply, err := rt.manager.ClauseChat(r.Context(), userID, chi.URLParam(r, "taskID"), chi.URLParam(r, "clauseID"), req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}
