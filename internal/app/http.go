package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chronicle/api/internal/auth"
	"chronicle/api/internal/events"
	"chronicle/api/internal/store"
)

// HTTPServer is the request boundary (C13): one method+path dispatcher,
// wrapped in request-id/CORS/logging middleware, translating decoded
// bodies into service calls and *DomainError into the {detail, code,
// fields} response shape.
type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		s.handleHealth(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "not found", nil)
		return
	}
	segments := parts[1:]

	if r.Method == http.MethodPost && len(segments) == 1 && segments[0] == "init" {
		s.handleInit(w, r)
		return
	}

	switch segments[0] {
	case "workspaces":
		s.handleWorkspaces(w, r, segments[1:])
		return
	case "repos":
		s.handleRepos(w, r, segments[1:])
		return
	case "bdh":
		s.handleBdh(w, r, segments[1:])
		return
	case "beads":
		s.handleBeads(w, r, segments[1:])
		return
	case "claims":
		s.handleClaims(w, r, segments[1:])
		return
	case "status":
		s.handleStatus(w, r, segments[1:])
		return
	case "messages":
		s.handleMessages(w, r, segments[1:])
		return
	case "chat":
		s.handleChat(w, r, segments[1:])
		return
	case "reservations":
		s.handleReservations(w, r, segments[1:])
		return
	case "policies":
		s.handlePolicies(w, r, segments[1:])
		return
	case "escalations":
		s.handleEscalations(w, r, segments[1:])
		return
	case "subscriptions":
		s.handleSubscriptions(w, r, segments[1:])
		return
	case "dashboard":
		s.handleDashboard(w, r, segments[1:])
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "not found", nil)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	checks := map[string]any{"database": map[string]any{"status": "ok"}}
	status := "ok"
	code := http.StatusOK
	if err := s.service.store.DB().PingContext(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// --- /v1/init ---

func (s *HTTPServer) handleInit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID        string `json:"tenant_id"`
		Slug            string `json:"project_slug"`
		Visibility      string `json:"visibility"`
		CanonicalOrigin string `json:"canonical_origin"`
		Alias           string `json:"alias"`
		HumanName       string `json:"human_name"`
		Role            string `json:"role"`
		Class           string `json:"class"`
		Timezone        string `json:"timezone"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
		return
	}
	result, derr := s.service.Init(r.Context(), InitRequest{
		TenantID: body.TenantID, Slug: body.Slug, Visibility: body.Visibility,
		CanonicalOrigin: body.CanonicalOrigin, Alias: body.Alias, HumanName: body.HumanName,
		Role: body.Role, Class: body.Class, Timezone: body.Timezone,
	})
	if derr != nil {
		writeDomainError(w, derr)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"project_id": result.ProjectID, "workspace_id": result.WorkspaceID, "repo_id": result.RepoID,
		"alias": result.Alias, "api_key": result.ApiKey,
	})
}

// --- /v1/workspaces ---

func (s *HTTPServer) handleWorkspaces(w http.ResponseWriter, r *http.Request, rest []string) {
	p, derr := s.authenticate(w, r)
	if derr != nil {
		return
	}

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			filter := workspaceFilterFromQuery(r)
			items, derr := s.service.ListWorkspaces(r.Context(), p, filter)
			if derr != nil {
				writeDomainError(w, derr)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"workspaces": items})
			return
		}
		writeError(w, http.StatusNotFound, "not_found", "not found", nil)
		return
	}

	if rest[0] == "register" && r.Method == http.MethodPost {
		var body struct {
			CanonicalOrigin string `json:"canonical_origin"`
			Alias           string `json:"alias"`
			HumanName       string `json:"human_name"`
			Role            string `json:"role"`
			Class           string `json:"class"`
			Timezone        string `json:"timezone"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
			return
		}
		ws, derr := s.service.RegisterWorkspace(r.Context(), p, InitRequest{
			CanonicalOrigin: body.CanonicalOrigin, Alias: body.Alias, HumanName: body.HumanName,
			Role: body.Role, Class: body.Class, Timezone: body.Timezone,
		})
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusCreated, ws)
		return
	}

	id := rest[0]
	if len(rest) == 2 && rest[1] == "restore" && r.Method == http.MethodPost {
		ws, derr := s.service.RestoreWorkspace(r.Context(), p, id)
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, ws)
		return
	}
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "not_found", "not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		ws, derr := s.service.GetWorkspace(r.Context(), p, id)
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, ws)
	case http.MethodPatch:
		var patch WorkspacePatch
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
			return
		}
		ws, derr := s.service.PatchWorkspace(r.Context(), p, id, patch)
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, ws)
	case http.MethodDelete:
		if derr := s.service.DeleteWorkspace(r.Context(), p, id); derr != nil {
			writeDomainError(w, derr)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusNotFound, "not_found", "not found", nil)
	}
}

// --- /v1/repos ---

func (s *HTTPServer) handleRepos(w http.ResponseWriter, r *http.Request, rest []string) {
	p, derr := s.authenticate(w, r)
	if derr != nil {
		return
	}
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, derr := s.service.ListRepos(r.Context(), p)
			if derr != nil {
				writeDomainError(w, derr)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"repos": items})
		case http.MethodPost:
			var body struct {
				CanonicalOrigin string `json:"canonical_origin"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
				return
			}
			repo, derr := s.service.CreateRepo(r.Context(), p, body.CanonicalOrigin)
			if derr != nil {
				writeDomainError(w, derr)
				return
			}
			writeJSON(w, http.StatusCreated, repo)
		default:
			writeError(w, http.StatusNotFound, "not_found", "not found", nil)
		}
		return
	}
	if len(rest) == 1 && r.Method == http.MethodDelete {
		if derr := s.service.DeleteRepo(r.Context(), p, rest[0]); derr != nil {
			writeDomainError(w, derr)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "not found", nil)
}

// --- /v1/bdh ---

func (s *HTTPServer) handleBdh(w http.ResponseWriter, r *http.Request, rest []string) {
	p, derr := s.authenticate(w, r)
	if derr != nil {
		return
	}
	if len(rest) != 1 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found", "not found", nil)
		return
	}
	switch rest[0] {
	case "sync":
		var body struct {
			WorkspaceID     string              `json:"workspace_id"`
			RepoID          string              `json:"repo_id"`
			ChangedIssues   []IssueInput        `json:"changed_issues"`
			DeletedIDs      []string            `json:"deleted_ids"`
			ClaimsSnapshot  []ClaimSnapshotEntry `json:"claims_snapshot"`
			NotificationAck []string            `json:"notification_ack"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
			return
		}
		result, derr := s.service.Sync(r.Context(), p, body.WorkspaceID, SyncRequest{
			RepoID: body.RepoID, ChangedIssues: body.ChangedIssues, DeletedIDs: body.DeletedIDs,
			ClaimsSnapshot: body.ClaimsSnapshot, NotificationAck: body.NotificationAck,
		})
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case "check":
		var body struct {
			WorkspaceID string   `json:"workspace_id"`
			Command     string   `json:"command"`
			BeadIDs     []string `json:"bead_ids"`
			Paths       []string `json:"paths"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
			return
		}
		outcomes, derr := s.service.Check(r.Context(), p, body.WorkspaceID, body.Command, body.BeadIDs, body.Paths)
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": outcomes})
	default:
		writeError(w, http.StatusNotFound, "not_found", "not found", nil)
	}
}

// --- /v1/beads ---

func (s *HTTPServer) handleBeads(w http.ResponseWriter, r *http.Request, rest []string) {
	p, derr := s.authenticate(w, r)
	if derr != nil {
		return
	}
	if r.Method != http.MethodGet || len(rest) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "not found", nil)
		return
	}
	switch {
	case rest[0] == "ready" && len(rest) == 1:
		items, derr := s.service.ReadyIssues(r.Context(), p)
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"issues": items})
	case rest[0] == "issues" && len(rest) == 1:
		items, derr := s.service.ListIssues(r.Context(), p, issueFilterFromQuery(r))
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"issues": items})
	case rest[0] == "issues" && len(rest) == 2:
		iss, derr := s.service.GetIssue(r.Context(), p, rest[1])
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, iss)
	default:
		writeError(w, http.StatusNotFound, "not_found", "not found", nil)
	}
}

// --- /v1/claims ---

func (s *HTTPServer) handleClaims(w http.ResponseWriter, r *http.Request, rest []string) {
	p, derr := s.authenticate(w, r)
	if derr != nil {
		return
	}
	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "not_found", "not found", nil)
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, derr := s.service.ListClaims(r.Context(), p, r.URL.Query().Get("workspace_id"))
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"claims": items})
	case http.MethodPost:
		var body struct {
			WorkspaceID string `json:"workspace_id"`
			BeadID      string `json:"bead_id"`
			Apex        string `json:"apex"`
			JumpIn      bool   `json:"jump_in"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
			return
		}
		claim, derr := s.service.Claim(r.Context(), p, body.WorkspaceID, body.BeadID, body.Apex, body.JumpIn)
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusCreated, claim)
	case http.MethodDelete:
		var body struct {
			WorkspaceID string `json:"workspace_id"`
			BeadID      string `json:"bead_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
			return
		}
		if derr := s.service.Release(r.Context(), p, body.WorkspaceID, body.BeadID); derr != nil {
			writeDomainError(w, derr)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusNotFound, "not_found", "not found", nil)
	}
}

// --- /v1/status ---

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request, rest []string) {
	p, derr := s.authenticate(w, r)
	if derr != nil {
		return
	}
	if len(rest) == 1 && rest[0] == "stream" {
		s.handleStatusStream(w, r, p)
		return
	}
	if len(rest) != 0 || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "not found", nil)
		return
	}
	snapshot, derr := s.service.Status(r.Context(), p, workspaceFilterFromQuery(r))
	if derr != nil {
		writeDomainError(w, derr)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleStatusStream(w http.ResponseWriter, r *http.Request, p Principal) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported", nil)
		return
	}

	filter := events.Filter{Repo: r.URL.Query().Get("repo"), HumanName: r.URL.Query().Get("human_name")}
	for _, t := range strings.Split(r.URL.Query().Get("event_types"), ",") {
		if t != "" {
			filter.EventTypes = append(filter.EventTypes, events.Type(t))
		}
	}

	sub, derr := s.service.StreamEvents(r.Context(), p, filter)
	if derr != nil {
		writeDomainError(w, derr)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.service.cfg.HeartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case env, ok := <-sub.Events:
			if !ok {
				return
			}
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// --- /v1/messages ---

func (s *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request, rest []string) {
	p, derr := s.authenticate(w, r)
	if derr != nil {
		return
	}
	if len(rest) == 0 && r.Method == http.MethodPost {
		var body struct {
			FromWS   string `json:"from_workspace_id"`
			ToWS     string `json:"to_workspace_id"`
			Subject  string `json:"subject"`
			Body     string `json:"body"`
			Priority string `json:"priority"`
			ThreadID string `json:"thread_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
			return
		}
		m, derr := s.service.SendMail(r.Context(), p, body.FromWS, body.ToWS, body.Subject, body.Body, body.Priority, body.ThreadID)
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusCreated, m)
		return
	}
	if len(rest) == 1 && rest[0] == "inbox" && r.Method == http.MethodGet {
		workspaceID := r.URL.Query().Get("workspace_id")
		unreadOnly := r.URL.Query().Get("unread_only") == "true"
		limit := parseLimit(r)
		items, derr := s.service.ListInbox(r.Context(), p, workspaceID, unreadOnly, limit)
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})
		return
	}
	if len(rest) == 2 && rest[1] == "ack" && r.Method == http.MethodPost {
		var body struct {
			WorkspaceID string `json:"workspace_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
			return
		}
		m, derr := s.service.AckMail(r.Context(), p, body.WorkspaceID, rest[0])
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, m)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "not found", nil)
}

// --- /v1/chat ---

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request, rest []string) {
	p, derr := s.authenticate(w, r)
	if derr != nil {
		return
	}
	if len(rest) == 1 && rest[0] == "pending" && r.Method == http.MethodGet {
		items, derr := s.service.ListChatPending(r.Context(), p, r.URL.Query().Get("workspace_id"))
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})
		return
	}
	if len(rest) >= 1 && rest[0] == "admin" {
		s.handleChatAdmin(w, r, p, rest[1:])
		return
	}
	if len(rest) == 1 && rest[0] == "sessions" {
		switch r.Method {
		case http.MethodGet:
			items, derr := s.service.AdminListSessions(r.Context(), p)
			if derr != nil {
				writeDomainError(w, derr)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"sessions": items})
		case http.MethodPost:
			var body struct {
				FromWS             string   `json:"from_workspace_id"`
				FromAlias          string   `json:"from_alias"`
				ToAliases          []string `json:"to_aliases"`
				Message            string   `json:"message"`
				StartConversation  bool     `json:"start_conversation"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
				return
			}
			result, derr := s.service.StartChat(r.Context(), p, body.FromWS, body.FromAlias, body.ToAliases, body.Message, body.StartConversation)
			if derr != nil {
				writeDomainError(w, derr)
				return
			}
			writeJSON(w, http.StatusCreated, result)
		default:
			writeError(w, http.StatusNotFound, "not_found", "not found", nil)
		}
		return
	}
	if (len(rest) == 2 || (len(rest) == 3 && rest[2] == "messages")) && rest[0] == "sessions" && r.Method == http.MethodGet {
		items, derr := s.service.ChatHistory(r.Context(), p, rest[1], r.URL.Query().Get("since"), parseLimit(r))
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})
		return
	}
	if len(rest) == 3 && rest[0] == "sessions" && rest[2] == "messages" && r.Method == http.MethodPost {
		s.handleChatSend(w, r, p, rest[1])
		return
	}
	if len(rest) == 3 && rest[0] == "sessions" && rest[2] == "extend-wait" && r.Method == http.MethodPost {
		writeJSON(w, http.StatusOK, map[string]any{"chat_wait_cap_seconds": int(s.service.ExtendChatWaitCap().Seconds())})
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "not found", nil)
}

func (s *HTTPServer) handleChatSend(w http.ResponseWriter, r *http.Request, p Principal, sessionID string) {
	var body struct {
		FromWS  string `json:"from_workspace_id"`
		FromAlias string `json:"from_alias"`
		Body    string `json:"body"`
		Leaving bool   `json:"leaving"`
		WaitSeconds int `json:"wait_seconds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
		return
	}
	wait := time.Duration(body.WaitSeconds) * time.Second
	if body.WaitSeconds == 0 {
		wait = 0
	}
	result, derr := s.service.SendChat(r.Context(), p, sessionID, body.FromWS, body.FromAlias, body.Body, body.Leaving, wait)
	if derr != nil {
		writeDomainError(w, derr)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleChatAdmin(w http.ResponseWriter, r *http.Request, p Principal, rest []string) {
	if len(rest) == 1 && rest[0] == "sessions" && r.Method == http.MethodGet {
		items, derr := s.service.AdminListSessions(r.Context(), p)
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": items})
		return
	}
	if (len(rest) == 2 || (len(rest) == 3 && rest[2] == "messages")) && rest[0] == "sessions" && r.Method == http.MethodGet {
		items, derr := s.service.ChatHistory(r.Context(), p, rest[1], "", 500)
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})
		return
	}
	if len(rest) == 3 && rest[0] == "sessions" && rest[2] == "join" && r.Method == http.MethodPost {
		var body struct {
			WorkspaceID string `json:"workspace_id"`
			Alias       string `json:"alias"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
			return
		}
		if derr := s.service.AdminJoin(r.Context(), p, rest[1], body.WorkspaceID, body.Alias); derr != nil {
			writeDomainError(w, derr)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "not found", nil)
}

// --- /v1/reservations ---

func (s *HTTPServer) handleReservations(w http.ResponseWriter, r *http.Request, rest []string) {
	p, derr := s.authenticate(w, r)
	if derr != nil {
		return
	}
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, derr := s.service.ListReservations(r.Context(), p)
			if derr != nil {
				writeDomainError(w, derr)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"reservations": items})
		case http.MethodPost:
			var body struct {
				WorkspaceID string `json:"workspace_id"`
				Path        string `json:"path"`
				Reason      string `json:"reason"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
				return
			}
			res, derr := s.service.AcquireReservation(r.Context(), p, body.WorkspaceID, body.Path, body.Reason)
			if derr != nil {
				writeDomainError(w, derr)
				return
			}
			writeJSON(w, http.StatusCreated, res)
		default:
			writeError(w, http.StatusNotFound, "not_found", "not found", nil)
		}
		return
	}
	if len(rest) == 1 && r.Method == http.MethodDelete {
		workspaceID := r.URL.Query().Get("workspace_id")
		if derr := s.service.ReleaseReservation(r.Context(), p, workspaceID, rest[0]); derr != nil {
			writeDomainError(w, derr)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "not found", nil)
}

// --- /v1/policies ---

func (s *HTTPServer) handlePolicies(w http.ResponseWriter, r *http.Request, rest []string) {
	p, derr := s.authenticate(w, r)
	if derr != nil {
		return
	}
	if len(rest) == 0 && r.Method == http.MethodPost {
		var body struct {
			Bundle       json.RawMessage `json:"bundle"`
			BasePolicyID string          `json:"base_policy_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
			return
		}
		result, derr := s.service.CreatePolicy(r.Context(), p, body.Bundle, body.BasePolicyID)
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusCreated, result)
		return
	}
	if len(rest) == 1 && rest[0] == "active" && r.Method == http.MethodGet {
		view, derr := s.service.GetActivePolicy(r.Context(), p)
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}
	if len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet {
		items, derr := s.service.ListPolicyHistory(r.Context(), p, parseLimit(r))
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"policies": items})
		return
	}
	if len(rest) == 1 && rest[0] == "reset" && r.Method == http.MethodPost {
		result, derr := s.service.ResetPolicyToDefaults(r.Context(), p)
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}
	if len(rest) == 1 && r.Method == http.MethodGet {
		view, derr := s.service.GetPolicyByID(r.Context(), p, rest[0])
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}
	if len(rest) == 2 && rest[1] == "activate" && r.Method == http.MethodPost {
		if derr := s.service.ActivatePolicy(r.Context(), p, rest[0]); derr != nil {
			writeDomainError(w, derr)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "not found", nil)
}

// --- /v1/escalations ---

func (s *HTTPServer) handleEscalations(w http.ResponseWriter, r *http.Request, rest []string) {
	p, derr := s.authenticate(w, r)
	if derr != nil {
		return
	}
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, derr := s.service.ListEscalations(r.Context(), p, r.URL.Query().Get("status"), parseLimit(r))
			if derr != nil {
				writeDomainError(w, derr)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"escalations": items})
		case http.MethodPost:
			var body struct {
				WorkspaceID  string   `json:"workspace_id"`
				Subject      string   `json:"subject"`
				Situation    string   `json:"situation"`
				Options      []string `json:"options"`
				TTLSeconds   int      `json:"ttl_seconds"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
				return
			}
			ttl := time.Duration(body.TTLSeconds) * time.Second
			esc, derr := s.service.CreateEscalation(r.Context(), p, body.WorkspaceID, body.Subject, body.Situation, body.Options, ttl)
			if derr != nil {
				writeDomainError(w, derr)
				return
			}
			writeJSON(w, http.StatusCreated, esc)
		default:
			writeError(w, http.StatusNotFound, "not_found", "not found", nil)
		}
		return
	}
	if len(rest) == 1 && r.Method == http.MethodGet {
		esc, derr := s.service.GetEscalation(r.Context(), p, rest[0])
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, esc)
		return
	}
	if len(rest) == 2 && rest[1] == "respond" && r.Method == http.MethodPost {
		var body struct {
			Response string `json:"response"`
			Note     string `json:"note"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
			return
		}
		esc, derr := s.service.RespondToEscalation(r.Context(), p, rest[0], body.Response, body.Note)
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, esc)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "not found", nil)
}

// --- /v1/subscriptions ---

func (s *HTTPServer) handleSubscriptions(w http.ResponseWriter, r *http.Request, rest []string) {
	p, derr := s.authenticate(w, r)
	if derr != nil {
		return
	}
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, derr := s.service.ListSubscriptions(r.Context(), p, r.URL.Query().Get("workspace_id"))
			if derr != nil {
				writeDomainError(w, derr)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"subscriptions": items})
		case http.MethodPost:
			var body struct {
				WorkspaceID string   `json:"workspace_id"`
				BeadID      string   `json:"bead_id"`
				RepoID      string   `json:"repo_id"`
				EventTypes  []string `json:"event_types"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
				return
			}
			sub, derr := s.service.CreateSubscription(r.Context(), p, body.WorkspaceID, body.BeadID, body.RepoID, body.EventTypes)
			if derr != nil {
				writeDomainError(w, derr)
				return
			}
			writeJSON(w, http.StatusCreated, sub)
		default:
			writeError(w, http.StatusNotFound, "not_found", "not found", nil)
		}
		return
	}
	if len(rest) == 1 && r.Method == http.MethodDelete {
		if derr := s.service.DeleteSubscription(r.Context(), p, rest[0]); derr != nil {
			writeDomainError(w, derr)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "not found", nil)
}

// --- /v1/dashboard ---

func (s *HTTPServer) handleDashboard(w http.ResponseWriter, r *http.Request, rest []string) {
	p, derr := s.authenticate(w, r)
	if derr != nil {
		return
	}
	if len(rest) == 1 && rest[0] == "config" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, s.service.DashboardConfig(r.Context(), p))
		return
	}
	if len(rest) == 1 && rest[0] == "identity" && r.Method == http.MethodPost {
		var body struct {
			Alias     string `json:"alias"`
			HumanName string `json:"human_name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
			return
		}
		ws, derr := s.service.RegisterDashboardIdentity(r.Context(), p, body.Alias, body.HumanName)
		if derr != nil {
			writeDomainError(w, derr)
			return
		}
		writeJSON(w, http.StatusCreated, ws)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "not found", nil)
}

// --- shared helpers ---

func (s *HTTPServer) authenticate(w http.ResponseWriter, r *http.Request) (Principal, *DomainError) {
	p, derr := s.service.resolvePrincipal(r.Context(), r)
	if derr != nil {
		writeDomainError(w, derr)
		return Principal{}, derr
	}
	return p, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID, r.Method, r.URL.Path, writer.status, time.Since(started).Milliseconds())
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-BH-Auth, X-Project-ID, X-API-Key, X-User-ID, X-Aweb-Actor-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, detail string, fields any) {
	response := map[string]any{"detail": detail, "code": code}
	if fields != nil {
		response["fields"] = fields
	}
	writeJSON(w, status, response)
}

func writeDomainError(w http.ResponseWriter, derr *DomainError) {
	writeError(w, derr.Status, derr.Code, derr.Message, derr.Fields)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func workspaceFilterFromQuery(r *http.Request) store.WorkspaceFilter {
	q := r.URL.Query()
	return store.WorkspaceFilter{
		IncludeDeleted: q.Get("include_deleted") == "true",
		RepoID:         q.Get("repo_id"),
		Class:          q.Get("class"),
	}
}

func issueFilterFromQuery(r *http.Request) store.IssueFilter {
	q := r.URL.Query()
	return store.IssueFilter{
		Status:   q.Get("status"),
		Assignee: q.Get("assignee"),
		Label:    q.Get("label"),
	}
}

func parseLimit(r *http.Request) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// mapError is kept for any caller outside the handler tree that needs to
// translate a generic error (rather than a *DomainError already produced
// by a service method) into a response; every handler above already has
// a typed *DomainError and calls writeDomainError directly.
func mapError(err error) (status int, code, message string, fields any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Fields
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "not_found", "not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrNoCredentials) {
		return http.StatusUnauthorized, "unauthenticated", "unauthenticated", nil
	}
	return http.StatusInternalServerError, "internal", "internal error", nil
}
