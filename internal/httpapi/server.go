// Package httpapi implements the in-process HTTP server: health/status
// probes, synchronous agent execution, the chat_send egress bridge, skill
// pin/unpin, task CRUD (backed by taskrunner.Scheduler), static files under
// .ship/public, and a websocket feed broadcasting live AgentTurn step events
// to operator dashboards.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wangenius/shipmyagent/internal/agentturn"
	"github.com/wangenius/shipmyagent/internal/chatkey"
	"github.com/wangenius/shipmyagent/internal/runtime"
	"github.com/wangenius/shipmyagent/internal/taskrunner"
)

// ServiceName is reported by /api/status.
const ServiceName = "shipmyagent"

// Server is the in-process HTTP surface wired directly against a Runtime and
// its Scheduler; it adds no state of its own beyond the websocket hub.
type Server struct {
	rt        *runtime.Runtime
	scheduler *taskrunner.Scheduler
	token     string

	hub *hub
	mux *http.ServeMux
}

// New builds a Server. token, if non-empty, is required as a Bearer token on
// every /api/* route (public files and /health are always open).
func New(rt *runtime.Runtime, scheduler *taskrunner.Scheduler, token string) *Server {
	return &Server{rt: rt, scheduler: scheduler, token: token, hub: newHub()}
}

// BuildMux registers every route and returns the mux, building it once.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.auth(s.handleStatus))
	mux.HandleFunc("POST /api/execute", s.auth(s.handleExecute))
	mux.HandleFunc("POST /api/chat/send", s.auth(s.handleChatSend))
	mux.HandleFunc("GET /api/skill/list", s.auth(s.handleSkillList))
	mux.HandleFunc("POST /api/skill/load", s.auth(s.handleSkillLoad))
	mux.HandleFunc("POST /api/skill/unload", s.auth(s.handleSkillUnload))
	mux.HandleFunc("GET /api/task/list", s.auth(s.handleTaskList))
	mux.HandleFunc("GET /api/task/{id}", s.auth(s.handleTaskGet))
	mux.HandleFunc("POST /api/task/{id}/run", s.auth(s.handleTaskRun))
	mux.HandleFunc("GET /ship/ws", s.handleWebSocket)
	mux.Handle("GET /ship/public/", http.StripPrefix("/ship/public/", http.FileServer(http.Dir(s.rt.Layout.PublicDir()))))

	s.mux = mux
	return mux
}

// Serve blocks, listening on addr, until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.BuildMux()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("httpapi: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: %w", err)
	}
	return nil
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && extractBearerToken(r) != s.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":      ServiceName,
		"status":    "running",
		"timestamp": time.Now().UTC(),
		"lanes":     s.rt.Stats(),
	})
}

type executeRequest struct {
	Instructions string `json:"instructions"`
	ChatID       string `json:"chatId"`
	UserID       string `json:"userId"`
	MessageID    string `json:"messageId"`
}

// handleExecute runs one AgentTurn synchronously against api:chat:<chatId>,
// broadcasting its step events to the websocket feed as it progresses.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Instructions == "" || req.ChatID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "instructions and chatId are required"})
		return
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	in := agentturn.TurnInput{
		ContextID: chatkey.DeriveAPI(req.ChatID),
		UserText:  req.Instructions,
		Channel:   "api",
		TargetID:  req.ChatID,
		ActorID:   req.UserID,
		MessageID: req.MessageID,
	}

	result, err := s.rt.RunTurn(r.Context(), in, s.hub.broadcast)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": result.Success,
		"output":  result.Output,
	})
}

type chatSendRequest struct {
	ChatKey string `json:"chatKey"`
	Text    string `json:"text"`
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var req chatSendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.ChatKey == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chatKey and text are required"})
		return
	}
	if err := s.rt.Egress.SendToChatKey(req.ChatKey, req.Text); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleSkillList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"skills": s.rt.SkillIDs()})
}

type skillPinRequest struct {
	Name      string `json:"name"`
	ContextID string `json:"contextId"`
}

func (s *Server) handleSkillLoad(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSkillPin(w, r)
	if !ok {
		return
	}
	store, err := s.rt.HistoryStore(req.ContextID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := store.AddPinnedSkillID(req.Name); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSkillUnload(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSkillPin(w, r)
	if !ok {
		return
	}
	store, err := s.rt.HistoryStore(req.ContextID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := store.RemovePinnedSkillID(req.Name); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decodeSkillPin(w http.ResponseWriter, r *http.Request) (skillPinRequest, bool) {
	var req skillPinRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return req, false
	}
	if req.Name == "" || req.ContextID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and contextId are required"})
		return req, false
	}
	return req, true
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": s.scheduler.Definitions()})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, def := range s.scheduler.Definitions() {
		if def.TaskID == id {
			writeJSON(w, http.StatusOK, def)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
}

func (s *Server) handleTaskRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.scheduler.RunNow(r.Context(), id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	return strings.TrimPrefix(h, "Bearer ")
}
