// Package web serves the monitor: a small JSON API over the history store
// plus a websocket feed of live status and result traffic.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flockd/flock/internal/bus"
	"github.com/flockd/flock/internal/config"
	"github.com/flockd/flock/internal/message"
	"github.com/flockd/flock/internal/store"
	"github.com/nats-io/nats.go"
)

type Server struct {
	store     *store.Store
	client    *bus.Client
	hub       *Hub
	cfg       config.WebConfig
	startedAt time.Time
}

func NewServer(s *store.Store, client *bus.Client, cfg config.WebConfig) *Server {
	return &Server{
		store:     s,
		client:    client,
		hub:       NewHub(),
		cfg:       cfg,
		startedAt: time.Now(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	if err := s.subscribeEvents(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/results", s.handleResults)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/dead", s.handleDeadTasks)
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("GET /api/sessions/{id}/responses", s.handleSessionResponses)
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("monitor listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// subscribeEvents mirrors live broker traffic onto the websocket hub.
func (s *Server) subscribeEvents() error {
	_, err := s.client.Subscribe(bus.StatusPattern("#"), func(msg *nats.Msg) {
		var ev message.StatusEvent
		if err := message.Decode(msg.Data, &ev, "status event"); err != nil {
			return
		}
		s.hub.Broadcast(Event{Type: "status", Payload: ev})
	})
	if err != nil {
		return fmt.Errorf("subscribe status feed: %w", err)
	}

	_, err = s.client.Subscribe(bus.SubjectResults, func(msg *nats.Msg) {
		var r message.Result
		if err := message.Decode(msg.Data, &r, "result"); err != nil {
			return
		}
		s.hub.Broadcast(Event{Type: "result", Payload: r})
	})
	if err != nil {
		return fmt.Errorf("subscribe results feed: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.store.ListResults(limitParam(r))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, results)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListStatusEvents(limitParam(r))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, events)
}

func (s *Server) handleDeadTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListDeadTasks(limitParam(r))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, tasks)
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	agents, err := s.store.AgentActivitySummary()
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, agents)
}

// handleSessionResponses lists a brainstorm session's responses, deduped
// by responding agent (the dual-publish mirror can record duplicates).
func (s *Server) handleSessionResponses(w http.ResponseWriter, r *http.Request) {
	responses, err := s.store.ListSessionResponses(r.PathValue("id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, responses)
}

func limitParam(r *http.Request) int {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	return limit
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, err error) {
	slog.Error("api error", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
