// Package api exposes the local control surface: notification reads and
// mutations for front-end consumers plus queue and connection
// introspection for operators.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sapliy/notifysync/internal/coordinator"
	"github.com/sapliy/notifysync/internal/notify"
	"github.com/sapliy/notifysync/internal/queue"
	"github.com/sapliy/notifysync/pkg/jsonutil"
)

type Server struct {
	coord  *coordinator.Coordinator
	queue  *queue.Queue
	logger *slog.Logger
}

func NewServer(coord *coordinator.Coordinator, q *queue.Queue, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{coord: coord, queue: q, logger: logger.With("component", "api")}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/notifications", s.handleList).Methods(http.MethodGet)
	v1.HandleFunc("/notifications/unread-count", s.handleUnreadCount).Methods(http.MethodGet)
	v1.HandleFunc("/notifications/read-all", s.handleReadAll).Methods(http.MethodPost)
	v1.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	v1.HandleFunc("/notifications/{id}/unread", s.handleMarkUnread).Methods(http.MethodPost)
	v1.HandleFunc("/notifications/{id}", s.handleDelete).Methods(http.MethodDelete)
	v1.HandleFunc("/queue", s.handleQueueSnapshot).Methods(http.MethodGet)
	v1.HandleFunc("/queue/flush", s.handleQueueFlush).Methods(http.MethodPost)
	v1.HandleFunc("/queue/{id}/retry", s.handleQueueRetry).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jsonutil.WriteJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.coord.Notifications(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	jsonutil.WriteJSON(w, http.StatusOK, map[string]int{"unread": s.coord.UnreadCount()})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.coord.MarkAsRead(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, map[string]string{"id": id, "read": "true"})
}

func (s *Server) handleMarkUnread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.coord.MarkAsUnread(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, map[string]string{"id": id, "read": "false"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.coord.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.MarkAllAsRead(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, map[string]int{"unread": s.coord.UnreadCount()})
}

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		jsonutil.WriteJSON(w, http.StatusOK, map[string]any{"operations": []any{}})
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, map[string]any{"operations": s.queue.Snapshot()})
}

func (s *Server) handleQueueFlush(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		jsonutil.WriteErrorJSON(w, http.StatusConflict, "no offline queue configured")
		return
	}
	if err := s.queue.Flush(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	jsonutil.WriteJSON(w, http.StatusOK, map[string]int{"depth": s.queue.Depth()})
}

func (s *Server) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		jsonutil.WriteErrorJSON(w, http.StatusConflict, "no offline queue configured")
		return
	}
	id := mux.Vars(r)["id"]
	if !s.queue.Retry(id) {
		jsonutil.WriteErrorJSON(w, http.StatusNotFound, "operation not found or not terminal")
		return
	}
	jsonutil.WriteJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, notify.ErrNotFound):
		jsonutil.WriteErrorJSON(w, http.StatusNotFound, err.Error())
	case errors.Is(err, notify.ErrValidation):
		jsonutil.WriteErrorJSON(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, notify.ErrPermission):
		jsonutil.WriteErrorJSON(w, http.StatusForbidden, err.Error())
	case errors.Is(err, notify.ErrTimeout):
		jsonutil.WriteErrorJSON(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		jsonutil.WriteErrorJSON(w, http.StatusBadGateway, err.Error())
	}
}
