package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/gridflow/internal/flow"
	"github.com/mtzanidakis/gridflow/internal/intake"
	"github.com/mtzanidakis/gridflow/internal/store"
	"github.com/mtzanidakis/gridflow/internal/work"
)

const maxTicksPerRequest = 100

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Grid
	mux.HandleFunc("GET /api/grid", s.getGrid)
	mux.HandleFunc("GET /api/grid/ascii", s.getGridASCII)
	mux.HandleFunc("GET /api/queues", s.listQueues)

	// Work items
	mux.HandleFunc("GET /api/items", s.listItems)
	mux.HandleFunc("POST /api/items", s.submitItem)
	mux.HandleFunc("GET /api/items/{id}", s.getItem)
	mux.HandleFunc("GET /api/items/{id}/lineage", s.getLineage)
	mux.HandleFunc("GET /api/items/{id}/events", s.getItemEvents)
	mux.HandleFunc("GET /api/items/{id}/verdicts", s.getItemVerdicts)

	// Ticks
	mux.HandleFunc("GET /api/ticks", s.listTicks)
	mux.HandleFunc("POST /api/ticks", s.runTicks)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) getGrid(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.orch.Grid().Snapshot())
}

func (s *Server) getGridASCII(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, s.orch.Grid().ASCII())
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	stats := s.orch.Grid().Scheduler().AllStats()
	if stats == nil {
		stats = []flow.QueueStats{}
	}
	jsonResponse(w, stats)
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ItemFilter{
		Status: work.Status(q.Get("status")),
		Kind:   q.Get("kind"),
		Queue:  q.Get("queue"),
		Parent: q.Get("parent"),
	}
	if f.Status != "" && !f.Status.Valid() {
		jsonError(w, fmt.Sprintf("unknown status %q", f.Status), http.StatusBadRequest)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	if s.store != nil {
		items, err := s.store.ListItems(f)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if items == nil {
			items = []work.Item{}
		}
		jsonResponse(w, items)
		return
	}

	out := []work.Item{}
	for _, it := range s.orch.Grid().Scheduler().Arena().List(f.Status) {
		if (f.Kind != "" && it.Kind != f.Kind) || (f.Queue != "" && it.Queue != f.Queue) ||
			(f.Parent != "" && it.ParentID != f.Parent) {
			continue
		}
		out = append(out, it)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	jsonResponse(w, out)
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if it, ok := s.orch.Grid().Scheduler().Arena().Get(id); ok {
		jsonResponse(w, it)
		return
	}
	if s.store != nil {
		it, err := s.store.GetItem(id)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if it != nil {
			jsonResponse(w, it)
			return
		}
	}
	jsonError(w, "item not found", http.StatusNotFound)
}

func (s *Server) getLineage(w http.ResponseWriter, r *http.Request) {
	chain, err := s.orch.Grid().Scheduler().Arena().Lineage(r.PathValue("id"))
	if errors.Is(err, work.ErrNotFound) {
		jsonError(w, "item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, chain)
}

func (s *Server) getItemEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonResponse(w, []store.ItemEvent{})
		return
	}
	events, err := s.store.ListEvents(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []store.ItemEvent{}
	}
	jsonResponse(w, events)
}

func (s *Server) getItemVerdicts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonResponse(w, []store.Verdict{})
		return
	}
	verdicts, err := s.store.ListVerdicts(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if verdicts == nil {
		verdicts = []store.Verdict{}
	}
	jsonResponse(w, verdicts)
}

func (s *Server) submitItem(w http.ResponseWriter, r *http.Request) {
	var sub intake.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	receipt, err := intake.Submit(s.orch.Grid(), sub)
	switch {
	case errors.Is(err, work.ErrCapacityExceeded):
		jsonError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(receipt)
}

func (s *Server) listTicks(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonResponse(w, []store.TickRecord{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ticks, err := s.store.ListTicks(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ticks == nil {
		ticks = []store.TickRecord{}
	}
	jsonResponse(w, ticks)
}

// runTicks advances the grid synchronously and returns the run summary.
func (s *Server) runTicks(w http.ResponseWriter, r *http.Request) {
	n := 1
	if v := r.URL.Query().Get("n"); v != "" {
		var err error
		if n, err = strconv.Atoi(v); err != nil || n < 1 || n > maxTicksPerRequest {
			jsonError(w, fmt.Sprintf("n must be between 1 and %d", maxTicksPerRequest), http.StatusBadRequest)
			return
		}
	}
	sum, err := s.orch.RunNTicks(r.Context(), n)
	if err != nil {
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	jsonResponse(w, map[string]any{
		"summary":            sum,
		"routing_efficiency": sum.RoutingEfficiency(),
		"ascii":              s.orch.Grid().ASCII(),
	})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	g := s.orch.Grid()
	status := map[string]any{
		"status":      "ok",
		"tick":        g.Tick(),
		"cells":       g.Len(),
		"outstanding": g.Scheduler().Outstanding(),
		"quiescent":   g.Quiescent(),
		"items":       g.Scheduler().Arena().Counts(),
		"ws_clients":  s.hub.Len(),
		"uptime":      formatUptime(time.Since(s.startedAt)),
		"timestamp":   time.Now().UTC(),
		"version":     s.version,
	}
	if s.nats != nil {
		status["nats"] = "ok"
	}
	jsonResponse(w, status)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
