package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"reflect_framework/internal/config"
	"reflect_framework/internal/events"
	"reflect_framework/internal/jobs"
	"reflect_framework/internal/metrics"
	"reflect_framework/internal/session"
	"reflect_framework/internal/store"
)

// Router builds HTTP handlers for /api and /ops.
type Router struct {
	cfg        config.Config
	store      *store.Store
	runner     *jobs.Runner
	controller *session.Controller
	bus        *events.Bus
	metrics    *metrics.Metrics
	backfill   func(r *http.Request) error
	intake     func(r *http.Request, filename string) error
}

func NewRouter(cfg config.Config, st *store.Store, runner *jobs.Runner, ctrl *session.Controller, bus *events.Bus, m *metrics.Metrics, backfill func(r *http.Request) error, intake func(r *http.Request, filename string) error) *Router {
	return &Router{cfg: cfg, store: st, runner: runner, controller: ctrl, bus: bus, metrics: m, backfill: backfill, intake: intake}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/sessions", r.sessions)
	mux.HandleFunc("/api/sessions/", r.sessionDetail)
	mux.HandleFunc("/api/notes", r.notes)
	mux.HandleFunc("/api/events", r.events)
	mux.HandleFunc("/ops/status", r.status)
	mux.HandleFunc("/ops/jobs", r.jobs)
	mux.HandleFunc("/ops/jobs/", r.jobDetail)
	mux.HandleFunc("/ops/health", r.health)
	mux.HandleFunc("/ops/backfill", r.runBackfill)
	mux.HandleFunc("/ops/reprocess", r.reprocess)
}

// sessions handles GET (list) and POST (start from a transcript).
func (r *Router) sessions(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		list, err := r.store.ListSessions(req.Context(), 100)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, list)
	case http.MethodPost:
		var body struct {
			Transcript string `json:"transcript"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		snap, err := r.controller.StartSession(req.Context(), body.Transcript)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, snap)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// sessionDetail dispatches /api/sessions/{id} and its command sub-paths.
func (r *Router) sessionDetail(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/api/sessions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, req)
		return
	}

	if action == "" {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap, err := r.controller.GetSession(req.Context(), id)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, snap)
		return
	}

	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := req.Context()
	var snap session.Snapshot
	var err error
	switch action {
	case "select":
		var body struct {
			QuestionID string `json:"question_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		snap, err = r.controller.SelectQuestion(ctx, id, body.QuestionID)
	case "answer":
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		snap, err = r.controller.SubmitTextAnswer(ctx, id, body.Text)
	case "record":
		snap, err = r.controller.StartVoiceAnswer(ctx, id)
	case "record-cancel":
		snap, err = r.controller.CancelVoiceAnswer(ctx, id)
	case "answer-voice":
		var body struct {
			AudioPath string `json:"audio_path"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		snap, err = r.controller.SubmitVoiceAnswer(ctx, id, body.AudioPath)
		if err != nil {
			// The session already rolled back to its question list; report
			// both so the client can offer a retry.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error(), "session": snap})
			return
		}
	case "end":
		snap, err = r.controller.EndSession(ctx, id)
	case "retry":
		snap, err = r.controller.Retry(ctx, id)
	case "accept-original":
		snap, err = r.controller.AcceptOriginal(ctx, id)
	default:
		http.NotFound(w, req)
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, snap)
}

func (r *Router) notes(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.ListNotes(req.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, list)
}

// events streams session transitions as server-sent events.
func (r *Router) events(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch := r.bus.Subscribe()
	defer r.bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case ev := <-ch:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	sessions, _ := r.store.ListSessions(ctx, 5)
	jobList, _ := r.store.ListJobs(ctx, 10)
	respondJSON(w, map[string]any{
		"sessions": sessions,
		"jobs":     jobList,
		"workers":  r.cfg.WorkerCount,
		"metrics":  r.metrics.Snapshot(),
	})
}

func (r *Router) jobs(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.ListJobs(req.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, list)
}

func (r *Router) jobDetail(w http.ResponseWriter, req *http.Request) {
	// /ops/jobs/{id} or /ops/jobs/{id}/logs
	path := req.URL.Path
	if strings.HasSuffix(path, "/logs") {
		idStr := strings.TrimSuffix(strings.TrimPrefix(path, "/ops/jobs/"), "/logs")
		id, _ := strconv.ParseInt(idStr, 10, 64)
		respondJSON(w, r.runner.Logs(id))
		return
	}
	id, _ := strconv.ParseInt(strings.TrimPrefix(path, "/ops/jobs/"), 10, 64)
	list, err := r.store.ListJobs(req.Context(), 200)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, j := range list {
		if j.ID == id {
			respondJSON(w, j)
			return
		}
	}
	http.NotFound(w, req)
}

func (r *Router) runBackfill(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.backfill == nil {
		http.Error(w, "backfill unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := r.backfill(req); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]any{"status": "queued"})
}

func (r *Router) reprocess(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		NoteID   string     `json:"note_id"`
		Filename string     `json:"filename"`
		Stage    jobs.Stage `json:"stage"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// With a filename the note may be unknown: run full intake, which
	// registers it and starts from INGEST.
	if body.Filename != "" {
		if r.intake == nil {
			http.Error(w, "intake unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := r.intake(req, body.Filename); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respondJSON(w, map[string]any{"status": "queued", "filename": body.Filename})
		return
	}
	job, err := r.runner.Enqueue(req.Context(), body.NoteID, body.Stage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, job)
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrUnknownQuestion):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrEmptyTranscript), errors.Is(err, session.ErrEmptyAnswer):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrNoSelection), errors.Is(err, session.ErrAlreadyAnswered):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func respondJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write json: %v", err)
	}
}
