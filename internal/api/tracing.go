package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/arencloud/bucketbridge/internal/db"
	"github.com/arencloud/bucketbridge/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Lightweight in-memory tracing
// Each request will have a Trace with Events. Stored in a ring buffer and,
// when a database is configured, persisted after the response.

type TraceEvent struct {
	Time   time.Time      `json:"time"`
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
}

type Trace struct {
	ID        string        `json:"id"`
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Status    int           `json:"status"`
	Container string        `json:"container,omitempty"`
	UserAgent string        `json:"userAgent,omitempty"`
	RemoteIP  string        `json:"remoteIp,omitempty"`
	ReqBytes  int64         `json:"reqBytes,omitempty"`
	RespBytes int64         `json:"respBytes,omitempty"`
	Started   time.Time     `json:"started"`
	Ended     time.Time     `json:"ended"`
	Duration  time.Duration `json:"duration"`
	Events    []TraceEvent  `json:"events"`

	mu sync.Mutex
}

type traceStore struct {
	mu   sync.RWMutex
	buf  []*Trace
	next int
	size int
}

var traces = newTraceStore(1000)

func newTraceStore(size int) *traceStore {
	return &traceStore{buf: make([]*Trace, size), size: size}
}

func (s *traceStore) add(t *Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = t
	s.next = (s.next + 1) % s.size
}

func (s *traceStore) all(limit int) []*Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > s.size {
		limit = s.size
	}
	out := make([]*Trace, 0, limit)
	// walk ring newest-first
	idx := (s.next - 1 + s.size) % s.size
	for i := 0; i < s.size && len(out) < limit; i++ {
		if s.buf[idx] != nil {
			out = append(out, s.buf[idx])
		}
		idx = (idx - 1 + s.size) % s.size
	}
	return out
}

func (s *traceStore) get(id string) *Trace {
	for _, t := range s.all(0) {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// persistTrace stores the trace and its events into the database so they survive restarts.
func persistTrace(t *Trace) {
	if t == nil || db.DB == nil {
		return
	}
	row := models.TraceRow{
		ID:         t.ID,
		Method:     t.Method,
		Path:       t.Path,
		Status:     t.Status,
		Container:  t.Container,
		UserAgent:  t.UserAgent,
		RemoteIP:   t.RemoteIP,
		ReqBytes:   t.ReqBytes,
		RespBytes:  t.RespBytes,
		Started:    t.Started,
		Ended:      t.Ended,
		DurationNs: int64(t.Duration),
	}
	_ = db.DB.Save(&row).Error
	for _, ev := range t.Events {
		fieldsBytes, _ := json.Marshal(ev.Fields)
		_ = db.DB.Create(&models.TraceEventRow{TraceID: t.ID, Time: ev.Time, Name: ev.Name, Fields: string(fieldsBytes)}).Error
	}
}

func traceFromRow(r models.TraceRow) *Trace {
	return &Trace{
		ID:        r.ID,
		Method:    r.Method,
		Path:      r.Path,
		Status:    r.Status,
		Container: r.Container,
		UserAgent: r.UserAgent,
		RemoteIP:  r.RemoteIP,
		ReqBytes:  r.ReqBytes,
		RespBytes: r.RespBytes,
		Started:   r.Started,
		Ended:     r.Ended,
		Duration:  time.Duration(r.DurationNs),
	}
}

// Context helpers

type ctxKey int

const traceKey ctxKey = 1

func traceFrom(ctx context.Context) *Trace {
	if v := ctx.Value(traceKey); v != nil {
		if t, ok := v.(*Trace); ok {
			return t
		}
	}
	return nil
}

func withTraceCtx(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, traceKey, t)
}

func newTraceID() string { return uuid.NewString() }

func addEvent(r *http.Request, name string, fields map[string]any) {
	if t := traceFrom(r.Context()); t != nil {
		t.mu.Lock()
		t.Events = append(t.Events, TraceEvent{Time: time.Now(), Name: name, Fields: fields})
		t.mu.Unlock()
	}
}

// tagContainer records the container a request works on.
func tagContainer(r *http.Request, name string) {
	if t := traceFrom(r.Context()); t != nil {
		t.mu.Lock()
		t.Container = name
		t.mu.Unlock()
	}
}

// respondError records an error event into the current trace and writes a JSON failure.
func respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	addEvent(r, "error", map[string]any{"code": code, "message": msg})
	writeJSON(w, code, map[string]any{"success": false, "message": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return def
}

// HTTP Handlers for trace API

func traceRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 200)
	if db.DB == nil {
		writeJSON(w, http.StatusOK, traces.all(limit))
		return
	}
	var rows []models.TraceRow
	if err := db.DB.Order("started desc").Limit(limit).Find(&rows).Error; err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]*Trace, 0, len(rows))
	for _, r0 := range rows {
		out = append(out, traceFromRow(r0))
	}
	writeJSON(w, http.StatusOK, out)
}

func traceGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, r, http.StatusBadRequest, "missing id")
		return
	}
	if db.DB == nil {
		t := traces.get(id)
		if t == nil {
			respondError(w, r, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, t)
		return
	}
	var tr models.TraceRow
	if err := db.DB.First(&tr, "id = ?", id).Error; err != nil {
		respondError(w, r, http.StatusNotFound, "not found")
		return
	}
	var evs []models.TraceEventRow
	_ = db.DB.Where("trace_id = ?", id).Order("time asc").Find(&evs).Error
	out := traceFromRow(tr)
	for _, e := range evs {
		var f map[string]any
		if e.Fields != "" {
			_ = json.Unmarshal([]byte(e.Fields), &f)
		}
		out.Events = append(out.Events, TraceEvent{Time: e.Time, Name: e.Name, Fields: f})
	}
	writeJSON(w, http.StatusOK, out)
}
