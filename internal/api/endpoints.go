package api

import (
	"cmp"
	"encoding/json"
	"net/http"
	"runtime"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arencloud/bucketbridge/internal/config"
	"github.com/arencloud/bucketbridge/internal/db"
	"github.com/arencloud/bucketbridge/internal/logging"
	"github.com/arencloud/bucketbridge/internal/models"

	"github.com/go-chi/chi/v5"
)

type apiServer struct {
	logger   logging.Logger
	cfg      *config.Config
	wrappers WrapperFactory
}

// backend names the store the container snapshot belongs to.
func (s *apiServer) backend() string {
	if b := strings.ToLower(strings.TrimSpace(s.cfg.StoreBackend)); b != "" {
		return b
	}
	return "dataproxy"
}

var appStart = time.Now()
var totalRequests uint64
var total4xx uint64
var total5xx uint64
var bytesIn uint64
var bytesOut uint64
var totalDurationNs uint64

func metricsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	uptime := time.Since(appStart).Seconds()
	tr := atomic.LoadUint64(&totalRequests)
	dn := atomic.LoadUint64(&totalDurationNs)
	avgMs := 0.0
	if tr > 0 {
		avgMs = float64(dn) / float64(tr) / 1e6
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uptimeSec":     uptime,
		"uptimeHuman":   (time.Duration(uptime) * time.Second).String(),
		"startedAt":     appStart.Format(time.RFC3339),
		"goroutines":    runtime.NumGoroutine(),
		"heapAlloc":     m.HeapAlloc,
		"heapSys":       m.HeapSys,
		"lastGCUnix":    m.LastGC,
		"gcNum":         m.NumGC,
		"totalRequests": tr,
		"total4xx":      atomic.LoadUint64(&total4xx),
		"total5xx":      atomic.LoadUint64(&total5xx),
		"bytesIn":       atomic.LoadUint64(&bytesIn),
		"bytesOut":      atomic.LoadUint64(&bytesOut),
		"avgDurationMs": avgMs,
	})
}

// recentTraces prefers the database so data survives restarts; without one
// the in-memory ring is used.
func recentTraces(limit int, minStatus int) ([]*Trace, error) {
	if db.DB == nil {
		out := make([]*Trace, 0)
		for _, t := range traces.all(0) {
			if t.Status >= minStatus {
				out = append(out, t)
			}
			if len(out) == limit {
				break
			}
		}
		return out, nil
	}
	var rows []models.TraceRow
	if err := db.DB.Where("status >= ?", minStatus).Order("started desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Trace, 0, len(rows))
	for _, row := range rows {
		out = append(out, traceFromRow(row))
	}
	return out, nil
}

// lastErrorMessage returns the message of the last error event of t.
func lastErrorMessage(t *Trace) string {
	if db.DB == nil {
		for i := len(t.Events) - 1; i >= 0; i-- {
			if ev := t.Events[i]; ev.Name == "error" {
				msg, _ := ev.Fields["message"].(string)
				return msg
			}
		}
		return ""
	}
	var ev models.TraceEventRow
	if err := db.DB.Where("trace_id = ? AND name = ?", t.ID, "error").Order("time desc").First(&ev).Error; err != nil || ev.Fields == "" {
		return ""
	}
	var f map[string]any
	_ = json.Unmarshal([]byte(ev.Fields), &f)
	msg, _ := f["message"].(string)
	return msg
}

// errorsHandler returns recent traces with errors (status >= 400) and the last error event message.
func errorsHandler(w http.ResponseWriter, r *http.Request) {
	trs, err := recentTraces(200, 400)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(trs))
	for _, t := range trs {
		out = append(out, map[string]any{
			"id":         t.ID,
			"method":     t.Method,
			"path":       t.Path,
			"status":     t.Status,
			"durationMs": float64(t.Duration) / 1e6,
			"container":  t.Container,
			"message":    lastErrorMessage(t),
			"started":    t.Started,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// logsRecent returns the newest entries of the in-memory log ring.
func logsRecent(w http.ResponseWriter, r *http.Request) {
	out := logging.Recent(queryLimit(r, 200))
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		out = slices.DeleteFunc(out, func(e *logging.Entry) bool { return e.Level != lvl })
	}
	writeJSON(w, http.StatusOK, out)
}

// logsDownload returns recent logs as NDJSON for easy download
func logsDownload(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	for _, e := range logging.Recent(queryLimit(r, 1000)) {
		_ = enc.Encode(e)
	}
}

// logsGetLevel returns current log level
func logsGetLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"level": logging.GetLevel()})
}

// logsSetLevel updates global log level
func logsSetLevel(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if in.Level == "" {
		respondError(w, r, http.StatusBadRequest, "level required")
		return
	}
	logging.SetLevel(in.Level)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "level": logging.GetLevel()})
}

// logsStream streams logs via Server-Sent Events
func logsStream(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	// optional level filter
	qLevel := r.URL.Query().Get("level")
	write := func(e *logging.Entry) {
		if qLevel != "" && e.Level != qLevel {
			return
		}
		b, _ := json.Marshal(e)
		w.Write([]byte("data: "))
		w.Write(b)
		w.Write([]byte("\n\n"))
		fl.Flush()
	}
	// subscribe before the backlog so nothing logged in between is lost
	ch, cancel := logging.Subscribe()
	defer cancel()
	backlog := logging.Recent(50)
	for i := len(backlog) - 1; i >= 0; i-- {
		write(backlog[i])
	}
	fl.Flush()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			write(e)
		}
	}
}

type pathAgg struct {
	Count      int
	SumMs      float64
	Lats       []float64
	Errs       int
	LastMsg    string
	LastStatus int
	SampleID   string
}

func percentile(vals []float64, p float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	vv := slices.Clone(vals)
	slices.Sort(vv)
	idx := int(p / 100.0 * float64(len(vv)-1))
	return vv[max(0, min(idx, len(vv)-1))]
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}

// obsSummary returns aggregated observability insights over the last 500 traces.
func obsSummary(w http.ResponseWriter, r *http.Request) {
	trs, err := recentTraces(500, 0)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	lat := make([]float64, 0, len(trs))
	statusCounts := map[string]int{"2xx": 0, "3xx": 0, "4xx": 0, "5xx": 0}
	// per-minute buckets (last 12 minutes)
	type minuteAgg struct{ Count, Errors int }
	now := time.Now().UTC()
	minutes := map[int64]*minuteAgg{}
	for i := 0; i < 12; i++ {
		minutes[now.Add(-time.Duration(i)*time.Minute).Truncate(time.Minute).Unix()] = &minuteAgg{}
	}
	paths := map[string]*pathAgg{}
	for _, t := range trs {
		ms := max(float64(t.Duration)/1e6, 0)
		lat = append(lat, ms)
		statusCounts[statusClass(t.Status)]++
		if b, ok := minutes[t.Started.UTC().Truncate(time.Minute).Unix()]; ok {
			b.Count++
			if t.Status >= 400 {
				b.Errors++
			}
		}
		pa := paths[t.Path]
		if pa == nil {
			pa = &pathAgg{}
			paths[t.Path] = pa
		}
		pa.Count++
		pa.SumMs += ms
		if len(pa.Lats) < 100 {
			pa.Lats = append(pa.Lats, ms)
		}
		if t.Status >= 400 {
			pa.Errs++
			// traces are newest first; keep the latest message
			if pa.SampleID == "" {
				pa.SampleID = t.ID
				pa.LastStatus = t.Status
				pa.LastMsg = lastErrorMessage(t)
			}
		}
	}

	topSlow := make([]map[string]any, 0)
	topErrors := make([]map[string]any, 0)
	for p, ag := range paths {
		if ag.Count >= 3 {
			topSlow = append(topSlow, map[string]any{"path": p, "count": ag.Count, "avgMs": ag.SumMs / float64(ag.Count), "p95Ms": percentile(ag.Lats, 95)})
		}
		if ag.Errs > 0 {
			topErrors = append(topErrors, map[string]any{"path": p, "count": ag.Errs, "lastMessage": ag.LastMsg, "lastStatus": ag.LastStatus, "sampleTraceId": ag.SampleID})
		}
	}
	slices.SortFunc(topSlow, func(a, b map[string]any) int { return cmp.Compare(b["p95Ms"].(float64), a["p95Ms"].(float64)) })
	slices.SortFunc(topErrors, func(a, b map[string]any) int { return cmp.Compare(b["count"].(int), a["count"].(int)) })
	if len(topSlow) > 5 {
		topSlow = topSlow[:5]
	}
	if len(topErrors) > 8 {
		topErrors = topErrors[:8]
	}

	perMinute := make([]map[string]any, 0, len(minutes))
	for ts, b := range minutes {
		perMinute = append(perMinute, map[string]any{"ts": ts, "count": b.Count, "errors": b.Errors})
	}
	slices.SortFunc(perMinute, func(a, b map[string]any) int { return cmp.Compare(a["ts"].(int64), b["ts"].(int64)) })

	writeJSON(w, http.StatusOK, map[string]any{
		"recentLatencies": lat,
		"statusCounts":    statusCounts,
		"perMinute":       perMinute,
		"topSlow":         topSlow,
		"topErrors":       topErrors,
	})
}

func registerAPI(r chi.Router, s *apiServer) {
	r.Group(func(pr chi.Router) {
		pr.Use(requireToken(s.cfg.AccessTokenHash))
		// observability (lightweight metrics)
		pr.Get("/obs/metrics", metricsHandler)
		pr.Get("/obs/errors", errorsHandler)
		pr.Get("/obs/summary", obsSummary)
		// tracing endpoints
		pr.Get("/trace/recent", traceRecent)
		pr.Get("/trace/{id}", traceGet)
		// logging endpoints
		pr.Get("/logs/recent", logsRecent)
		pr.Get("/logs/download", logsDownload)
		pr.Get("/logs/level", logsGetLevel)
		pr.Put("/logs/level", logsSetLevel)
		pr.Get("/logs/stream", logsStream)
		s.registerBuckets(pr)
	})
}
