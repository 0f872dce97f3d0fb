// Package dataproxytest provides an in-memory data-proxy served over
// httptest, including the signed URLs it hands out.
package dataproxytest

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/arencloud/bucketbridge/internal/dataproxy"
)

const lastModified = "2023-06-01T10:00:00.000000+00:00"

type container struct {
	kind      dataproxy.Kind
	name      string
	denyStats int
	objects   map[string][]byte
}

// Server is a fake data-proxy. Zero-valued knobs behave like the real API.
type Server struct {
	*httptest.Server

	// Token, when set, is the only bearer accepted.
	Token string
	// PageSize caps the limit the client asks for.
	PageSize int
	// RepeatMarker makes every page after the first start with the marker
	// entry again, like a server treating the marker as inclusive.
	RepeatMarker bool
	// DeleteStatus is reported as status_code by deletes; 0 means 200.
	DeleteStatus int
	DeleteDetail string
	// ContainersBody replaces the GET /v1/buckets payload.
	ContainersBody any

	requests       atomic.Int64
	accessRequests atomic.Int64
	signedWithAuth atomic.Int64

	mu         sync.Mutex
	containers map[string]*container
}

// New starts a fake server closed by t.Cleanup.
func New(t testing.TB) *Server {
	s := &Server{containers: map[string]*container{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/buckets", s.api(s.listContainers))
	mux.HandleFunc("GET /v1/{kind}/{id}/stat", s.api(s.stat))
	mux.HandleFunc("GET /v1/{kind}/{id}", s.api(s.list))
	mux.HandleFunc("POST /v1/datasets/{id}", s.api(s.requestAccess))
	mux.HandleFunc("GET /v1/{kind}/{id}/{name...}", s.api(s.downloadURL))
	mux.HandleFunc("PUT /v1/{kind}/{id}/{name...}", s.api(s.uploadURL))
	mux.HandleFunc("DELETE /v1/{kind}/{id}/{name...}", s.api(s.delete))
	mux.HandleFunc("GET /signed/{kind}/{id}/{name...}", s.signedGet)
	mux.HandleFunc("PUT /signed/{kind}/{id}/{name...}", s.signedPut)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// AddBucket creates a bucket holding objects keyed by entry name.
func (s *Server) AddBucket(name string, objects map[string][]byte) {
	s.add(dataproxy.KindBucket, name, name, 0, objects)
}

// AddDataset creates a dataset; the first denyStats stat calls answer 401.
func (s *Server) AddDataset(id, name string, denyStats int, objects map[string][]byte) {
	s.add(dataproxy.KindDataset, id, name, denyStats, objects)
}

func (s *Server) add(kind dataproxy.Kind, id, name string, deny int, objects map[string][]byte) {
	c := &container{kind: kind, name: name, denyStats: deny, objects: map[string][]byte{}}
	for k, v := range objects {
		c.objects[k] = v
	}
	s.mu.Lock()
	s.containers[kind.Segment()+"/"+id] = c
	s.mu.Unlock()
}

// Object returns the stored content of an entry.
func (s *Server) Object(ref dataproxy.ContainerRef, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[ref.String()]
	if !ok {
		return nil, false
	}
	b, ok := c.objects[name]
	return b, ok
}

// Names returns the entry names of a container in listing order.
func (s *Server) Names(ref dataproxy.ContainerRef) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[ref.String()]
	if !ok {
		return nil
	}
	return sortedNames(c)
}

// Requests counts authenticated API calls; signed URL traffic is excluded.
func (s *Server) Requests() int64 { return s.requests.Load() }

// AccessRequests counts POST /v1/datasets/{id} calls.
func (s *Server) AccessRequests() int64 { return s.accessRequests.Load() }

// SignedWithAuth counts signed URL calls that carried an Authorization header.
func (s *Server) SignedWithAuth() int64 { return s.signedWithAuth.Load() }

// BaseURL is what a dataproxy.Client should be pointed at.
func (s *Server) BaseURL() string { return s.URL }

func (s *Server) api(h func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "invalid token"})
			return
		}
		h(w, r)
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*container, bool) {
	c, ok := s.containers[r.PathValue("kind")+"/"+r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "container not found"})
	}
	return c, ok
}

func (s *Server) listContainers(w http.ResponseWriter, _ *http.Request) {
	if s.ContainersBody != nil {
		writeJSON(w, http.StatusOK, s.ContainersBody)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []map[string]any{}
	for _, c := range s.containers {
		if c.kind != dataproxy.KindBucket {
			continue
		}
		out = append(out, map[string]any{"name": c.name, "role": "administrator", "is_public": false})
	}
	slices.SortFunc(out, func(a, b map[string]any) int {
		return strings.Compare(a["name"].(string), b["name"].(string))
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) stat(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if c.denyStats > 0 {
		c.denyStats--
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "access denied"})
		return
	}
	var total int64
	for _, b := range c.objects {
		total += int64(len(b))
	}
	body := map[string]any{
		"name":          c.name,
		"objects_count": len(c.objects),
		"bytes":         total,
		"last_modified": lastModified,
		"undocumented":  "ignored",
	}
	if c.kind == dataproxy.KindBucket {
		body["is_public"] = false
		body["role"] = "administrator"
		body["is_initialized"] = true
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if s.PageSize > 0 && s.PageSize < limit {
		limit = s.PageSize
	}
	marker, prefix := q.Get("marker"), q.Get("prefix")

	objects := []map[string]any{}
	for _, name := range sortedNames(c) {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		after := name > marker || (s.RepeatMarker && marker != "" && name == marker)
		if marker != "" && !after {
			continue
		}
		if len(objects) == limit {
			break
		}
		objects = append(objects, entryJSON(name, c.objects[name]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objects})
}

func (s *Server) requestAccess(w http.ResponseWriter, r *http.Request) {
	s.accessRequests.Add(1)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) downloadURL(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if _, ok := c.objects[r.PathValue("name")]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "object not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": s.signed(r)})
}

func (s *Server) uploadURL(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": s.signed(r)})
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	status := s.DeleteStatus
	if status == 0 {
		status = http.StatusOK
	}
	if status == http.StatusOK {
		delete(c.objects, r.PathValue("name"))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status_code": status, "details": s.DeleteDetail})
}

func (s *Server) signed(r *http.Request) string {
	segs := []string{"signed", r.PathValue("kind"), r.PathValue("id")}
	for _, p := range strings.Split(r.PathValue("name"), "/") {
		segs = append(segs, url.PathEscape(p))
	}
	return s.URL + "/" + strings.Join(segs, "/")
}

func (s *Server) signedGet(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "" {
		s.signedWithAuth.Add(1)
	}
	s.mu.Lock()
	c, ok := s.containers[r.PathValue("kind")+"/"+r.PathValue("id")]
	var data []byte
	if ok {
		data, ok = c.objects[r.PathValue("name")]
	}
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) signedPut(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "" {
		s.signedWithAuth.Add(1)
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[r.PathValue("kind")+"/"+r.PathValue("id")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	c.objects[r.PathValue("name")] = data
	w.WriteHeader(http.StatusCreated)
}

func sortedNames(c *container) []string {
	names := make([]string, 0, len(c.objects))
	for n := range c.objects {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func entryJSON(name string, data []byte) map[string]any {
	sum := md5.Sum(data)
	return map[string]any{
		"hash":          hex.EncodeToString(sum[:]),
		"last_modified": lastModified,
		"bytes":         len(data),
		"name":          name,
		"content_type":  "application/octet-stream",
		"extra_field":   true,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
