package api

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/arencloud/bucketbridge/internal/bucket"
	"github.com/arencloud/bucketbridge/internal/dataproxy"
	"github.com/arencloud/bucketbridge/internal/db"
	"github.com/arencloud/bucketbridge/internal/models"
	"github.com/arencloud/bucketbridge/internal/token"

	"github.com/go-chi/chi/v5"
)

func (s *apiServer) registerBuckets(r chi.Router) {
	r.Get("/buckets", s.listFiles)
	r.Get("/buckets_list", s.listContainers)
	r.Get("/buckets_list/db", s.listContainersFromDB)
	r.Get("/download", s.download)
	r.Get("/download_url", s.downloadURL)
	r.Get("/upload", s.upload)
	r.Get("/upload_url", s.uploadURL)
	r.Delete("/delete", s.deleteFile)
	r.Patch("/rename", s.rename)
	r.Get("/guess_bucket", s.guessBucket)
	r.Get("/dataset", s.dataset)
}

// missingArgument is returned by args when a required query argument is absent.
type missingArgument string

func (m missingArgument) Error() string { return "Missing argument " + string(m) }

// args reads the named query arguments; every name is required.
func args(r *http.Request, names ...string) (map[string]string, error) {
	q := r.URL.Query()
	out := make(map[string]string, len(names))
	for _, n := range names {
		if !q.Has(n) {
			return nil, missingArgument(n)
		}
		out[n] = q.Get(n)
	}
	return out, nil
}

// containerRef builds the ref from the bucket argument and the optional kind.
func containerRef(r *http.Request, name string) (dataproxy.ContainerRef, error) {
	kind, err := dataproxy.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		return dataproxy.ContainerRef{}, err
	}
	tagContainer(r, name)
	return dataproxy.ContainerRef{Kind: kind, ID: name}, nil
}

// wrapper builds the facade or answers the request with the failure.
func (s *apiServer) wrapper(w http.ResponseWriter, r *http.Request) (*bucket.Wrapper, bool) {
	bw, err := s.wrappers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return bw, true
}

func (s *apiServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "status", code, "error", err)
	}
	respondError(w, r, code, err.Error())
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	respondError(w, r, http.StatusBadRequest, err.Error())
}

// listFiles lists the entry names of a container under an optional prefix.
func (s *apiServer) listFiles(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	failFiles := func(code int, msg string) {
		addEvent(r, "error", map[string]any{"code": code, "message": msg})
		writeJSON(w, code, map[string]any{"success": false, "message": msg, "files": []string{}})
	}
	name := r.URL.Query().Get("bucket")
	if name == "" {
		failFiles(http.StatusBadRequest, "No collab name provided!")
		return
	}
	ref, err := containerRef(r, name)
	if err != nil {
		failFiles(http.StatusBadRequest, err.Error())
		return
	}
	addEvent(r, "buckets.list", map[string]any{"container": ref.String()})
	s.logger.Info("open container", "container", ref.String())
	bw, err := s.wrappers(r.Context())
	var files []string
	if err == nil {
		files, err = bw.List(r.Context(), ref, r.URL.Query().Get("prefix"))
	}
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			s.logger.Info("collab token expired", "error", err)
			failFiles(http.StatusUnauthorized, "Error on getting buckets, your collab token is expired!")
			return
		}
		failFiles(statusFor(err), err.Error())
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "", "files": files})
}

// listContainers returns the visible container names and syncs them into the DB
// (upsert live items, prune stale).
func (s *apiServer) listContainers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	addEvent(r, "buckets_list", nil)
	bw, ok := s.wrapper(w, r)
	if !ok {
		return
	}
	items, err := bw.ListContainers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	names := make([]string, 0, len(items))
	live := make([]models.ContainerRecord, 0, len(items))
	for _, it := range items {
		names = append(names, it.Name)
		live = append(live, models.ContainerRecord{Name: it.Name, Role: it.Role, IsPublic: it.IsPublic})
	}
	if db.DB != nil {
		if err := db.SyncContainers(db.DB, s.backend(), live, time.Now()); err != nil {
			s.logger.Error("container sync failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, names)
}

// listContainersFromDB returns the persisted snapshot of the last listing.
func (s *apiServer) listContainersFromDB(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	if db.DB == nil {
		respondError(w, r, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	rows, err := db.Containers(db.DB, s.backend())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, rec := range rows {
		out = append(out, map[string]any{"name": rec.Name, "role": rec.Role, "isPublic": rec.IsPublic, "syncedAt": rec.SyncedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *apiServer) download(w http.ResponseWriter, r *http.Request) {
	a, err := args(r, "file", "bucket", "download_destination")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	ref, err := containerRef(r, a["bucket"])
	if err != nil {
		badRequest(w, r, err)
		return
	}
	bw, ok := s.wrapper(w, r)
	if !ok {
		return
	}
	addEvent(r, "download", map[string]any{"file": a["file"], "container": ref.String()})
	found, err := bw.Download(r.Context(), a["file"], ref, a["download_destination"])
	switch {
	case errors.Is(err, bucket.ErrFileExists):
		respondError(w, r, http.StatusConflict, fmt.Sprintf("File %s already exists! Please move or rename the existing file and try again!", path.Base(a["file"])))
		return
	case err != nil:
		s.fail(w, r, err)
		return
	case !found:
		respondError(w, r, http.StatusNotFound, fmt.Sprintf("File %s was not found in bucket %s", a["file"], a["bucket"]))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": fmt.Sprintf("File %s was downloaded from bucket %s", a["file"], a["bucket"])})
}

func (s *apiServer) downloadURL(w http.ResponseWriter, r *http.Request) {
	a, err := args(r, "file", "bucket")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	ref, err := containerRef(r, a["bucket"])
	if err != nil {
		badRequest(w, r, err)
		return
	}
	bw, ok := s.wrapper(w, r)
	if !ok {
		return
	}
	u, err := bw.DownloadURL(r.Context(), a["file"], ref)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "url": u})
}

func (s *apiServer) upload(w http.ResponseWriter, r *http.Request) {
	a, err := args(r, "source_file", "bucket", "destination", "filename")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	ref, err := containerRef(r, a["bucket"])
	if err != nil {
		badRequest(w, r, err)
		return
	}
	bw, ok := s.wrapper(w, r)
	if !ok {
		return
	}
	addEvent(r, "upload", map[string]any{"source": a["source_file"], "container": ref.String(), "destination": a["destination"]})
	done, err := bw.Upload(r.Context(), a["source_file"], ref, a["destination"], a["filename"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !done {
		respondError(w, r, http.StatusBadGateway, fmt.Sprintf("Could not upload file %s to bucket %s at %s", a["source_file"], a["bucket"], a["destination"]))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Upload success!"})
}

func (s *apiServer) uploadURL(w http.ResponseWriter, r *http.Request) {
	a, err := args(r, "bucket", "destination", "filename")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	ref, err := containerRef(r, a["bucket"])
	if err != nil {
		badRequest(w, r, err)
		return
	}
	bw, ok := s.wrapper(w, r)
	if !ok {
		return
	}
	u, err := bw.UploadURL(r.Context(), ref, a["destination"], a["filename"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "url": u})
}

func (s *apiServer) deleteFile(w http.ResponseWriter, r *http.Request) {
	a, err := args(r, "bucket", "file")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	ref, err := containerRef(r, a["bucket"])
	if err != nil {
		badRequest(w, r, err)
		return
	}
	bw, ok := s.wrapper(w, r)
	if !ok {
		return
	}
	addEvent(r, "delete", map[string]any{"file": a["file"], "container": ref.String()})
	res := bw.Delete(r.Context(), ref, a["file"])
	if !res.Success {
		addEvent(r, "error", map[string]any{"code": http.StatusOK, "message": res.Message})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *apiServer) rename(w http.ResponseWriter, r *http.Request) {
	a, err := args(r, "bucket", "file", "new_name")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	ref, err := containerRef(r, a["bucket"])
	if err != nil {
		badRequest(w, r, err)
		return
	}
	bw, ok := s.wrapper(w, r)
	if !ok {
		return
	}
	addEvent(r, "rename", map[string]any{"file": a["file"], "newName": a["new_name"], "container": ref.String()})
	res, err := bw.Rename(r.Context(), ref, a["file"], a["new_name"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "name": res.Name, "path": res.Path})
}

func (s *apiServer) guessBucket(w http.ResponseWriter, r *http.Request) {
	bw, ok := s.wrapper(w, r)
	if !ok {
		return
	}
	name, err := bw.GuessContainer(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tagContainer(r, name)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "bucket": name, "message": ""})
}

// dataset resolves a dataset by id, asking for access when request_access is true.
func (s *apiServer) dataset(w http.ResponseWriter, r *http.Request) {
	a, err := args(r, "id")
	if err != nil {
		badRequest(w, r, err)
		return
	}
	requestAccess := false
	if v := r.URL.Query().Get("request_access"); v != "" {
		if requestAccess, err = strconv.ParseBool(v); err != nil {
			badRequest(w, r, fmt.Errorf("invalid request_access %q", v))
			return
		}
	}
	tagContainer(r, a["id"])
	bw, ok := s.wrapper(w, r)
	if !ok {
		return
	}
	c, err := bw.Dataset(r.Context(), a["id"], requestAccess)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"kind":           c.Kind.String(),
		"name":           c.Name,
		"entity_id":      c.EntityID,
		"objects_count":  c.ObjectsCount,
		"bytes":          c.TotalBytes,
		"last_modified":  c.LastModified,
		"is_public":      c.IsPublic,
		"role":           c.Role,
		"is_initialized": c.IsInitialized,
	})
}
