package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arencloud/bucketbridge/internal/bucket"
	"github.com/arencloud/bucketbridge/internal/config"
	"github.com/arencloud/bucketbridge/internal/dataproxy"
	"github.com/arencloud/bucketbridge/internal/logging"
	"github.com/arencloud/bucketbridge/internal/token"
)

var tvbRef = dataproxy.BucketRef("tvb-widgets")

func withTvbWidgets(env *testEnv) *testEnv {
	env.proxy.AddBucket("tvb-widgets", map[string][]byte{
		"connectivity_76.zip": bytes.Repeat([]byte("c"), 44190),
		"eeg_63.txt":          bytes.Repeat([]byte("e"), 2203),
		"face_8614.zip":       bytes.Repeat([]byte("f"), 225096),
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, p string, q url.Values) (int, map[string]any) {
	t.Helper()
	u := env.ts.URL + "/api/v1" + p
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequest(method, u, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp.StatusCode, decode(t, resp)
}

func TestListFiles(t *testing.T) {
	env := withTvbWidgets(setupTestServer(t, nil))

	code, body := env.do(t, http.MethodGet, "/buckets", url.Values{"bucket": {"tvb-widgets"}})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []any{"connectivity_76.zip", "eeg_63.txt", "face_8614.zip"}, body["files"])

	code, body = env.do(t, http.MethodGet, "/buckets", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "No collab name provided!", body["message"])
	assert.Equal(t, []any{}, body["files"])

	code, body = env.do(t, http.MethodGet, "/buckets", url.Values{"bucket": {"tvb-widgets"}, "kind": {"folder"}})
	assert.Equal(t, http.StatusBadRequest, code, body)

	code, _ = env.do(t, http.MethodGet, "/buckets", url.Values{"bucket": {"missing"}})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListFilesExpiredToken(t *testing.T) {
	env := withTvbWidgets(setupTestServer(t, nil))
	env.tok = token.Token{Raw: "tok", Expiry: time.Now().Add(-time.Hour)}

	code, body := env.do(t, http.MethodGet, "/buckets", url.Values{"bucket": {"tvb-widgets"}})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Error on getting buckets, your collab token is expired!", body["message"])
	assert.Zero(t, env.proxy.Requests())
}

func TestDownloadEndpoint(t *testing.T) {
	env := withTvbWidgets(setupTestServer(t, nil))
	q := url.Values{"file": {"eeg_63.txt"}, "bucket": {"tvb-widgets"}, "download_destination": {"/data"}}

	code, body := env.do(t, http.MethodGet, "/download", q)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "File eeg_63.txt was downloaded from bucket tvb-widgets", body["message"])
	got, err := afero.ReadFile(env.fs, "/data/eeg_63.txt")
	require.NoError(t, err)
	assert.Len(t, got, 2203)

	code, body = env.do(t, http.MethodGet, "/download", q)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "File eeg_63.txt already exists! Please move or rename the existing file and try again!", body["message"])

	q.Set("file", "nope.txt")
	code, body = env.do(t, http.MethodGet, "/download", q)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])

	q.Del("download_destination")
	code, body = env.do(t, http.MethodGet, "/download", q)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Missing argument download_destination", body["message"])
}

func TestSignedURLEndpoints(t *testing.T) {
	env := withTvbWidgets(setupTestServer(t, nil))

	code, body := env.do(t, http.MethodGet, "/download_url", url.Values{"file": {"eeg_63.txt"}, "bucket": {"tvb-widgets"}})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, env.proxy.URL+"/signed/buckets/tvb-widgets/eeg_63.txt", body["url"])

	code, body = env.do(t, http.MethodGet, "/upload_url", url.Values{"bucket": {"tvb-widgets"}, "destination": {"dir"}, "filename": {"x.txt"}})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, env.proxy.URL+"/signed/buckets/tvb-widgets/dir/x.txt", body["url"])

	code, _ = env.do(t, http.MethodGet, "/upload_url", url.Values{"bucket": {"tvb-widgets"}, "destination": {"dir"}, "filename": {""}})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUploadEndpoint(t *testing.T) {
	env := withTvbWidgets(setupTestServer(t, nil))
	require.NoError(t, afero.WriteFile(env.fs, "/home/jovyan/model.h5", []byte("weights"), 0o644))
	q := url.Values{"source_file": {"/home/jovyan/model.h5"}, "bucket": {"tvb-widgets"}, "destination": {"models"}, "filename": {"m.h5"}}

	code, body := env.do(t, http.MethodGet, "/upload", q)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, map[string]any{"success": true, "message": "Upload success!"}, body)
	data, ok := env.proxy.Object(tvbRef, "models/m.h5")
	require.True(t, ok)
	assert.Equal(t, "weights", string(data))

	before := env.proxy.Requests()
	q.Set("source_file", "/nowhere.txt")
	code, body = env.do(t, http.MethodGet, "/upload", q)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, before, env.proxy.Requests())
}

func TestDeleteAndRenameEndpoints(t *testing.T) {
	env := withTvbWidgets(setupTestServer(t, nil))
	env.proxy.AddBucket("b", map[string][]byte{"dir/a.txt": []byte("alpha")})

	code, body := env.do(t, http.MethodPatch, "/rename", url.Values{"bucket": {"b"}, "file": {"dir/a.txt"}, "new_name": {"b.txt"}})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, map[string]any{"success": true, "name": "b.txt", "path": "dir/b.txt"}, body)
	assert.Equal(t, []string{"dir/b.txt"}, env.proxy.Names(dataproxy.BucketRef("b")))

	code, _ = env.do(t, http.MethodPatch, "/rename", url.Values{"bucket": {"b"}, "file": {"dir/b.txt"}, "new_name": {"x/y"}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodDelete, "/delete", url.Values{"bucket": {"tvb-widgets"}, "file": {"eeg_63.txt"}})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"success": true, "message": "File eeg_63.txt deleted"}, body)

	env.proxy.DeleteStatus, env.proxy.DeleteDetail = 403, "Forbidden for this role"
	code, body = env.do(t, http.MethodDelete, "/delete", url.Values{"bucket": {"tvb-widgets"}, "file": {"face_8614.zip"}})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"success": false, "message": "Forbidden for this role"}, body)
}

func TestGuessBucketEndpoint(t *testing.T) {
	env := withTvbWidgets(setupTestServer(t, nil))
	require.NoError(t, env.fs.MkdirAll("/mnt/user/shared/TVB Widgets", 0o755))

	code, body := env.do(t, http.MethodGet, "/guess_bucket", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "tvb-widgets", body["bucket"])

	env.proxy.AddBucket("other", nil)
	require.NoError(t, env.fs.MkdirAll("/mnt/user/shared/other", 0o755))
	code, _ = env.do(t, http.MethodGet, "/guess_bucket", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDatasetEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	env.proxy.AddDataset("d-1", "Human brain atlas", 2, map[string][]byte{"x": []byte("1")})

	code, body := env.do(t, http.MethodGet, "/dataset", url.Values{"id": {"d-1"}})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Contains(t, body["message"], "request_access")

	code, body = env.do(t, http.MethodGet, "/dataset", url.Values{"id": {"d-1"}, "request_access": {"true"}})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "Human brain atlas", body["name"])
	assert.Equal(t, "d-1", body["entity_id"])
	assert.EqualValues(t, 1, body["objects_count"])
	assert.EqualValues(t, 1, env.proxy.AccessRequests())

	code, _ = env.do(t, http.MethodGet, "/dataset", url.Values{"id": {"d-1"}, "request_access": {"maybe"}})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBucketsListSyncsDB(t *testing.T) {
	cfg := &config.Config{DBDriver: "sqlite", DBPath: filepath.Join(t.TempDir(), "test.db"), StoreBackend: "dataproxy"}
	env := withTvbWidgets(setupTestServer(t, cfg))
	env.proxy.AddBucket("atlas", nil)

	resp, err := http.Get(env.ts.URL + "/api/v1/buckets_list")
	require.NoError(t, err)
	var names []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	resp.Body.Close()
	assert.Equal(t, []string{"atlas", "tvb-widgets"}, names)

	resp, err = http.Get(env.ts.URL + "/api/v1/buckets_list/db")
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	resp.Body.Close()
	require.Len(t, rows, 2)
	assert.Equal(t, "atlas", rows[0]["name"])
	assert.Equal(t, "administrator", rows[0]["role"])
}

func TestBucketsListFromDBDisabled(t *testing.T) {
	env := setupTestServer(t, nil)
	code, body := env.do(t, http.MethodGet, "/buckets_list/db", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, body["success"])
}

func TestFactoryErrorIsReported(t *testing.T) {
	env := setupTestServer(t, nil)
	env.ts = httptest.NewServer(NewRouter(&config.Config{}, logging.NewNop(), func(context.Context) (*bucket.Wrapper, error) {
		return nil, fmt.Errorf("env CLB_AUTH: %w", token.ErrTokenMissing)
	}))
	t.Cleanup(env.ts.Close)
	code, body := env.do(t, http.MethodGet, "/guess_bucket", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Contains(t, body["message"], "CLB_AUTH")
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{token.ErrTokenExpired, http.StatusUnauthorized},
		{fmt.Errorf("x: %w", token.ErrTokenMalformed), http.StatusUnauthorized},
		{&dataproxy.Error{StatusCode: 401, Err: dataproxy.ErrAccessDenied}, http.StatusForbidden},
		{dataproxy.ErrEntryNotFound, http.StatusNotFound},
		{bucket.ErrFileExists, http.StatusConflict},
		{bucket.ErrInvalidName, http.StatusBadRequest},
		{dataproxy.ErrDuplicateEntry, http.StatusBadGateway},
		{&dataproxy.Error{StatusCode: 500, Err: dataproxy.ErrStore}, http.StatusBadGateway},
		{dataproxy.ErrNotSupported, http.StatusNotImplemented},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusFor(c.err), c.err.Error())
	}
}
