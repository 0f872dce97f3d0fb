package bucket_test

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arencloud/bucketbridge/internal/bucket"
	"github.com/arencloud/bucketbridge/internal/dataproxy"
	"github.com/arencloud/bucketbridge/internal/dataproxy/dataproxytest"
	"github.com/arencloud/bucketbridge/internal/logging"
	"github.com/arencloud/bucketbridge/internal/token"
)

var tvb = dataproxy.BucketRef("tvb-widgets")

func setup(t *testing.T) (*dataproxytest.Server, afero.Fs, *bucket.Wrapper) {
	t.Helper()
	srv := dataproxytest.New(t)
	srv.Token = "tok"
	srv.AddBucket("tvb-widgets", map[string][]byte{
		"connectivity_76.zip": bytes.Repeat([]byte("c"), 44190),
		"eeg_63.txt":          bytes.Repeat([]byte("e"), 2203),
		"face_8614.zip":       bytes.Repeat([]byte("f"), 225096),
	})
	fs := afero.NewMemMapFs()
	store := dataproxy.NewClient(srv.BaseURL(), token.Token{Raw: "tok"})
	w := bucket.New(store, fs, nil, logging.NewNop(), bucket.Config{DownloadDir: "/home/jovyan"})
	return srv, fs, w
}

func TestListTvbWidgets(t *testing.T) {
	_, _, w := setup(t)
	names, err := w.List(context.Background(), tvb, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"connectivity_76.zip", "eeg_63.txt", "face_8614.zip"}, names)
}

func TestListStripsPrefix(t *testing.T) {
	srv, _, w := setup(t)
	srv.AddBucket("b", map[string][]byte{"dir/a.txt": nil, "dir/b.txt": nil, "top.txt": nil})
	names, err := w.List(context.Background(), dataproxy.BucketRef("b"), "dir/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, names)

	_, err = w.List(context.Background(), dataproxy.BucketRef("missing"), "")
	assert.ErrorIs(t, err, dataproxy.ErrNotFound)
}

func TestDownload(t *testing.T) {
	srv, fs, w := setup(t)
	ctx := context.Background()

	ok, err := w.Download(ctx, "eeg_63.txt", tvb, "/data")
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := afero.ReadFile(fs, "/data/eeg_63.txt")
	require.NoError(t, err)
	assert.Len(t, got, 2203)
	assert.Zero(t, srv.SignedWithAuth(), "signed URLs are fetched without credentials")

	_, err = w.Download(ctx, "eeg_63.txt", tvb, "/data")
	assert.ErrorIs(t, err, bucket.ErrFileExists)

	ok, err = w.Download(ctx, "nope.txt", tvb, "/data")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = w.Download(ctx, "face_8614.zip", tvb, "")
	require.NoError(t, err)
	assert.True(t, ok)
	exists, _ := afero.Exists(fs, "/home/jovyan/face_8614.zip")
	assert.True(t, exists)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestDownloadRemovesPartialFile(t *testing.T) {
	srv := dataproxytest.New(t)
	srv.AddBucket("b", map[string][]byte{"x.bin": []byte("payload")})
	fs := afero.NewMemMapFs()
	failing := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusForbidden, Body: http.NoBody, Request: r}, nil
	})}
	w := bucket.New(dataproxy.NewClient(srv.BaseURL(), token.Token{Raw: "t"}), fs, failing, logging.NewNop(), bucket.Config{})

	_, err := w.Download(context.Background(), "x.bin", dataproxy.BucketRef("b"), "/out")
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, dataproxy.StatusCode(err))
	exists, _ := afero.Exists(fs, "/out/x.bin")
	assert.False(t, exists)
}

func TestDownloadURL(t *testing.T) {
	_, _, w := setup(t)
	u, err := w.DownloadURL(context.Background(), "eeg_63.txt", tvb)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u, "/signed/buckets/tvb-widgets/eeg_63.txt"))

	_, err = w.DownloadURL(context.Background(), "nope", tvb)
	assert.ErrorIs(t, err, dataproxy.ErrEntryNotFound)
}

func TestUploadMissingSourceMakesNoRequests(t *testing.T) {
	srv, _, w := setup(t)
	_, err := w.Upload(context.Background(), "/nowhere/file.txt", tvb, "dest", "file.txt")
	assert.ErrorIs(t, err, bucket.ErrSourceNotFound)
	assert.Zero(t, srv.Requests())
}

func TestUpload(t *testing.T) {
	srv, fs, w := setup(t)
	require.NoError(t, afero.WriteFile(fs, "/home/jovyan/model.h5", []byte("weights"), 0o644))

	ok, err := w.Upload(context.Background(), "/home/jovyan/model.h5", tvb, "/models/", "")
	require.NoError(t, err)
	assert.True(t, ok)
	data, found := srv.Object(tvb, "models/model.h5")
	require.True(t, found)
	assert.Equal(t, "weights", string(data))
	assert.Zero(t, srv.SignedWithAuth())
}

// refusingStore answers every upload URL request with err.
type refusingStore struct {
	*dataproxy.Client
	err error
}

func (s refusingStore) UploadURL(context.Context, *dataproxy.Container, string) (string, error) {
	return "", s.err
}

func TestUploadRefusedAtURL(t *testing.T) {
	srv := dataproxytest.New(t)
	srv.AddBucket("b", nil)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src.txt", []byte("x"), 0o644))
	client := dataproxy.NewClient(srv.BaseURL(), token.Token{Raw: "t"})

	refused := refusingStore{client, &dataproxy.Error{Op: "upload url", StatusCode: 400, Err: dataproxy.ErrStore}}
	w := bucket.New(refused, fs, nil, logging.NewNop(), bucket.Config{})
	ok, err := w.Upload(context.Background(), "/src.txt", dataproxy.BucketRef("b"), "", "")
	require.NoError(t, err)
	assert.False(t, ok)

	denied := refusingStore{client, &dataproxy.Error{Op: "upload url", StatusCode: 401, Err: dataproxy.ErrAccessDenied}}
	w = bucket.New(denied, fs, nil, logging.NewNop(), bucket.Config{})
	_, err = w.Upload(context.Background(), "/src.txt", dataproxy.BucketRef("b"), "", "")
	assert.ErrorIs(t, err, dataproxy.ErrAccessDenied)
}

func TestUploadURL(t *testing.T) {
	_, _, w := setup(t)
	u, err := w.UploadURL(context.Background(), tvb, "/a/b/", "c.txt")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u, "/signed/buckets/tvb-widgets/a/b/c.txt"))

	_, err = w.UploadURL(context.Background(), tvb, "", "")
	assert.ErrorIs(t, err, bucket.ErrInvalidName)
}

func TestDelete(t *testing.T) {
	srv, _, w := setup(t)
	ctx := context.Background()

	res := w.Delete(ctx, tvb, "eeg_63.txt")
	assert.True(t, res.Success, res.Message)
	_, found := srv.Object(tvb, "eeg_63.txt")
	assert.False(t, found)

	res = w.Delete(ctx, tvb, "eeg_63.txt")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "entry not found")

	srv.DeleteStatus, srv.DeleteDetail = 403, "Forbidden for this role"
	res = w.Delete(ctx, tvb, "face_8614.zip")
	assert.Equal(t, bucket.DeleteResult{Success: false, Message: "Forbidden for this role"}, res)

	srv.Token = "other"
	res = w.Delete(ctx, tvb, "face_8614.zip")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "status 401")
}

func TestRename(t *testing.T) {
	srv, _, w := setup(t)
	srv.AddBucket("b", map[string][]byte{"dir/a.txt": []byte("alpha"), "dir/other.txt": nil})
	ref := dataproxy.BucketRef("b")

	res, err := w.Rename(context.Background(), ref, "dir/a.txt", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, bucket.RenameResult{Name: "b.txt", Path: "dir/b.txt"}, res)
	assert.Equal(t, []string{"dir/b.txt", "dir/other.txt"}, srv.Names(ref))
	data, _ := srv.Object(ref, "dir/b.txt")
	assert.Equal(t, "alpha", string(data))

	for _, bad := range []string{"", "x/y.txt"} {
		_, err := w.Rename(context.Background(), ref, "dir/b.txt", bad)
		assert.ErrorIs(t, err, bucket.ErrInvalidName)
	}
	_, err = w.Rename(context.Background(), ref, "dir/missing.txt", "c.txt")
	assert.ErrorIs(t, err, dataproxy.ErrEntryNotFound)
}

func TestGuessContainer(t *testing.T) {
	srv, fs, w := setup(t)
	srv.AddBucket("unrelated", nil)
	require.NoError(t, fs.MkdirAll("/mnt/user/shared/TVB Widgets", 0o755))
	require.NoError(t, fs.MkdirAll("/mnt/user/shared/Some Notes", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/mnt/user/shared/unrelated", nil, 0o644))

	name, err := w.GuessContainer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tvb-widgets", name)

	require.NoError(t, fs.MkdirAll("/mnt/user/shared/Unrelated", 0o755))
	_, err = w.GuessContainer(context.Background())
	assert.ErrorIs(t, err, bucket.ErrGuessFailed)
}

func TestGuessContainerNoSharedDrive(t *testing.T) {
	srv := dataproxytest.New(t)
	w := bucket.New(dataproxy.NewClient(srv.BaseURL(), token.Token{Raw: "t"}), afero.NewMemMapFs(), nil, logging.NewNop(), bucket.Config{})
	_, err := w.GuessContainer(context.Background())
	assert.ErrorIs(t, err, bucket.ErrGuessFailed)
}
