// Package bucket is the file-operations facade used by the HTTP handlers:
// listing, transfers between the local filesystem and a container, deletes
// and renames.
package bucket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"

	"github.com/arencloud/bucketbridge/internal/dataproxy"
	"github.com/arencloud/bucketbridge/internal/logging"
)

var (
	// ErrSourceNotFound is returned by Upload when the local source is missing.
	ErrSourceNotFound = errors.New("bucket: source file not found")

	// ErrFileExists is returned by Download when the target file already exists.
	ErrFileExists = errors.New("bucket: file already exists")

	// ErrInvalidName is returned by Rename for an empty name or one containing "/".
	ErrInvalidName = errors.New("bucket: invalid name")

	// ErrGuessFailed is returned when the shared drive does not point at exactly one container.
	ErrGuessFailed = errors.New("bucket: cannot guess container")
)

// DefaultSharedRoot is where the notebook environment mounts the shared drive.
const DefaultSharedRoot = "/mnt/user/shared"

type Config struct {
	DownloadDir  string
	SharedRoot   string
	RegistryOpts []dataproxy.RegistryOption
}

// DeleteResult is the outcome of Delete. Failures are reported, never returned.
type DeleteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type RenameResult struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Wrapper combines a Store with the local filesystem. Signed URLs are fetched
// with a separate client that never carries the store's credentials.
type Wrapper struct {
	store  dataproxy.Store
	reg    *dataproxy.Registry
	fs     afero.Fs
	signed *http.Client
	log    logging.Logger
	cfg    Config
}

// New builds a Wrapper. A nil signed client means http.DefaultClient.
func New(store dataproxy.Store, fs afero.Fs, signed *http.Client, logger logging.Logger, cfg Config) *Wrapper {
	if signed == nil {
		signed = http.DefaultClient
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "."
	}
	if cfg.SharedRoot == "" {
		cfg.SharedRoot = DefaultSharedRoot
	}
	return &Wrapper{
		store:  store,
		reg:    dataproxy.NewRegistry(store, cfg.RegistryOpts...),
		fs:     fs,
		signed: signed,
		log:    logger,
		cfg:    cfg,
	}
}

// Registry exposes the container registry backing the wrapper.
func (w *Wrapper) Registry() *dataproxy.Registry { return w.reg }

// List returns entry names under prefix with the prefix removed.
func (w *Wrapper) List(ctx context.Context, ref dataproxy.ContainerRef, prefix string) ([]string, error) {
	c, err := w.reg.ResolveRef(ctx, ref, false)
	if err != nil {
		return nil, err
	}
	var names []string
	for e, err := range dataproxy.Entries(ctx, w.store, c, prefix) {
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", ref, err)
		}
		names = append(names, strings.TrimPrefix(e.Name, prefix))
	}
	return names, nil
}

// ListContainers returns the caller's visible containers.
func (w *Wrapper) ListContainers(ctx context.Context) ([]dataproxy.ContainerSummary, error) {
	return w.reg.ListContainers(ctx)
}

// Dataset resolves a dataset, optionally asking for access and waiting for it.
func (w *Wrapper) Dataset(ctx context.Context, id string, requestAccess bool) (*dataproxy.Container, error) {
	return w.reg.ResolveDataset(ctx, id, requestAccess)
}

// Download copies the entry at file into destDir. It returns false when the
// entry does not exist. An existing local file is never overwritten.
func (w *Wrapper) Download(ctx context.Context, file string, ref dataproxy.ContainerRef, destDir string) (bool, error) {
	w.log.Info("download", "file", file, "container", ref.String())
	c, err := w.reg.ResolveRef(ctx, ref, false)
	if err != nil {
		return false, err
	}
	e, found, err := dataproxy.ScanEntry(ctx, w.store, c, file)
	if err != nil {
		return false, err
	}
	if !found {
		w.log.Info("download: entry not found", "file", file, "container", ref.String())
		return false, nil
	}

	if destDir == "" {
		destDir = w.cfg.DownloadDir
	}
	if err := w.fs.MkdirAll(destDir, 0o755); err != nil {
		return false, err
	}
	target := filepath.Join(destDir, path.Base(e.Name))
	f, err := w.fs.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, fmt.Errorf("%w: %s", ErrFileExists, path.Base(e.Name))
		}
		return false, err
	}
	_, err = w.fetch(ctx, c, e.Name, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = w.fs.Remove(target)
		return false, err
	}
	w.log.Info("download done", "file", e.Name, "target", target, "bytes", e.SizeBytes)
	return true, nil
}

// DownloadURL returns a signed URL for the entry at file.
func (w *Wrapper) DownloadURL(ctx context.Context, file string, ref dataproxy.ContainerRef) (string, error) {
	c, err := w.reg.ResolveRef(ctx, ref, false)
	if err != nil {
		return "", err
	}
	e, found, err := dataproxy.ScanEntry(ctx, w.store, c, file)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: %q in %s", dataproxy.ErrEntryNotFound, file, ref)
	}
	return w.store.DownloadURL(ctx, c, e.Name)
}

// Upload sends the local file source to destDir/filename. It returns false
// when the store refuses to hand out an upload URL.
func (w *Wrapper) Upload(ctx context.Context, source string, ref dataproxy.ContainerRef, destDir, filename string) (bool, error) {
	ok, err := afero.Exists(w.fs, source)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrSourceNotFound, source)
	}
	if filename == "" {
		filename = filepath.Base(source)
	}
	c, err := w.reg.ResolveRef(ctx, ref, false)
	if err != nil {
		return false, err
	}
	name := destinationPath(destDir, filename)
	u, err := w.store.UploadURL(ctx, c, name)
	if err != nil {
		if rejected(err) {
			w.log.Error("upload url refused", "file", name, "container", ref.String(), "error", err)
			return false, nil
		}
		return false, err
	}

	f, err := w.fs.Open(source)
	if err != nil {
		return false, err
	}
	defer f.Close()
	size := int64(-1)
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	if err := w.put(ctx, u, f, size); err != nil {
		return false, fmt.Errorf("upload %s: %w", name, err)
	}
	w.log.Info("upload done", "source", source, "file", name, "container", ref.String(), "bytes", size)
	return true, nil
}

// UploadURL returns a signed URL a client can PUT destDir/filename to.
func (w *Wrapper) UploadURL(ctx context.Context, ref dataproxy.ContainerRef, destDir, filename string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("%w: empty filename", ErrInvalidName)
	}
	c, err := w.reg.ResolveRef(ctx, ref, false)
	if err != nil {
		return "", err
	}
	return w.store.UploadURL(ctx, c, destinationPath(destDir, filename))
}

// Delete removes the entry at file. Success requires the store to report status 200.
func (w *Wrapper) Delete(ctx context.Context, ref dataproxy.ContainerRef, file string) DeleteResult {
	fail := func(err error) DeleteResult {
		w.log.Error("delete failed", "file", file, "container", ref.String(), "error", err)
		return DeleteResult{Message: err.Error()}
	}
	c, err := w.reg.ResolveRef(ctx, ref, false)
	if err != nil {
		return fail(err)
	}
	e, err := dataproxy.FindEntry(ctx, w.store, c, file)
	if err != nil {
		return fail(err)
	}
	res, err := w.store.Delete(ctx, c, e.Name)
	if err != nil {
		return fail(err)
	}
	if res.StatusCode != http.StatusOK {
		msg := res.Detail
		if msg == "" {
			msg = fmt.Sprintf("delete %s: status %d", e.Name, res.StatusCode)
		}
		w.log.Error("delete refused", "file", e.Name, "status", res.StatusCode, "detail", res.Detail)
		return DeleteResult{Message: msg}
	}
	msg := res.Detail
	if msg == "" {
		msg = fmt.Sprintf("File %s deleted", e.Name)
	}
	return DeleteResult{Success: true, Message: msg}
}

// Rename copies the entry at file to newName in the same directory and
// removes the original. A failure after the copy leaves both entries.
func (w *Wrapper) Rename(ctx context.Context, ref dataproxy.ContainerRef, file, newName string) (RenameResult, error) {
	if newName == "" || strings.Contains(newName, "/") {
		return RenameResult{}, fmt.Errorf("%w: %q", ErrInvalidName, newName)
	}
	c, err := w.reg.ResolveRef(ctx, ref, false)
	if err != nil {
		return RenameResult{}, err
	}
	e, err := dataproxy.FindEntry(ctx, w.store, c, file)
	if err != nil {
		return RenameResult{}, err
	}
	target := destinationPath(path.Dir(e.Name), newName)
	if target == e.Name {
		return RenameResult{Name: newName, Path: target}, nil
	}

	var buf bytes.Buffer
	if _, err := w.fetch(ctx, c, e.Name, &buf); err != nil {
		return RenameResult{}, fmt.Errorf("rename %s: %w", e.Name, err)
	}
	u, err := w.store.UploadURL(ctx, c, target)
	if err != nil {
		return RenameResult{}, fmt.Errorf("rename %s: %w", e.Name, err)
	}
	if err := w.put(ctx, u, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		return RenameResult{}, fmt.Errorf("rename %s: %w", e.Name, err)
	}
	res, err := w.store.Delete(ctx, c, e.Name)
	if err != nil {
		return RenameResult{}, fmt.Errorf("rename %s: delete original: %w", e.Name, err)
	}
	if res.StatusCode != http.StatusOK {
		return RenameResult{}, fmt.Errorf("rename %s: delete original: status %d: %s", e.Name, res.StatusCode, res.Detail)
	}
	w.log.Info("rename done", "from", e.Name, "to", target, "container", ref.String())
	return RenameResult{Name: newName, Path: target}, nil
}

// GuessContainer matches the directories of the shared drive against the
// visible containers and returns the single match.
func (w *Wrapper) GuessContainer(ctx context.Context) (string, error) {
	infos, err := afero.ReadDir(w.fs, w.cfg.SharedRoot)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrGuessFailed, w.cfg.SharedRoot, err)
	}
	dirs := map[string]struct{}{}
	for _, fi := range infos {
		if fi.IsDir() {
			dirs[normalizeDirName(fi.Name())] = struct{}{}
		}
	}
	list, err := w.reg.ListContainers(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, s := range list {
		if _, ok := dirs[s.Name]; ok && !slices.Contains(matches, s.Name) {
			matches = append(matches, s.Name)
		}
	}
	if len(matches) != 1 {
		return "", fmt.Errorf("%w: %d candidates", ErrGuessFailed, len(matches))
	}
	return matches[0], nil
}

func (w *Wrapper) fetch(ctx context.Context, c *dataproxy.Container, name string, dst io.Writer) (int64, error) {
	u, err := w.store.DownloadURL(ctx, c, name)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	res, err := w.signed.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", name, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return 0, &dataproxy.Error{Op: "fetch", Path: name, StatusCode: res.StatusCode, Err: dataproxy.ErrStore}
	}
	return io.Copy(dst, res.Body)
}

func (w *Wrapper) put(ctx context.Context, u string, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, body)
	if err != nil {
		return err
	}
	if size >= 0 {
		req.ContentLength = size
	}
	res, err := w.signed.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &dataproxy.Error{Op: "put", Path: req.URL.Path, StatusCode: res.StatusCode, Err: dataproxy.ErrStore}
	}
	return nil
}

// rejected reports a store answer other than an authorization failure.
func rejected(err error) bool {
	var e *dataproxy.Error
	return errors.As(err, &e) && !errors.Is(err, dataproxy.ErrAccessDenied)
}

func destinationPath(dir, filename string) string {
	return strings.TrimPrefix(path.Join(strings.Trim(dir, "/"), filename), "/")
}

func normalizeDirName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}
