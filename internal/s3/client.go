// Package s3 serves the dataproxy.Store interface from an S3-compatible
// endpoint. Only buckets are supported.
package s3

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arencloud/bucketbridge/internal/config"
	"github.com/arencloud/bucketbridge/internal/dataproxy"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// PresignExpiry is the lifetime of the signed URLs handed out.
const PresignExpiry = 15 * time.Minute

type Client struct{ mc *minio.Client }

var _ dataproxy.Store = (*Client)(nil)

func normalizeEndpoint(endpoint string, useSSL bool) (host string, secure bool) {
	secure = useSSL
	if endpoint == "" {
		return "", secure
	}
	// If endpoint contains scheme, parse and strip it; prefer scheme over useSSL flag
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		if u, err := url.Parse(endpoint); err == nil {
			if u.Scheme == "https" {
				secure = true
			} else if u.Scheme == "http" {
				secure = false
			}
			// Keep host:port as endpoint for minio.New
			return u.Host, secure
		}
	}
	return endpoint, secure
}

func forcePathStyle(c config.S3Config) bool {
	// Use path-style for non-AWS by default; AWS prefers virtual-hosted
	pt := strings.ToLower(strings.TrimSpace(c.Type))
	return pt == "minio" || pt == "mcg" || pt == "generic" || pt == "" // default to path style for unknown
}

func New(c config.S3Config) (*Client, error) {
	endpoint, secure := normalizeEndpoint(c.Endpoint, c.UseSSL)
	if endpoint == "" {
		return nil, errors.New("s3: endpoint is required")
	}
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: secure,
		Region: c.Region,
	}
	if forcePathStyle(c) {
		opts.BucketLookup = minio.BucketLookupPath
	}
	mc, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, err
	}
	return &Client{mc: mc}, nil
}

func (c *Client) Stat(ctx context.Context, ref dataproxy.ContainerRef) (*dataproxy.Container, error) {
	if ref.Kind != dataproxy.KindBucket {
		return nil, notSupported("stat", ref.String())
	}
	ok, err := c.mc.BucketExists(ctx, ref.ID)
	if err != nil {
		return nil, mapErr("stat", ref.ID, err)
	}
	if !ok {
		return nil, &dataproxy.Error{Op: "stat", Path: ref.ID, StatusCode: http.StatusNotFound, Err: dataproxy.ErrNotFound}
	}
	cont := dataproxy.NewContainer(dataproxy.KindBucket, ref.ID, "")
	var last time.Time
	for obj := range c.mc.ListObjects(ctx, ref.ID, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, mapErr("stat", ref.ID, obj.Err)
		}
		cont.ObjectsCount++
		cont.TotalBytes += obj.Size
		if obj.LastModified.After(last) {
			last = obj.LastModified
		}
	}
	if !last.IsZero() {
		cont.LastModified = last.UTC().Format(time.RFC3339Nano)
	}
	public := false
	cont.IsPublic = &public
	cont.Role = "owner"
	cont.IsInitialized = true
	return cont, nil
}

func (c *Client) ListPage(ctx context.Context, cont *dataproxy.Container, req dataproxy.PageRequest) ([]dataproxy.Entry, error) {
	if cont.Kind != dataproxy.KindBucket {
		return nil, notSupported("list", cont.ID())
	}
	// stop the lister goroutine once the page is full
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	opts := minio.ListObjectsOptions{Prefix: req.Prefix, StartAfter: req.Marker, Recursive: true, MaxKeys: req.Limit}
	var out []dataproxy.Entry
	for obj := range c.mc.ListObjects(ctx, cont.ID(), opts) {
		if obj.Err != nil {
			return nil, mapErr("list", cont.ID(), obj.Err)
		}
		out = append(out, dataproxy.Entry{
			ContentHash:  strings.Trim(obj.ETag, `"`),
			LastModified: obj.LastModified.UTC().Format(time.RFC3339Nano),
			SizeBytes:    obj.Size,
			Name:         obj.Key,
			ContentType:  obj.ContentType,
		})
		if req.Limit > 0 && len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

func (c *Client) ListContainers(ctx context.Context) ([]dataproxy.ContainerSummary, error) {
	items, err := c.mc.ListBuckets(ctx)
	if err != nil {
		return nil, mapErr("list buckets", "", err)
	}
	out := make([]dataproxy.ContainerSummary, 0, len(items))
	for _, b := range items {
		out = append(out, dataproxy.ContainerSummary{Name: b.Name, Role: "owner"})
	}
	return out, nil
}

func (c *Client) DownloadURL(ctx context.Context, cont *dataproxy.Container, name string) (string, error) {
	if cont.Kind != dataproxy.KindBucket {
		return "", notSupported("download url", cont.ID())
	}
	u, err := c.mc.PresignedGetObject(ctx, cont.ID(), strings.TrimPrefix(name, "/"), PresignExpiry, url.Values{})
	if err != nil {
		return "", mapErr("download url", cont.ID()+"/"+name, err)
	}
	return u.String(), nil
}

func (c *Client) UploadURL(ctx context.Context, cont *dataproxy.Container, name string) (string, error) {
	if cont.Kind != dataproxy.KindBucket {
		return "", notSupported("upload url", cont.ID())
	}
	u, err := c.mc.PresignedPutObject(ctx, cont.ID(), strings.TrimPrefix(name, "/"), PresignExpiry)
	if err != nil {
		return "", mapErr("upload url", cont.ID()+"/"+name, err)
	}
	return u.String(), nil
}

func (c *Client) Delete(ctx context.Context, cont *dataproxy.Container, name string) (dataproxy.DeleteResponse, error) {
	if cont.Kind != dataproxy.KindBucket {
		return dataproxy.DeleteResponse{}, notSupported("delete", cont.ID())
	}
	if err := c.mc.RemoveObject(ctx, cont.ID(), strings.TrimPrefix(name, "/"), minio.RemoveObjectOptions{}); err != nil {
		return dataproxy.DeleteResponse{}, mapErr("delete", cont.ID()+"/"+name, err)
	}
	return dataproxy.DeleteResponse{StatusCode: http.StatusOK, Detail: "File " + name + " deleted"}, nil
}

func (c *Client) RequestAccess(context.Context, string) error {
	return notSupported("request access", "")
}

func notSupported(op, p string) error {
	return &dataproxy.Error{Op: op, Path: p, Err: dataproxy.ErrNotSupported}
}

// mapErr translates minio error responses into dataproxy errors.
func mapErr(op, p string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	e := &dataproxy.Error{Op: op, Path: p, StatusCode: resp.StatusCode, Message: err.Error(), Err: dataproxy.ErrStore}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.Code == "AccessDenied":
		e.Err = dataproxy.ErrAccessDenied
	case resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchBucket" || resp.Code == "NoSuchKey":
		e.Err = dataproxy.ErrNotFound
	}
	return e
}
