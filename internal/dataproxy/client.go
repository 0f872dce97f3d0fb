package dataproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arencloud/bucketbridge/internal/token"
)

// DefaultBaseURL is the public EBRAINS data-proxy API.
const DefaultBaseURL = "https://data-proxy.ebrains.eu/api"

const maxBody = 32 << 20

// Client talks to the data-proxy REST API with a bearer token. The token's
// expiry is checked before every request so an expired token never reaches
// the network.
type Client struct {
	baseURL string
	http    *http.Client
	tok     token.Token
	now     func() time.Time
}

type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithClock overrides the clock used for the local expiry check.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient returns a Client for baseURL; an empty baseURL selects DefaultBaseURL.
func NewClient(baseURL string, tok token.Token, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		tok:     tok,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ Store = (*Client)(nil)

func (c *Client) Stat(ctx context.Context, ref ContainerRef) (*Container, error) {
	p := "/v1/" + ref.Kind.Segment() + "/" + ref.ID + "/stat"
	body, _, err := c.request(ctx, "stat", http.MethodGet, p, nil)
	if err != nil {
		return nil, err
	}
	raw, err := decodeObject(body)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", ref, err)
	}
	cont, err := DecodeContainer(ref, raw)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", ref, err)
	}
	return cont, nil
}

func (c *Client) ListPage(ctx context.Context, cont *Container, req PageRequest) ([]Entry, error) {
	q := url.Values{}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Marker != "" {
		q.Set("marker", req.Marker)
	}
	if req.Prefix != "" {
		q.Set("prefix", req.Prefix)
	}
	body, _, err := c.request(ctx, "list", http.MethodGet, cont.Path(""), q)
	if err != nil {
		return nil, err
	}
	raw, err := decodeObject(body)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", cont.ID(), err)
	}
	objs, ok := raw["objects"]
	if !ok {
		return nil, fmt.Errorf("list %s: %w", cont.ID(), malformed(`missing "objects"`))
	}
	if objs == nil {
		return nil, nil
	}
	items, ok := objs.([]any)
	if !ok {
		return nil, fmt.Errorf("list %s: %w", cont.ID(), malformed(`"objects" is %T, want array`, objs))
	}
	out := make([]Entry, 0, len(items))
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("list %s: %w", cont.ID(), malformed("object %d is %T", i, it))
		}
		e, err := DecodeEntry(m)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", cont.ID(), err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *Client) ListContainers(ctx context.Context) ([]ContainerSummary, error) {
	body, _, err := c.request(ctx, "list buckets", http.MethodGet, "/v1/buckets", nil)
	if err != nil {
		return nil, err
	}
	var items []any
	if err := decodeJSON(bytes.NewReader(body), &items); err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	out := make([]ContainerSummary, 0, len(items))
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("list buckets: %w", malformed("element %d is %T", i, it))
		}
		name, okName := m["name"].(string)
		role, okRole := m["role"].(string)
		public, okPublic := m["is_public"].(bool)
		if !okName || !okRole || !okPublic {
			return nil, fmt.Errorf("list buckets: %w", malformed("element %d lacks name, role or is_public", i))
		}
		out = append(out, ContainerSummary{Name: name, Role: role, IsPublic: public})
	}
	return out, nil
}

func (c *Client) DownloadURL(ctx context.Context, cont *Container, name string) (string, error) {
	q := url.Values{"redirect": {"false"}}
	body, _, err := c.request(ctx, "download url", http.MethodGet, cont.Path(name), q)
	if err != nil {
		return "", err
	}
	return signedURL(body, "download url", name)
}

func (c *Client) UploadURL(ctx context.Context, cont *Container, name string) (string, error) {
	body, _, err := c.request(ctx, "upload url", http.MethodPut, cont.Path(name), nil)
	if err != nil {
		return "", err
	}
	return signedURL(body, "upload url", name)
}

func (c *Client) Delete(ctx context.Context, cont *Container, name string) (DeleteResponse, error) {
	body, status, err := c.request(ctx, "delete", http.MethodDelete, cont.Path(name), nil)
	if err != nil {
		return DeleteResponse{}, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return DeleteResponse{StatusCode: status}, nil
	}
	raw, err := decodeObject(body)
	if err != nil {
		return DeleteResponse{}, fmt.Errorf("delete %s: %w", name, err)
	}
	out := DeleteResponse{Raw: raw}
	if v, ok := raw["status_code"]; ok && v != nil {
		n, err := asCount(v)
		if err != nil {
			return DeleteResponse{}, fmt.Errorf("delete %s: %w", name, malformed("status_code: %v", err))
		}
		out.StatusCode = int(n)
	} else if v, ok := raw["number_of_removals"]; ok {
		// documented bulk shape: {"failures": [...], "number_of_removals": n}
		n, _ := asCount(v)
		failures, _ := raw["failures"].([]any)
		if n > 0 && len(failures) == 0 {
			out.StatusCode = http.StatusOK
		} else {
			out.StatusCode = http.StatusConflict
			out.Detail = detailText(raw["failures"])
		}
		return out, nil
	}
	out.Detail = detailText(raw["details"])
	return out, nil
}

func (c *Client) RequestAccess(ctx context.Context, datasetID string) error {
	_, _, err := c.request(ctx, "request access", http.MethodPost, "/v1/datasets/"+datasetID, nil)
	return err
}

func (c *Client) request(ctx context.Context, op, method, p string, q url.Values) ([]byte, int, error) {
	if err := c.tok.Check(c.now()); err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", op, p, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(p, q), nil)
	if err != nil {
		return nil, 0, &Error{Op: op, Path: p, Err: ErrStore, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.tok.Raw)
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &Error{Op: op, Path: p, Err: ErrStore, Message: err.Error()}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return nil, res.StatusCode, &Error{Op: op, Path: p, StatusCode: res.StatusCode, Err: ErrStore, Message: err.Error()}
	}
	if res.StatusCode >= 400 {
		e := &Error{Op: op, Path: p, StatusCode: res.StatusCode, Message: errorText(body)}
		switch res.StatusCode {
		case http.StatusUnauthorized:
			e.Err = ErrAccessDenied
		case http.StatusNotFound:
			e.Err = ErrNotFound
		default:
			e.Err = ErrStore
		}
		return nil, res.StatusCode, e
	}
	return body, res.StatusCode, nil
}

func (c *Client) endpoint(p string, q url.Values) string {
	segs := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	u := c.baseURL + "/" + strings.Join(segs, "/")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func signedURL(body []byte, op, name string) (string, error) {
	raw, err := decodeObject(body)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", op, name, err)
	}
	u, ok := raw["url"].(string)
	if !ok || u == "" {
		return "", fmt.Errorf("%s %s: %w", op, name, malformed(`missing "url"`))
	}
	return u, nil
}

// errorText extracts the server's detail or message, falling back to the raw body.
func errorText(body []byte) string {
	var m map[string]any
	if json.Unmarshal(body, &m) == nil {
		for _, k := range []string{"detail", "details", "message", "error"} {
			if s := detailText(m[k]); s != "" {
				return s
			}
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

func detailText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
