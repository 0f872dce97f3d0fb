package dataproxy

import (
	"fmt"
	"strings"
)

// Kind selects the REST collection a container lives in.
type Kind int

const (
	KindBucket Kind = iota
	KindDataset
)

// Segment is the path segment used in /v1/{segment}/{id}.
func (k Kind) Segment() string {
	if k == KindDataset {
		return "datasets"
	}
	return "buckets"
}

func (k Kind) String() string { return k.Segment() }

// ParseKind accepts the singular and plural forms; empty means bucket.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bucket", "buckets":
		return KindBucket, nil
	case "dataset", "datasets":
		return KindDataset, nil
	}
	return KindBucket, fmt.Errorf("unknown container kind %q", s)
}

// ContainerRef names a container the caller wants to open.
type ContainerRef struct {
	Kind Kind
	ID   string
}

func BucketRef(name string) ContainerRef { return ContainerRef{Kind: KindBucket, ID: name} }

func DatasetRef(id string) ContainerRef { return ContainerRef{Kind: KindDataset, ID: id} }

func (r ContainerRef) String() string { return r.Kind.Segment() + "/" + r.ID }

// Container is a bucket or a dataset as reported by the store's stat call.
// For datasets Role and IsPublic may be unknown.
type Container struct {
	Kind          Kind
	Name          string
	EntityID      string
	ObjectsCount  int64
	TotalBytes    int64
	LastModified  string
	IsPublic      *bool
	Role          string
	IsInitialized bool

	id string
}

// NewContainer fixes the path identifier: the entity id for datasets, the name otherwise.
func NewContainer(kind Kind, name, entityID string) *Container {
	c := &Container{Kind: kind, Name: name, EntityID: entityID}
	c.id = name
	if kind == KindDataset && entityID != "" {
		c.id = entityID
	}
	return c
}

// ID is the identifier used in every request path for this container.
func (c *Container) ID() string { return c.id }

// Path returns /v1/{kind}/{id}, optionally followed by an entry name.
func (c *Container) Path(entry string) string {
	p := "/v1/" + c.Kind.Segment() + "/" + c.id
	if entry != "" {
		p += "/" + strings.TrimPrefix(entry, "/")
	}
	return p
}

func (c *Container) String() string { return fmt.Sprintf("Container(%s name=%q)", c.Kind, c.Name) }

// Entry is a single object inside a container.
type Entry struct {
	ContentHash  string `json:"hash"`
	LastModified string `json:"last_modified"`
	SizeBytes    int64  `json:"bytes"`
	Name         string `json:"name"`
	ContentType  string `json:"content_type"`
}

// ContainerSummary is one element of the caller's visible containers.
type ContainerSummary struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	IsPublic bool   `json:"is_public"`
}

// PageRequest is one listing call. Empty Marker and Prefix are not sent.
type PageRequest struct {
	Limit  int
	Marker string
	Prefix string
}

// DeleteResponse is the store's answer to a delete.
type DeleteResponse struct {
	StatusCode int
	Detail     string
	Raw        map[string]any
}
