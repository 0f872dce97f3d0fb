package dataproxy

import "context"

// Store is the remote object store behind the bridge. Client talks to the
// data-proxy REST API; internal/s3 provides an S3-compatible alternative.
type Store interface {
	// Stat fetches container metadata.
	Stat(ctx context.Context, ref ContainerRef) (*Container, error)
	// ListPage returns one page of entries in server order.
	ListPage(ctx context.Context, c *Container, req PageRequest) ([]Entry, error)
	// ListContainers returns the containers visible to the caller.
	ListContainers(ctx context.Context) ([]ContainerSummary, error)
	// DownloadURL returns a short-lived signed URL for an entry.
	DownloadURL(ctx context.Context, c *Container, name string) (string, error)
	// UploadURL returns a short-lived signed URL a PUT can write name to.
	UploadURL(ctx context.Context, c *Container, name string) (string, error)
	Delete(ctx context.Context, c *Container, name string) (DeleteResponse, error)
	// RequestAccess asks the owner of a dataset to grant the caller access.
	RequestAccess(ctx context.Context, datasetID string) error
}
