package fetch

import (
	"context"
	"io"
	"time"
)

// Transfer lists and streams files on the controller. The bridge needs
// nothing more from the file-transfer side than these three calls.
type Transfer interface {
	ChangeDirectory(ctx context.Context, path string) error
	ListEntries(ctx context.Context) ([]string, error)
	DownloadStream(ctx context.Context, path string) (io.ReadCloser, error)
	Close() error
}

// VersionProbe reports the remote structural document's last-modified
// timestamp. Used only for cache invalidation.
type VersionProbe interface {
	LastModified(ctx context.Context) (time.Time, error)
}
