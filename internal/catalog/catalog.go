package catalog

import (
	"context"

	"github.com/xtreamdl/media_downloader/internal/download"
)

// Ref identifies a piece of catalog content to download. Extension is
// optional; resolvers fall back to the provider's container extension or a
// per-content-type default.
type Ref struct {
	ContentType download.ContentType
	StreamID    string
	Title       string
	Extension   string

	// Series-only hints used to build the destination path.
	SeriesName string
	SeasonNum  int
}

// Resolved is a direct media URL plus a suggested destination path under the
// media root.
type Resolved struct {
	SourceURL string
	FilePath  string
}

// Resolver turns a content reference into a downloadable target.
type Resolver interface {
	Resolve(ctx context.Context, ref Ref) (Resolved, error)
}
