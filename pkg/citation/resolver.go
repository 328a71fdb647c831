package citation

import (
	"context"
	"strings"

	"github.com/xhad/isoassist/internal/contextutil"
	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/pkg/urlutil"
)

// URLLookup finds another stored URL for a document title.
type URLLookup interface {
	AlternateURLByTitle(ctx context.Context, title string, excludeID int64) (string, error)
}

type Resolver struct {
	lookup URLLookup
}

func NewResolver(lookup URLLookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// IsDocumentType reports whether contentType names a downloadable file
// rather than a web page.
func IsDocumentType(contentType string) bool {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "", "web", "html":
		return false
	default:
		return true
	}
}

// DisplayURL returns the URL to show for doc. Web pages and URLs that
// already end in a document extension are returned unchanged. Otherwise a
// stored URL with the same title and a document extension is preferred,
// then the version-stripped URL with the file name's extension. Lookup
// failures fall back to the stored URL.
func (r *Resolver) DisplayURL(ctx context.Context, doc models.Document) string {
	if !IsDocumentType(doc.ContentType) || doc.URL == "" {
		return doc.URL
	}
	if urlutil.HasDocumentExtension(doc.URL) {
		return doc.URL
	}

	if r.lookup != nil && doc.Title != "" {
		alt, err := r.lookup.AlternateURLByTitle(ctx, doc.Title, doc.ID)
		if err != nil {
			contextutil.LoggerFromContext(ctx).WarnContext(ctx, "alternate url lookup failed",
				"document_id", doc.ID,
				"error", err)
			return doc.URL
		}
		if alt != "" {
			return alt
		}
	}

	ext := urlutil.DocumentExtension(doc.FileName)
	if ext == "" {
		return doc.URL
	}
	return urlutil.WithExtension(urlutil.StripVersion(doc.URL), ext)
}
