package precache

import (
	"context"
	"fmt"

	"github.com/fwippe/orderlens/internal/assets"
	"github.com/fwippe/orderlens/internal/db"
)

// OrderLineSource derives known asset ids from order data: it reads the
// distinct photo URLs on order lines and extracts the provider asset id from
// each. URLs that do not point at the provider are skipped; the column is
// free text and holds other links too.
type OrderLineSource struct {
	Q *db.Queries
}

func (s OrderLineSource) KnownAssetIDs(ctx context.Context) ([]string, error) {
	urls, err := s.Q.ListOrderPhotoURLs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list order photo urls: %w", err)
	}

	ids := make([]string, 0, len(urls))
	for _, u := range urls {
		if id, ok := assets.IDFromURL(u); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
