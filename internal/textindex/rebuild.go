package textindex

import (
	"context"
	"fmt"

	"github.com/jcmvstard-prog/customs-kb/internal/store"
)

const rebuildBatch = 200

// Rebuild indexes every document of the store and returns how many were
// written. Documents already indexed are replaced.
func (x *Index) Rebuild(ctx context.Context, docs *store.DocumentStore) (int, error) {
	all, err := docs.List(ctx, store.DocumentFilter{})
	if err != nil {
		return 0, err
	}

	written := 0
	for start := 0; start < len(all); start += rebuildBatch {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		batch := all[start:min(start+rebuildBatch, len(all))]
		ids := make([]string, len(batch))
		for i, d := range batch {
			ids[i] = d.ID
		}
		codes, err := docs.CodesFor(ctx, ids)
		if err != nil {
			return written, err
		}
		agencies, err := docs.AgenciesFor(ctx, ids)
		if err != nil {
			return written, err
		}

		for _, d := range batch {
			slugs := make([]string, 0, len(agencies[d.ID]))
			for _, a := range agencies[d.ID] {
				slugs = append(slugs, a.Slug)
			}
			if err := x.IndexDocument(d, slugs, codes[d.ID]); err != nil {
				return written, fmt.Errorf("rebuild: %w", err)
			}
			written++
		}
	}
	return written, nil
}
