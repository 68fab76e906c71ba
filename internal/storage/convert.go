package storage

import (
	"context"
	"fmt"
)

// Convert copies every readable record of src into dst, oldest first.
// It returns the number of records written.
func Convert(ctx context.Context, src, dst Store) (int, error) {
	recs, err := src.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load source: %w", err)
	}
	recs = InOrder(recs, src.Order(), Chronological)
	for i, rec := range recs {
		if err := dst.Append(ctx, rec); err != nil {
			return i, fmt.Errorf("append record %d: %w", i, err)
		}
	}
	return len(recs), nil
}
