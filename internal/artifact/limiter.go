package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// ErrInvalidLimit is returned when the per-user limit is not positive.
var ErrInvalidLimit = errors.New("object limit must be positive")

// EnforceResult reports how many objects were found and removed.
type EnforceResult struct {
	Deleted int `json:"deleted"`
	Total   int `json:"total"`
}

// Limiter caps the number of objects in one user's folder.
type Limiter struct {
	objects ObjectStore
	limit   int
	logger  *slog.Logger
}

// NewLimiter creates a Limiter.
func NewLimiter(objects ObjectStore, limit int, logger *slog.Logger) (*Limiter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	return &Limiter{objects: objects, limit: limit, logger: logger.WithGroup("artifact")}, nil
}

// Enforce lists {prefix}/{user storage key}/ for the folder key belongs to
// and deletes the oldest objects beyond the limit.
func (l *Limiter) Enforce(ctx context.Context, bucket, key string) (EnforceResult, error) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return EnforceResult{}, fmt.Errorf("%w: %s", ErrBadKey, key)
	}
	folder := parts[0] + "/" + parts[1] + "/"

	objects, err := l.objects.List(ctx, bucket, folder)
	if err != nil {
		return EnforceResult{}, err
	}
	res := EnforceResult{Total: len(objects)}
	if res.Total <= l.limit {
		l.logger.Info("no cleanup required",
			slog.String("folder", folder),
			slog.Int("total", res.Total),
			slog.Int("limit", l.limit),
		)
		return res, nil
	}

	sort.SliceStable(objects, func(i, j int) bool {
		return objects[i].LastModified.Before(objects[j].LastModified)
	})

	over := objects[:res.Total-l.limit]
	keys := make([]string, 0, len(over))
	for _, o := range over {
		if o.Key != "" {
			keys = append(keys, o.Key)
		}
	}
	if len(keys) == 0 {
		return res, nil
	}

	if err := l.objects.Delete(ctx, bucket, keys...); err != nil {
		return res, err
	}
	res.Deleted = len(keys)
	l.logger.Info("cleanup done",
		slog.String("folder", folder),
		slog.Int("total", res.Total),
		slog.Int("limit", l.limit),
		slog.Int("deleted", res.Deleted),
	)
	return res, nil
}
