package dumps

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oarepo/oarepo-oidc-einfra/internal/shared"
)

// PointerKey is the single cache slot naming the most recently
// submitted dump. Every process touching dumps shares it.
const PointerKey = "einfra:dump:latest"

// Pointer tracks the latest submitted dump in the coordination cache.
// It is updated at submission time, before the processing task is even
// scheduled, so a pass always compares against the newest submission
// rather than the newest completion. That is what makes
// last-submitted-wins hold under out-of-order task execution.
type Pointer struct {
	client *redis.Client
	key    string
}

// NewPointer creates a pointer on the shared cache.
func NewPointer(client *redis.Client) *Pointer {
	return &Pointer{client: client, key: PointerKey}
}

// Submit records a dump path as the newest submission.
func (p *Pointer) Submit(ctx context.Context, path string) error {
	if err := p.client.Set(ctx, p.key, path, 0).Err(); err != nil {
		return fmt.Errorf("dump pointer: submit %s: %w", path, err)
	}
	return nil
}

// Verify returns shared.ErrStaleDump when the slot already names a
// different dump than the given one. An empty slot passes: there is
// nothing newer to lose against.
func (p *Pointer) Verify(ctx context.Context, path string) error {
	latest, err := p.client.Get(ctx, p.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dump pointer: read: %w", err)
	}
	if latest != "" && latest != path {
		return fmt.Errorf("dump %s, newest is %s: %w", path, latest, shared.ErrStaleDump)
	}
	return nil
}
