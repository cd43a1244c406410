// Package lists resolves allow/block overrides and maintains list entries.
package lists

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// Store is the list side of the repository.
type Store interface {
	UpsertListEntry(ctx context.Context, entry *domain.ListEntry, now time.Time) (*domain.ListEntry, bool, error)
	FindActiveListEntry(ctx context.Context, kind domain.ListKind, values []string, now time.Time) (*domain.ListEntry, error)
	ListListEntries(ctx context.Context, filter domain.ListFilter, now time.Time) ([]*domain.ListEntry, error)
	DeleteListEntry(ctx context.Context, id string) error
}

// Overrides reports which list kinds matched a set of candidates.
// Allow and Block are independent; precedence is applied by the decision stage.
type Overrides struct {
	Allow      bool
	Block      bool
	AllowEntry *domain.ListEntry
	BlockEntry *domain.ListEntry
}

// Resolver answers override lookups.
type Resolver struct {
	store Store
}

// NewResolver creates a Resolver over store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve looks up active allow and block entries matching any candidate value.
// A candidate matches on value alone, whatever entity type the entry was filed under.
func (r *Resolver) Resolve(ctx context.Context, candidates []domain.Entity, now time.Time) (Overrides, error) {
	values := candidateValues(candidates)
	if len(values) == 0 {
		return Overrides{}, nil
	}

	var out Overrides
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e, err := r.store.FindActiveListEntry(gctx, domain.ListKindAllow, values, now)
		out.AllowEntry = e
		return err
	})
	g.Go(func() error {
		e, err := r.store.FindActiveListEntry(gctx, domain.ListKindBlock, values, now)
		out.BlockEntry = e
		return err
	})
	if err := g.Wait(); err != nil {
		return Overrides{}, err
	}

	out.Allow = out.AllowEntry != nil
	out.Block = out.BlockEntry != nil
	return out, nil
}

func candidateValues(candidates []domain.Entity) []string {
	seen := make(map[string]bool, len(candidates))
	values := make([]string, 0, len(candidates))
	for _, c := range candidates {
		v := domain.NormalizeEntityValue(c.Type, c.Value)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		values = append(values, v)
	}
	return values
}
