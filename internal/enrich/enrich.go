// Package enrich computes the behavioral features of a redemption event
// from the user table and the redemption audit log.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/repository"
)

// Counter windows.
const (
	IPWindow     = 10 * time.Minute
	DeviceWindow = 24 * time.Hour
	UserWindow   = 24 * time.Hour
)

// Store is the read side of the repository used for enrichment.
type Store interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	CountDistinctUsersByIP(ctx context.Context, ip string, since time.Time) (int, error)
	CountRedemptionsByDevice(ctx context.Context, deviceID string, since time.Time) (int, error)
	CountRedemptionsByUser(ctx context.Context, userID string, since time.Time) (int, error)
}

// Event identifies the redemption being enriched.
type Event struct {
	UserID   string
	DeviceID string
	IP       string
	Amount   float64
}

// Enrichment is the feature set handed to the rules and the scorer.
type Enrichment struct {
	AcctAgeHours float64
	Geo          domain.Geo
	Counters     domain.CounterSnapshot
}

// Provider computes enrichments.
type Provider struct {
	store Store
	geo   GeoLocator
}

// NewProvider creates a Provider. A nil locator uses DefaultGeo.
func NewProvider(store Store, geo GeoLocator) *Provider {
	if geo == nil {
		geo = DefaultGeo()
	}
	return &Provider{store: store, geo: geo}
}

// Enrich computes account age, geo and the rolling counters for ev as of now.
// The lookups run concurrently. A failed lookup leaves its feature at zero and
// is reported in the returned error; the Enrichment is usable either way.
func (p *Provider) Enrich(ctx context.Context, ev Event, now time.Time) (Enrichment, error) {
	out := Enrichment{
		Geo:      p.geo.Locate(ev.IP),
		Counters: domain.CounterSnapshot{OrderAmount: ev.Amount},
	}

	var (
		g       errgroup.Group
		ageErr  error
		ipErr   error
		devErr  error
		userErr error
	)

	g.Go(func() error {
		out.AcctAgeHours, ageErr = p.accountAge(ctx, ev.UserID, now)
		return nil
	})
	g.Go(func() error {
		if ev.IP == "" {
			return nil
		}
		out.Counters.IPUniqueAccounts10m, ipErr = p.store.CountDistinctUsersByIP(ctx, ev.IP, now.Add(-IPWindow))
		return nil
	})
	g.Go(func() error {
		out.Counters.DeviceRedemptions24h, devErr = p.store.CountRedemptionsByDevice(ctx, ev.DeviceID, now.Add(-DeviceWindow))
		return nil
	})
	g.Go(func() error {
		out.Counters.UserRedemptions24h, userErr = p.store.CountRedemptionsByUser(ctx, ev.UserID, now.Add(-UserWindow))
		return nil
	})
	_ = g.Wait()

	err := errors.Join(
		wrap("account age", ageErr),
		wrap("ip counter", ipErr),
		wrap("device counter", devErr),
		wrap("user counter", userErr),
	)
	if err != nil {
		slog.Warn("enrichment degraded", "user_id", ev.UserID, "error", err)
	}
	return out, err
}

func (p *Provider) accountAge(ctx context.Context, userID string, now time.Time) (float64, error) {
	if userID == "" {
		return 0, nil
	}
	user, err := p.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if user == nil || user.CreatedAt.IsZero() {
		return 0, nil
	}
	return math.Max(0, now.Sub(user.CreatedAt).Hours()), nil
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}
