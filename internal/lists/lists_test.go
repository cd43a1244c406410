package lists

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/couponguard/internal/bus"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/repository"
)

func newStore(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "lists.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

var hardHit = domain.RuleHit{ID: "code_guessing", Score: 0.8, Kind: domain.RuleKindHard}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := NewService(store)
	resolver := NewResolver(store)
	now := time.Now().UTC()

	_, _, err := svc.Create(ctx, CreateRequest{Kind: domain.ListKindAllow, EntityType: domain.EntityEmail, Value: " VIP@Example.com "}, now)
	require.NoError(t, err)
	_, _, err = svc.Create(ctx, CreateRequest{Kind: domain.ListKindBlock, EntityType: domain.EntityDevice, Value: "dev-bad"}, now)
	require.NoError(t, err)
	past := now.Add(-time.Minute)
	_, _, err = svc.Create(ctx, CreateRequest{Kind: domain.ListKindBlock, EntityType: domain.EntityIP, Value: "10.0.0.9", ExpiresAt: &past}, now.Add(-time.Hour))
	require.NoError(t, err)

	t.Run("allow by normalised email", func(t *testing.T) {
		ov, err := resolver.Resolve(ctx, []domain.Entity{domain.EmailEntity("vip@EXAMPLE.com"), domain.DeviceEntity("d1")}, now)
		require.NoError(t, err)
		assert.True(t, ov.Allow)
		assert.False(t, ov.Block)
		require.NotNil(t, ov.AllowEntry)
		assert.Equal(t, "vip@example.com", ov.AllowEntry.Value)
	})

	t.Run("allow and block both reported", func(t *testing.T) {
		ov, err := resolver.Resolve(ctx, []domain.Entity{domain.EmailEntity("vip@example.com"), domain.DeviceEntity("dev-bad")}, now)
		require.NoError(t, err)
		assert.True(t, ov.Allow)
		assert.True(t, ov.Block)
	})

	t.Run("match ignores entity type", func(t *testing.T) {
		ov, err := resolver.Resolve(ctx, []domain.Entity{domain.NewEntity(domain.EntityPayment, "dev-bad")}, now)
		require.NoError(t, err)
		assert.True(t, ov.Block)
	})

	t.Run("expired entry does not match", func(t *testing.T) {
		ov, err := resolver.Resolve(ctx, []domain.Entity{domain.IPEntity("10.0.0.9")}, now)
		require.NoError(t, err)
		assert.False(t, ov.Block)
	})

	t.Run("no candidates", func(t *testing.T) {
		ov, err := resolver.Resolve(ctx, []domain.Entity{domain.IPEntity("  ")}, now)
		require.NoError(t, err)
		assert.Equal(t, Overrides{}, ov)
	})
}

func TestServiceCreate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := NewService(store)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	first, created, err := svc.Create(ctx, CreateRequest{Kind: domain.ListKindBlock, EntityType: domain.EntityIP, Value: "::ffff:192.0.2.1", Reason: "chargebacks", TTLHours: 2}, now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "192.0.2.1", first.Value)
	require.NotNil(t, first.ExpiresAt)
	assert.Equal(t, now.Add(2*time.Hour), *first.ExpiresAt)

	second, created, err := svc.Create(ctx, CreateRequest{Kind: domain.ListKindBlock, EntityType: domain.EntityIP, Value: "192.0.2.1", Reason: "still bad"}, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "still bad", second.Reason)
	assert.Nil(t, second.ExpiresAt)

	active := true
	entries, err := svc.List(ctx, domain.ListFilter{Kind: domain.ListKindBlock, Active: &active}, now)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, svc.Revert(ctx, first.ID))
	assert.ErrorIs(t, svc.Revert(ctx, first.ID), repository.ErrNotFound)
}

func TestServiceCreateInvalid(t *testing.T) {
	svc := NewService(newStore(t))
	now := time.Now()

	tests := []CreateRequest{
		{Kind: "grey", EntityType: domain.EntityIP, Value: "1.1.1.1"},
		{Kind: domain.ListKindBlock, EntityType: "phone", Value: "555"},
		{Kind: domain.ListKindBlock, EntityType: domain.EntityEmail, Value: "   "},
		{Kind: domain.ListKindBlock, EntityType: domain.EntityEmail, Value: "a@b.c", TTLHours: -1},
	}
	for _, req := range tests {
		_, _, err := svc.Create(context.Background(), req, now)
		assert.ErrorIs(t, err, ErrInvalidEntry)
	}
	assert.ErrorIs(t, svc.Revert(context.Background(), ""), ErrInvalidEntry)
}

func TestRemediate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	b := bus.NewChannelBus(10)
	defer b.Close()

	events := make(chan RemediatedEvent, 4)
	_, err := b.Subscribe(ctx, domain.TopicListRemediated, func(_ context.Context, msg *domain.Message) error {
		var ev RemediatedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		events <- ev
		return nil
	})
	require.NoError(t, err)

	r := NewRemediator(store, b, true)
	now := time.Now().UTC()

	entry := r.Remediate(ctx, "dev-1", []domain.RuleHit{{ID: "ip_burst", Kind: domain.RuleKindSoft}, hardHit}, false, now)
	require.NotNil(t, entry)
	assert.Equal(t, domain.ListKindBlock, entry.Kind)
	assert.Equal(t, domain.EntityDevice, entry.EntityType)
	assert.Equal(t, domain.ReasonAutoHardRule, entry.Reason)
	require.NotNil(t, entry.ExpiresAt)
	assert.WithinDuration(t, now.Add(24*time.Hour), *entry.ExpiresAt, time.Second)

	select {
	case ev := <-events:
		assert.Equal(t, entry.ID, ev.Entry.ID)
		assert.Equal(t, []string{"code_guessing"}, ev.RuleIDs)
	case <-time.After(2 * time.Second):
		t.Fatal("expected remediation event")
	}

	again := r.Remediate(ctx, "dev-1", []domain.RuleHit{hardHit}, false, now.Add(time.Hour))
	require.NotNil(t, again)
	assert.Equal(t, entry.ID, again.ID, "refresh must not duplicate the entry")

	active := true
	entries, err := store.ListListEntries(ctx, domain.ListFilter{EntityType: domain.EntityDevice, Active: &active}, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	select {
	case <-events:
		t.Fatal("refresh must not publish")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemediateSkips(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	now := time.Now()

	assert.Nil(t, NewRemediator(store, nil, false).Remediate(ctx, "d", []domain.RuleHit{hardHit}, false, now), "disabled")
	assert.Nil(t, NewRemediator(store, nil, true).Remediate(ctx, "d", []domain.RuleHit{hardHit}, true, now), "allow override")
	assert.Nil(t, NewRemediator(store, nil, true).Remediate(ctx, "d", []domain.RuleHit{{ID: "ip_burst", Kind: domain.RuleKindSoft}}, false, now), "soft only")
	assert.Nil(t, NewRemediator(store, nil, true).Remediate(ctx, "", []domain.RuleHit{hardHit}, false, now), "no device")

	entries, err := store.ListListEntries(ctx, domain.ListFilter{}, now)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type failingStore struct{ Store }

func (failingStore) UpsertListEntry(context.Context, *domain.ListEntry, time.Time) (*domain.ListEntry, bool, error) {
	return nil, false, errors.New("disk full")
}

func TestRemediateFailureIsSwallowed(t *testing.T) {
	r := NewRemediator(failingStore{}, nil, true)
	assert.Nil(t, r.Remediate(context.Background(), "d", []domain.RuleHit{hardHit}, false, time.Now()))
}
