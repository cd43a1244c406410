package lists

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/metrics"
)

// RemediationTTL is how long an automatic device block stays active.
const RemediationTTL = 24 * time.Hour

// RemediatedEvent is published when a device is blocked automatically.
type RemediatedEvent struct {
	Entry   *domain.ListEntry `json:"entry"`
	RuleIDs []string          `json:"ruleIds"`
}

// Remediator blocks devices after hard-rule hits.
type Remediator struct {
	store   Store
	bus     domain.EventBus
	enabled bool
}

// NewRemediator creates a Remediator. bus may be nil.
func NewRemediator(store Store, bus domain.EventBus, enabled bool) *Remediator {
	return &Remediator{store: store, bus: bus, enabled: enabled}
}

// Remediate creates or refreshes a 24h device block when enabled, a hard rule
// fired and no allow entry matched. Failures are logged and counted only.
// The returned entry is nil when nothing was written.
func (r *Remediator) Remediate(ctx context.Context, deviceID string, hits []domain.RuleHit, allowMatched bool, now time.Time) *domain.ListEntry {
	if !r.enabled || allowMatched || deviceID == "" || !domain.HasHard(hits) {
		return nil
	}

	expires := now.Add(RemediationTTL).UTC()
	entry := &domain.ListEntry{
		ID:         uuid.New().String(),
		Kind:       domain.ListKindBlock,
		EntityType: domain.EntityDevice,
		Value:      domain.NormalizeEntityValue(domain.EntityDevice, deviceID),
		Reason:     domain.ReasonAutoHardRule,
		ExpiresAt:  &expires,
		CreatedBy:  "auto-remediation",
	}

	saved, created, err := r.store.UpsertListEntry(ctx, entry, now)
	if err != nil {
		metrics.Remediations.WithLabelValues(metrics.RemediationFailed).Inc()
		slog.Error("auto-remediation failed", "device_id", deviceID, "error", err)
		return nil
	}

	if created {
		metrics.Remediations.WithLabelValues(metrics.RemediationCreated).Inc()
		slog.Info("device blocked by auto-remediation", "device_id", deviceID, "entry_id", saved.ID, "expires_at", expires)
	} else {
		metrics.Remediations.WithLabelValues(metrics.RemediationRefreshed).Inc()
		slog.Debug("auto-remediation refreshed device block", "device_id", deviceID, "entry_id", saved.ID)
	}

	if created && r.bus != nil {
		r.publish(ctx, saved, hits)
	}
	return saved
}

func (r *Remediator) publish(ctx context.Context, entry *domain.ListEntry, hits []domain.RuleHit) {
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.Kind == domain.RuleKindHard {
			ids = append(ids, h.ID)
		}
	}
	payload, err := json.Marshal(RemediatedEvent{Entry: entry, RuleIDs: ids})
	if err != nil {
		slog.Warn("failed to encode remediation event", "error", err)
		return
	}
	if err := r.bus.Publish(ctx, domain.TopicListRemediated, payload); err != nil {
		slog.Warn("failed to publish remediation event", "entry_id", entry.ID, "error", err)
	}
}
