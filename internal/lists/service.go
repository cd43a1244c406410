package lists

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// ErrInvalidEntry is returned for malformed create requests.
var ErrInvalidEntry = errors.New("invalid list entry")

// CreateRequest is an administrator's create-or-refresh request.
// ExpiresAt wins over TTLHours when both are set; neither means no expiry.
type CreateRequest struct {
	Kind       domain.ListKind
	EntityType domain.EntityType
	Value      string
	Reason     string
	ExpiresAt  *time.Time
	TTLHours   float64
	CreatedBy  string
}

// Service is the administration surface for list entries.
type Service struct {
	store Store
}

// NewService creates a Service over store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create inserts an entry, or refreshes the active entry with the same
// (kind, entityType, value). created reports which happened.
func (s *Service) Create(ctx context.Context, req CreateRequest, now time.Time) (entry *domain.ListEntry, created bool, err error) {
	if !req.Kind.Valid() {
		return nil, false, fmt.Errorf("%w: kind must be block or allow", ErrInvalidEntry)
	}
	if !req.EntityType.Valid() {
		return nil, false, fmt.Errorf("%w: entityType must be one of email, device, ip, address, payment", ErrInvalidEntry)
	}
	value := domain.NormalizeEntityValue(req.EntityType, req.Value)
	if value == "" {
		return nil, false, fmt.Errorf("%w: value is required", ErrInvalidEntry)
	}

	var expires *time.Time
	switch {
	case req.ExpiresAt != nil:
		t := req.ExpiresAt.UTC()
		expires = &t
	case req.TTLHours != 0:
		if req.TTLHours < 0 || math.IsNaN(req.TTLHours) || math.IsInf(req.TTLHours, 0) {
			return nil, false, fmt.Errorf("%w: ttlHours must be positive", ErrInvalidEntry)
		}
		t := now.Add(time.Duration(req.TTLHours * float64(time.Hour))).UTC()
		expires = &t
	}

	return s.store.UpsertListEntry(ctx, &domain.ListEntry{
		ID:         uuid.New().String(),
		Kind:       req.Kind,
		EntityType: req.EntityType,
		Value:      value,
		Reason:     strings.TrimSpace(req.Reason),
		ExpiresAt:  expires,
		CreatedBy:  req.CreatedBy,
	}, now)
}

// List returns entries matching filter.
func (s *Service) List(ctx context.Context, filter domain.ListFilter, now time.Time) ([]*domain.ListEntry, error) {
	return s.store.ListListEntries(ctx, filter, now)
}

// Revert deletes an entry by id.
func (s *Service) Revert(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEntry)
	}
	return s.store.DeleteListEntry(ctx, id)
}
