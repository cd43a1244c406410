package domain

import (
	"net/netip"
	"strings"
	"time"
)

// ListKind is the polarity of a list entry.
type ListKind string

const (
	ListKindBlock ListKind = "block"
	ListKindAllow ListKind = "allow"
)

// Valid reports whether k is a known list kind.
func (k ListKind) Valid() bool {
	return k == ListKindBlock || k == ListKindAllow
}

// EntityType tags the value held by a list entry.
type EntityType string

const (
	EntityEmail   EntityType = "email"
	EntityDevice  EntityType = "device"
	EntityIP      EntityType = "ip"
	EntityAddress EntityType = "address"
	EntityPayment EntityType = "payment"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityEmail, EntityDevice, EntityIP, EntityAddress, EntityPayment:
		return true
	}
	return false
}

// Entity is a typed value that can be matched against list entries.
// Construct it with NewEntity so the value is normalised for its type.
type Entity struct {
	Type  EntityType `json:"type"`
	Value string     `json:"value"`
}

// NewEntity normalises value according to its type.
func NewEntity(t EntityType, value string) Entity {
	return Entity{Type: t, Value: NormalizeEntityValue(t, value)}
}

// EmailEntity returns a normalised email entity.
func EmailEntity(email string) Entity { return NewEntity(EntityEmail, email) }

// DeviceEntity returns a normalised device entity.
func DeviceEntity(id string) Entity { return NewEntity(EntityDevice, id) }

// IPEntity returns a normalised ip entity.
func IPEntity(ip string) Entity { return NewEntity(EntityIP, ip) }

// NormalizeEntityValue applies the per-type canonical form.
// Emails are lower-cased, parseable IPs are rendered canonically,
// everything else is only trimmed.
func NormalizeEntityValue(t EntityType, value string) string {
	v := strings.TrimSpace(value)
	switch t {
	case EntityEmail:
		return strings.ToLower(v)
	case EntityIP:
		if addr, err := netip.ParseAddr(v); err == nil {
			return addr.Unmap().String()
		}
		return v
	default:
		return v
	}
}

// ListEntry is an administrator-maintained (or auto-remediation) override.
type ListEntry struct {
	ID         string     `json:"id"`
	Kind       ListKind   `json:"kind"`
	EntityType EntityType `json:"entityType"`
	Value      string     `json:"value"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	CreatedBy  string     `json:"createdBy,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ActiveAt reports whether the entry is in force at now.
func (e *ListEntry) ActiveAt(now time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// ListFilter selects list entries for administration.
// Active nil means both active and expired entries.
type ListFilter struct {
	Kind       ListKind
	EntityType EntityType
	Active     *bool
}

// Reason recorded on entries written by auto-remediation.
const ReasonAutoHardRule = "auto-hard-rule"
