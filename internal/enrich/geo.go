package enrich

import (
	"net/netip"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// UnknownCity is reported when the locator has no city-level data.
const UnknownCity = "unknown"

// GeoLocator resolves a coarse location for an ip. It must always return a value.
type GeoLocator interface {
	Locate(ip string) domain.Geo
}

// GeoRange maps a network to a location.
type GeoRange struct {
	Prefix netip.Prefix
	Geo    domain.Geo
}

// StaticGeo looks ips up in a fixed table of prefixes.
// The first matching prefix wins; unparseable or unmatched ips get the fallback.
type StaticGeo struct {
	ranges   []GeoRange
	fallback domain.Geo
}

// NewStaticGeo creates a locator over ranges.
func NewStaticGeo(ranges []GeoRange, fallback domain.Geo) *StaticGeo {
	return &StaticGeo{ranges: ranges, fallback: fallback}
}

// DefaultGeo is the built-in table: private 10/8 traffic is attributed to IN,
// everything else to US.
func DefaultGeo() *StaticGeo {
	return NewStaticGeo([]GeoRange{
		{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Geo: domain.Geo{Country: "IN", City: UnknownCity}},
	}, domain.Geo{Country: "US", City: UnknownCity})
}

// Locate implements GeoLocator.
func (g *StaticGeo) Locate(ip string) domain.Geo {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return g.fallback
	}
	addr = addr.Unmap()
	for _, r := range g.ranges {
		if r.Prefix.Contains(addr) {
			return r.Geo
		}
	}
	return g.fallback
}
