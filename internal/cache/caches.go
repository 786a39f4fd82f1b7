package cache

import (
	"net/netip"
	"time"
)

type Options struct {
	DNSTTL      time.Duration
	GeoTTL      time.Duration
	DecisionTTL time.Duration
	MaxEntries  int
}

func (o Options) withDefaults() Options {
	if o.DNSTTL <= 0 {
		o.DNSTTL = 5 * time.Minute
	}
	if o.GeoTTL <= 0 {
		o.GeoTTL = time.Hour
	}
	if o.DecisionTTL <= 0 {
		o.DecisionTTL = 5 * time.Minute
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 10000
	}
	return o
}

// Caches bundles the evaluator's lookup caches.
type Caches struct {
	DNS       *Cache[string, netip.Addr]
	PrivateIP *Cache[string, bool]
	Country   *Cache[netip.Addr, string]
	ASN       *Cache[netip.Addr, uint32]
	Decision  *Cache[string, bool]
}

func NewCaches(opt Options) *Caches {
	opt = opt.withDefaults()
	return &Caches{
		DNS:       New[string, netip.Addr](opt.DNSTTL, opt.MaxEntries),
		PrivateIP: New[string, bool](opt.DNSTTL, opt.MaxEntries),
		Country:   New[netip.Addr, string](opt.GeoTTL, opt.MaxEntries),
		ASN:       New[netip.Addr, uint32](opt.GeoTTL, opt.MaxEntries),
		Decision:  New[string, bool](opt.DecisionTTL, opt.MaxEntries),
	}
}

// WithClock sets the time source of every cache.
func (c *Caches) WithClock(now func() time.Time) *Caches {
	c.DNS.WithClock(now)
	c.PrivateIP.WithClock(now)
	c.Country.WithClock(now)
	c.ASN.WithClock(now)
	c.Decision.WithClock(now)
	return c
}

func (c *Caches) ClearAll() {
	c.DNS.Clear()
	c.PrivateIP.Clear()
	c.Country.Clear()
	c.ASN.Clear()
	c.Decision.Clear()
}

type BundleStats struct {
	DNS       Stats `json:"dns"`
	PrivateIP Stats `json:"privateIp"`
	Country   Stats `json:"country"`
	ASN       Stats `json:"asn"`
	Decision  Stats `json:"decision"`
}

func (c *Caches) Stats() BundleStats {
	return BundleStats{
		DNS:       c.DNS.Stats(),
		PrivateIP: c.PrivateIP.Stats(),
		Country:   c.Country.Stats(),
		ASN:       c.ASN.Stats(),
		Decision:  c.Decision.Stats(),
	}
}
