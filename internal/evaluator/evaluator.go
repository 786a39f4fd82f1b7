// Package evaluator decides, per request, the rule classes the declarative
// table cannot express: private addresses, IP ranges, ASNs and countries.
package evaluator

import (
	"context"
	"errors"
	"net/netip"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/reqguard/internal/cache"
	"github.com/John-Robertt/reqguard/internal/dnr"
	"github.com/John-Robertt/reqguard/internal/ipmatch"
	"github.com/John-Robertt/reqguard/internal/model"
)

// Resolver maps a hostname to one IP address.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// GeoLookup maps an address to its ISO country code and origin ASN.
type GeoLookup interface {
	Country(ip netip.Addr) (string, error)
	ASN(ip netip.Addr) (uint32, error)
}

// BlockLogger records blocked requests. Implementations must not block.
type BlockLogger interface {
	LogBlocked(entry model.BlockedRequest)
}

// Decision sources, reported for diagnostics and metrics.
const (
	SourceCache       = "cache"
	SourceFastPath    = "fast-path"
	SourceInvalid     = "invalid-url"
	SourceTerminating = "terminating-allow"
	SourceLookup      = "lookup-failed"
	SourcePrivateIP   = "private-ip"
	SourceIP          = "ip"
	SourceASN         = "asn"
	SourceGeoIP       = "geoip"
	SourceDefault     = "default"
)

type Request struct {
	URL          string           `json:"url"`
	ResourceType dnr.ResourceType `json:"resourceType,omitempty"`
}

type Decision struct {
	Cancel bool   `json:"cancel"`
	Source string `json:"source"`
	Rule   string `json:"rule,omitempty"`
}

type Options struct {
	Resolver      Resolver
	Geo           GeoLookup
	Logger        BlockLogger
	Caches        *cache.Caches
	LookupTimeout time.Duration
	Log           logrus.FieldLogger
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Caches == nil {
		o.Caches = cache.NewCaches(cache.Options{})
	}
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = 2 * time.Second
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Evaluator struct {
	opt Options
	idx atomic.Pointer[index]
}

func New(opt Options) *Evaluator {
	return &Evaluator{opt: opt.withDefaults()}
}

// Caches exposes the evaluator's caches so the owner can clear them.
func (e *Evaluator) Caches() *cache.Caches { return e.opt.Caches }

func (e *Evaluator) indexFor(rs *model.RuleSet) *index {
	if cur := e.idx.Load(); cur != nil && cur.rs == rs {
		return cur
	}
	next := buildIndex(rs)
	e.idx.Store(next)
	return next
}

// Evaluate applies, in order: the decision cache, terminating allow rules,
// the private-address check, IP rules, ASN rules and blocked countries.
// Lookup failures never block; they skip the stages that need them.
func (e *Evaluator) Evaluate(ctx context.Context, req Request, rs *model.RuleSet, settings *model.Settings) Decision {
	if rs == nil {
		rs = model.NewRuleSet()
	}
	if settings == nil {
		settings = model.DefaultSettings()
	}

	u, err := url.Parse(req.URL)
	if err != nil || u.Hostname() == "" {
		return Decision{Source: SourceInvalid}
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	c := e.opt.Caches

	if cancel, ok := c.Decision.Get(req.URL); ok {
		if cancel && contentTypeBlocked(settings, req.ResourceType) {
			e.logBlocked(model.BlockedRequest{
				URL: req.URL, Hostname: host, ResourceType: string(req.ResourceType),
				BlockReason: model.ReasonContentType,
			})
		}
		return Decision{Cancel: cancel, Source: SourceCache}
	}

	idx := e.indexFor(rs)

	if r, ok := idx.terminatingAllow(req.URL, host); ok {
		c.Decision.Set(req.URL, false)
		return Decision{Source: SourceTerminating, Rule: r.Value}
	}

	if !settings.BlockPrivateIPs && !idx.needsIP && !idx.needsASN && !idx.needsGeoIP {
		c.Decision.Set(req.URL, false)
		return Decision{Source: SourceFastPath}
	}

	ip, ok := e.resolve(ctx, host)
	if !ok {
		return Decision{Source: SourceLookup}
	}
	entry := model.BlockedRequest{
		URL:          req.URL,
		Hostname:     host,
		IP:           ip.String(),
		ResourceType: string(req.ResourceType),
	}

	if settings.BlockPrivateIPs && e.isPrivate(host, ip) {
		entry.BlockReason = model.ReasonPrivateIP
		return e.block(req.URL, entry, SourcePrivateIP, "")
	}

	if idx.needsIP {
		if d, stop := e.ipStage(idx, req.URL, ip, entry); stop {
			return d
		}
	}

	if idx.needsASN {
		if asn, err := e.asn(ip); err == nil {
			entry.ASN = asn
			if d, stop := e.asnStage(idx, req.URL, asn, entry); stop {
				return d
			}
		}
	}

	if idx.needsGeoIP {
		if cc, err := e.country(ip); err == nil && cc != "" && idx.countries[cc] {
			entry.Country = cc
			entry.BlockReason = model.ReasonGeoIP
			return e.block(req.URL, entry, SourceGeoIP, cc)
		}
	}

	c.Decision.Set(req.URL, false)
	return Decision{Source: SourceDefault}
}

// ipStage: a terminating allow stops and allows; otherwise the first block
// match stops and blocks; a non-terminating allow lets evaluation continue.
func (e *Evaluator) ipStage(idx *index, rawURL string, ip netip.Addr, entry model.BlockedRequest) (Decision, bool) {
	for _, r := range idx.allowIPs {
		if r.rule.IsTerminating && r.pattern.Contains(ip) {
			e.opt.Caches.Decision.Set(rawURL, false)
			return Decision{Source: SourceIP, Rule: r.rule.Value}, true
		}
	}
	for _, r := range idx.blockIPs {
		if r.pattern.Contains(ip) {
			entry.BlockReason = model.ReasonIP
			entry.Rule = r.rule.Value
			return e.block(rawURL, entry, SourceIP, r.rule.Value), true
		}
	}
	return Decision{}, false
}

func (e *Evaluator) asnStage(idx *index, rawURL string, asn uint32, entry model.BlockedRequest) (Decision, bool) {
	for _, r := range idx.allowASNs {
		if r.rule.IsTerminating && r.asn == asn {
			e.opt.Caches.Decision.Set(rawURL, false)
			return Decision{Source: SourceASN, Rule: r.rule.Value}, true
		}
	}
	for _, r := range idx.blockASNs {
		if r.asn == asn {
			entry.BlockReason = model.ReasonASN
			entry.Rule = r.rule.Value
			return e.block(rawURL, entry, SourceASN, r.rule.Value), true
		}
	}
	return Decision{}, false
}

func (e *Evaluator) block(rawURL string, entry model.BlockedRequest, source, rule string) Decision {
	e.opt.Caches.Decision.Set(rawURL, true)
	e.logBlocked(entry)
	return Decision{Cancel: true, Source: source, Rule: rule}
}

func (e *Evaluator) logBlocked(entry model.BlockedRequest) {
	if e.opt.Logger == nil {
		return
	}
	if entry.Time.IsZero() {
		entry.Time = e.opt.Now()
	}
	e.opt.Logger.LogBlocked(entry)
}

var errNoResolver = errors.New("no resolver configured")

func (e *Evaluator) resolve(ctx context.Context, host string) (netip.Addr, bool) {
	if a, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return a.Unmap(), true
	}
	if a, ok := e.opt.Caches.DNS.Get(host); ok {
		return a, true
	}

	err := errNoResolver
	var a netip.Addr
	if e.opt.Resolver != nil {
		lctx, cancel := context.WithTimeout(ctx, e.opt.LookupTimeout)
		a, err = e.opt.Resolver.Resolve(lctx, host)
		cancel()
	}
	if err != nil || !a.IsValid() {
		e.opt.Log.WithFields(logrus.Fields{"host": host, "err": err}).Debug("resolve failed")
		return netip.Addr{}, false
	}
	a = a.Unmap()
	e.opt.Caches.DNS.Set(host, a)
	return a, true
}

func (e *Evaluator) isPrivate(host string, ip netip.Addr) bool {
	if v, ok := e.opt.Caches.PrivateIP.Get(host); ok {
		return v
	}
	v := ipmatch.IsPrivate(ip)
	e.opt.Caches.PrivateIP.Set(host, v)
	return v
}

func (e *Evaluator) asn(ip netip.Addr) (uint32, error) {
	if v, ok := e.opt.Caches.ASN.Get(ip); ok {
		return v, nil
	}
	if e.opt.Geo == nil {
		return 0, errNoGeo
	}
	v, err := e.opt.Geo.ASN(ip)
	if err != nil {
		e.opt.Log.WithFields(logrus.Fields{"ip": ip.String(), "err": err}).Debug("asn lookup failed")
		return 0, err
	}
	e.opt.Caches.ASN.Set(ip, v)
	return v, nil
}

func (e *Evaluator) country(ip netip.Addr) (string, error) {
	if v, ok := e.opt.Caches.Country.Get(ip); ok {
		return v, nil
	}
	if e.opt.Geo == nil {
		return "", errNoGeo
	}
	v, err := e.opt.Geo.Country(ip)
	if err != nil {
		e.opt.Log.WithFields(logrus.Fields{"ip": ip.String(), "err": err}).Debug("country lookup failed")
		return "", err
	}
	v = strings.ToUpper(v)
	e.opt.Caches.Country.Set(ip, v)
	return v, nil
}

var errNoGeo = errors.New("no geo database configured")

func contentTypeBlocked(s *model.Settings, t dnr.ResourceType) bool {
	switch t {
	case dnr.Font:
		return s.BlockFonts
	case dnr.Image:
		return s.BlockImages
	case dnr.Media:
		return s.BlockMedia
	default:
		return false
	}
}
