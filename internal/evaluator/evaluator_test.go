package evaluator

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/reqguard/internal/dnr"
	"github.com/John-Robertt/reqguard/internal/model"
)

type spyResolver struct {
	calls atomic.Int32
	addr  map[string]string
	err   error
}

func (s *spyResolver) Resolve(_ context.Context, host string) (netip.Addr, error) {
	s.calls.Add(1)
	if s.err != nil {
		return netip.Addr{}, s.err
	}
	v, ok := s.addr[host]
	if !ok {
		return netip.Addr{}, errors.New("nxdomain")
	}
	return netip.MustParseAddr(v), nil
}

type spyGeo struct {
	country    map[string]string
	asn        map[string]uint32
	err        error
	asnCalls   atomic.Int32
	countCalls atomic.Int32
}

func (g *spyGeo) Country(ip netip.Addr) (string, error) {
	g.countCalls.Add(1)
	if g.err != nil {
		return "", g.err
	}
	return g.country[ip.String()], nil
}

func (g *spyGeo) ASN(ip netip.Addr) (uint32, error) {
	g.asnCalls.Add(1)
	if g.err != nil {
		return 0, g.err
	}
	return g.asn[ip.String()], nil
}

type spyLog struct {
	mu      sync.Mutex
	entries []model.BlockedRequest
}

func (l *spyLog) LogBlocked(e model.BlockedRequest) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

func (l *spyLog) all() []model.BlockedRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.BlockedRequest(nil), l.entries...)
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func rule(typ model.RuleType, action model.Action, value string, terminating bool) model.Rule {
	return model.Rule{ID: value, Type: typ, Value: value, Action: action, IsTerminating: terminating, Enabled: true}
}

type fixture struct {
	res *spyResolver
	geo *spyGeo
	log *spyLog
	ev  *Evaluator
}

func newFixture(addrs map[string]string) *fixture {
	f := &fixture{
		res: &spyResolver{addr: addrs},
		geo: &spyGeo{country: map[string]string{}, asn: map[string]uint32{}},
		log: &spyLog{},
	}
	f.ev = New(Options{Resolver: f.res, Geo: f.geo, Logger: f.log, Log: quiet()})
	return f
}

func TestEvaluate_FastPathSkipsResolution(t *testing.T) {
	t.Parallel()
	f := newFixture(map[string]string{"example.com": "93.184.216.34"})
	d := f.ev.Evaluate(context.Background(), Request{URL: "https://example.com/"}, model.NewRuleSet(), model.DefaultSettings())
	if d.Cancel || d.Source != SourceFastPath {
		t.Fatalf("decision=%+v", d)
	}
	if n := f.res.calls.Load(); n != 0 {
		t.Fatalf("resolver calls=%d, want=0", n)
	}
}

func TestEvaluate_CachesDecision(t *testing.T) {
	t.Parallel()
	f := newFixture(map[string]string{"bad.example": "203.0.113.9"})
	rs := model.NewRuleSet()
	rs.BlockedIPs = []model.Rule{rule(model.RuleTypeIP, model.ActionBlock, "203.0.113.0/24", false)}
	req := Request{URL: "https://bad.example/x", ResourceType: dnr.Script}

	first := f.ev.Evaluate(context.Background(), req, rs, model.DefaultSettings())
	second := f.ev.Evaluate(context.Background(), req, rs, model.DefaultSettings())
	if !first.Cancel || first.Source != SourceIP {
		t.Fatalf("first=%+v", first)
	}
	if !second.Cancel || second.Source != SourceCache {
		t.Fatalf("second=%+v", second)
	}
	if n := f.res.calls.Load(); n != 1 {
		t.Fatalf("resolver calls=%d, want=1", n)
	}
	if n := len(f.log.all()); n != 1 {
		t.Fatalf("log entries=%d, want=1 (cache hit must not log)", n)
	}
}

func TestEvaluate_TerminatingDomainAllowWins(t *testing.T) {
	t.Parallel()
	f := newFixture(map[string]string{"cdn.example.com": "203.0.113.9"})
	rs := model.NewRuleSet()
	rs.AllowedDomains = []model.Rule{rule(model.RuleTypeDomain, model.ActionAllow, "example.com", true)}
	rs.BlockedIPs = []model.Rule{rule(model.RuleTypeIP, model.ActionBlock, "0.0.0.0/0", false)}

	d := f.ev.Evaluate(context.Background(), Request{URL: "https://cdn.example.com/a.js"}, rs, model.DefaultSettings())
	if d.Cancel || d.Source != SourceTerminating || d.Rule != "example.com" {
		t.Fatalf("decision=%+v", d)
	}
	if n := f.res.calls.Load(); n != 0 {
		t.Fatalf("resolver calls=%d, want=0", n)
	}

	// Not a subdomain: "notexample.com" must not be covered.
	f.res.addr["notexample.com"] = "203.0.113.10"
	d = f.ev.Evaluate(context.Background(), Request{URL: "https://notexample.com/"}, rs, model.DefaultSettings())
	if !d.Cancel {
		t.Fatalf("notexample.com decision=%+v, want block", d)
	}
}

func TestEvaluate_NonTerminatingAllowDoesNotStop(t *testing.T) {
	t.Parallel()
	f := newFixture(map[string]string{"x.example": "10.20.30.40"})
	rs := model.NewRuleSet()
	rs.AllowedDomains = []model.Rule{rule(model.RuleTypeDomain, model.ActionAllow, "x.example", false)}
	rs.AllowedIPs = []model.Rule{rule(model.RuleTypeIP, model.ActionAllow, "10.20.30.40", false)}
	rs.BlockedIPs = []model.Rule{rule(model.RuleTypeIP, model.ActionBlock, "10.0.0.0/8", false)}

	d := f.ev.Evaluate(context.Background(), Request{URL: "https://x.example/"}, rs, model.DefaultSettings())
	if !d.Cancel || d.Source != SourceIP || d.Rule != "10.0.0.0/8" {
		t.Fatalf("decision=%+v, want ip block", d)
	}
	logs := f.log.all()
	if len(logs) != 1 || logs[0].BlockReason != model.ReasonIP || logs[0].IP != "10.20.30.40" {
		t.Fatalf("logs=%+v", logs)
	}
}

func TestEvaluate_TerminatingIPAllowBeatsBlock(t *testing.T) {
	t.Parallel()
	f := newFixture(map[string]string{"x.example": "10.20.30.40"})
	rs := model.NewRuleSet()
	rs.AllowedIPs = []model.Rule{rule(model.RuleTypeIP, model.ActionAllow, "10.20.30.0-10.20.30.50", true)}
	rs.BlockedIPs = []model.Rule{rule(model.RuleTypeIP, model.ActionBlock, "10.0.0.0/8", false)}
	rs.BlockedCountries = map[string]bool{"ZZ": true}

	d := f.ev.Evaluate(context.Background(), Request{URL: "https://x.example/"}, rs, model.DefaultSettings())
	if d.Cancel || d.Source != SourceIP {
		t.Fatalf("decision=%+v, want terminating ip allow", d)
	}
	if n := f.geo.countCalls.Load(); n != 0 {
		t.Fatalf("country lookups=%d after terminating allow", n)
	}
}

func TestEvaluate_ASNBlock(t *testing.T) {
	t.Parallel()
	f := newFixture(map[string]string{"as.example": "203.0.113.7"})
	f.geo.asn["203.0.113.7"] = 64500
	rs := model.NewRuleSet()
	rs.BlockedASNs = []model.Rule{rule(model.RuleTypeASN, model.ActionBlock, "64500", false)}

	d := f.ev.Evaluate(context.Background(), Request{URL: "https://as.example/p", ResourceType: dnr.XMLHTTPRequest}, rs, model.DefaultSettings())
	if !d.Cancel || d.Source != SourceASN || d.Rule != "64500" {
		t.Fatalf("decision=%+v", d)
	}
	logs := f.log.all()
	if len(logs) != 1 {
		t.Fatalf("logs=%+v", logs)
	}
	if e := logs[0]; e.BlockReason != model.ReasonASN || e.ASN != 64500 || e.Hostname != "as.example" || e.Time.IsZero() {
		t.Fatalf("entry=%+v", e)
	}
}

func TestEvaluate_ASNTerminatingAllow(t *testing.T) {
	t.Parallel()
	f := newFixture(map[string]string{"as.example": "203.0.113.7"})
	f.geo.asn["203.0.113.7"] = 64500
	rs := model.NewRuleSet()
	rs.AllowedASNs = []model.Rule{rule(model.RuleTypeASN, model.ActionAllow, "64500", true)}
	rs.BlockedASNs = []model.Rule{rule(model.RuleTypeASN, model.ActionBlock, "64500", false)}

	d := f.ev.Evaluate(context.Background(), Request{URL: "https://as.example/"}, rs, model.DefaultSettings())
	if d.Cancel || d.Source != SourceASN {
		t.Fatalf("decision=%+v", d)
	}
}

func TestEvaluate_PrivateIP(t *testing.T) {
	t.Parallel()
	f := newFixture(map[string]string{"router.lan.example": "192.168.1.5"})
	s := model.DefaultSettings()
	s.BlockPrivateIPs = true
	req := Request{URL: "http://router.lan.example/admin", ResourceType: dnr.SubFrame}

	d := f.ev.Evaluate(context.Background(), req, model.NewRuleSet(), s)
	if !d.Cancel || d.Source != SourcePrivateIP {
		t.Fatalf("decision=%+v", d)
	}
	logs := f.log.all()
	if len(logs) != 1 || logs[0].BlockReason != "private-ip" || logs[0].IP != "192.168.1.5" {
		t.Fatalf("logs=%+v", logs)
	}
	if v, ok := f.ev.Caches().Decision.Get(req.URL); !ok || !v {
		t.Fatalf("decision cache=%v,%v want true,true", v, ok)
	}
}

func TestEvaluate_PrivateIPLiteralHost(t *testing.T) {
	t.Parallel()
	f := newFixture(nil)
	s := model.DefaultSettings()
	s.BlockPrivateIPs = true

	d := f.ev.Evaluate(context.Background(), Request{URL: "http://[::1]:8080/"}, model.NewRuleSet(), s)
	if !d.Cancel || d.Source != SourcePrivateIP {
		t.Fatalf("decision=%+v", d)
	}
	if n := f.res.calls.Load(); n != 0 {
		t.Fatalf("resolver called for literal ip: %d", n)
	}
}

func TestEvaluate_CountryBlock(t *testing.T) {
	t.Parallel()
	f := newFixture(map[string]string{"geo.example": "198.51.100.4"})
	f.geo.country["198.51.100.4"] = "ru"
	rs := model.NewRuleSet()
	rs.BlockedCountries = map[string]bool{"RU": true}

	d := f.ev.Evaluate(context.Background(), Request{URL: "https://geo.example/"}, rs, model.DefaultSettings())
	if !d.Cancel || d.Source != SourceGeoIP || d.Rule != "RU" {
		t.Fatalf("decision=%+v", d)
	}
	if logs := f.log.all(); len(logs) != 1 || logs[0].Country != "RU" || logs[0].BlockReason != model.ReasonGeoIP {
		t.Fatalf("logs=%+v", logs)
	}
}

func TestEvaluate_LookupFailuresFallThrough(t *testing.T) {
	t.Parallel()
	f := newFixture(nil)
	f.res.err = errors.New("timeout")
	rs := model.NewRuleSet()
	rs.BlockedIPs = []model.Rule{rule(model.RuleTypeIP, model.ActionBlock, "0.0.0.0/0", false)}
	req := Request{URL: "https://down.example/"}

	for i := 0; i < 2; i++ {
		d := f.ev.Evaluate(context.Background(), req, rs, model.DefaultSettings())
		if d.Cancel || d.Source != SourceLookup {
			t.Fatalf("decision=%+v", d)
		}
	}
	if n := f.res.calls.Load(); n != 2 {
		t.Fatalf("resolver calls=%d, want=2 (failures are not cached)", n)
	}

	g := newFixture(map[string]string{"geo.example": "198.51.100.4"})
	g.geo.err = errors.New("db missing")
	rs = model.NewRuleSet()
	rs.BlockedASNs = []model.Rule{rule(model.RuleTypeASN, model.ActionBlock, "1", false)}
	rs.BlockedCountries = map[string]bool{"RU": true}
	d := g.ev.Evaluate(context.Background(), Request{URL: "https://geo.example/"}, rs, model.DefaultSettings())
	if d.Cancel || d.Source != SourceDefault {
		t.Fatalf("decision=%+v", d)
	}
}

func TestEvaluate_TerminatingURLAndRegexAllow(t *testing.T) {
	t.Parallel()
	f := newFixture(map[string]string{"a.example": "203.0.113.1", "b.example": "203.0.113.2"})
	rs := model.NewRuleSet()
	rs.AllowedURLs = []model.Rule{rule(model.RuleTypeURL, model.ActionAllow, "https://a.example/landing", true)}
	rs.AllowedRegex = []model.Rule{rule(model.RuleTypeRegex, model.ActionAllow, `^b\.example$`, true)}
	rs.BlockedIPs = []model.Rule{rule(model.RuleTypeIP, model.ActionBlock, "203.0.113.0/24", false)}

	for _, u := range []string{"https://a.example/other", "https://b.example/x"} {
		d := f.ev.Evaluate(context.Background(), Request{URL: u}, rs, model.DefaultSettings())
		if d.Cancel || d.Source != SourceTerminating {
			t.Fatalf("%s decision=%+v", u, d)
		}
	}
}

func TestEvaluate_TerminatingRegexAllowIgnoresCase(t *testing.T) {
	t.Parallel()
	f := newFixture(map[string]string{"cdn.example.net": "203.0.113.9"})
	rs := model.NewRuleSet()
	rs.AllowedRegex = []model.Rule{rule(model.RuleTypeRegex, model.ActionAllow, `CDN\.example\.net`, true)}
	rs.BlockedIPs = []model.Rule{rule(model.RuleTypeIP, model.ActionBlock, "0.0.0.0/0", false)}

	d := f.ev.Evaluate(context.Background(), Request{URL: "https://cdn.example.net/a.js", ResourceType: dnr.Script}, rs, model.DefaultSettings())
	if d.Cancel || d.Source != SourceTerminating || d.Rule != `CDN\.example\.net` {
		t.Fatalf("decision=%+v", d)
	}
}

func TestEvaluate_CacheHitLogsContentType(t *testing.T) {
	t.Parallel()
	f := newFixture(map[string]string{"img.example": "203.0.113.1"})
	rs := model.NewRuleSet()
	rs.BlockedIPs = []model.Rule{rule(model.RuleTypeIP, model.ActionBlock, "203.0.113.1", false)}
	s := model.DefaultSettings()
	s.BlockImages = true
	req := Request{URL: "https://img.example/a.png", ResourceType: dnr.Image}

	_ = f.ev.Evaluate(context.Background(), req, rs, s)
	_ = f.ev.Evaluate(context.Background(), req, rs, s)
	logs := f.log.all()
	if len(logs) != 2 || logs[1].BlockReason != model.ReasonContentType {
		t.Fatalf("logs=%+v", logs)
	}
}

func TestEvaluate_InvalidURL(t *testing.T) {
	t.Parallel()
	f := newFixture(nil)
	for _, u := range []string{"", "not a url", "about:blank", "%%%"} {
		d := f.ev.Evaluate(context.Background(), Request{URL: u}, nil, nil)
		if d.Cancel {
			t.Fatalf("url %q blocked: %+v", u, d)
		}
	}
}

func TestEvaluate_DisabledRulesIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(map[string]string{"x.example": "203.0.113.1"})
	rs := model.NewRuleSet()
	r := rule(model.RuleTypeIP, model.ActionBlock, "203.0.113.1", false)
	r.Enabled = false
	rs.BlockedIPs = []model.Rule{r}

	d := f.ev.Evaluate(context.Background(), Request{URL: "https://x.example/"}, rs, model.DefaultSettings())
	if d.Cancel || d.Source != SourceFastPath {
		t.Fatalf("decision=%+v", d)
	}
}
