package compiler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"testing"

	"github.com/John-Robertt/reqguard/internal/dnr"
	"github.com/John-Robertt/reqguard/internal/model"
)

func on(typ model.RuleType, action model.Action, values ...string) []model.Rule {
	out := make([]model.Rule, 0, len(values))
	for i, v := range values {
		out = append(out, model.Rule{ID: fmt.Sprintf("%s-%d", typ, i), Type: typ, Value: v, Action: action, Enabled: true})
	}
	return out
}

// domainsFromPattern reverses DomainPattern for assertions.
func domainsFromPattern(t *testing.T, p string) []string {
	t.Helper()
	if !strings.HasPrefix(p, domainPatternPrefix) || !strings.HasSuffix(p, domainPatternSuffix) {
		t.Fatalf("not a domain pattern: %q", p)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(p, domainPatternPrefix), domainPatternSuffix)
	parts := strings.Split(body, "|")
	for i, s := range parts {
		parts[i] = strings.ReplaceAll(s, `\`, "")
	}
	return parts
}

func TestBand_NonOverlapping(t *testing.T) {
	t.Parallel()
	for _, limit := range []int{1, 2, 7, 5000, 30000, MaxRuleLimit, MaxRuleLimit + 10} {
		prevEnd := 0
		for _, c := range Categories() {
			start, end := Band(c, limit)
			if start > end {
				t.Fatalf("limit=%d %s: start=%d > end=%d", limit, c, start, end)
			}
			if start <= prevEnd {
				t.Fatalf("limit=%d %s: start=%d overlaps previous end=%d", limit, c, start, prevEnd)
			}
			if end >= GuardRuleID {
				t.Fatalf("limit=%d %s: end=%d reaches guard id", limit, c, end)
			}
			prevEnd = end
		}
	}
}

func TestBand_Fallback(t *testing.T) {
	t.Parallel()
	start, end := Band(CategoryDomain, 0)
	if start != 2*FallbackRuleLimit+1 || end != 3*FallbackRuleLimit {
		t.Fatalf("Band(domain,0)=(%d,%d)", start, end)
	}
}

func TestCompile_Idempotent(t *testing.T) {
	t.Parallel()
	rs := model.NewRuleSet()
	rs.BlockedDomains = on(model.RuleTypeDomain, model.ActionBlock, "ads.example.com", "tracker.net")
	rs.AllowedDomains = on(model.RuleTypeDomain, model.ActionAllow, "good.example.com")
	rs.TrackingParams = on(model.RuleTypeTracking, model.ActionRedirect, "utm_source", "fbclid")
	rs.BlockedURLs = on(model.RuleTypeURL, model.ActionBlock, "https://x.example/banner")
	rs.BlockedRegex = on(model.RuleTypeRegex, model.ActionBlock, `^https://cdn\.[a-z]+\.example/ads`)
	s := &model.Settings{HTTPHandling: model.HTTPRedirect, BlockFonts: true}

	a, _ := json.Marshal(Compile(s, rs, Options{}))
	b, _ := json.Marshal(Compile(s, rs.Clone(), Options{}))
	if string(a) != string(b) {
		t.Fatalf("compile is not deterministic:\n%s\n%s", a, b)
	}
}

func TestCompile_TrackingScenario(t *testing.T) {
	t.Parallel()
	rs := model.NewRuleSet()
	rs.TrackingParams = on(model.RuleTypeTracking, model.ActionRedirect, "utm_source", "utm_medium", "fbclid")
	rs.TrackingParams = append(rs.TrackingParams, model.Rule{ID: "off", Type: model.RuleTypeTracking, Value: "gclid", Enabled: false})

	res := Compile(nil, rs, Options{})
	if len(res.Rules) != 1 {
		t.Fatalf("len(rules)=%d, want=1: %+v", len(res.Rules), res.Rules)
	}
	r := res.Rules[0]
	start, _ := Band(CategoryTracking, 0)
	if r.ID != start || r.Priority != PriorityTracking {
		t.Fatalf("id=%d priority=%d", r.ID, r.Priority)
	}
	if r.Condition.RegexFilter != `[?&](utm_source|utm_medium|fbclid)=` {
		t.Fatalf("regexFilter=%q", r.Condition.RegexFilter)
	}
	if r.Action.Type != dnr.ActionRedirect {
		t.Fatalf("action=%q", r.Action.Type)
	}
	got := r.Action.Redirect.Transform.QueryTransform.RemoveParams
	if !slices.Equal(got, []string{"utm_source", "utm_medium", "fbclid"}) {
		t.Fatalf("removeParams=%v", got)
	}
	if !slices.Equal(r.Condition.ResourceTypes, dnr.AllResourceTypes()) {
		t.Fatalf("resourceTypes=%v", r.Condition.ResourceTypes)
	}
}

func TestCompile_DomainBlockScenario(t *testing.T) {
	t.Parallel()
	rs := model.NewRuleSet()
	rs.BlockedDomains = on(model.RuleTypeDomain, model.ActionBlock, "ads.example.com", "tracker.net", "ads.example.com")
	rs.AllowedDomains = on(model.RuleTypeDomain, model.ActionAllow, "safe.example.com")

	res := Compile(nil, rs, Options{})
	if len(res.Rules) != 2 {
		t.Fatalf("len(rules)=%d, want=2", len(res.Rules))
	}
	allow, blk := res.Rules[0], res.Rules[1]
	if allow.Action.Type != dnr.ActionAllow || allow.Priority != PriorityAllow {
		t.Fatalf("first rule=%+v", allow)
	}
	if blk.Action.Type != dnr.ActionBlock || blk.Priority != PriorityBlock {
		t.Fatalf("second rule=%+v", blk)
	}
	start, end := Band(CategoryDomain, 0)
	for _, r := range res.Rules {
		if r.ID < start || r.ID > end {
			t.Fatalf("id=%d outside domain band [%d,%d]", r.ID, start, end)
		}
	}
	if got := domainsFromPattern(t, blk.Condition.RegexFilter); !slices.Equal(got, []string{"ads.example.com", "tracker.net"}) {
		t.Fatalf("domains=%v", got)
	}

	re := regexp.MustCompile(blk.Condition.RegexFilter)
	tests := []struct {
		url  string
		want bool
	}{
		{"https://ads.example.com/banner.js", true},
		{"https://sub.ads.example.com:8443/x", true},
		{"http://tracker.net", true},
		{"https://tracker.net?x=1", true},
		{"https://notads.example.com/", false},
		{"https://ads.example.com.evil.net/", false},
		{"https://good.example/?u=ads.example.com", false},
	}
	for _, tt := range tests {
		if got := re.MatchString(tt.url); got != tt.want {
			t.Fatalf("match(%q)=%v, want=%v", tt.url, got, tt.want)
		}
	}
}

func TestCompile_PatternLengthAndReconstruction(t *testing.T) {
	t.Parallel()
	var domains []string
	for i := 0; i < 400; i++ {
		domains = append(domains, fmt.Sprintf("host-%03d.tracking-example.com", i))
	}
	rs := model.NewRuleSet()
	rs.BlockedDomains = on(model.RuleTypeDomain, model.ActionBlock, domains...)

	res := Compile(nil, rs, Options{})
	if len(res.Rules) < 2 {
		t.Fatalf("expected several groups, got %d", len(res.Rules))
	}
	var union []string
	for _, r := range res.Rules {
		if n := len(r.Condition.RegexFilter); n > DefaultMaxPatternLength {
			t.Fatalf("pattern length=%d exceeds cap", n)
		}
		union = append(union, domainsFromPattern(t, r.Condition.RegexFilter)...)
	}
	if !slices.Equal(union, domains) {
		t.Fatalf("reconstructed %d domains, want %d", len(union), len(domains))
	}
	if len(res.Skipped) != 0 {
		t.Fatalf("unexpected skipped=%+v", res.Skipped)
	}
}

func TestCompile_PerValueGrouper(t *testing.T) {
	t.Parallel()
	rs := model.NewRuleSet()
	rs.BlockedDomains = on(model.RuleTypeDomain, model.ActionBlock, "a.example", "b.example", "c.example")
	res := Compile(nil, rs, Options{Grouper: PerValue{MaxLen: DefaultMaxPatternLength}})
	if len(res.Rules) != 3 {
		t.Fatalf("len(rules)=%d, want=3", len(res.Rules))
	}
}

func TestCompile_URLAndRegexRules(t *testing.T) {
	t.Parallel()
	rs := model.NewRuleSet()
	rs.AllowedURLs = on(model.RuleTypeURL, model.ActionAllow, "https://ok.example/")
	rs.BlockedURLs = []model.Rule{
		{ID: "b", Type: model.RuleTypeURL, Value: "https://bad.example/", Action: model.ActionBlock, Enabled: true},
		{ID: "r", Type: model.RuleTypeURL, Value: "https://old.example/", Action: model.ActionRedirect, RedirectURL: "https://new.example/", Enabled: true},
	}
	rs.BlockedRegex = on(model.RuleTypeRegex, model.ActionBlock, `^https://x\.example/`, strings.Repeat("a", DefaultMaxPatternLength+1))

	res := Compile(nil, rs, Options{})
	if len(res.Skipped) != 1 || res.Skipped[0].Category != "regex" {
		t.Fatalf("skipped=%+v", res.Skipped)
	}

	urlStart, _ := Band(CategoryURL, 0)
	regexStart, _ := Band(CategoryRegex, 0)
	byID := map[int]dnr.Rule{}
	for _, r := range res.Rules {
		byID[r.ID] = r
	}
	if r := byID[urlStart]; r.Condition.URLFilter != "|https://ok.example/" || r.Priority != PriorityAllow {
		t.Fatalf("allow url rule=%+v", r)
	}
	if r := byID[urlStart+1]; r.Condition.URLFilter != "|https://bad.example/" || r.Action.Type != dnr.ActionBlock {
		t.Fatalf("block url rule=%+v", r)
	}
	if r := byID[urlStart+2]; r.Action.Type != dnr.ActionRedirect || r.Action.Redirect.URL != "https://new.example/" || r.Priority != PriorityBlock {
		t.Fatalf("redirect url rule=%+v", r)
	}
	if r := byID[regexStart]; r.Condition.RegexFilter != `^https://x\.example/` {
		t.Fatalf("regex rule=%+v", r)
	}
	if res.Total != 4 || res.Emitted != 4 || res.Exceeded {
		t.Fatalf("total=%d emitted=%d exceeded=%v", res.Total, res.Emitted, res.Exceeded)
	}
}

func TestCompile_BasicRules(t *testing.T) {
	t.Parallel()
	s := &model.Settings{HTTPHandling: model.HTTPBlock, BlockImages: true, BlockMedia: true}
	res := Compile(s, nil, Options{})
	if len(res.Rules) != 3 {
		t.Fatalf("len(rules)=%d, want=3", len(res.Rules))
	}
	if r := res.Rules[0]; r.ID != 1 || r.Action.Type != dnr.ActionBlock || r.Condition.URLFilter != "|http://" {
		t.Fatalf("http rule=%+v", r)
	}
	if r := res.Rules[1]; !slices.Equal(r.Condition.ResourceTypes, []dnr.ResourceType{dnr.Image}) {
		t.Fatalf("image rule=%+v", r)
	}
	if r := res.Rules[2]; !slices.Equal(r.Condition.ResourceTypes, []dnr.ResourceType{dnr.Media}) {
		t.Fatalf("media rule=%+v", r)
	}

	s.HTTPHandling = model.HTTPRedirect
	res = Compile(s, nil, Options{})
	if res.Rules[0].Action.Type != dnr.ActionUpgradeScheme {
		t.Fatalf("expected upgradeScheme, got %q", res.Rules[0].Action.Type)
	}
}

func TestCompile_CapacityOverflow(t *testing.T) {
	t.Parallel()
	rs := model.NewRuleSet()
	rs.BlockedURLs = on(model.RuleTypeURL, model.ActionBlock,
		"https://1.example/", "https://2.example/", "https://3.example/", "https://4.example/", "https://5.example/")
	s := &model.Settings{HTTPHandling: model.HTTPBlock, BlockFonts: true}

	res := Compile(s, rs, Options{RuleLimit: 3})
	if res.Total != 7 || res.Emitted != 3 || res.Dropped != 4 || !res.Exceeded || res.Limit != 3 {
		t.Fatalf("total=%d emitted=%d dropped=%d exceeded=%v limit=%d", res.Total, res.Emitted, res.Dropped, res.Exceeded, res.Limit)
	}
	urlStart, _ := Band(CategoryURL, 3)
	if got := res.IDs(); !slices.Equal(got, []int{1, 2, urlStart}) {
		t.Fatalf("ids=%v", got)
	}
	if res.Rules[2].Condition.URLFilter != "|https://1.example/" {
		t.Fatalf("kept url rule=%+v", res.Rules[2])
	}

	again := Compile(s, rs, Options{RuleLimit: 3})
	if !slices.Equal(again.IDs(), res.IDs()) {
		t.Fatalf("truncation not deterministic: %v vs %v", again.IDs(), res.IDs())
	}
}

func TestCompile_SortedByPriority(t *testing.T) {
	t.Parallel()
	rs := model.NewRuleSet()
	rs.BlockedDomains = on(model.RuleTypeDomain, model.ActionBlock, "b.example")
	rs.AllowedRegex = on(model.RuleTypeRegex, model.ActionAllow, `^https://ok\.`)
	rs.TrackingParams = on(model.RuleTypeTracking, model.ActionRedirect, "utm_source")
	res := Compile(&model.Settings{BlockFonts: true}, rs, Options{})

	prios := make([]int, len(res.Rules))
	for i, r := range res.Rules {
		prios[i] = r.Priority
	}
	if !slices.Equal(prios, []int{PriorityBasic, PriorityTracking, PriorityAllow, PriorityBlock}) {
		t.Fatalf("priorities=%v", prios)
	}
	for _, r := range res.Rules {
		if err := r.Validate(); err != nil {
			t.Fatalf("invalid compiled rule: %v", err)
		}
	}
}

func TestRegexGrouper(t *testing.T) {
	t.Parallel()
	g := RegexGrouper{MaxLen: 10}
	groups, oversize := g.Group([]string{"aaa", "bbb", "ccc", "dddddddddddd", "e"}, 2)
	// fixed 2: "aaa|bbb" -> 2+7=9, adding "|ccc" -> 13 overflows.
	want := [][]string{{"aaa", "bbb"}, {"ccc", "e"}}
	if len(groups) != len(want) {
		t.Fatalf("groups=%v, want=%v", groups, want)
	}
	for i := range want {
		if !slices.Equal(groups[i], want[i]) {
			t.Fatalf("groups=%v, want=%v", groups, want)
		}
	}
	if !slices.Equal(oversize, []string{"dddddddddddd"}) {
		t.Fatalf("oversize=%v", oversize)
	}
}
