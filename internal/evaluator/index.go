package evaluator

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/armon/go-radix"

	"github.com/John-Robertt/reqguard/internal/dnr"
	"github.com/John-Robertt/reqguard/internal/ipmatch"
	"github.com/John-Robertt/reqguard/internal/model"
	"github.com/John-Robertt/reqguard/internal/rules"
)

type ipRule struct {
	rule    model.Rule
	pattern ipmatch.Pattern
}

type asnRule struct {
	rule model.Rule
	asn  uint32
}

type regexRule struct {
	rule model.Rule
	re   *regexp.Regexp
}

// index is the request-time view of one RuleSet snapshot. It is built once
// per snapshot and shared by concurrent evaluations.
type index struct {
	rs *model.RuleSet

	allowDomains *radix.Tree // reversed domain -> model.Rule
	allowHosts   map[string]model.Rule
	allowRegex   []regexRule

	allowIPs   []ipRule
	blockIPs   []ipRule
	allowASNs  []asnRule
	blockASNs  []asnRule
	countries  map[string]bool
	needsIP    bool
	needsASN   bool
	needsGeoIP bool
}

// reverseDomain maps "a.example.com" to "com.example.a." so that a domain
// and all of its subdomains share a prefix that ends on a label boundary.
func reverseDomain(d string) string {
	labels := strings.Split(strings.TrimSuffix(strings.ToLower(d), "."), ".")
	var b strings.Builder
	b.Grow(len(d) + 1)
	for i := len(labels) - 1; i >= 0; i-- {
		b.WriteString(labels[i])
		b.WriteByte('.')
	}
	return b.String()
}

func buildIndex(rs *model.RuleSet) *index {
	idx := &index{
		rs:           rs,
		allowDomains: radix.New(),
		allowHosts:   map[string]model.Rule{},
		countries:    map[string]bool{},
	}

	for _, r := range model.Enabled(rs.AllowedDomains) {
		if !r.IsTerminating {
			continue
		}
		key := reverseDomain(r.Value)
		if _, exists := idx.allowDomains.Get(key); !exists {
			idx.allowDomains.Insert(key, r)
		}
	}
	for _, r := range model.Enabled(rs.AllowedURLs) {
		if !r.IsTerminating {
			continue
		}
		if h := rules.URLHost(r.Value); h != "" {
			if _, exists := idx.allowHosts[h]; !exists {
				idx.allowHosts[h] = r
			}
		}
	}
	for _, r := range model.Enabled(rs.AllowedRegex) {
		if !r.IsTerminating {
			continue
		}
		// Same matching as the regexFilter the compiler installs for this rule.
		re, err := dnr.CompileRegexFilter(r.Value, false)
		if err != nil {
			continue
		}
		idx.allowRegex = append(idx.allowRegex, regexRule{rule: r, re: re})
	}

	idx.allowIPs = ipRules(rs.AllowedIPs)
	idx.blockIPs = ipRules(rs.BlockedIPs)
	idx.allowASNs = asnRules(rs.AllowedASNs)
	idx.blockASNs = asnRules(rs.BlockedASNs)
	for _, c := range rs.Countries() {
		idx.countries[strings.ToUpper(c)] = true
	}

	idx.needsIP = len(idx.allowIPs) > 0 || len(idx.blockIPs) > 0
	idx.needsASN = len(idx.allowASNs) > 0 || len(idx.blockASNs) > 0
	idx.needsGeoIP = len(idx.countries) > 0
	return idx
}

func ipRules(in []model.Rule) []ipRule {
	var out []ipRule
	for _, r := range model.Enabled(in) {
		p, err := ipmatch.ParsePattern(r.Value)
		if err != nil {
			continue
		}
		out = append(out, ipRule{rule: r, pattern: p})
	}
	return out
}

func asnRules(in []model.Rule) []asnRule {
	var out []asnRule
	for _, r := range model.Enabled(in) {
		n, err := strconv.ParseUint(strings.TrimSpace(r.Value), 10, 32)
		if err != nil {
			continue
		}
		out = append(out, asnRule{rule: r, asn: uint32(n)})
	}
	return out
}

// terminatingAllow returns the first terminating allow rule covering the
// request, checking domains, then URL hosts, then regexes.
func (idx *index) terminatingAllow(rawURL, host string) (model.Rule, bool) {
	if _, v, ok := idx.allowDomains.LongestPrefix(reverseDomain(host)); ok {
		return v.(model.Rule), true
	}
	if r, ok := idx.allowHosts[host]; ok {
		return r, true
	}
	for _, rr := range idx.allowRegex {
		if rr.re.MatchString(rawURL) || rr.re.MatchString(host) {
			return rr.rule, true
		}
	}
	return model.Rule{}, false
}
