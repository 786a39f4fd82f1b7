// Package compiler turns a RuleSet and Settings into the declarative rule
// table. Output is a pure function of its inputs.
package compiler

import (
	"regexp"
	"sort"
	"strings"

	"github.com/John-Robertt/reqguard/internal/dnr"
	"github.com/John-Robertt/reqguard/internal/model"
)

// DefaultMaxPatternLength is the browser's cap on a single regexFilter.
const DefaultMaxPatternLength = 1024

// Host pattern pieces; domain alternatives go between them.
const (
	domainPatternPrefix = `^[a-z][a-z0-9+.-]*://([^/?#]*\.)?(?:`
	domainPatternSuffix = `)(?::[0-9]+)?(?:[/?#]|$)`

	trackingPatternPrefix = `[?&](`
	trackingPatternSuffix = `)=`
)

type Options struct {
	// RuleLimit is the platform rule-count limit; <=0 means FallbackRuleLimit.
	RuleLimit int
	// MaxPatternLength caps every regexFilter; <=0 means DefaultMaxPatternLength.
	MaxPatternLength int
	// Grouper packs tracking params and domains; nil means RegexGrouper.
	Grouper Grouper
}

func (o Options) withDefaults() Options {
	o.RuleLimit = EffectiveLimit(o.RuleLimit)
	if o.MaxPatternLength <= 0 {
		o.MaxPatternLength = DefaultMaxPatternLength
	}
	if o.Grouper == nil {
		o.Grouper = RegexGrouper{MaxLen: o.MaxPatternLength}
	}
	return o
}

// Skipped is a value that could not be compiled into any rule.
type Skipped struct {
	Category string `json:"category"`
	Value    string `json:"value"`
	Reason   string `json:"reason"`
}

type Result struct {
	Rules []dnr.Rule `json:"rules"`

	// Total counts every rule generated before truncation.
	Total    int  `json:"total"`
	Emitted  int  `json:"emitted"`
	Limit    int  `json:"limit"`
	Dropped  int  `json:"dropped"`
	Exceeded bool `json:"exceeded"`

	Skipped []Skipped `json:"skipped,omitempty"`
}

// IDs returns the IDs of the compiled rules in output order.
func (r *Result) IDs() []int {
	out := make([]int, len(r.Rules))
	for i, rule := range r.Rules {
		out[i] = rule.ID
	}
	return out
}

// draft is a rule before its ID is assigned.
type draft struct {
	priority  int
	action    dnr.Action
	condition dnr.Condition
}

// Compile builds the session rule table.
//
// Each category is truncated to its band size, then the whole output is
// truncated to the rule limit in category order (basic, tracking, domain,
// url, regex; allow before block inside a category). Result.Total always
// reports the untruncated count.
func Compile(settings *model.Settings, rs *model.RuleSet, opt Options) *Result {
	opt = opt.withDefaults()
	if settings == nil {
		settings = model.DefaultSettings()
	}
	if rs == nil {
		rs = model.NewRuleSet()
	}

	res := &Result{Limit: opt.RuleLimit}
	perCategory := map[Category][]draft{
		CategoryBasic:    basicRules(settings),
		CategoryTracking: trackingRules(rs, opt, res),
		CategoryDomain:   domainRules(rs, opt, res),
		CategoryURL:      urlRules(rs),
		CategoryRegex:    regexRules(rs, opt, res),
	}

	out := make([]dnr.Rule, 0, 64)
	for _, c := range Categories() {
		drafts := perCategory[c]
		res.Total += len(drafts)

		start, end := Band(c, opt.RuleLimit)
		if n := end - start + 1; len(drafts) > n {
			drafts = drafts[:n]
		}
		if room := opt.RuleLimit - len(out); len(drafts) > room {
			drafts = drafts[:room]
		}
		for i, d := range drafts {
			out = append(out, dnr.Rule{
				ID:        start + i,
				Priority:  d.priority,
				Action:    d.action,
				Condition: d.condition,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})

	res.Rules = out
	res.Emitted = len(out)
	res.Dropped = res.Total - res.Emitted
	res.Exceeded = res.Dropped > 0
	return res
}

func basicRules(s *model.Settings) []draft {
	var out []draft
	switch s.HTTPHandling {
	case model.HTTPRedirect:
		out = append(out, draft{
			priority:  PriorityBasic,
			action:    dnr.Action{Type: dnr.ActionUpgradeScheme},
			condition: dnr.Condition{URLFilter: "|http://", ResourceTypes: dnr.AllResourceTypes()},
		})
	case model.HTTPBlock:
		out = append(out, draft{
			priority:  PriorityBasic,
			action:    dnr.Action{Type: dnr.ActionBlock},
			condition: dnr.Condition{URLFilter: "|http://", ResourceTypes: dnr.AllResourceTypes()},
		})
	}

	contentBlocks := []struct {
		on  bool
		typ dnr.ResourceType
	}{
		{s.BlockFonts, dnr.Font},
		{s.BlockImages, dnr.Image},
		{s.BlockMedia, dnr.Media},
	}
	for _, cb := range contentBlocks {
		if !cb.on {
			continue
		}
		out = append(out, draft{
			priority:  PriorityBasic,
			action:    dnr.Action{Type: dnr.ActionBlock},
			condition: dnr.Condition{ResourceTypes: []dnr.ResourceType{cb.typ}},
		})
	}
	return out
}

func trackingRules(rs *model.RuleSet, opt Options, res *Result) []draft {
	var names []string
	seen := map[string]struct{}{}
	for _, r := range model.Enabled(rs.TrackingParams) {
		if _, ok := seen[r.Value]; ok {
			continue
		}
		seen[r.Value] = struct{}{}
		names = append(names, r.Value)
	}
	if len(names) == 0 {
		return nil
	}

	quoted := make([]string, len(names))
	byQuoted := make(map[string]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
		byQuoted[quoted[i]] = n
	}

	fixed := len(trackingPatternPrefix) + len(trackingPatternSuffix)
	groups, oversize := opt.Grouper.Group(quoted, fixed)
	for _, q := range oversize {
		res.Skipped = append(res.Skipped, Skipped{Category: CategoryTracking.String(), Value: byQuoted[q], Reason: "pattern too long"})
	}

	out := make([]draft, 0, len(groups))
	for _, g := range groups {
		params := make([]string, len(g))
		for i, q := range g {
			params[i] = byQuoted[q]
		}
		out = append(out, draft{
			priority: PriorityTracking,
			action: dnr.Action{
				Type: dnr.ActionRedirect,
				Redirect: &dnr.Redirect{Transform: &dnr.URLTransform{
					QueryTransform: &dnr.QueryTransform{RemoveParams: params},
				}},
			},
			condition: dnr.Condition{
				RegexFilter:   trackingPatternPrefix + strings.Join(g, "|") + trackingPatternSuffix,
				ResourceTypes: dnr.AllResourceTypes(),
			},
		})
	}
	return out
}

// DomainPattern renders the host-matching regexFilter for already-escaped
// domain alternatives.
func DomainPattern(quoted []string) string {
	return domainPatternPrefix + strings.Join(quoted, "|") + domainPatternSuffix
}

func domainRules(rs *model.RuleSet, opt Options, res *Result) []draft {
	var out []draft
	for _, side := range []struct {
		rules    []model.Rule
		priority int
		action   dnr.ActionType
	}{
		{rs.AllowedDomains, PriorityAllow, dnr.ActionAllow},
		{rs.BlockedDomains, PriorityBlock, dnr.ActionBlock},
	} {
		var quoted []string
		byQuoted := map[string]string{}
		for _, r := range model.Enabled(side.rules) {
			d := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(r.Value), "."))
			if d == "" {
				continue
			}
			q := regexp.QuoteMeta(d)
			if _, dup := byQuoted[q]; dup {
				continue
			}
			byQuoted[q] = d
			quoted = append(quoted, q)
		}
		if len(quoted) == 0 {
			continue
		}

		fixed := len(domainPatternPrefix) + len(domainPatternSuffix)
		groups, oversize := opt.Grouper.Group(quoted, fixed)
		for _, q := range oversize {
			res.Skipped = append(res.Skipped, Skipped{Category: CategoryDomain.String(), Value: byQuoted[q], Reason: "pattern too long"})
		}
		for _, g := range groups {
			out = append(out, draft{
				priority: side.priority,
				action:   dnr.Action{Type: side.action},
				condition: dnr.Condition{
					RegexFilter:   DomainPattern(g),
					ResourceTypes: dnr.AllResourceTypes(),
				},
			})
		}
	}
	return out
}

func urlRules(rs *model.RuleSet) []draft {
	var out []draft
	for _, side := range [][]model.Rule{rs.AllowedURLs, rs.BlockedURLs} {
		for _, r := range model.Enabled(side) {
			d := draft{
				condition: dnr.Condition{
					URLFilter:     "|" + r.Value,
					ResourceTypes: dnr.AllResourceTypes(),
				},
			}
			switch {
			case r.Action == model.ActionAllow:
				d.priority = PriorityAllow
				d.action = dnr.Action{Type: dnr.ActionAllow}
			case r.Action == model.ActionRedirect && r.RedirectURL != "":
				d.priority = PriorityBlock
				d.action = dnr.Action{Type: dnr.ActionRedirect, Redirect: &dnr.Redirect{URL: r.RedirectURL}}
			default:
				d.priority = PriorityBlock
				d.action = dnr.Action{Type: dnr.ActionBlock}
			}
			out = append(out, d)
		}
	}
	return out
}

func regexRules(rs *model.RuleSet, opt Options, res *Result) []draft {
	var out []draft
	for _, side := range []struct {
		rules    []model.Rule
		priority int
		action   dnr.ActionType
	}{
		{rs.AllowedRegex, PriorityAllow, dnr.ActionAllow},
		{rs.BlockedRegex, PriorityBlock, dnr.ActionBlock},
	} {
		for _, r := range model.Enabled(side.rules) {
			if len(r.Value) > opt.MaxPatternLength {
				res.Skipped = append(res.Skipped, Skipped{Category: CategoryRegex.String(), Value: r.Value, Reason: "pattern too long"})
				continue
			}
			if _, err := regexp.Compile(r.Value); err != nil {
				res.Skipped = append(res.Skipped, Skipped{Category: CategoryRegex.String(), Value: r.Value, Reason: "invalid regex"})
				continue
			}
			out = append(out, draft{
				priority: side.priority,
				action:   dnr.Action{Type: side.action},
				condition: dnr.Condition{
					RegexFilter:   r.Value,
					ResourceTypes: dnr.AllResourceTypes(),
				},
			})
		}
	}
	return out
}
