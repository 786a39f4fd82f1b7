package model

import (
	"sort"
	"strings"
)

// RuleSet is the complete filtering configuration. It is persisted and
// replaced as a whole; callers must not mutate a RuleSet that has been handed
// to the engine.
type RuleSet struct {
	AllowedDomains []Rule `json:"allowedDomains"`
	BlockedDomains []Rule `json:"blockedDomains"`
	AllowedURLs    []Rule `json:"allowedUrls"`
	BlockedURLs    []Rule `json:"blockedUrls"`
	AllowedRegex   []Rule `json:"allowedRegex"`
	BlockedRegex   []Rule `json:"blockedRegex"`
	AllowedIPs     []Rule `json:"allowedIps"`
	BlockedIPs     []Rule `json:"blockedIps"`
	AllowedASNs    []Rule `json:"allowedAsns"`
	BlockedASNs    []Rule `json:"blockedAsns"`
	TrackingParams []Rule `json:"trackingParams"`

	BlockedCountries map[string]bool `json:"blockedCountries"`
}

// ListName identifies one of the eleven rule lists of a RuleSet.
type ListName string

const (
	ListAllowedDomains ListName = "allowedDomains"
	ListBlockedDomains ListName = "blockedDomains"
	ListAllowedURLs    ListName = "allowedUrls"
	ListBlockedURLs    ListName = "blockedUrls"
	ListAllowedRegex   ListName = "allowedRegex"
	ListBlockedRegex   ListName = "blockedRegex"
	ListAllowedIPs     ListName = "allowedIps"
	ListBlockedIPs     ListName = "blockedIps"
	ListAllowedASNs    ListName = "allowedAsns"
	ListBlockedASNs    ListName = "blockedAsns"
	ListTrackingParams ListName = "trackingParams"

	// ListBlockedCountries names the country set. It is not a rule list and
	// is absent from ListNames.
	ListBlockedCountries ListName = "blockedCountries"
)

// ListNames returns every list name in a stable order.
func ListNames() []ListName {
	return []ListName{
		ListAllowedDomains, ListBlockedDomains,
		ListAllowedURLs, ListBlockedURLs,
		ListAllowedRegex, ListBlockedRegex,
		ListAllowedIPs, ListBlockedIPs,
		ListAllowedASNs, ListBlockedASNs,
		ListTrackingParams,
	}
}

// Kind returns the rule type and default action stored in list n.
func (n ListName) Kind() (RuleType, Action, bool) {
	switch n {
	case ListAllowedDomains:
		return RuleTypeDomain, ActionAllow, true
	case ListBlockedDomains:
		return RuleTypeDomain, ActionBlock, true
	case ListAllowedURLs:
		return RuleTypeURL, ActionAllow, true
	case ListBlockedURLs:
		return RuleTypeURL, ActionBlock, true
	case ListAllowedRegex:
		return RuleTypeRegex, ActionAllow, true
	case ListBlockedRegex:
		return RuleTypeRegex, ActionBlock, true
	case ListAllowedIPs:
		return RuleTypeIP, ActionAllow, true
	case ListBlockedIPs:
		return RuleTypeIP, ActionBlock, true
	case ListAllowedASNs:
		return RuleTypeASN, ActionAllow, true
	case ListBlockedASNs:
		return RuleTypeASN, ActionBlock, true
	case ListTrackingParams:
		return RuleTypeTracking, ActionRedirect, true
	default:
		return "", "", false
	}
}

// List returns a pointer to the list named n, or nil for unknown names.
func (rs *RuleSet) List(n ListName) *[]Rule {
	switch n {
	case ListAllowedDomains:
		return &rs.AllowedDomains
	case ListBlockedDomains:
		return &rs.BlockedDomains
	case ListAllowedURLs:
		return &rs.AllowedURLs
	case ListBlockedURLs:
		return &rs.BlockedURLs
	case ListAllowedRegex:
		return &rs.AllowedRegex
	case ListBlockedRegex:
		return &rs.BlockedRegex
	case ListAllowedIPs:
		return &rs.AllowedIPs
	case ListBlockedIPs:
		return &rs.BlockedIPs
	case ListAllowedASNs:
		return &rs.AllowedASNs
	case ListBlockedASNs:
		return &rs.BlockedASNs
	case ListTrackingParams:
		return &rs.TrackingParams
	default:
		return nil
	}
}

// Clone returns a deep copy.
func (rs *RuleSet) Clone() *RuleSet {
	if rs == nil {
		return NewRuleSet()
	}
	out := &RuleSet{}
	for _, n := range ListNames() {
		src := *rs.List(n)
		if src == nil {
			continue
		}
		dst := make([]Rule, len(src))
		copy(dst, src)
		*out.List(n) = dst
	}
	out.BlockedCountries = make(map[string]bool, len(rs.BlockedCountries))
	for k, v := range rs.BlockedCountries {
		out.BlockedCountries[k] = v
	}
	return out
}

// NewRuleSet returns an empty RuleSet with non-nil lists so it round-trips
// through JSON as arrays rather than null.
func NewRuleSet() *RuleSet {
	rs := &RuleSet{BlockedCountries: map[string]bool{}}
	rs.Normalize()
	return rs
}

// Normalize replaces nil lists with empty ones and upper-cases country codes.
func (rs *RuleSet) Normalize() {
	for _, n := range ListNames() {
		l := rs.List(n)
		if *l == nil {
			*l = []Rule{}
		}
	}
	countries := make(map[string]bool, len(rs.BlockedCountries))
	for k, v := range rs.BlockedCountries {
		if v {
			countries[strings.ToUpper(strings.TrimSpace(k))] = true
		}
	}
	rs.BlockedCountries = countries
}

// Countries returns the blocked country codes sorted.
func (rs *RuleSet) Countries() []string {
	out := make([]string, 0, len(rs.BlockedCountries))
	for k, v := range rs.BlockedCountries {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// RuleCount returns the number of rules across all lists, enabled or not.
func (rs *RuleSet) RuleCount() int {
	n := 0
	for _, name := range ListNames() {
		n += len(*rs.List(name))
	}
	return n
}
