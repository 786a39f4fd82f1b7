package model

type RuleType string

const (
	RuleTypeDomain   RuleType = "domain"
	RuleTypeURL      RuleType = "url"
	RuleTypeRegex    RuleType = "regex"
	RuleTypeIP       RuleType = "ip"
	RuleTypeASN      RuleType = "asn"
	RuleTypeGeoIP    RuleType = "geoip"
	RuleTypeTracking RuleType = "tracking"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeDomain, RuleTypeURL, RuleTypeRegex, RuleTypeIP, RuleTypeASN, RuleTypeGeoIP, RuleTypeTracking:
		return true
	default:
		return false
	}
}

type Action string

const (
	ActionAllow    Action = "allow"
	ActionBlock    Action = "block"
	ActionRedirect Action = "redirect"
)

func (a Action) Valid() bool {
	return a == ActionAllow || a == ActionBlock || a == ActionRedirect
}

// Rule is one filtering directive. Disabled rules are kept so they can be
// re-enabled; every consumer must skip them.
type Rule struct {
	ID            string   `json:"id"`
	Type          RuleType `json:"type"`
	Value         string   `json:"value"`
	Action        Action   `json:"action"`
	IsTerminating bool     `json:"isTerminating"`
	Enabled       bool     `json:"enabled"`

	// RedirectURL is the external target of a url rule with Action=redirect.
	RedirectURL string `json:"redirectUrl,omitempty"`
}

// Enabled returns the enabled rules of rs in their original order.
func Enabled(rs []Rule) []Rule {
	out := make([]Rule, 0, len(rs))
	for _, r := range rs {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}
