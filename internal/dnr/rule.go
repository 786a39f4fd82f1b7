// Package dnr models the declarativeNetRequest rule schema and an in-memory
// table that stores and matches those rules.
package dnr

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

type ActionType string

const (
	ActionBlock            ActionType = "block"
	ActionAllow            ActionType = "allow"
	ActionAllowAllRequests ActionType = "allowAllRequests"
	ActionRedirect         ActionType = "redirect"
	ActionUpgradeScheme    ActionType = "upgradeScheme"
)

type ResourceType string

const (
	MainFrame      ResourceType = "main_frame"
	SubFrame       ResourceType = "sub_frame"
	Stylesheet     ResourceType = "stylesheet"
	Script         ResourceType = "script"
	Image          ResourceType = "image"
	Font           ResourceType = "font"
	Object         ResourceType = "object"
	XMLHTTPRequest ResourceType = "xmlhttprequest"
	Ping           ResourceType = "ping"
	CSPReport      ResourceType = "csp_report"
	Media          ResourceType = "media"
	WebSocket      ResourceType = "websocket"
	WebTransport   ResourceType = "webtransport"
	WebBundle      ResourceType = "webbundle"
	Other          ResourceType = "other"
)

// AllResourceTypes lists every resource type, main_frame included.
func AllResourceTypes() []ResourceType {
	return []ResourceType{
		MainFrame, SubFrame, Stylesheet, Script, Image, Font, Object,
		XMLHTTPRequest, Ping, CSPReport, Media, WebSocket, WebTransport,
		WebBundle, Other,
	}
}

func (t ResourceType) Valid() bool {
	return slices.Contains(AllResourceTypes(), t)
}

// Rule matches the declarativeNetRequest rule schema.
type Rule struct {
	ID        int       `json:"id"`
	Priority  int       `json:"priority"`
	Action    Action    `json:"action"`
	Condition Condition `json:"condition"`
}

type Action struct {
	Type     ActionType `json:"type"`
	Redirect *Redirect  `json:"redirect,omitempty"`
}

type Redirect struct {
	URL       string        `json:"url,omitempty"`
	Transform *URLTransform `json:"transform,omitempty"`
}

type URLTransform struct {
	Scheme         string          `json:"scheme,omitempty"`
	Host           string          `json:"host,omitempty"`
	QueryTransform *QueryTransform `json:"queryTransform,omitempty"`
}

type QueryTransform struct {
	RemoveParams []string `json:"removeParams,omitempty"`
}

type Condition struct {
	URLFilter                string         `json:"urlFilter,omitempty"`
	RegexFilter              string         `json:"regexFilter,omitempty"`
	IsURLFilterCaseSensitive bool           `json:"isUrlFilterCaseSensitive,omitempty"`
	RequestDomains           []string       `json:"requestDomains,omitempty"`
	ExcludedRequestDomains   []string       `json:"excludedRequestDomains,omitempty"`
	ResourceTypes            []ResourceType `json:"resourceTypes,omitempty"`
	ExcludedResourceTypes    []ResourceType `json:"excludedResourceTypes,omitempty"`
}

// Validate checks the structural constraints the browser enforces when a
// rule is added.
func (r Rule) Validate() error {
	if r.ID < 1 {
		return fmt.Errorf("rule id %d: id must be >= 1", r.ID)
	}
	if r.Priority < 1 {
		return fmt.Errorf("rule id %d: priority must be >= 1", r.ID)
	}
	switch r.Action.Type {
	case ActionBlock, ActionAllow, ActionAllowAllRequests, ActionUpgradeScheme:
	case ActionRedirect:
		rd := r.Action.Redirect
		if rd == nil || (rd.URL == "" && rd.Transform == nil) {
			return fmt.Errorf("rule id %d: redirect action needs url or transform", r.ID)
		}
	default:
		return fmt.Errorf("rule id %d: unknown action type %q", r.ID, r.Action.Type)
	}
	c := r.Condition
	if c.URLFilter != "" && c.RegexFilter != "" {
		return fmt.Errorf("rule id %d: urlFilter and regexFilter are exclusive", r.ID)
	}
	if c.RegexFilter != "" {
		if _, err := regexp.Compile(c.RegexFilter); err != nil {
			return fmt.Errorf("rule id %d: regexFilter: %w", r.ID, err)
		}
	}
	if len(c.ResourceTypes) > 0 && len(c.ExcludedResourceTypes) > 0 {
		return fmt.Errorf("rule id %d: resourceTypes and excludedResourceTypes are exclusive", r.ID)
	}
	for _, t := range append(slices.Clone(c.ResourceTypes), c.ExcludedResourceTypes...) {
		if !t.Valid() {
			return fmt.Errorf("rule id %d: unknown resource type %q", r.ID, t)
		}
	}
	return nil
}

// AppliesTo reports whether the condition's resource-type filter admits t.
// With neither list set, every type except main_frame is admitted.
func (c Condition) AppliesTo(t ResourceType) bool {
	if len(c.ResourceTypes) > 0 {
		return slices.Contains(c.ResourceTypes, t)
	}
	if len(c.ExcludedResourceTypes) > 0 {
		return !slices.Contains(c.ExcludedResourceTypes, t)
	}
	return t != MainFrame
}

func domainMatches(host string, domains []string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, d := range domains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
