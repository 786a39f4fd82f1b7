package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/John-Robertt/reqguard/internal/model"
)

// RedirectSeparator splits a url redirect token into source and target.
const RedirectSeparator = "=>"

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// LineOptions are applied to every rule produced by ParseText.
type LineOptions struct {
	Action        model.Action
	IsTerminating bool
	Enabled       bool
}

// ParseStats counts what ParseText saw. Invalid tokens are dropped, not
// reported as errors.
type ParseStats struct {
	Lines   int `json:"lines"`
	Tokens  int `json:"tokens"`
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
}

// NewID returns a fresh rule identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ParseText turns user text into rules of type typ. Lines that are blank or
// start with '#' are skipped; every other line is split on whitespace and each
// token becomes one rule if it validates.
//
// stage is always "parse_rules".
func ParseText(text string, typ model.RuleType, opts LineOptions) ([]model.Rule, ParseStats, error) {
	var stats ParseStats
	if !typ.Valid() {
		return nil, stats, &ParseError{AppError: model.AppError{
			Code:    "UNSUPPORTED_RULE_TYPE",
			Message: fmt.Sprintf("不支持的规则类型：%s", typ),
			Stage:   "parse_rules",
		}}
	}
	if opts.Action == "" {
		opts.Action = model.ActionBlock
	}
	if !opts.Action.Valid() {
		return nil, stats, &ParseError{AppError: model.AppError{
			Code:    "INVALID_ARGUMENT",
			Message: fmt.Sprintf("不支持的动作：%s", opts.Action),
			Stage:   "parse_rules",
		}}
	}
	if opts.Action == model.ActionRedirect && typ != model.RuleTypeURL && typ != model.RuleTypeTracking {
		return nil, stats, &ParseError{AppError: model.AppError{
			Code:    "INVALID_ARGUMENT",
			Message: fmt.Sprintf("redirect 只适用于 url 与 tracking 规则，当前类型：%s", typ),
			Stage:   "parse_rules",
		}}
	}

	lines := strings.Split(text, "\n")
	out := make([]model.Rule, 0, len(lines))
	for _, raw := range lines {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		stats.Lines++

		for _, tok := range strings.Fields(line) {
			stats.Tokens++
			r, ok := parseToken(tok, typ, opts)
			if !ok {
				stats.Invalid++
				continue
			}
			stats.Valid++
			out = append(out, r)
		}
	}
	return out, stats, nil
}

// ParseListText parses text for the list named n, taking type and action from
// the list.
func ParseListText(n model.ListName, text string, isTerminating bool) ([]model.Rule, ParseStats, error) {
	typ, action, ok := n.Kind()
	if !ok {
		return nil, ParseStats{}, &ParseError{AppError: model.AppError{
			Code:    "INVALID_ARGUMENT",
			Message: fmt.Sprintf("未知的规则列表：%s", n),
			Stage:   "parse_rules",
		}}
	}
	return ParseText(text, typ, LineOptions{Action: action, IsTerminating: isTerminating, Enabled: true})
}

func parseToken(tok string, typ model.RuleType, opts LineOptions) (model.Rule, bool) {
	r := model.Rule{
		Type:          typ,
		Action:        opts.Action,
		IsTerminating: opts.IsTerminating,
		Enabled:       opts.Enabled,
	}

	if typ == model.RuleTypeURL && opts.Action == model.ActionRedirect {
		from, to, ok := strings.Cut(tok, RedirectSeparator)
		if !ok {
			return model.Rule{}, false
		}
		if err := validateAbsoluteURL(from); err != nil {
			return model.Rule{}, false
		}
		if err := validateAbsoluteURL(to); err != nil {
			return model.Rule{}, false
		}
		r.Value = from
		r.RedirectURL = to
		r.ID = NewID()
		return r, true
	}

	v, err := ValidateValue(typ, tok)
	if err != nil {
		return model.Rule{}, false
	}
	r.Value = v
	r.ID = NewID()
	return r, true
}

// ParseCountries reads whitespace or comma separated ISO country codes.
// Invalid tokens are dropped; the result is upper-case.
func ParseCountries(text string) map[string]bool {
	out := map[string]bool{}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, tok := range strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\r'
		}) {
			if strings.HasPrefix(tok, "#") {
				break
			}
			if v, err := ValidateValue(model.RuleTypeGeoIP, tok); err == nil {
				out[v] = true
			}
		}
	}
	return out
}

// ExportText renders rules one per line. Disabled rules are written as
// comments so that ParseText reproduces exactly the enabled values.
func ExportText(rules []model.Rule) string {
	var b strings.Builder
	for _, r := range rules {
		v := r.Value
		if r.Type == model.RuleTypeURL && r.Action == model.ActionRedirect && r.RedirectURL != "" {
			v = r.Value + RedirectSeparator + r.RedirectURL
		}
		if !r.Enabled {
			b.WriteString("# ")
		}
		b.WriteString(v)
		b.WriteByte('\n')
	}
	return b.String()
}

// ExportCountries renders a country set in sorted order.
func ExportCountries(set map[string]bool) string {
	out := make([]string, 0, len(set))
	for k, v := range set {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, "\n") + "\n"
}
