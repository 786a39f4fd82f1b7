package engine

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/reqguard/internal/fetch"
	"github.com/John-Robertt/reqguard/internal/model"
	"github.com/John-Robertt/reqguard/internal/rules"
)

// ParseRequest turns text into rules for one list. Action overrides the
// list's default action, e.g. redirect for blockedUrls.
type ParseRequest struct {
	List          model.ListName `json:"list"`
	Text          string         `json:"text"`
	IsTerminating bool           `json:"isTerminating,omitempty"`
	Action        model.Action   `json:"action,omitempty"`
}

type ParseResult struct {
	Rules     []model.Rule     `json:"rules,omitempty"`
	Countries []string         `json:"countries,omitempty"`
	Stats     rules.ParseStats `json:"stats"`
}

func listErr(n model.ListName) error {
	return &rules.ParseError{AppError: model.AppError{
		Code:    "INVALID_ARGUMENT",
		Message: fmt.Sprintf("未知的规则列表：%s", n),
		Stage:   "parse_rules",
	}}
}

// ParseRules validates text without touching the live RuleSet.
func (e *Engine) ParseRules(req ParseRequest) (ParseResult, error) {
	if req.List == model.ListBlockedCountries {
		set := rules.ParseCountries(req.Text)
		rs := model.RuleSet{BlockedCountries: set}
		c := rs.Countries()
		return ParseResult{Countries: c, Stats: rules.ParseStats{Valid: len(c)}}, nil
	}
	typ, action, ok := req.List.Kind()
	if !ok {
		return ParseResult{}, listErr(req.List)
	}
	if req.Action != "" {
		action = req.Action
	}
	out, stats, err := rules.ParseText(req.Text, typ, rules.LineOptions{
		Action:        action,
		IsTerminating: req.IsTerminating,
		Enabled:       true,
	})
	if err != nil {
		return ParseResult{}, err
	}
	return ParseResult{Rules: out, Stats: stats}, nil
}

// ExportRules renders one list of the live RuleSet as text.
func (e *Engine) ExportRules(n model.ListName) (string, error) {
	rs := e.rules.Load()
	if n == model.ListBlockedCountries {
		return rules.ExportCountries(rs.BlockedCountries), nil
	}
	l := rs.List(n)
	if l == nil {
		return "", listErr(n)
	}
	return rules.ExportText(*l), nil
}

// ImportRequest pulls a remote rule list into one list of the RuleSet.
type ImportRequest struct {
	ParseRequest
	URL string `json:"url"`
	// Replace drops the list's current rules instead of merging.
	Replace bool `json:"replace,omitempty"`
}

type ImportResult struct {
	Stats     rules.ParseStats `json:"stats"`
	Added     int              `json:"added"`
	Reenabled int              `json:"reenabled"`
	Status    Status           `json:"status"`
}

func ruleKey(r model.Rule) string { return r.Value + "\x00" + r.RedirectURL }

// ImportRules fetches req.URL, parses it like ParseRules and saves the merged
// RuleSet. Existing rules are kept as they are and win over imported rules
// with the same value and redirect target; a disabled existing rule matched
// by the import is enabled again instead of being duplicated.
func (e *Engine) ImportRules(ctx context.Context, req ImportRequest) (ImportResult, error) {
	text, err := fetch.FetchText(ctx, fetch.KindRuleList, req.URL, e.opt.Fetch)
	if err != nil {
		return ImportResult{}, err
	}
	req.Text = text
	parsed, err := e.ParseRules(req.ParseRequest)
	if err != nil {
		return ImportResult{}, err
	}

	var added, reenabled int
	st, err := e.updateRules(ctx, func(cur *model.RuleSet) (*model.RuleSet, error) {
		next := cur.Clone()
		if req.List == model.ListBlockedCountries {
			if req.Replace {
				next.BlockedCountries = map[string]bool{}
			}
			for _, c := range parsed.Countries {
				if !next.BlockedCountries[c] {
					next.BlockedCountries[c] = true
					added++
				}
			}
			return next, nil
		}
		l := next.List(req.List)
		var merged []model.Rule
		if !req.Replace {
			merged = *l
		}
		pos := make(map[string]int, len(merged))
		for i, r := range merged {
			k := ruleKey(r)
			if j, ok := pos[k]; !ok || (!merged[j].Enabled && r.Enabled) {
				pos[k] = i
			}
		}
		for _, r := range lo.UniqBy(parsed.Rules, ruleKey) {
			if i, ok := pos[ruleKey(r)]; ok {
				if !merged[i].Enabled {
					merged[i].Enabled = true
					reenabled++
				}
				continue
			}
			merged = append(merged, r)
			added++
		}
		*l = merged
		return next, nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	e.log.WithFields(logrus.Fields{"list": req.List, "url": req.URL, "added": added, "reenabled": reenabled}).Info("rules imported")
	return ImportResult{Stats: parsed.Stats, Added: added, Reenabled: reenabled, Status: st}, nil
}
