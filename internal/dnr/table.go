package dnr

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/John-Robertt/reqguard/internal/model"
)

// DefaultMaxRules is used when a table is created without an explicit limit.
const DefaultMaxRules = 5000

// Scope names the two rule stores of a table.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeDynamic Scope = "dynamic"
)

// RuleUpdate removes the listed IDs and then adds rules, atomically.
type RuleUpdate struct {
	RemoveRuleIDs []int  `json:"removeRuleIds,omitempty"`
	AddRules      []Rule `json:"addRules,omitempty"`
}

// Table is the native rule store the compiled rules are installed into.
// Session rules are lost on restart; dynamic rules persist.
type Table interface {
	UpdateSessionRules(ctx context.Context, u RuleUpdate) error
	UpdateDynamicRules(ctx context.Context, u RuleUpdate) error
	SessionRules(ctx context.Context) ([]Rule, error)
	DynamicRules(ctx context.Context) ([]Rule, error)
	MaxRules() int
}

type TableError struct {
	AppError model.AppError
	Cause    error
}

func (e *TableError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *TableError) Unwrap() error { return e.Cause }

func tableErr(code, message string, cause error) error {
	return &TableError{
		AppError: model.AppError{Code: code, Message: message, Stage: "update_table"},
		Cause:    cause,
	}
}

type compiledRule struct {
	Rule
	scope Scope
	re    *regexp.Regexp
}

// MemTable is an in-process Table. Updates are validated in full before any
// change is applied.
type MemTable struct {
	mu      sync.RWMutex
	max     int
	session map[int]compiledRule
	dynamic map[int]compiledRule

	// BeforeUpdate, when set, runs before each update and can veto it.
	BeforeUpdate func(scope Scope, u RuleUpdate) error
}

func NewMemTable(maxRules int) *MemTable {
	if maxRules <= 0 {
		maxRules = DefaultMaxRules
	}
	return &MemTable{
		max:     maxRules,
		session: map[int]compiledRule{},
		dynamic: map[int]compiledRule{},
	}
}

func (t *MemTable) MaxRules() int { return t.max }

func (t *MemTable) UpdateSessionRules(ctx context.Context, u RuleUpdate) error {
	return t.update(ctx, ScopeSession, u)
}

func (t *MemTable) UpdateDynamicRules(ctx context.Context, u RuleUpdate) error {
	return t.update(ctx, ScopeDynamic, u)
}

func (t *MemTable) SessionRules(ctx context.Context) ([]Rule, error) {
	return t.list(ctx, ScopeSession)
}

func (t *MemTable) DynamicRules(ctx context.Context) ([]Rule, error) {
	return t.list(ctx, ScopeDynamic)
}

func (t *MemTable) store(scope Scope) map[int]compiledRule {
	if scope == ScopeDynamic {
		return t.dynamic
	}
	return t.session
}

func (t *MemTable) update(ctx context.Context, scope Scope, u RuleUpdate) error {
	if err := ctx.Err(); err != nil {
		return tableErr("TABLE_UPDATE_ERROR", "规则表更新被取消", err)
	}
	if t.BeforeUpdate != nil {
		if err := t.BeforeUpdate(scope, u); err != nil {
			return tableErr("TABLE_UPDATE_ERROR", "规则表更新失败", err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.store(scope)
	next := make(map[int]compiledRule, len(cur)+len(u.AddRules))
	for id, r := range cur {
		next[id] = r
	}
	for _, id := range u.RemoveRuleIDs {
		delete(next, id)
	}
	for _, r := range u.AddRules {
		if err := r.Validate(); err != nil {
			return tableErr("TABLE_INVALID_RULE", "规则不合法", err)
		}
		if _, dup := next[r.ID]; dup {
			return tableErr("TABLE_DUPLICATE_ID", fmt.Sprintf("规则 ID 重复：%d", r.ID), nil)
		}
		cr, err := compile(r, scope)
		if err != nil {
			return tableErr("TABLE_INVALID_RULE", "规则不合法", err)
		}
		next[r.ID] = cr
	}
	if len(next) > t.max {
		return tableErr("TABLE_CAPACITY_EXCEEDED", fmt.Sprintf("规则数量超过上限：%d > %d", len(next), t.max), nil)
	}

	if scope == ScopeDynamic {
		t.dynamic = next
	} else {
		t.session = next
	}
	return nil
}

func compile(r Rule, scope Scope) (compiledRule, error) {
	cr := compiledRule{Rule: r, scope: scope}
	c := r.Condition
	var err error
	switch {
	case c.RegexFilter != "":
		cr.re, err = CompileRegexFilter(c.RegexFilter, c.IsURLFilterCaseSensitive)
	case c.URLFilter != "":
		cr.re, err = compileURLFilter(c.URLFilter, c.IsURLFilterCaseSensitive)
	}
	return cr, err
}

func (t *MemTable) list(ctx context.Context, scope Scope) ([]Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	src := t.store(scope)
	out := make([]Rule, 0, len(src))
	for _, r := range src {
		out = append(out, r.Rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Request is one network request presented to Match.
type Request struct {
	URL          string
	ResourceType ResourceType
}

// Outcome is the winning rule for a request.
type Outcome struct {
	RuleID      int        `json:"ruleId"`
	Priority    int        `json:"priority"`
	Scope       Scope      `json:"scope"`
	Action      ActionType `json:"action"`
	RedirectURL string     `json:"redirectUrl,omitempty"`
}

// Cancel reports whether the outcome stops the request.
func (o Outcome) Cancel() bool { return o.Action == ActionBlock }

// actionRank orders actions of equal priority; lower wins.
func actionRank(a ActionType) int {
	switch a {
	case ActionAllow:
		return 0
	case ActionAllowAllRequests:
		return 1
	case ActionBlock:
		return 2
	case ActionUpgradeScheme:
		return 3
	case ActionRedirect:
		return 4
	default:
		return 5
	}
}

// Match returns the highest-precedence rule matching req across both scopes.
// Ties at equal priority go allow, allowAllRequests, block, upgradeScheme,
// redirect; remaining ties go to the lower ID.
func (t *MemTable) Match(req Request) (Outcome, bool) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme == "" {
		return Outcome{}, false
	}
	host := u.Hostname()

	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *compiledRule
	consider := func(m map[int]compiledRule) {
		for id := range m {
			r := m[id]
			if !r.matches(req, host) {
				continue
			}
			if best == nil || better(&r, best) {
				rr := r
				best = &rr
			}
		}
	}
	consider(t.session)
	consider(t.dynamic)
	if best == nil {
		return Outcome{}, false
	}

	out := Outcome{
		RuleID:   best.ID,
		Priority: best.Priority,
		Scope:    best.scope,
		Action:   best.Action.Type,
	}
	switch best.Action.Type {
	case ActionUpgradeScheme:
		out.RedirectURL = upgrade(u)
	case ActionRedirect:
		out.RedirectURL = applyRedirect(u, best.Action.Redirect)
	}
	return out, true
}

func better(a, b *compiledRule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	ra, rb := actionRank(a.Action.Type), actionRank(b.Action.Type)
	if ra != rb {
		return ra < rb
	}
	return a.ID < b.ID
}

func (r *compiledRule) matches(req Request, host string) bool {
	c := r.Condition
	if !c.AppliesTo(req.ResourceType) {
		return false
	}
	if len(c.RequestDomains) > 0 && !domainMatches(host, c.RequestDomains) {
		return false
	}
	if len(c.ExcludedRequestDomains) > 0 && domainMatches(host, c.ExcludedRequestDomains) {
		return false
	}
	if r.re != nil && !r.re.MatchString(req.URL) {
		return false
	}
	return true
}

func upgrade(u *url.URL) string {
	v := *u
	switch strings.ToLower(v.Scheme) {
	case "http":
		v.Scheme = "https"
	case "ws":
		v.Scheme = "wss"
	}
	return v.String()
}

func applyRedirect(u *url.URL, rd *Redirect) string {
	if rd == nil {
		return u.String()
	}
	if rd.URL != "" {
		return rd.URL
	}
	v := *u
	tr := rd.Transform
	if tr == nil {
		return v.String()
	}
	if tr.Scheme != "" {
		v.Scheme = tr.Scheme
	}
	if tr.Host != "" {
		if p := v.Port(); p != "" {
			v.Host = tr.Host + ":" + p
		} else {
			v.Host = tr.Host
		}
	}
	if qt := tr.QueryTransform; qt != nil && len(qt.RemoveParams) > 0 && v.RawQuery != "" {
		v.RawQuery = removeParams(v.RawQuery, qt.RemoveParams)
	}
	return v.String()
}

// removeParams drops key[=value] pairs whose key is listed, keeping the order
// and encoding of the rest.
func removeParams(rawQuery string, names []string) string {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, p := range parts {
		key, _, _ := strings.Cut(p, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if _, ok := drop[key]; ok {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}
