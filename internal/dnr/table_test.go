package dnr

import (
	"context"
	"errors"
	"testing"
)

func block(id, prio int, c Condition) Rule {
	return Rule{ID: id, Priority: prio, Action: Action{Type: ActionBlock}, Condition: c}
}

func TestMemTable_UpdateIsAtomic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tb := NewMemTable(10)

	if err := tb.UpdateSessionRules(ctx, RuleUpdate{AddRules: []Rule{block(1, 1, Condition{URLFilter: "ads"})}}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	err := tb.UpdateSessionRules(ctx, RuleUpdate{
		RemoveRuleIDs: []int{1},
		AddRules: []Rule{
			block(2, 1, Condition{URLFilter: "x"}),
			block(3, 1, Condition{RegexFilter: "(bad"}),
		},
	})
	var te *TableError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TableError, got %T: %v", err, err)
	}
	if te.AppError.Stage != "update_table" {
		t.Fatalf("stage=%q, want=%q", te.AppError.Stage, "update_table")
	}

	got, _ := tb.SessionRules(ctx)
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("table changed after failed update: %+v", got)
	}
}

func TestMemTable_RejectsDuplicateAndOverCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tb := NewMemTable(2)

	err := tb.UpdateDynamicRules(ctx, RuleUpdate{AddRules: []Rule{
		block(1, 1, Condition{}), block(1, 1, Condition{}),
	}})
	var te *TableError
	if !errors.As(err, &te) || te.AppError.Code != "TABLE_DUPLICATE_ID" {
		t.Fatalf("expected TABLE_DUPLICATE_ID, got %v", err)
	}

	err = tb.UpdateDynamicRules(ctx, RuleUpdate{AddRules: []Rule{
		block(1, 1, Condition{}), block(2, 1, Condition{}), block(3, 1, Condition{}),
	}})
	if !errors.As(err, &te) || te.AppError.Code != "TABLE_CAPACITY_EXCEEDED" {
		t.Fatalf("expected TABLE_CAPACITY_EXCEEDED, got %v", err)
	}
}

func TestMemTable_BeforeUpdateVeto(t *testing.T) {
	t.Parallel()
	tb := NewMemTable(10)
	boom := errors.New("boom")
	tb.BeforeUpdate = func(Scope, RuleUpdate) error { return boom }
	err := tb.UpdateSessionRules(context.Background(), RuleUpdate{AddRules: []Rule{block(1, 1, Condition{})}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
}

func TestMemTable_MatchPrecedence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tb := NewMemTable(0)
	allow := Rule{ID: 5, Priority: 50, Action: Action{Type: ActionAllow}, Condition: Condition{RequestDomains: []string{"good.example"}}}
	blk := block(9, 10, Condition{URLFilter: "||example"})
	sameBlk := block(4, 50, Condition{URLFilter: "good"})
	if err := tb.UpdateSessionRules(ctx, RuleUpdate{AddRules: []Rule{allow, blk, sameBlk}}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	out, ok := tb.Match(Request{URL: "https://cdn.good.example/a.js", ResourceType: Script})
	if !ok || out.Action != ActionAllow || out.RuleID != 5 {
		t.Fatalf("outcome=%+v ok=%v, want allow rule 5", out, ok)
	}

	out, ok = tb.Match(Request{URL: "https://bad.example/a.js", ResourceType: Script})
	if !ok || !out.Cancel() || out.RuleID != 9 {
		t.Fatalf("outcome=%+v ok=%v, want block rule 9", out, ok)
	}

	if _, ok := tb.Match(Request{URL: "https://bad.example/", ResourceType: MainFrame}); ok {
		t.Fatalf("rule without resourceTypes must not match main_frame")
	}
}

func TestMemTable_RedirectTransforms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tb := NewMemTable(0)
	rules := []Rule{
		{ID: 1, Priority: 100, Action: Action{Type: ActionUpgradeScheme}, Condition: Condition{URLFilter: "|http:", ResourceTypes: AllResourceTypes()}},
		{ID: 2, Priority: 60, Action: Action{Type: ActionRedirect, Redirect: &Redirect{Transform: &URLTransform{
			QueryTransform: &QueryTransform{RemoveParams: []string{"utm_source", "fbclid"}},
		}}}, Condition: Condition{RegexFilter: `[?&](utm_source|fbclid)=`, ResourceTypes: AllResourceTypes()}},
		{ID: 3, Priority: 10, Action: Action{Type: ActionRedirect, Redirect: &Redirect{URL: "https://b.example/"}}, Condition: Condition{URLFilter: "|https://a.example/"}},
	}
	if err := tb.UpdateSessionRules(ctx, RuleUpdate{AddRules: rules}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	tests := []struct {
		url  string
		typ  ResourceType
		id   int
		want string
	}{
		{"http://site.example/p?q=1", MainFrame, 1, "https://site.example/p?q=1"},
		{"https://site.example/p?a=1&utm_source=x&b=2&fbclid=y", MainFrame, 2, "https://site.example/p?a=1&b=2"},
		{"https://site.example/p?utm_source=x", Script, 2, "https://site.example/p"},
		{"https://a.example/page", Image, 3, "https://b.example/"},
	}
	for _, tt := range tests {
		out, ok := tb.Match(Request{URL: tt.url, ResourceType: tt.typ})
		if !ok || out.RuleID != tt.id {
			t.Fatalf("Match(%q) outcome=%+v ok=%v, want rule %d", tt.url, out, ok, tt.id)
		}
		if out.RedirectURL != tt.want {
			t.Fatalf("Match(%q) redirect=%q, want=%q", tt.url, out.RedirectURL, tt.want)
		}
	}
}

func TestCompileURLFilter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		filter, url string
		want        bool
	}{
		{"|https://a.example/", "https://a.example/x", true},
		{"|https://a.example/", "http://x/?u=https://a.example/", false},
		{"||ads.example^", "https://sub.ads.example/x", true},
		{"||ads.example^", "https://notads.example/x", false},
		{"banner*.gif|", "https://x.example/banner123.gif", true},
		{"banner*.gif|", "https://x.example/banner123.gif?x", false},
		{"ADS", "https://x.example/ads/1", true},
	}
	for _, tt := range tests {
		re, err := compileURLFilter(tt.filter, false)
		if err != nil {
			t.Fatalf("compileURLFilter(%q) err: %v", tt.filter, err)
		}
		if got := re.MatchString(tt.url); got != tt.want {
			t.Fatalf("filter %q on %q = %v, want %v", tt.filter, tt.url, got, tt.want)
		}
	}
}
