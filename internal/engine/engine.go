// Package engine owns the live RuleSet and Settings. It persists them,
// regenerates the declarative table on every change and answers request-time
// decisions.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/reqguard/internal/compiler"
	"github.com/John-Robertt/reqguard/internal/dnr"
	"github.com/John-Robertt/reqguard/internal/evaluator"
	"github.com/John-Robertt/reqguard/internal/fetch"
	"github.com/John-Robertt/reqguard/internal/guard"
	"github.com/John-Robertt/reqguard/internal/model"
	"github.com/John-Robertt/reqguard/internal/storage"
)

type EngineError struct {
	AppError model.AppError
	Cause    error
}

func (e *EngineError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *EngineError) Unwrap() error { return e.Cause }

func engineErr(code, message, stage string, cause error) error {
	return &EngineError{
		AppError: model.AppError{Code: code, Message: message, Stage: stage},
		Cause:    cause,
	}
}

// RecentLog is the read side of the blocked-request log.
type RecentLog interface {
	Recent(limit int) []model.BlockedRequest
}

// Matcher is implemented by tables that can match requests themselves.
type Matcher interface {
	Match(req dnr.Request) (dnr.Outcome, bool)
}

type Options struct {
	Store     storage.Store
	Table     dnr.Table
	Evaluator *evaluator.Evaluator
	// Blocked serves GetBlockedLog; nil answers with an empty list.
	Blocked RecentLog
	// Compile.RuleLimit <= 0 means Table.MaxRules().
	Compile compiler.Options
	// Fetch is used by ImportRules.
	Fetch fetch.Options
	Log   logrus.FieldLogger
	Now   func() time.Time
	// OnRegenerate, when set, observes every regeneration outcome.
	OnRegenerate func(st Status, err error)
}

// Status is what the UI shows about the installed table.
type Status struct {
	RuleCount     int       `json:"ruleCount"`
	TotalRules    int       `json:"totalRules"`
	RuleLimit     int       `json:"ruleLimit"`
	Exceeded      bool      `json:"exceeded"`
	Dropped       int       `json:"dropped"`
	Skipped       int       `json:"skipped"`
	Generation    uint64    `json:"generation"`
	LastRegenAt   time.Time `json:"lastRegenAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	LastErrorAt   time.Time `json:"lastErrorAt,omitempty"`
	FiltersLoaded bool      `json:"filtersLoaded"`
	GuardArmed    bool      `json:"guardArmed"`
}

type Engine struct {
	opt   Options
	guard *guard.Guard
	log   logrus.FieldLogger

	rules    atomic.Pointer[model.RuleSet]
	settings atomic.Pointer[model.Settings]

	// saveMu orders persist-then-swap between concurrent saves.
	saveMu sync.Mutex
	// regenMu serializes regenerations; a waiting caller runs after the
	// in-flight one with the then-current snapshots.
	regenMu sync.Mutex

	statusMu sync.RWMutex
	status   Status
}

func New(opt Options) *Engine {
	if opt.Store == nil {
		opt.Store = storage.NewMemory()
	}
	if opt.Table == nil {
		opt.Table = dnr.NewMemTable(0)
	}
	if opt.Log == nil {
		opt.Log = logrus.StandardLogger()
	}
	if opt.Evaluator == nil {
		opt.Evaluator = evaluator.New(evaluator.Options{Log: opt.Log})
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	log := opt.Log.WithField("component", "engine")
	e := &Engine{
		opt:   opt,
		guard: guard.New(opt.Table, log),
		log:   log,
	}
	e.rules.Store(model.NewRuleSet())
	e.settings.Store(model.DefaultSettings())
	return e
}

// Rules returns a copy of the live RuleSet.
func (e *Engine) Rules() *model.RuleSet { return e.rules.Load().Clone() }

// Settings returns a copy of the live Settings.
func (e *Engine) Settings() *model.Settings { return e.settings.Load().Clone() }

func (e *Engine) Guard() *guard.Guard { return e.guard }

// Start loads the persisted state, applies the guard's start transition and
// builds the first table. A failed regeneration is recorded, not returned.
func (e *Engine) Start(ctx context.Context) error {
	rs := model.NewRuleSet()
	if _, err := storage.LoadJSON(ctx, e.opt.Store, storage.KeyRules, rs); err != nil {
		return engineErr("STATE_LOAD_ERROR", "读取规则失败", "load_state", err)
	}
	rs.Normalize()

	st := model.DefaultSettings()
	if _, err := storage.LoadJSON(ctx, e.opt.Store, storage.KeySettings, st); err != nil {
		return engineErr("STATE_LOAD_ERROR", "读取设置失败", "load_state", err)
	}
	st.Normalize()

	e.rules.Store(rs)
	e.settings.Store(st)
	e.log.WithFields(logrus.Fields{
		"rules":   rs.RuleCount(),
		"suspend": st.SuspendUntilFiltersLoad,
	}).Info("state loaded")

	if err := e.guard.OnStart(ctx, st.SuspendUntilFiltersLoad); err != nil {
		e.log.WithError(err).Warn("guard start transition failed")
	}
	if err := e.Regenerate(ctx); err != nil {
		e.log.WithError(err).Warn("initial regeneration failed")
	}
	return nil
}

// Shutdown arms the guard when the setting asks for it, so the next start is
// covered before any table exists.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.guard.OnShutdown(ctx, e.settings.Load().SuspendUntilFiltersLoad)
}

// Regenerate compiles the current snapshots and replaces every session rule in
// one table update. The guard is only disarmed after a successful update.
func (e *Engine) Regenerate(ctx context.Context) error {
	e.regenMu.Lock()
	defer e.regenMu.Unlock()

	rs, st := e.rules.Load(), e.settings.Load()
	copt := e.opt.Compile
	copt.RuleLimit = e.ruleLimit()
	res := compiler.Compile(st, rs, copt)

	var err error
	current, lerr := e.opt.Table.SessionRules(ctx)
	if lerr != nil {
		err = engineErr("REGENERATE_ERROR", "读取会话规则失败", "regenerate", lerr)
	} else {
		remove := make([]int, len(current))
		for i, r := range current {
			remove[i] = r.ID
		}
		if uerr := e.opt.Table.UpdateSessionRules(ctx, dnr.RuleUpdate{RemoveRuleIDs: remove, AddRules: res.Rules}); uerr != nil {
			err = engineErr("REGENERATE_ERROR", "更新会话规则失败", "regenerate", uerr)
		}
	}

	if gerr := e.guard.OnRegenerated(ctx, st.SuspendUntilFiltersLoad, err); gerr != nil {
		e.log.WithError(gerr).Warn("guard did not disarm")
	}
	armed, _ := e.guard.State(ctx)

	status := e.record(res, err, armed == guard.Armed)
	fields := logrus.Fields{
		"generation": status.Generation,
		"rules":      res.Emitted,
		"total":      res.Total,
		"limit":      res.Limit,
	}
	switch {
	case err != nil:
		e.log.WithFields(fields).WithError(err).Error("regeneration failed")
	case res.Exceeded:
		e.log.WithFields(fields).WithField("dropped", res.Dropped).Warn("rule limit exceeded; table truncated")
	default:
		e.log.WithFields(fields).Debug("table regenerated")
	}
	if e.opt.OnRegenerate != nil {
		e.opt.OnRegenerate(status, err)
	}
	return err
}

func (e *Engine) ruleLimit() int {
	if e.opt.Compile.RuleLimit > 0 {
		return e.opt.Compile.RuleLimit
	}
	return e.opt.Table.MaxRules()
}

func (e *Engine) record(res *compiler.Result, err error, armed bool) Status {
	now := e.opt.Now()
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	s := &e.status
	s.Generation++
	s.GuardArmed = armed
	if err != nil {
		s.LastError = err.Error()
		s.LastErrorAt = now
		return *s
	}
	s.RuleCount = res.Emitted
	s.TotalRules = res.Total
	s.RuleLimit = res.Limit
	s.Exceeded = res.Exceeded
	s.Dropped = res.Dropped
	s.Skipped = len(res.Skipped)
	s.LastRegenAt = now
	s.FiltersLoaded = true
	if res.Exceeded {
		s.LastError = fmt.Sprintf("规则数量超过上限：%d > %d，已丢弃 %d 条", res.Total, res.Limit, res.Dropped)
		s.LastErrorAt = now
	} else {
		s.LastError = ""
		s.LastErrorAt = time.Time{}
	}
	return *s
}

func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// SaveRules persists rs, swaps it in and regenerates. Only a persistence
// failure is returned; regeneration problems land in Status.
func (e *Engine) SaveRules(ctx context.Context, rs *model.RuleSet) (Status, error) {
	if rs == nil {
		return e.Status(), engineErr("INVALID_ARGUMENT", "规则不能为空", "save_rules", nil)
	}
	return e.updateRules(ctx, func(*model.RuleSet) (*model.RuleSet, error) {
		return rs.Clone(), nil
	})
}

// updateRules derives the next RuleSet from the live one under saveMu,
// persists it, swaps it in and regenerates.
func (e *Engine) updateRules(ctx context.Context, mutate func(cur *model.RuleSet) (*model.RuleSet, error)) (Status, error) {
	e.saveMu.Lock()
	next, err := mutate(e.rules.Load())
	if err != nil {
		e.saveMu.Unlock()
		return e.Status(), err
	}
	next.Normalize()
	if err := storage.SaveJSON(ctx, e.opt.Store, storage.KeyRules, next); err != nil {
		e.saveMu.Unlock()
		return e.Status(), err
	}
	e.rules.Store(next)
	e.saveMu.Unlock()

	e.opt.Evaluator.Caches().Decision.Clear()
	_ = e.Regenerate(ctx)
	return e.Status(), nil
}

// SaveSettings persists s, swaps it in, applies the guard's setting
// transition and regenerates.
func (e *Engine) SaveSettings(ctx context.Context, s *model.Settings) (Status, error) {
	if s == nil {
		return e.Status(), engineErr("INVALID_ARGUMENT", "设置不能为空", "save_settings", nil)
	}
	next := s.Clone()
	next.Normalize()

	e.saveMu.Lock()
	if err := storage.SaveJSON(ctx, e.opt.Store, storage.KeySettings, next); err != nil {
		e.saveMu.Unlock()
		return e.Status(), err
	}
	before := e.settings.Swap(next)
	e.saveMu.Unlock()

	e.opt.Evaluator.Caches().Decision.Clear()
	if err := e.guard.OnSettingChanged(ctx, before.SuspendUntilFiltersLoad, next.SuspendUntilFiltersLoad); err != nil {
		e.log.WithError(err).Warn("guard setting transition failed")
	}
	_ = e.Regenerate(ctx)
	return e.Status(), nil
}

// ClearCaches empties every evaluator cache.
func (e *Engine) ClearCaches() {
	e.opt.Evaluator.Caches().ClearAll()
	e.log.Info("caches cleared")
}

// Evaluate runs only the request-time evaluator.
func (e *Engine) Evaluate(ctx context.Context, req evaluator.Request) evaluator.Decision {
	return e.opt.Evaluator.Evaluate(ctx, req, e.rules.Load(), e.settings.Load())
}

// Verdict is the combined outcome of the table and the evaluator.
type Verdict struct {
	Cancel      bool                `json:"cancel"`
	RedirectURL string              `json:"redirectUrl,omitempty"`
	Table       *dnr.Outcome        `json:"table,omitempty"`
	Evaluator   *evaluator.Decision `json:"evaluator,omitempty"`
}

// NormalizeRequest fills a missing resource type with "other" and rejects
// types the table does not know.
func NormalizeRequest(req evaluator.Request) (evaluator.Request, error) {
	if req.ResourceType == "" {
		req.ResourceType = dnr.Other
		return req, nil
	}
	if !req.ResourceType.Valid() {
		return req, engineErr("INVALID_ARGUMENT", fmt.Sprintf("未知的资源类型：%s", req.ResourceType), "validate_request", nil)
	}
	return req, nil
}

// HandleRequest applies the installed table first. Block, redirect and
// upgrade outcomes are final; allow outcomes and misses go on to the
// evaluator, which applies its own terminating-allow rules. A request
// without a resource type is matched as "other".
func (e *Engine) HandleRequest(ctx context.Context, req evaluator.Request) Verdict {
	if req.ResourceType == "" {
		req.ResourceType = dnr.Other
	}
	var v Verdict
	if m, ok := e.opt.Table.(Matcher); ok {
		out, hit := m.Match(dnr.Request{URL: req.URL, ResourceType: req.ResourceType})
		if hit {
			v.Table = &out
			if out.Cancel() {
				v.Cancel = true
				return v
			}
			switch out.Action {
			case dnr.ActionRedirect, dnr.ActionUpgradeScheme:
				v.RedirectURL = out.RedirectURL
				return v
			}
		}
	}
	d := e.Evaluate(ctx, req)
	v.Evaluator = &d
	v.Cancel = d.Cancel
	return v
}

// RuleCount reports installed usage against the limit.
type RuleCount struct {
	Count    int  `json:"count"`
	Total    int  `json:"total"`
	Limit    int  `json:"limit"`
	Exceeded bool `json:"exceeded"`
	Stored   int  `json:"stored"`
}

func (e *Engine) RuleCount() RuleCount {
	st := e.Status()
	limit := st.RuleLimit
	if limit == 0 {
		limit = compiler.EffectiveLimit(e.ruleLimit())
	}
	return RuleCount{
		Count:    st.RuleCount,
		Total:    st.TotalRules,
		Limit:    limit,
		Exceeded: st.Exceeded,
		Stored:   e.rules.Load().RuleCount(),
	}
}

// BlockedLog returns up to limit recent blocked requests, newest first.
func (e *Engine) BlockedLog(limit int) []model.BlockedRequest {
	if e.opt.Blocked == nil {
		return []model.BlockedRequest{}
	}
	return e.opt.Blocked.Recent(limit)
}
