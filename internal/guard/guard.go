// Package guard installs and removes the block-everything rule that covers
// the window between startup and the first complete rule table.
package guard

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/reqguard/internal/compiler"
	"github.com/John-Robertt/reqguard/internal/dnr"
	"github.com/John-Robertt/reqguard/internal/model"
)

type State int

const (
	Disarmed State = iota
	Armed
)

func (s State) String() string {
	if s == Armed {
		return "armed"
	}
	return "disarmed"
}

type GuardError struct {
	AppError model.AppError
	Cause    error
}

func (e *GuardError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *GuardError) Unwrap() error { return e.Cause }

// Rule is the guard rule: reserved ID, maximal priority, every resource type
// including main_frame.
func Rule() dnr.Rule {
	return dnr.Rule{
		ID:        compiler.GuardRuleID,
		Priority:  compiler.GuardPriority,
		Action:    dnr.Action{Type: dnr.ActionBlock},
		Condition: dnr.Condition{ResourceTypes: dnr.AllResourceTypes()},
	}
}

// Guard keeps its state in the dynamic rule table, so an armed guard survives
// a restart without any other persistence.
type Guard struct {
	mu    sync.Mutex
	table dnr.Table
	log   logrus.FieldLogger
}

func New(table dnr.Table, log logrus.FieldLogger) *Guard {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Guard{table: table, log: log}
}

// State reads the dynamic table.
func (g *Guard) State(ctx context.Context) (State, error) {
	rules, err := g.table.DynamicRules(ctx)
	if err != nil {
		return Disarmed, &GuardError{
			AppError: model.AppError{Code: "GUARD_STATE_ERROR", Message: "读取动态规则失败", Stage: "guard"},
			Cause:    err,
		}
	}
	if slices.ContainsFunc(rules, func(r dnr.Rule) bool { return r.ID == compiler.GuardRuleID }) {
		return Armed, nil
	}
	return Disarmed, nil
}

// Arm installs the guard rule; arming an armed guard is a no-op.
func (g *Guard) Arm(ctx context.Context, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.table.UpdateDynamicRules(ctx, dnr.RuleUpdate{
		RemoveRuleIDs: []int{compiler.GuardRuleID},
		AddRules:      []dnr.Rule{Rule()},
	})
	if err != nil {
		return &GuardError{
			AppError: model.AppError{Code: "GUARD_ARM_ERROR", Message: "安装启动保护规则失败", Stage: "guard"},
			Cause:    err,
		}
	}
	g.log.WithField("reason", reason).Info("guard armed")
	return nil
}

// Disarm removes the guard rule; disarming a disarmed guard is a no-op.
func (g *Guard) Disarm(ctx context.Context, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.table.UpdateDynamicRules(ctx, dnr.RuleUpdate{RemoveRuleIDs: []int{compiler.GuardRuleID}})
	if err != nil {
		return &GuardError{
			AppError: model.AppError{Code: "GUARD_DISARM_ERROR", Message: "移除启动保护规则失败", Stage: "guard"},
			Cause:    err,
		}
	}
	g.log.WithField("reason", reason).Info("guard disarmed")
	return nil
}

// OnStart arms when the setting is on. With the setting off a guard left over
// from an earlier run is removed.
func (g *Guard) OnStart(ctx context.Context, enabled bool) error {
	if enabled {
		return g.Arm(ctx, "start")
	}
	st, err := g.State(ctx)
	if err != nil || st == Disarmed {
		return err
	}
	return g.Disarm(ctx, "start-setting-off")
}

// OnShutdown arms when the setting is on so the next start is covered.
func (g *Guard) OnShutdown(ctx context.Context, enabled bool) error {
	if !enabled {
		return nil
	}
	return g.Arm(ctx, "shutdown")
}

func (g *Guard) OnSettingChanged(ctx context.Context, before, after bool) error {
	switch {
	case !before && after:
		return g.Arm(ctx, "setting-on")
	case before && !after:
		return g.Disarm(ctx, "setting-off")
	default:
		return nil
	}
}

// OnRegenerated disarms only after a successful regeneration with the setting
// on. A failed regeneration leaves the guard as it is.
func (g *Guard) OnRegenerated(ctx context.Context, enabled bool, regenErr error) error {
	if regenErr != nil {
		g.log.WithError(regenErr).Warn("regeneration failed; guard left unchanged")
		return nil
	}
	if !enabled {
		return nil
	}
	return g.Disarm(ctx, "filters-loaded")
}
