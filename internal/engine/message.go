package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/John-Robertt/reqguard/internal/evaluator"
	"github.com/John-Robertt/reqguard/internal/model"
)

// Message is a request from the UI. The set of variants is closed; Dispatch
// handles each one.
type Message interface {
	messageType() string
}

type GetSettings struct{}

type SaveSettings struct{ Settings model.Settings }

type GetRules struct{}

type SaveRules struct{ Rules model.RuleSet }

type ParseRules struct{ ParseRequest }

type ExportRules struct {
	List model.ListName `json:"list"`
}

type GetRuleCount struct{}

type ClearCaches struct{}

type EvaluateRequest struct{ Request evaluator.Request }

type GetBlockedLog struct {
	Limit int `json:"limit,omitempty"`
}

func (GetSettings) messageType() string { return "getSettings" }
func (SaveSettings) messageType() string { return "saveSettings" }
func (GetRules) messageType() string { return "getRules" }
func (SaveRules) messageType() string { return "saveRules" }
func (ParseRules) messageType() string { return "parseRules" }
func (ExportRules) messageType() string { return "exportRules" }
func (GetRuleCount) messageType() string { return "getRuleCount" }
func (ClearCaches) messageType() string { return "clearCaches" }
func (EvaluateRequest) messageType() string { return "evaluateRequest" }
func (GetBlockedLog) messageType() string { return "getBlockedLog" }

// Envelope is the wire form of a Message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ExportReply answers ExportRules.
type ExportReply struct {
	List model.ListName `json:"list"`
	Text string         `json:"text"`
}

// ClearReply answers ClearCaches.
type ClearReply struct {
	Cleared bool `json:"cleared"`
}

func msgErr(code, message string, cause error) error {
	return engineErr(code, message, "message", cause)
}

// Decode turns an envelope into a typed Message. Payloads of variants without
// fields are ignored.
func Decode(env Envelope) (Message, error) {
	var (
		m   Message
		dst any
	)
	switch env.Type {
	case "getSettings":
		m = GetSettings{}
	case "saveSettings":
		v := &SaveSettings{}
		m, dst = v, &v.Settings
	case "getRules":
		m = GetRules{}
	case "saveRules":
		v := &SaveRules{}
		m, dst = v, &v.Rules
	case "parseRules":
		v := &ParseRules{}
		m, dst = v, &v.ParseRequest
	case "exportRules":
		v := &ExportRules{}
		m, dst = v, v
	case "getRuleCount":
		m = GetRuleCount{}
	case "clearCaches":
		m = ClearCaches{}
	case "evaluateRequest":
		v := &EvaluateRequest{}
		m, dst = v, &v.Request
	case "getBlockedLog":
		v := &GetBlockedLog{}
		m, dst = v, v
	default:
		return nil, msgErr("UNKNOWN_MESSAGE", fmt.Sprintf("未知的消息类型：%s", env.Type), nil)
	}
	if dst != nil {
		if len(env.Payload) == 0 {
			return nil, msgErr("INVALID_ARGUMENT", fmt.Sprintf("消息 %s 缺少 payload", env.Type), nil)
		}
		if err := json.Unmarshal(env.Payload, dst); err != nil {
			return nil, msgErr("INVALID_ARGUMENT", fmt.Sprintf("消息 %s 的 payload 不合法", env.Type), err)
		}
	}
	if v, ok := m.(*EvaluateRequest); ok {
		req, err := NormalizeRequest(v.Request)
		if err != nil {
			return nil, err
		}
		v.Request = req
	}
	return deref(m), nil
}

func deref(m Message) Message {
	switch v := m.(type) {
	case *SaveSettings:
		return *v
	case *SaveRules:
		return *v
	case *ParseRules:
		return *v
	case *ExportRules:
		return *v
	case *EvaluateRequest:
		return *v
	case *GetBlockedLog:
		return *v
	default:
		return m
	}
}

// Dispatch executes m and returns its reply.
func (e *Engine) Dispatch(ctx context.Context, m Message) (any, error) {
	if m == nil {
		return nil, msgErr("INVALID_ARGUMENT", "消息不能为空", nil)
	}
	e.log.WithField("type", m.messageType()).Debug("message received")
	switch m := m.(type) {
	case GetSettings:
		return e.Settings(), nil
	case SaveSettings:
		return e.SaveSettings(ctx, &m.Settings)
	case GetRules:
		return e.Rules(), nil
	case SaveRules:
		return e.SaveRules(ctx, &m.Rules)
	case ParseRules:
		return e.ParseRules(m.ParseRequest)
	case ExportRules:
		text, err := e.ExportRules(m.List)
		if err != nil {
			return nil, err
		}
		return ExportReply{List: m.List, Text: text}, nil
	case GetRuleCount:
		return e.RuleCount(), nil
	case ClearCaches:
		e.ClearCaches()
		return ClearReply{Cleared: true}, nil
	case EvaluateRequest:
		return e.HandleRequest(ctx, m.Request), nil
	case GetBlockedLog:
		return e.BlockedLog(m.Limit), nil
	default:
		return nil, msgErr("UNKNOWN_MESSAGE", fmt.Sprintf("未知的消息类型：%T", m), nil)
	}
}
