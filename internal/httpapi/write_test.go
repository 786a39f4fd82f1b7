package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/John-Robertt/reqguard/internal/engine"
	"github.com/John-Robertt/reqguard/internal/fetch"
	"github.com/John-Robertt/reqguard/internal/model"
	"github.com/John-Robertt/reqguard/internal/rules"
)

func TestWriteError_JSONShapeAndHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, http.StatusUnprocessableEntity, model.AppError{
		Code:    "RULE_INVALID",
		Message: "域名不合法",
		Stage:   "parse_rules",
		URL:     "https://example.com/blocklist.txt",
		Line:    123,
		Snippet: "exa mple.com",
		Hint:    "expected: example.com",
	})

	if got, want := rr.Code, http.StatusUnprocessableEntity; got != want {
		t.Fatalf("status = %d, want %d", got, want)
	}

	if got, want := rr.Header().Get("Content-Type"), "application/json; charset=utf-8"; got != want {
		t.Fatalf("Content-Type = %q, want %q", got, want)
	}

	var resp model.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nbody=%q", err, rr.Body.String())
	}
	if resp.Error.Code != "RULE_INVALID" {
		t.Fatalf("code = %q, want %q", resp.Error.Code, "RULE_INVALID")
	}
	if resp.Error.Stage != "parse_rules" {
		t.Fatalf("stage = %q, want %q", resp.Error.Stage, "parse_rules")
	}
	if resp.Error.Line != 123 {
		t.Fatalf("line = %d, want %d", resp.Error.Line, 123)
	}
}

func TestWriteErrorFromErr_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"fetch keeps its status", &fetch.FetchError{Status: http.StatusGatewayTimeout, AppError: model.AppError{Code: "FETCH_TIMEOUT"}}, http.StatusGatewayTimeout, "FETCH_TIMEOUT"},
		{"parse error", &rules.ParseError{AppError: model.AppError{Code: "UNSUPPORTED_RULE_TYPE"}}, http.StatusUnprocessableEntity, "UNSUPPORTED_RULE_TYPE"},
		{"rule error", &rules.RuleError{Code: "RULE_INVALID", Message: "x"}, http.StatusUnprocessableEntity, "RULE_INVALID"},
		{"engine bad argument", &engine.EngineError{AppError: model.AppError{Code: "INVALID_ARGUMENT"}}, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"engine state", &engine.EngineError{AppError: model.AppError{Code: "STATE_LOAD_ERROR"}}, http.StatusInternalServerError, "STATE_LOAD_ERROR"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeErrorFromErr(rr, tc.err)
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d", rr.Code, tc.status)
			}
			if got := errorCode(t, rr); got != tc.code {
				t.Fatalf("code = %q, want %q", got, tc.code)
			}
		})
	}
}
