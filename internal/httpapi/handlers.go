package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/John-Robertt/reqguard/internal/cache"
	"github.com/John-Robertt/reqguard/internal/dnr"
	"github.com/John-Robertt/reqguard/internal/engine"
	"github.com/John-Robertt/reqguard/internal/evaluator"
	"github.com/John-Robertt/reqguard/internal/geoip"
	"github.com/John-Robertt/reqguard/internal/model"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

type server struct {
	opt Options
}

func (s *server) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opt.RequestTimeout)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteText(w, http.StatusOK, "ok\n")
}

func (s *server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.opt.Engine.Settings())
}

func (s *server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var body model.Settings
	if err := decodeJSON(w, r, s.opt.MaxBodySize, &body); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	st, err := s.opt.Engine.SaveSettings(ctx, &body)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (s *server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.opt.Engine.Rules())
}

func (s *server) handleSaveRules(w http.ResponseWriter, r *http.Request) {
	var body model.RuleSet
	if err := decodeJSON(w, r, s.opt.MaxBodySize, &body); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	st, err := s.opt.Engine.SaveRules(ctx, &body)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (s *server) handleParseRules(w http.ResponseWriter, r *http.Request) {
	var body engine.ParseRequest
	if err := decodeJSON(w, r, s.opt.MaxBodySize, &body); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	res, err := s.opt.Engine.ParseRules(body)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *server) handleExportRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := singleQuery(q, "list", true)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	name := model.ListName(strings.TrimSpace(list))
	text, err := s.opt.Engine.ExportRules(name)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	download, err := singleQuery(q, "download", false)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	if download == "1" || download == "true" {
		if err := setAttachmentHeaders(w, string(name)); err != nil {
			writeErrorFromErr(w, err)
			return
		}
	}
	WriteText(w, http.StatusOK, text)
}

func (s *server) handleImportRules(w http.ResponseWriter, r *http.Request) {
	var body engine.ImportRequest
	if err := decodeJSON(w, r, s.opt.MaxBodySize, &body); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	body.URL = strings.TrimSpace(body.URL)
	if body.URL == "" {
		writeErrorFromErr(w, requestError("INVALID_ARGUMENT", "url 不能为空", ""))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opt.ImportTimeout)
	defer cancel()
	res, err := s.opt.Engine.ImportRules(ctx, body)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *server) handleRuleCount(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.opt.Engine.RuleCount())
}

type statusReply struct {
	Engine    engine.Status        `json:"engine"`
	RuleCount engine.RuleCount     `json:"ruleCount"`
	Caches    *cache.BundleStats   `json:"caches,omitempty"`
	GeoIP     *geoip.RefreshStatus `json:"geoip,omitempty"`
	Blocked   uint64               `json:"blocked"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := statusReply{
		Engine:    s.opt.Engine.Status(),
		RuleCount: s.opt.Engine.RuleCount(),
	}
	if s.opt.Caches != nil {
		st := s.opt.Caches.Stats()
		out.Caches = &st
	}
	if s.opt.Geo != nil {
		st := s.opt.Geo.Status()
		out.GeoIP = &st
	}
	if s.opt.BlockLog != nil {
		out.Blocked = s.opt.BlockLog.Total()
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *server) handleClearCaches(w http.ResponseWriter, r *http.Request) {
	s.opt.Engine.ClearCaches()
	WriteJSON(w, http.StatusOK, engine.ClearReply{Cleared: true})
}

func (s *server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var body evaluator.Request
	if err := decodeJSON(w, r, s.opt.MaxBodySize, &body); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		writeErrorFromErr(w, requestError("INVALID_ARGUMENT", "url 不能为空", ""))
		return
	}
	body, err := engine.NormalizeRequest(body)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	v := s.opt.Engine.HandleRequest(ctx, body)
	observeVerdict(v)
	WriteJSON(w, http.StatusOK, v)
}

func observeVerdict(v engine.Verdict) {
	if v.Evaluator != nil {
		ObserveDecision(*v.Evaluator)
	}
}

type tableReply struct {
	Session []dnr.Rule `json:"session"`
	Dynamic []dnr.Rule `json:"dynamic"`
	Max     int        `json:"maxRules"`
}

func (s *server) handleTable(w http.ResponseWriter, r *http.Request) {
	if s.opt.Table == nil {
		writeErrorFromErr(w, notFoundError("未配置规则表"))
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	session, err := s.opt.Table.SessionRules(ctx)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	dynamic, err := s.opt.Table.DynamicRules(ctx)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, tableReply{Session: session, Dynamic: dynamic, Max: s.opt.Table.MaxRules()})
}

func (s *server) handleGeoRefresh(w http.ResponseWriter, r *http.Request) {
	if s.opt.Geo == nil {
		writeErrorFromErr(w, notFoundError("未配置 GeoIP 数据库"))
		return
	}
	if err := s.opt.Geo.Refresh(r.Context()); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.opt.Geo.Status())
}

func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := limitQuery(r.URL.Query())
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.opt.Engine.BlockedLog(limit))
}

func (s *server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if s.opt.BlockLog == nil {
		writeErrorFromErr(w, notFoundError("未配置拦截日志"))
		return
	}
	s.opt.BlockLog.Clear()
	WriteJSON(w, http.StatusOK, engine.ClearReply{Cleared: true})
}

// handleMessage accepts the UI's message envelope and replies with the
// variant's result.
func (s *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var env engine.Envelope
	if err := decodeJSON(w, r, s.opt.MaxBodySize, &env); err != nil {
		writeErrorFromErr(w, err)
		return
	}
	m, err := engine.Decode(env)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	ctx, cancel := s.withTimeout(r)
	defer cancel()
	reply, err := s.opt.Engine.Dispatch(ctx, m)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	if v, ok := reply.(engine.Verdict); ok {
		observeVerdict(v)
	}
	WriteJSON(w, http.StatusOK, reply)
}

func limitQuery(q url.Values) (int, error) {
	raw, err := singleQuery(q, "limit", false)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return defaultLogLimit, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, requestError("INVALID_ARGUMENT", "limit 必须是正整数", raw)
	}
	if n > maxLogLimit {
		n = maxLogLimit
	}
	return n, nil
}

func singleQuery(q url.Values, key string, required bool) (string, error) {
	values, ok := q[key]
	if !ok || len(values) == 0 {
		if required {
			return "", requestError("INVALID_ARGUMENT", fmt.Sprintf("缺少 %s 参数", key), "")
		}
		return "", nil
	}
	if len(values) != 1 {
		return "", requestError("INVALID_ARGUMENT", fmt.Sprintf("%s 参数只能出现一次", key), "")
	}
	return values[0], nil
}
