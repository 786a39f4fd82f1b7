package httpapi

import "net/http"

func NewMux() *http.ServeMux {
	return NewMuxWithOptions(Options{})
}

func NewMuxWithOptions(opt Options) *http.ServeMux {
	s := &server{opt: opt.withDefaults()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handleSaveSettings)
	mux.HandleFunc("GET /api/rules", s.handleGetRules)
	mux.HandleFunc("PUT /api/rules", s.handleSaveRules)
	mux.HandleFunc("POST /api/rules/parse", s.handleParseRules)
	mux.HandleFunc("GET /api/rules/export", s.handleExportRules)
	mux.HandleFunc("POST /api/rules/import", s.handleImportRules)
	mux.HandleFunc("GET /api/rules/count", s.handleRuleCount)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/caches/clear", s.handleClearCaches)
	mux.HandleFunc("POST /api/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /api/table", s.handleTable)
	mux.HandleFunc("POST /api/geoip/refresh", s.handleGeoRefresh)

	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("DELETE /api/logs", s.handleClearLogs)
	mux.HandleFunc("GET /api/logs/stream", s.handleLogStream)

	mux.HandleFunc("POST /api/message", s.handleMessage)
	return mux
}
