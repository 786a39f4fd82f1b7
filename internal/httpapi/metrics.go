package httpapi

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/John-Robertt/reqguard/internal/cache"
	"github.com/John-Robertt/reqguard/internal/engine"
	"github.com/John-Robertt/reqguard/internal/evaluator"
)

// metricsStore is intentionally tiny: a few counters are enough for basic
// observability without dragging in external dependencies or complex labeling.
type metricsStore struct {
	mu sync.Mutex

	httpRequestsTotal uint64
	httpByPattern     map[reqKey]uint64

	appErrors map[errKey]uint64

	decisions map[decKey]uint64

	regenOK    uint64
	regenError uint64
}

type reqKey struct {
	Pattern string
	Status  int
}

type errKey struct {
	Stage string
	Code  string
}

type decKey struct {
	Source string
	Cancel bool
}

func newMetricsStore() *metricsStore {
	return &metricsStore{
		httpByPattern: make(map[reqKey]uint64),
		appErrors:     make(map[errKey]uint64),
		decisions:     make(map[decKey]uint64),
	}
}

var metrics = newMetricsStore()

func metricsIncRequest(pattern string, status int) {
	if status == 0 {
		status = http.StatusOK
	}
	if pattern == "" {
		pattern = "(unknown)"
	}

	metrics.mu.Lock()
	metrics.httpRequestsTotal++
	metrics.httpByPattern[reqKey{Pattern: pattern, Status: status}]++
	metrics.mu.Unlock()
}

func metricsIncAppError(stage, code string) {
	stage = strings.TrimSpace(stage)
	code = strings.TrimSpace(code)
	if stage == "" {
		stage = "(unknown)"
	}
	if code == "" {
		code = "(unknown)"
	}

	metrics.mu.Lock()
	metrics.appErrors[errKey{Stage: stage, Code: code}]++
	metrics.mu.Unlock()
}

// ObserveDecision counts one evaluator decision by source and outcome.
func ObserveDecision(d evaluator.Decision) {
	src := d.Source
	if src == "" {
		src = "(unknown)"
	}
	metrics.mu.Lock()
	metrics.decisions[decKey{Source: src, Cancel: d.Cancel}]++
	metrics.mu.Unlock()
}

// ObserveRegeneration has the signature of engine.Options.OnRegenerate.
func ObserveRegeneration(_ engine.Status, err error) {
	metrics.mu.Lock()
	if err != nil {
		metrics.regenError++
	} else {
		metrics.regenOK++
	}
	metrics.mu.Unlock()
}

type reqMetric struct {
	reqKey
	N uint64
}

type errMetric struct {
	errKey
	N uint64
}

type decMetric struct {
	decKey
	N uint64
}

type snapshot struct {
	httpTotal  uint64
	reqs       []reqMetric
	errs       []errMetric
	decs       []decMetric
	regenOK    uint64
	regenError uint64
}

func metricsSnapshot() snapshot {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()

	s := snapshot{
		httpTotal:  metrics.httpRequestsTotal,
		regenOK:    metrics.regenOK,
		regenError: metrics.regenError,
	}

	s.reqs = make([]reqMetric, 0, len(metrics.httpByPattern))
	for k, n := range metrics.httpByPattern {
		s.reqs = append(s.reqs, reqMetric{reqKey: k, N: n})
	}
	s.errs = make([]errMetric, 0, len(metrics.appErrors))
	for k, n := range metrics.appErrors {
		s.errs = append(s.errs, errMetric{errKey: k, N: n})
	}
	s.decs = make([]decMetric, 0, len(metrics.decisions))
	for k, n := range metrics.decisions {
		s.decs = append(s.decs, decMetric{decKey: k, N: n})
	}

	sort.Slice(s.reqs, func(i, j int) bool {
		if s.reqs[i].Pattern != s.reqs[j].Pattern {
			return s.reqs[i].Pattern < s.reqs[j].Pattern
		}
		return s.reqs[i].Status < s.reqs[j].Status
	})
	sort.Slice(s.errs, func(i, j int) bool {
		if s.errs[i].Stage != s.errs[j].Stage {
			return s.errs[i].Stage < s.errs[j].Stage
		}
		return s.errs[i].Code < s.errs[j].Code
	})
	sort.Slice(s.decs, func(i, j int) bool {
		if s.decs[i].Source != s.decs[j].Source {
			return s.decs[i].Source < s.decs[j].Source
		}
		return !s.decs[i].Cancel && s.decs[j].Cancel
	})
	return s
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	// Plain text (Prometheus-ish). Keep it dependency-free.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	snap := metricsSnapshot()

	var b strings.Builder

	writeHeader(&b, "reqguard_http_requests_total", "counter", "Total HTTP requests.")
	writeSample(&b, "reqguard_http_requests_total", "", snap.httpTotal)

	writeHeader(&b, "reqguard_http_requests_by_pattern_total", "counter", "HTTP requests by ServeMux pattern and status.")
	for _, m := range snap.reqs {
		writeSample(&b, "reqguard_http_requests_by_pattern_total",
			labels("pattern", m.Pattern, "status", strconv.Itoa(m.Status)), m.N)
	}

	writeHeader(&b, "reqguard_app_errors_total", "counter", "Application errors returned to clients.")
	for _, m := range snap.errs {
		writeSample(&b, "reqguard_app_errors_total", labels("stage", m.Stage, "code", m.Code), m.N)
	}

	writeHeader(&b, "reqguard_decisions_total", "counter", "Evaluator decisions by source and outcome.")
	for _, m := range snap.decs {
		writeSample(&b, "reqguard_decisions_total",
			labels("source", m.Source, "cancel", strconv.FormatBool(m.Cancel)), m.N)
	}

	writeHeader(&b, "reqguard_regenerations_total", "counter", "Table regenerations by result.")
	writeSample(&b, "reqguard_regenerations_total", labels("result", "ok"), snap.regenOK)
	writeSample(&b, "reqguard_regenerations_total", labels("result", "error"), snap.regenError)

	rc := s.opt.Engine.RuleCount()
	writeHeader(&b, "reqguard_table_rules", "gauge", "Rules installed in the session table.")
	writeSample(&b, "reqguard_table_rules", "", uint64(rc.Count))
	writeHeader(&b, "reqguard_table_rule_limit", "gauge", "Effective rule limit of the session table.")
	writeSample(&b, "reqguard_table_rule_limit", "", uint64(rc.Limit))
	writeHeader(&b, "reqguard_stored_rules", "gauge", "Rules in the saved rule set.")
	writeSample(&b, "reqguard_stored_rules", "", uint64(rc.Stored))

	if s.opt.BlockLog != nil {
		writeHeader(&b, "reqguard_blocked_total", "counter", "Requests blocked by the evaluator.")
		writeSample(&b, "reqguard_blocked_total", "", s.opt.BlockLog.Total())
	}

	if s.opt.Caches != nil {
		st := s.opt.Caches.Stats()
		named := []struct {
			name string
			st   cache.Stats
		}{
			{"asn", st.ASN},
			{"country", st.Country},
			{"decision", st.Decision},
			{"dns", st.DNS},
			{"private_ip", st.PrivateIP},
		}
		writeHeader(&b, "reqguard_cache_entries", "gauge", "Entries held per cache.")
		for _, c := range named {
			writeSample(&b, "reqguard_cache_entries", labels("cache", c.name), uint64(c.st.Entries))
		}
		writeHeader(&b, "reqguard_cache_hits_total", "counter", "Cache hits per cache.")
		for _, c := range named {
			writeSample(&b, "reqguard_cache_hits_total", labels("cache", c.name), c.st.Hits)
		}
		writeHeader(&b, "reqguard_cache_misses_total", "counter", "Cache misses per cache.")
		for _, c := range named {
			writeSample(&b, "reqguard_cache_misses_total", labels("cache", c.name), c.st.Misses)
		}
	}

	_, _ = fmt.Fprint(w, b.String())
}

func writeHeader(b *strings.Builder, name, typ, help string) {
	b.WriteString("# HELP ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(help)
	b.WriteString("\n# TYPE ")
	b.WriteString(name)
	b.WriteByte(' ')
	b.WriteString(typ)
	b.WriteByte('\n')
}

func writeSample(b *strings.Builder, name, labels string, n uint64) {
	b.WriteString(name)
	b.WriteString(labels)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(n, 10))
	b.WriteByte('\n')
}

// labels renders key/value pairs as {k="v",...}.
func labels(kv ...string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(kv[i])
		b.WriteString("=\"")
		b.WriteString(promLabelEscape(kv[i+1]))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

func promLabelEscape(s string) string {
	// Prometheus label value escaping: backslash and double quote.
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
