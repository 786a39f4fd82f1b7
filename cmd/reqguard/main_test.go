package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/reqguard/internal/compiler"
	"github.com/John-Robertt/reqguard/internal/config"
	"github.com/John-Robertt/reqguard/internal/model"
	"github.com/John-Robertt/reqguard/internal/storage"
)

func TestDeriveHealthzURL_FromListenAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"127.0.0.1:8080", "http://127.0.0.1:8080/healthz"},
		{"0.0.0.0:8080", "http://127.0.0.1:8080/healthz"},
		{":8080", "http://127.0.0.1:8080/healthz"},
		{"8080", "http://127.0.0.1:8080/healthz"},
		{"[::]:8080", "http://127.0.0.1:8080/healthz"},
		{"http://127.0.0.1:8080", "http://127.0.0.1:8080/healthz"},
	}
	for _, tt := range tests {
		got, err := deriveHealthzURL(tt.in)
		if err != nil {
			t.Fatalf("deriveHealthzURL(%q) unexpected err: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("deriveHealthzURL(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := deriveHealthzURL(" "); err == nil {
		t.Fatalf("expected error for empty listen address")
	}
}

func TestRunHealthcheck_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	defer ts.Close()

	if err := runHealthcheck(ts.URL+"/healthz", 200*time.Millisecond); err != nil {
		t.Fatalf("runHealthcheck unexpected err: %v", err)
	}
}

func TestRunHealthcheck_StatusNotOK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	err := runHealthcheck(ts.URL, 200*time.Millisecond)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "unexpected status") {
		t.Fatalf("err=%q, want contains %q", err.Error(), "unexpected status")
	}
}

func TestOpenStore_Drivers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, c := range []config.Storage{
		{Driver: "memory"},
		{Driver: "file", Path: filepath.Join(dir, "state")},
		{Driver: "sqlite", Path: filepath.Join(dir, "state.db")},
	} {
		s, closer, err := openStore(c)
		if err != nil {
			t.Fatalf("openStore(%s): %v", c.Driver, err)
		}
		if err := storage.SaveJSON(ctx, s, storage.KeySettings, model.DefaultSettings()); err != nil {
			t.Fatalf("%s save: %v", c.Driver, err)
		}
		var got model.Settings
		ok, err := storage.LoadJSON(ctx, s, storage.KeySettings, &got)
		if err != nil || !ok || got.HTTPHandling != model.HTTPAllow {
			t.Fatalf("%s load: ok=%v err=%v got=%+v", c.Driver, ok, err, got)
		}
		if closer != nil {
			if err := closer(); err != nil {
				t.Fatalf("%s close: %v", c.Driver, err)
			}
		}
	}

	if _, _, err := openStore(config.Storage{Driver: "redis"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestGrouper(t *testing.T) {
	if g := grouper(config.Engine{Grouping: "regex"}); g != nil {
		t.Fatalf("regex grouping should use the compiler default, got %T", g)
	}
	g, ok := grouper(config.Engine{Grouping: "per_value"}).(compiler.PerValue)
	if !ok || g.MaxLen != compiler.DefaultMaxPatternLength {
		t.Fatalf("per_value grouper = %+v", g)
	}
}

func TestApp_StartsWithDefaults(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := config.Default()
	a, err := newApp(cfg, log)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()
	if err := a.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if a.geo != nil {
		t.Fatalf("geoip refresher must stay off without sources")
	}
	if st := a.engine.Status(); !st.FiltersLoaded {
		t.Fatalf("status=%+v", st)
	}

	opt := a.httpOptions(cfg)
	if opt.MaxBodySize != int64(cfg.Server.MaxBodySize.Bytes()) || opt.Engine != a.engine {
		t.Fatalf("http options=%+v", opt)
	}
}
