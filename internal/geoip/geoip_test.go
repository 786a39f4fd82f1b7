package geoip

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func compress(t *testing.T, b []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(b, nil)
}

func TestDecode(t *testing.T) {
	t.Parallel()
	plain := []byte("not really an mmdb but bytes all the same")

	got, err := Decode(plain, "GeoLite2-Country.mmdb")
	if err != nil || !bytes.Equal(got, plain) {
		t.Fatalf("plain passthrough: %q, %v", got, err)
	}

	got, err = Decode(compress(t, plain), "db")
	if err != nil || !bytes.Equal(got, plain) {
		t.Fatalf("zstd by magic: %q, %v", got, err)
	}

	_, err = Decode(plain, "GeoLite2-Country.mmdb.zst")
	var ge *GeoError
	if !errors.As(err, &ge) || ge.AppError.Code != "GEOIP_DECODE_ERROR" {
		t.Fatalf("expected GEOIP_DECODE_ERROR for bad .zst, got %v", err)
	}
}

func TestDB_UnavailableBeforeLoad(t *testing.T) {
	t.Parallel()
	db := New()
	ip := netip.MustParseAddr("8.8.8.8")
	if _, err := db.Country(ip); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("country err=%v", err)
	}
	if _, err := db.ASN(ip); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("asn err=%v", err)
	}
	if c, a := db.Loaded(); c || a {
		t.Fatalf("loaded=%v,%v", c, a)
	}
}

func TestDB_InvalidDatabaseKeepsPrevious(t *testing.T) {
	t.Parallel()
	db := New()
	err := db.LoadCountry([]byte("garbage"), "x.mmdb")
	var ge *GeoError
	if !errors.As(err, &ge) || ge.AppError.Code != "GEOIP_INVALID_DB" {
		t.Fatalf("expected GEOIP_INVALID_DB, got %v", err)
	}
	if ge.AppError.Stage != "load_geoip" {
		t.Fatalf("stage=%q", ge.AppError.Stage)
	}
	if c, _ := db.Loaded(); c {
		t.Fatalf("invalid database must not be installed")
	}
}

func TestLoad_Sources(t *testing.T) {
	t.Parallel()
	payload := []byte("payload")

	dir := t.TempDir()
	p := filepath.Join(dir, "asn.mmdb.zst")
	if err := os.WriteFile(p, compress(t, payload), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(context.Background(), Source{Path: p})
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("path load: %q, %v", got, err)
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer ts.Close()
	got, err = Load(context.Background(), Source{URL: ts.URL, Path: "/does/not/exist"})
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("url load: %q, %v", got, err)
	}

	_, err = Load(context.Background(), Source{})
	var ge *GeoError
	if !errors.As(err, &ge) || ge.AppError.Code != "GEOIP_NO_SOURCE" {
		t.Fatalf("expected GEOIP_NO_SOURCE, got %v", err)
	}

	_, err = Load(context.Background(), Source{Path: filepath.Join(dir, "missing.mmdb")})
	if !errors.As(err, &ge) || ge.AppError.Code != "GEOIP_READ_ERROR" {
		t.Fatalf("expected GEOIP_READ_ERROR, got %v", err)
	}
}

func TestRefresher_RecordsFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := filepath.Join(dir, "country.mmdb")
	if err := os.WriteFile(p, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := NewRefresher(New(), RefresherOptions{Country: Source{Path: p}, Log: quiet()})
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	st := r.Status()
	if st.LastError == "" || st.LastAttempt.IsZero() || !st.LastSuccess.IsZero() || st.CountryLoaded {
		t.Fatalf("status=%+v", st)
	}
}

func TestRefresher_NoSourcesSucceeds(t *testing.T) {
	t.Parallel()
	r := NewRefresher(New(), RefresherOptions{Log: quiet()})
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if r.Status().LastSuccess.IsZero() {
		t.Fatalf("success not recorded")
	}
}

func TestRefresher_StartStop(t *testing.T) {
	t.Parallel()
	r := NewRefresher(New(), RefresherOptions{Interval: 10 * time.Millisecond, Log: quiet()})
	r.Start()
	time.Sleep(35 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		r.Stop()
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return")
	}
	if r.Status().LastAttempt.IsZero() {
		t.Fatalf("loop never refreshed")
	}

	off := NewRefresher(New(), RefresherOptions{Log: quiet()})
	off.Start()
	off.Stop()
}
