package geoip

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RefreshStatus describes the latest refresh attempt.
type RefreshStatus struct {
	LastAttempt   time.Time `json:"lastAttempt,omitempty"`
	LastSuccess   time.Time `json:"lastSuccess,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	CountryLoaded bool      `json:"countryLoaded"`
	ASNLoaded     bool      `json:"asnLoaded"`
}

// Refresher reloads the configured databases into a DB on an interval.
type Refresher struct {
	db       *DB
	country  Source
	asn      Source
	interval time.Duration
	timeout  time.Duration
	log      logrus.FieldLogger

	mu     sync.Mutex
	status RefreshStatus

	stopChan chan struct{}
	doneChan chan struct{}
	once     sync.Once
}

type RefresherOptions struct {
	Country  Source
	ASN      Source
	Interval time.Duration // 0 disables the periodic loop
	Timeout  time.Duration // per refresh, default 5m
	Log      logrus.FieldLogger
}

func NewRefresher(db *DB, opt RefresherOptions) *Refresher {
	if opt.Timeout <= 0 {
		opt.Timeout = 5 * time.Minute
	}
	if opt.Log == nil {
		opt.Log = logrus.StandardLogger()
	}
	return &Refresher{
		db:       db,
		country:  opt.Country,
		asn:      opt.ASN,
		interval: opt.Interval,
		timeout:  opt.Timeout,
		log:      opt.Log.WithField("component", "geoip"),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Refresh loads every configured source once. A failing source keeps its
// previous reader.
func (r *Refresher) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var errs []error
	if !r.country.IsZero() {
		if err := r.loadOne(ctx, r.country, r.db.LoadCountry); err != nil {
			errs = append(errs, err)
		}
	}
	if !r.asn.IsZero() {
		if err := r.loadOne(ctx, r.asn, r.db.LoadASN); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)

	now := time.Now()
	country, asn := r.db.Loaded()
	r.mu.Lock()
	r.status.LastAttempt = now
	r.status.CountryLoaded = country
	r.status.ASNLoaded = asn
	if err != nil {
		r.status.LastError = err.Error()
	} else {
		r.status.LastError = ""
		r.status.LastSuccess = now
	}
	r.mu.Unlock()
	return err
}

func (r *Refresher) loadOne(ctx context.Context, src Source, install func([]byte, string) error) error {
	raw, err := Load(ctx, src)
	if err == nil {
		err = install(raw, src.String())
	}
	if err != nil {
		r.log.WithError(err).WithField("source", src.String()).Warn("geoip database refresh failed")
		return err
	}
	r.log.WithFields(logrus.Fields{"source": src.String(), "bytes": len(raw)}).Info("geoip database loaded")
	return nil
}

func (r *Refresher) Status() RefreshStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Start runs the refresh loop until Stop. It returns immediately when the
// interval is not positive.
func (r *Refresher) Start() {
	if r.interval <= 0 {
		close(r.doneChan)
		return
	}
	ticker := time.NewTicker(r.interval)
	go func() {
		defer close(r.doneChan)
		for {
			select {
			case <-ticker.C:
				_ = r.Refresh(context.Background())
			case <-r.stopChan:
				ticker.Stop()
				return
			}
		}
	}()
	r.log.WithField("interval", r.interval).Info("geoip refresher started")
}

// Stop ends the loop and waits for an in-flight refresh. Start must have been
// called.
func (r *Refresher) Stop() {
	r.once.Do(func() { close(r.stopChan) })
	<-r.doneChan
}
