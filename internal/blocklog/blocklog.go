// Package blocklog keeps recent blocked requests for diagnostics.
//
// Entries go to a bounded ring buffer, to a rate-limited logrus sink and to
// live subscribers. LogBlocked never waits on any of them.
package blocklog

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/John-Robertt/reqguard/internal/model"
)

const (
	DefaultCapacity  = 500
	defaultSubBuffer = 64
	defaultLogPerSec = 20
	defaultLogBurst  = 50
	dropReportEvery  = time.Minute
)

type Options struct {
	Capacity  int     // ring size, default 500
	LogPerSec float64 // logrus emission rate, default 20/s; <0 disables emission
	LogBurst  int
	Log       logrus.FieldLogger
	Now       func() time.Time
}

// Log is safe for concurrent use.
type Log struct {
	mu    sync.Mutex
	ring  []model.BlockedRequest
	next  int
	full  bool
	total uint64

	subs   map[int]chan model.BlockedRequest
	nextID int

	limiter    *rate.Limiter
	suppressed uint64
	lastReport time.Time

	log logrus.FieldLogger
	now func() time.Time
}

func New(opt Options) *Log {
	if opt.Capacity <= 0 {
		opt.Capacity = DefaultCapacity
	}
	if opt.LogPerSec == 0 {
		opt.LogPerSec = defaultLogPerSec
	}
	if opt.LogBurst <= 0 {
		opt.LogBurst = defaultLogBurst
	}
	if opt.Log == nil {
		opt.Log = logrus.StandardLogger()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	l := &Log{
		ring: make([]model.BlockedRequest, opt.Capacity),
		subs: map[int]chan model.BlockedRequest{},
		log:  opt.Log.WithField("component", "blocklog"),
		now:  opt.Now,
	}
	if opt.LogPerSec > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(opt.LogPerSec), opt.LogBurst)
	}
	return l
}

// LogBlocked records e. A zero Time is replaced with the current time.
func (l *Log) LogBlocked(e model.BlockedRequest) {
	if e.Time.IsZero() {
		e.Time = l.now()
	}

	l.mu.Lock()
	l.ring[l.next] = e
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
	l.total++
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
	emit := l.limiter != nil && l.limiter.AllowN(e.Time, 1)
	var report uint64
	if l.limiter != nil && !emit {
		l.suppressed++
	}
	if emit && l.suppressed > 0 && e.Time.Sub(l.lastReport) >= dropReportEvery {
		report = l.suppressed
		l.suppressed = 0
		l.lastReport = e.Time
	}
	l.mu.Unlock()

	if !emit {
		return
	}
	fields := logrus.Fields{
		"url":    e.URL,
		"host":   e.Hostname,
		"reason": e.BlockReason,
	}
	if e.IP != "" {
		fields["ip"] = e.IP
	}
	if e.ASN != 0 {
		fields["asn"] = e.ASN
	}
	if e.Country != "" {
		fields["country"] = e.Country
	}
	if e.ResourceType != "" {
		fields["type"] = e.ResourceType
	}
	if e.Rule != "" {
		fields["rule"] = e.Rule
	}
	l.log.WithFields(fields).Info("request blocked")
	if report > 0 {
		l.log.WithField("suppressed", report).Warn("blocked-request log lines suppressed by rate limit")
	}
}

// Recent returns up to limit entries, newest first. limit<=0 returns all.
func (l *Log) Recent(limit int) []model.BlockedRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = len(l.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.BlockedRequest, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.ring)) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}

// Total counts every entry ever logged, including evicted ones.
func (l *Log) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.ring)
	l.next = 0
	l.full = false
}

// Subscribe returns a channel receiving entries logged from now on and a
// cancel func that closes it. Entries are dropped while the channel is full.
func (l *Log) Subscribe(buffer int) (<-chan model.BlockedRequest, func()) {
	if buffer <= 0 {
		buffer = defaultSubBuffer
	}
	ch := make(chan model.BlockedRequest, buffer)
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}
