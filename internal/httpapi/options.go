package httpapi

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/reqguard/internal/blocklog"
	"github.com/John-Robertt/reqguard/internal/cache"
	"github.com/John-Robertt/reqguard/internal/dnr"
	"github.com/John-Robertt/reqguard/internal/engine"
	"github.com/John-Robertt/reqguard/internal/geoip"
)

// Options wires the HTTP API to the running engine and its helpers.
//
// Only Engine is required; routes backed by a nil helper answer 404.
type Options struct {
	Engine *engine.Engine

	// Table is listed by GET /api/table.
	Table dnr.Table
	// BlockLog feeds GET /api/logs/stream.
	BlockLog *blocklog.Log
	// Caches is reported by GET /api/status.
	Caches *cache.Caches
	// Geo is reported by GET /api/status and refreshed by POST /api/geoip/refresh.
	Geo *geoip.Refresher

	// MaxBodySize caps JSON request bodies.
	MaxBodySize int64

	// RequestTimeout bounds a single API call (save, evaluate, message).
	RequestTimeout time.Duration

	// ImportTimeout bounds POST /api/rules/import, which fetches a remote list.
	ImportTimeout time.Duration

	// PingInterval is the keepalive period of the log stream.
	PingInterval time.Duration

	Log logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = 4 << 20
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.ImportTimeout <= 0 {
		o.ImportTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	if o.Engine == nil {
		o.Engine = engine.New(engine.Options{Log: o.Log})
	}
	return o
}
