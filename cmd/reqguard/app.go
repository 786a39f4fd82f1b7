package main

import (
	"context"
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/reqguard/internal/blocklog"
	"github.com/John-Robertt/reqguard/internal/cache"
	"github.com/John-Robertt/reqguard/internal/compiler"
	"github.com/John-Robertt/reqguard/internal/config"
	"github.com/John-Robertt/reqguard/internal/dnr"
	"github.com/John-Robertt/reqguard/internal/engine"
	"github.com/John-Robertt/reqguard/internal/evaluator"
	"github.com/John-Robertt/reqguard/internal/fetch"
	"github.com/John-Robertt/reqguard/internal/geoip"
	"github.com/John-Robertt/reqguard/internal/httpapi"
	"github.com/John-Robertt/reqguard/internal/resolve"
	"github.com/John-Robertt/reqguard/internal/storage"
	"github.com/John-Robertt/reqguard/internal/storage/filestore"
	"github.com/John-Robertt/reqguard/internal/storage/sqlstore"
)

// app holds the wired components of one daemon process.
type app struct {
	log     *logrus.Logger
	closers []func() error

	table   *dnr.MemTable
	caches  *cache.Caches
	blocked *blocklog.Log
	geo     *geoip.Refresher
	engine  *engine.Engine
}

func newApp(cfg config.Config, log *logrus.Logger) (*app, error) {
	a := &app{log: log}

	store, closer, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	a.table = dnr.NewMemTable(cfg.Engine.RuleLimit)
	a.caches = cache.NewCaches(cache.Options{
		DNSTTL:      cfg.Cache.DNSTTL,
		GeoTTL:      cfg.Cache.GeoTTL,
		DecisionTTL: cfg.Cache.DecisionTTL,
		MaxEntries:  cfg.Cache.MaxEntries,
	})
	a.blocked = blocklog.New(blocklog.Options{
		Capacity:  cfg.Log.BlockedCapacity,
		LogPerSec: cfg.Log.BlockedPerSec,
		Log:       log,
	})

	var geo evaluator.GeoLookup
	country, asn := geoSource(cfg.GeoIP.Country, cfg.GeoIP.MaxSize), geoSource(cfg.GeoIP.ASN, cfg.GeoIP.MaxSize)
	if !country.IsZero() || !asn.IsZero() {
		db := geoip.New()
		a.geo = geoip.NewRefresher(db, geoip.RefresherOptions{
			Country:  country,
			ASN:      asn,
			Interval: cfg.GeoIP.RefreshInterval,
			Log:      log,
		})
		geo = db
	}

	ev := evaluator.New(evaluator.Options{
		Resolver: resolve.New(resolve.Options{
			Servers:    cfg.DNS.Servers,
			Timeout:    cfg.DNS.Timeout,
			PreferIPv6: cfg.DNS.PreferIPv6,
		}),
		Geo:           geo,
		Logger:        a.blocked,
		Caches:        a.caches,
		LookupTimeout: cfg.Engine.LookupTimeout,
		Log:           log,
	})

	a.engine = engine.New(engine.Options{
		Store:     store,
		Table:     a.table,
		Evaluator: ev,
		Blocked:   a.blocked,
		Compile: compiler.Options{
			RuleLimit:        cfg.Engine.RuleLimit,
			MaxPatternLength: cfg.Engine.MaxPatternLength,
			Grouper:          grouper(cfg.Engine),
		},
		Fetch: fetch.Options{
			Timeout:  cfg.Server.ImportTimeout,
			MaxBytes: int64(cfg.Server.ImportMaxSize.Bytes()),
		},
		Log:          log,
		OnRegenerate: httpapi.ObserveRegeneration,
	})
	return a, nil
}

// start loads state, builds the first table and kicks off the GeoIP loader.
func (a *app) start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if a.geo != nil {
		if err := a.geo.Refresh(ctx); err != nil {
			a.log.WithError(err).Warn("initial geoip load failed; country and ASN rules are skipped until a refresh succeeds")
		}
		a.geo.Start()
		a.closers = append(a.closers, func() error {
			a.geo.Stop()
			return nil
		})
	}
	return nil
}

func (a *app) httpOptions(cfg config.Config) httpapi.Options {
	return httpapi.Options{
		Engine:        a.engine,
		Table:         a.table,
		BlockLog:      a.blocked,
		Caches:        a.caches,
		Geo:           a.geo,
		MaxBodySize:   int64(cfg.Server.MaxBodySize.Bytes()),
		ImportTimeout: cfg.Server.ImportTimeout,
		Log:           a.log,
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}

func openStore(c config.Storage) (storage.Store, func() error, error) {
	switch c.Driver {
	case "", "memory":
		return storage.NewMemory(), nil, nil
	case "file":
		s, err := filestore.New(c.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "sqlite":
		s, err := sqlstore.Open(c.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", c.Driver)
	}
}

func geoSource(s config.GeoSource, maxSize datasize.ByteSize) geoip.Source {
	return geoip.Source{
		Path:  s.Path,
		URL:   s.URL,
		Fetch: fetch.Options{MaxBytes: int64(maxSize.Bytes())},
	}
}

func grouper(c config.Engine) compiler.Grouper {
	if c.Grouping == "per_value" {
		maxLen := c.MaxPatternLength
		if maxLen <= 0 {
			maxLen = compiler.DefaultMaxPatternLength
		}
		return compiler.PerValue{MaxLen: maxLen}
	}
	return nil
}
