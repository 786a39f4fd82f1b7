// Package geoip answers country and ASN lookups from MaxMind-format databases.
//
// Databases can be loaded from a local path or a URL and may be zstd
// compressed. Readers are swapped atomically, so a refresh never blocks
// lookups.
package geoip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/oschwald/maxminddb-golang"

	"github.com/John-Robertt/reqguard/internal/fetch"
	"github.com/John-Robertt/reqguard/internal/model"
)

var (
	// ErrUnavailable is returned while no database of the needed kind is loaded.
	ErrUnavailable = errors.New("geoip: database not loaded")
	// ErrNotFound is returned when the database has no data for an address.
	ErrNotFound = errors.New("geoip: address not found")
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

const maxDecodedSize = 512 << 20

type GeoError struct {
	AppError model.AppError
	Cause    error
}

func (e *GeoError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *GeoError) Unwrap() error { return e.Cause }

func geoErr(code, message, where string, cause error) error {
	return &GeoError{
		AppError: model.AppError{Code: code, Message: message, Stage: "load_geoip", URL: where},
		Cause:    cause,
	}
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

type asnRecord struct {
	Number uint   `maxminddb:"autonomous_system_number"`
	Org    string `maxminddb:"autonomous_system_organization"`
}

// Source locates one database. URL wins over Path when both are set.
type Source struct {
	Path  string
	URL   string
	Fetch fetch.Options
}

func (s Source) IsZero() bool { return s.Path == "" && s.URL == "" }

func (s Source) String() string {
	if s.URL != "" {
		return s.URL
	}
	return s.Path
}

// Load reads the raw database bytes and decompresses them if needed.
func Load(ctx context.Context, src Source) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch {
	case src.URL != "":
		raw, err = fetch.FetchBytes(ctx, fetch.KindGeoDB, src.URL, src.Fetch)
		if err != nil {
			return nil, err
		}
	case src.Path != "":
		raw, err = os.ReadFile(src.Path)
		if err != nil {
			return nil, geoErr("GEOIP_READ_ERROR", "读取 GeoIP 数据库失败", src.Path, err)
		}
	default:
		return nil, geoErr("GEOIP_NO_SOURCE", "未配置 GeoIP 数据库来源", "", nil)
	}
	return Decode(raw, src.String())
}

// Decode returns raw unchanged unless it is a zstd frame, which it inflates.
func Decode(raw []byte, name string) ([]byte, error) {
	if !bytes.HasPrefix(raw, zstdMagic) && !strings.HasSuffix(name, ".zst") {
		return raw, nil
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, geoErr("GEOIP_DECODE_ERROR", "初始化 zstd 解码器失败", name, err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, geoErr("GEOIP_DECODE_ERROR", "解压 GeoIP 数据库失败", name, err)
	}
	return out, nil
}

// DB implements country and ASN lookups over two optional readers.
type DB struct {
	country atomic.Pointer[maxminddb.Reader]
	asn     atomic.Pointer[maxminddb.Reader]
}

func New() *DB { return &DB{} }

func open(raw []byte, name, wantType string) (*maxminddb.Reader, error) {
	r, err := maxminddb.FromBytes(raw)
	if err != nil {
		return nil, geoErr("GEOIP_INVALID_DB", "GeoIP 数据库格式不合法", name, err)
	}
	if wantType != "" && !strings.Contains(strings.ToLower(r.Metadata.DatabaseType), wantType) {
		return nil, geoErr("GEOIP_WRONG_DB", fmt.Sprintf("GeoIP 数据库类型不匹配：%s", r.Metadata.DatabaseType), name, nil)
	}
	return r, nil
}

// LoadCountry replaces the country reader with one parsed from raw.
func (d *DB) LoadCountry(raw []byte, name string) error {
	r, err := open(raw, name, "country")
	if err != nil {
		return err
	}
	d.country.Store(r)
	return nil
}

// LoadASN replaces the ASN reader with one parsed from raw.
func (d *DB) LoadASN(raw []byte, name string) error {
	r, err := open(raw, name, "asn")
	if err != nil {
		return err
	}
	d.asn.Store(r)
	return nil
}

// Loaded reports which databases are available.
func (d *DB) Loaded() (country, asn bool) {
	return d.country.Load() != nil, d.asn.Load() != nil
}

func lookupIP(ip netip.Addr) net.IP {
	if !ip.IsValid() {
		return nil
	}
	return net.IP(ip.Unmap().AsSlice())
}

// Country returns the upper-case ISO code, falling back to the registered
// country when the location country is absent.
func (d *DB) Country(ip netip.Addr) (string, error) {
	r := d.country.Load()
	if r == nil {
		return "", ErrUnavailable
	}
	addr := lookupIP(ip)
	if addr == nil {
		return "", ErrNotFound
	}
	var rec countryRecord
	if err := r.Lookup(addr, &rec); err != nil {
		return "", err
	}
	code := strings.TrimSpace(rec.Country.ISOCode)
	if code == "" {
		code = strings.TrimSpace(rec.RegisteredCountry.ISOCode)
	}
	if code == "" {
		return "", ErrNotFound
	}
	return strings.ToUpper(code), nil
}

func (d *DB) ASN(ip netip.Addr) (uint32, error) {
	r := d.asn.Load()
	if r == nil {
		return 0, ErrUnavailable
	}
	addr := lookupIP(ip)
	if addr == nil {
		return 0, ErrNotFound
	}
	var rec asnRecord
	if err := r.Lookup(addr, &rec); err != nil {
		return 0, err
	}
	if rec.Number == 0 || rec.Number > 1<<32-1 {
		return 0, ErrNotFound
	}
	return uint32(rec.Number), nil
}
