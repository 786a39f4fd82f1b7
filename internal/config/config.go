// Package config loads the daemon's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/reqguard/internal/model"
)

type Config struct {
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Engine  Engine  `yaml:"engine"`
	Cache   Cache   `yaml:"cache"`
	DNS     DNS     `yaml:"dns"`
	GeoIP   GeoIP   `yaml:"geoip"`
	Log     Log     `yaml:"log"`
}

type Server struct {
	Listen            string            `yaml:"listen"`
	ReadHeaderTimeout time.Duration     `yaml:"read_header_timeout"`
	MaxBodySize       datasize.ByteSize `yaml:"max_body_size"`
	// ImportMaxSize caps remote rule lists fetched by /api/rules/import.
	ImportMaxSize datasize.ByteSize `yaml:"import_max_size"`
	ImportTimeout time.Duration     `yaml:"import_timeout"`
}

type Storage struct {
	Driver string `yaml:"driver"` // memory | file | sqlite
	Path   string `yaml:"path"`
}

type Engine struct {
	RuleLimit        int           `yaml:"rule_limit"`
	MaxPatternLength int           `yaml:"max_pattern_length"`
	Grouping         string        `yaml:"grouping"` // regex | per_value
	LookupTimeout    time.Duration `yaml:"lookup_timeout"`
}

type Cache struct {
	DNSTTL      time.Duration `yaml:"dns_ttl"`
	GeoTTL      time.Duration `yaml:"geo_ttl"`
	DecisionTTL time.Duration `yaml:"decision_ttl"`
	MaxEntries  int           `yaml:"max_entries"`
}

type DNS struct {
	Servers    []string      `yaml:"servers"`
	Timeout    time.Duration `yaml:"timeout"`
	PreferIPv6 bool          `yaml:"prefer_ipv6"`
}

type GeoSource struct {
	Path string `yaml:"path"`
	URL  string `yaml:"url"`
}

type GeoIP struct {
	Country         GeoSource         `yaml:"country"`
	ASN             GeoSource         `yaml:"asn"`
	RefreshInterval time.Duration     `yaml:"refresh_interval"`
	MaxSize         datasize.ByteSize `yaml:"max_size"`
}

type Log struct {
	Level           string  `yaml:"level"`
	Format          string  `yaml:"format"` // text | json
	BlockedCapacity int     `yaml:"blocked_capacity"`
	BlockedPerSec   float64 `yaml:"blocked_per_sec"`
}

type ConfigError struct {
	AppError model.AppError
	Cause    error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

func invalid(path, message, snippet string) error {
	return &ConfigError{
		AppError: model.AppError{
			Code:    "CONFIG_VALIDATE_ERROR",
			Message: message,
			Stage:   "load_config",
			URL:     path,
			Snippet: snippet,
		},
	}
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Server.MaxBodySize == 0 {
		c.Server.MaxBodySize = 4 * datasize.MB
	}
	if c.Server.ImportMaxSize == 0 {
		c.Server.ImportMaxSize = 8 * datasize.MB
	}
	if c.Server.ImportTimeout <= 0 {
		c.Server.ImportTimeout = 15 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Engine.Grouping == "" {
		c.Engine.Grouping = "regex"
	}
	if c.Engine.LookupTimeout <= 0 {
		c.Engine.LookupTimeout = 2 * time.Second
	}
	if c.DNS.Timeout <= 0 {
		c.DNS.Timeout = 2 * time.Second
	}
	if c.GeoIP.MaxSize == 0 {
		c.GeoIP.MaxSize = 128 * datasize.MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	return c
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &ConfigError{
			AppError: model.AppError{
				Code:    "CONFIG_READ_ERROR",
				Message: "读取配置文件失败",
				Stage:   "load_config",
				URL:     path,
			},
			Cause: err,
		}
	}
	return Parse(path, string(b))
}

// Parse decodes content strictly: unknown keys and multiple documents are
// rejected. name is only used in errors.
func Parse(name, content string) (Config, error) {
	var c Config
	if strings.TrimSpace(content) != "" {
		if err := yamlDecodeStrict(content, &c); err != nil {
			return Config{}, &ConfigError{
				AppError: model.AppError{
					Code:    "CONFIG_PARSE_ERROR",
					Message: "配置 YAML 解析失败",
					Stage:   "load_config",
					URL:     name,
					Snippet: truncateSnippet(content, 200),
				},
				Cause: err,
			}
		}
	}
	c = c.withDefaults()
	if err := c.validate(name); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) validate(name string) error {
	switch c.Storage.Driver {
	case "memory":
	case "file", "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return invalid(name, fmt.Sprintf("storage.driver=%s 需要 storage.path", c.Storage.Driver), "")
		}
	default:
		return invalid(name, fmt.Sprintf("storage.driver 不支持：%s", c.Storage.Driver), c.Storage.Driver)
	}

	if c.Engine.RuleLimit < 0 {
		return invalid(name, "engine.rule_limit 不能为负数", "")
	}
	if c.Engine.MaxPatternLength < 0 {
		return invalid(name, "engine.max_pattern_length 不能为负数", "")
	}
	switch c.Engine.Grouping {
	case "regex", "per_value":
	default:
		return invalid(name, fmt.Sprintf("engine.grouping 不支持：%s", c.Engine.Grouping), c.Engine.Grouping)
	}
	if c.Cache.MaxEntries < 0 {
		return invalid(name, "cache.max_entries 不能为负数", "")
	}

	servers := make([]string, 0, len(c.DNS.Servers))
	for _, s := range c.DNS.Servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		hp, err := normalizeServer(s)
		if err != nil {
			return invalid(name, "dns.servers 地址不合法", s)
		}
		servers = append(servers, hp)
	}
	c.DNS.Servers = servers

	for _, src := range []struct {
		key string
		s   GeoSource
	}{{"geoip.country", c.GeoIP.Country}, {"geoip.asn", c.GeoIP.ASN}} {
		if src.s.URL != "" && !strings.HasPrefix(src.s.URL, "http://") && !strings.HasPrefix(src.s.URL, "https://") {
			return invalid(name, fmt.Sprintf("%s.url 仅允许 http/https", src.key), src.s.URL)
		}
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return invalid(name, fmt.Sprintf("log.level 不支持：%s", c.Log.Level), c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid(name, fmt.Sprintf("log.format 不支持：%s", c.Log.Format), c.Log.Format)
	}
	return nil
}

// normalizeServer appends the default DNS port when s has none.
func normalizeServer(s string) (string, error) {
	if host, port, err := net.SplitHostPort(s); err == nil {
		if host == "" || port == "" {
			return "", errors.New("empty host or port")
		}
		return s, nil
	}
	host := strings.Trim(s, "[]")
	if host == "" || strings.ContainsAny(host, " /") {
		return "", errors.New("invalid host")
	}
	return net.JoinHostPort(host, "53"), nil
}

// Logger builds the process logger described by the log section.
func (c Log) Logger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	if out != nil {
		l.SetOutput(out)
	}
	if lvl, err := logrus.ParseLevel(c.Level); err == nil {
		l.SetLevel(lvl)
	}
	if c.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

func yamlDecodeStrict(content string, out any) error {
	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}

	// Reject multi-document YAML to keep behavior deterministic.
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return errors.New("multiple YAML documents are not allowed")
	} else if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func truncateSnippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut]
}
