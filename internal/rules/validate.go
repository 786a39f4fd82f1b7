package rules

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"

	"github.com/John-Robertt/reqguard/internal/ipmatch"
	"github.com/John-Robertt/reqguard/internal/model"
)

// MaxTrackingParamLength keeps a single parameter name well inside the
// compiled pattern cap so no name ever needs to be split across rules.
const MaxTrackingParamLength = 200

var (
	trackingParamRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	domainLabelRe   = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
)

type RuleError struct {
	Code    string
	Message string
	Hint    string
	Cause   error
}

func (e *RuleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *RuleError) Unwrap() error { return e.Cause }

func invalid(message, hint string, cause error) error {
	return &RuleError{Code: "RULE_INVALID", Message: message, Hint: hint, Cause: cause}
}

// ValidateValue checks value against the syntax of typ and returns the
// canonical form stored in a Rule (lower-cased domains, upper-cased country
// codes, punycode hosts).
func ValidateValue(typ model.RuleType, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", invalid("规则值不能为空", "", nil)
	}

	switch typ {
	case model.RuleTypeDomain:
		d, err := NormalizeDomain(value)
		if err != nil {
			return "", invalid("域名不合法", "expected: example.com", err)
		}
		return d, nil
	case model.RuleTypeURL:
		if err := validateAbsoluteURL(value); err != nil {
			return "", invalid("URL 不合法", "expected: https://example.com/path", err)
		}
		return value, nil
	case model.RuleTypeRegex:
		if _, err := regexp.Compile(value); err != nil {
			return "", invalid("正则表达式无法编译", "RE2 syntax", err)
		}
		return value, nil
	case model.RuleTypeIP:
		if _, err := ipmatch.ParsePattern(value); err != nil {
			return "", invalid("IP 规则不合法", "expected: 1.2.3.4, 10.0.0.0/8 or 10.0.0.1-10.0.0.9", err)
		}
		return value, nil
	case model.RuleTypeASN:
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return "", invalid("ASN 必须是非负整数", "expected: 64500", err)
		}
		return strconv.FormatUint(n, 10), nil
	case model.RuleTypeGeoIP:
		// Length only; codes are compared against the database as given.
		code := strings.ToUpper(value)
		if utf8.RuneCountInString(code) != 2 {
			return "", invalid("国家代码必须是 2 个字符", "expected: ISO 3166-1 alpha-2, e.g. CN", nil)
		}
		return code, nil
	case model.RuleTypeTracking:
		if !trackingParamRe.MatchString(value) {
			return "", invalid("跟踪参数名只允许 [A-Za-z0-9_-]", "expected: utm_source", nil)
		}
		if len(value) > MaxTrackingParamLength {
			return "", invalid(fmt.Sprintf("跟踪参数名过长（>%d）", MaxTrackingParamLength), "", nil)
		}
		return value, nil
	default:
		return "", &RuleError{
			Code:    "UNSUPPORTED_RULE_TYPE",
			Message: fmt.Sprintf("不支持的规则类型：%s", typ),
		}
	}
}

// Valid reports whether value passes ValidateValue for typ.
func Valid(typ model.RuleType, value string) bool {
	_, err := ValidateValue(typ, value)
	return err == nil
}

// NormalizeDomain lower-cases d, converts IDN labels to punycode and checks
// fully-qualified DNS name syntax. A trailing dot is accepted and dropped.
func NormalizeDomain(d string) (string, error) {
	d = strings.TrimSpace(d)
	d = strings.TrimSuffix(d, ".")
	if d == "" {
		return "", errors.New("empty domain")
	}
	if strings.ContainsAny(d, " \t/:@*?#") {
		return "", errors.New("domain contains forbidden characters")
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", err
	}
	ascii = strings.ToLower(ascii)
	if len(ascii) > 253 {
		return "", errors.New("domain longer than 253 characters")
	}
	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		return "", errors.New("domain must have at least two labels")
	}
	for _, l := range labels {
		if len(l) == 0 || len(l) > 63 {
			return "", fmt.Errorf("invalid label length in %q", ascii)
		}
		if !domainLabelRe.MatchString(l) {
			return "", fmt.Errorf("invalid label %q", l)
		}
	}
	if _, icann := publicsuffix.PublicSuffix(ascii); !icann && isAllDigits(labels[len(labels)-1]) {
		return "", errors.New("numeric top-level label")
	}
	return ascii, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func validateAbsoluteURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme == "" || !u.IsAbs() {
		return errors.New("url must be absolute")
	}
	if u.Host == "" && u.Opaque == "" {
		return errors.New("url must have a host")
	}
	return nil
}

// URLHost returns the lower-cased hostname of an absolute URL value.
func URLHost(s string) string {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
