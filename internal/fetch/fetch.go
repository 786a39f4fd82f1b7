// Package fetch downloads remote rule lists and GeoIP databases with size,
// redirect and time limits.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/c2h5oh/datasize"

	"github.com/John-Robertt/reqguard/internal/model"
)

type Kind int

const (
	KindRuleList Kind = iota
	KindGeoDB
)

func (k Kind) stage() string {
	switch k {
	case KindRuleList:
		return "fetch_rules"
	case KindGeoDB:
		return "fetch_geodb"
	default:
		return "fetch"
	}
}

func (k Kind) defaultMaxBytes() int64 {
	switch k {
	case KindRuleList:
		return int64(8 * datasize.MB)
	case KindGeoDB:
		return int64(128 * datasize.MB)
	default:
		return int64(1 * datasize.MB)
	}
}

func (k Kind) defaultTimeout() time.Duration {
	if k == KindGeoDB {
		return 2 * time.Minute
	}
	return 15 * time.Second
}

type Options struct {
	Timeout      time.Duration // default per kind
	MaxBytes     int64         // default per kind
	MaxRedirects int           // default 5
	UserAgent    string
	// Client overrides the HTTP transport; its redirect policy is replaced.
	Client *http.Client
}

type FetchError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

var (
	errTooManyRedirects   = errors.New("too many redirects")
	errRedirectBadScheme  = errors.New("redirect target scheme is not http/https")
	errInvalidURLOrScheme = errors.New("invalid url or scheme")
)

func newErr(status int, code, message, stage, rawURL string, cause error) *FetchError {
	return &FetchError{
		Status: status,
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   stage,
			URL:     rawURL,
		},
		Cause: cause,
	}
}

// FetchText downloads a UTF-8 text resource such as a rule list.
func FetchText(ctx context.Context, kind Kind, rawURL string, opt Options) (string, error) {
	body, err := FetchBytes(ctx, kind, rawURL, opt)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(body) {
		return "", newErr(http.StatusUnprocessableEntity, "FETCH_INVALID_UTF8", "远程资源不是合法 UTF-8 文本", kind.stage(), rawURL, nil)
	}
	return string(body), nil
}

// FetchBytes downloads a binary resource such as a GeoIP database.
func FetchBytes(ctx context.Context, kind Kind, rawURL string, opt Options) ([]byte, error) {
	stage := kind.stage()

	timeout := opt.Timeout
	if timeout == 0 {
		timeout = kind.defaultTimeout()
	}
	maxRedirects := opt.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = 5
	}
	maxBytes := opt.MaxBytes
	if maxBytes == 0 {
		maxBytes = kind.defaultMaxBytes()
	}
	if maxBytes <= 0 {
		return nil, newErr(http.StatusBadRequest, "INVALID_ARGUMENT", "响应大小上限必须大于 0", stage, rawURL, nil)
	}

	u, err := url.Parse(rawURL)
	if err != nil || u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, newErr(http.StatusBadRequest, "INVALID_ARGUMENT", "仅允许 http/https URL", stage, rawURL, errors.Join(errInvalidURLOrScheme, err))
	}

	client := &http.Client{Transport: http.DefaultTransport}
	if opt.Client != nil {
		c := *opt.Client
		client = &c
	}
	client.Timeout = timeout
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		// 1st redirect => len(via)==1.
		if len(via) > maxRedirects {
			return errTooManyRedirects
		}
		if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
			return errRedirectBadScheme
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, newErr(http.StatusBadRequest, "INVALID_ARGUMENT", "请求 URL 不合法", stage, rawURL, err)
	}
	if opt.UserAgent != "" {
		req.Header.Set("User-Agent", opt.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		switch {
		case errors.Is(err, errTooManyRedirects):
			return nil, newErr(http.StatusBadGateway, "FETCH_FAILED", fmt.Sprintf("重定向次数超过上限（>%d）", maxRedirects), stage, rawURL, err)
		case errors.Is(err, errRedirectBadScheme):
			return nil, newErr(http.StatusBadRequest, "INVALID_ARGUMENT", "重定向目标仅允许 http/https", stage, rawURL, err)
		case isTimeout(err):
			return nil, newErr(http.StatusGatewayTimeout, "FETCH_TIMEOUT", "拉取远程资源超时", stage, rawURL, err)
		default:
			return nil, newErr(http.StatusBadGateway, "FETCH_FAILED", "拉取远程资源失败", stage, rawURL, err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newErr(http.StatusBadGateway, "FETCH_FAILED", fmt.Sprintf("上游返回非 2xx 状态码：%d", resp.StatusCode), stage, rawURL, nil)
	}

	// Read at most maxBytes+1 to detect overflow deterministically.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		if isTimeout(err) {
			return nil, newErr(http.StatusGatewayTimeout, "FETCH_TIMEOUT", "拉取远程资源超时", stage, rawURL, err)
		}
		return nil, newErr(http.StatusBadGateway, "FETCH_FAILED", "读取上游响应失败", stage, rawURL, err)
	}
	if int64(len(body)) > maxBytes {
		return nil, newErr(http.StatusUnprocessableEntity, "TOO_LARGE", fmt.Sprintf("远程资源过大（>%s）", datasize.ByteSize(maxBytes).HumanReadable()), stage, rawURL, nil)
	}
	return body, nil
}

// Go may wrap timeouts (e.g. *url.Error).
func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
