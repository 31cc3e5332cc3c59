package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/galley/internal/cache"
	galleyerrors "github.com/any-hub/galley/internal/errors"
	"github.com/any-hub/galley/internal/logging"
	"github.com/any-hub/galley/internal/resource"
)

const defaultUserAgent = "galley"

// HTTPOptions 配置 http(s) Transport。
type HTTPOptions struct {
	// Client 非空时所有 Location 共用它，主要用于测试。
	Client         *http.Client
	MaxRetries     int
	InitialBackoff time.Duration
	UserAgent      string
	Logger         *logrus.Logger
}

// HTTP 处理 http:// 与 https:// Location。网络错误、5xx 与 429 会按指数退避重试，
// 404/410 视为不存在，其余状态码立即失败。
type HTTP struct {
	clients   *clientPool
	retries   int
	initial   time.Duration
	userAgent string
	logger    *logrus.Logger
}

var _ Transport = (*HTTP)(nil)

// NewHTTP 构造 HTTP Transport。
func NewHTTP(opts HTTPOptions) *HTTP {
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &HTTP{
		clients:   newClientPool(opts.Client),
		retries:   retries,
		initial:   initial,
		userAgent: ua,
		logger:    opts.Logger,
	}
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) Handles(loc *resource.Location) bool {
	if loc == nil {
		return false
	}
	switch loc.Scheme() {
	case "http", "https":
		return true
	default:
		return false
	}
}

func (h *HTTP) CreateDownloadJob(rawURL string, loc *resource.Location, target *cache.Transfer) (DownloadJob, error) {
	if _, err := ParseURL(rawURL); err != nil {
		return nil, err
	}
	return &httpDownload{h: h, url: rawURL, loc: loc, target: target}, nil
}

func (h *HTTP) CreatePublishJob(rawURL string, loc *resource.Location, body io.Reader, length int64, contentType string) (PublishJob, error) {
	if _, err := ParseURL(rawURL); err != nil {
		return nil, err
	}
	return &httpPublish{h: h, url: rawURL, loc: loc, body: body, length: length, contentType: contentType}, nil
}

func (h *HTTP) CreateExistenceJob(rawURL string, loc *resource.Location) (ExistenceJob, error) {
	if _, err := ParseURL(rawURL); err != nil {
		return nil, err
	}
	return &httpExists{h: h, url: rawURL, loc: loc}, nil
}

func (h *HTTP) policy(ctx context.Context, retries int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = h.initial
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

func (h *HTTP) newRequest(ctx context.Context, method, rawURL string, loc *resource.Location, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", h.userAgent)
	if loc != nil {
		if user, pass, ok := loc.Credentials(); ok {
			req.SetBasicAuth(user, pass)
		}
	}
	return req, nil
}

func (h *HTTP) logRetry(op, rawURL string, loc *resource.Location) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		if h.logger == nil {
			return
		}
		fields := logging.TransferFields(locationName(loc), "", rawURL)
		fields["action"] = op
		fields["retry_in"] = wait.String()
		h.logger.WithFields(fields).WithError(err).Warn("transport_retry")
	}
}

// statusError 描述非预期的响应状态。
type statusError struct {
	code int
}

func (e statusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.code, http.StatusText(e.code))
}

func retryable(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func missing(code int) bool {
	return code == http.StatusNotFound || code == http.StatusGone
}

type httpDownload struct {
	h      *HTTP
	url    string
	loc    *resource.Location
	target *cache.Transfer
}

func (j *httpDownload) Call(ctx context.Context) (*cache.Transfer, error) {
	found := false
	attempt := func() error {
		req, err := j.h.newRequest(ctx, http.MethodGet, j.url, j.loc, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := j.h.clients.client(j.loc).Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case missing(resp.StatusCode):
			found = false
			return nil
		case retryable(resp.StatusCode):
			return statusError{code: resp.StatusCode}
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return backoff.Permanent(statusError{code: resp.StatusCode})
		}

		out, err := j.target.OpenOutputStream(ctx, cache.OpDownload, true)
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := cache.CopyWithContext(ctx, out, resp.Body); err != nil {
			out.Abort()
			return err
		}
		if err := out.Close(); err != nil {
			return backoff.Permanent(err)
		}
		found = true
		return nil
	}

	err := backoff.RetryNotify(attempt, j.h.policy(ctx, j.h.retries), j.h.logRetry("download", j.url, j.loc))
	if err != nil {
		return nil, galleyerrors.Wrap(galleyerrors.Transfer, "transport.http.download", err, "GET failed").
			WithURL(j.url).WithLocation(locationName(j.loc))
	}
	if !found {
		return nil, nil
	}
	return j.target, nil
}

type httpPublish struct {
	h           *HTTP
	url         string
	loc         *resource.Location
	body        io.Reader
	length      int64
	contentType string
}

// Call 只有在请求体可 Seek 时才会重试，否则一次失败即返回。
func (j *httpPublish) Call(ctx context.Context) (bool, error) {
	seeker, rewindable := j.body.(io.Seeker)
	retries := 0
	if rewindable {
		retries = j.h.retries
	}
	first := true
	attempt := func() error {
		if !first {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(err)
			}
		}
		first = false
		req, err := j.h.newRequest(ctx, http.MethodPut, j.url, j.loc, io.NopCloser(j.body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if j.length >= 0 {
			req.ContentLength = j.length
		}
		if j.contentType != "" {
			req.Header.Set("Content-Type", j.contentType)
		}
		resp, err := j.h.clients.client(j.loc).Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			return nil
		case retryable(resp.StatusCode):
			return statusError{code: resp.StatusCode}
		default:
			return backoff.Permanent(statusError{code: resp.StatusCode})
		}
	}
	if err := backoff.RetryNotify(attempt, j.h.policy(ctx, retries), j.h.logRetry("publish", j.url, j.loc)); err != nil {
		return false, galleyerrors.Wrap(galleyerrors.Transfer, "transport.http.publish", err, "PUT failed").
			WithURL(j.url).WithLocation(locationName(j.loc))
	}
	return true, nil
}

type httpExists struct {
	h   *HTTP
	url string
	loc *resource.Location
}

func (j *httpExists) Call(ctx context.Context) (bool, error) {
	exists := false
	attempt := func() error {
		req, err := j.h.newRequest(ctx, http.MethodHead, j.url, j.loc, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := j.h.clients.client(j.loc).Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			exists = true
			return nil
		case missing(resp.StatusCode):
			exists = false
			return nil
		case retryable(resp.StatusCode):
			return statusError{code: resp.StatusCode}
		default:
			return backoff.Permanent(statusError{code: resp.StatusCode})
		}
	}
	if err := backoff.RetryNotify(attempt, j.h.policy(ctx, j.h.retries), j.h.logRetry("exists", j.url, j.loc)); err != nil {
		return false, galleyerrors.Wrap(galleyerrors.Transfer, "transport.http.exists", err, "HEAD failed").
			WithURL(j.url).WithLocation(locationName(j.loc))
	}
	return exists, nil
}
