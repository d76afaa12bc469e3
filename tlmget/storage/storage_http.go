package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/logger"
)

const defaultS3Endpoint = "https://s3.amazonaws.com"

// HTTPOptions tune the network layer. Retries happen here and nowhere else.
type HTTPOptions struct {
	Timeout    time.Duration
	MaxRetry   int
	RetryDelay time.Duration
	Insecure   bool
	Headers    map[string]string
	// S3Endpoint serves /vsis3/<bucket>/<key> as <endpoint>/<bucket>/<key>.
	S3Endpoint string
}

// HTTPStorage reads /vsicurl/ and /vsis3/ resources with HTTP range requests.
type HTTPStorage struct {
	httpClient *http.Client
	opts       HTTPOptions
}

func NewHTTPStorage(opts HTTPOptions) *HTTPStorage {
	client := &http.Client{Timeout: opts.Timeout}
	if opts.Insecure {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	if opts.S3Endpoint == "" {
		opts.S3Endpoint = defaultS3Endpoint
	}
	return &HTTPStorage{httpClient: client, opts: opts}
}

// URL resolves a locator to the URL it is fetched from.
func (s *HTTPStorage) URL(locator string) (string, error) {
	switch {
	case strings.HasPrefix(locator, PrefixCurl):
		url := strings.TrimPrefix(locator, PrefixCurl)
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return "", tlmerrors.ErrInvalidLocator.WithDetail("locator", locator).WithMessage("expected an http(s) URL after /vsicurl/")
		}
		return url, nil
	case strings.HasPrefix(locator, PrefixS3):
		key := strings.TrimPrefix(locator, PrefixS3)
		if !strings.Contains(key, "/") {
			return "", tlmerrors.ErrInvalidLocator.WithDetail("locator", locator).WithMessage("expected /vsis3/<bucket>/<key>")
		}
		return strings.TrimSuffix(s.opts.S3Endpoint, "/") + "/" + key, nil
	default:
		return "", tlmerrors.ErrInvalidLocator.WithDetail("locator", locator).WithMessage("not an HTTP locator")
	}
}

func (s *HTTPStorage) Stat(ctx context.Context, locator string) (int64, error) {
	url, err := s.URL(locator)
	if err != nil {
		return 0, err
	}

	resp, err := s.do(ctx, http.MethodHead, url, "")
	if err != nil {
		return 0, wrapHTTPError(locator, err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK && resp.ContentLength >= 0 {
		return resp.ContentLength, nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMethodNotAllowed {
		return 0, statusError(locator, resp)
	}

	// Some servers answer HEAD without a length; ask for one byte instead.
	resp, err = s.do(ctx, http.MethodGet, url, "bytes=0-0")
	if err != nil {
		return 0, wrapHTTPError(locator, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return 0, statusError(locator, resp)
	}
	return parseContentRangeSize(resp.Header.Get("Content-Range"))
}

func (s *HTTPStorage) ReadRange(ctx context.Context, locator string, offset int64, length int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, tlmerrors.ErrInvalidArgument.Errorf("offset %d must be non-negative", offset)
	}
	url, err := s.URL(locator)
	if err != nil {
		return nil, err
	}

	var rangeHeader string
	if length > 0 {
		rangeHeader = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	} else {
		rangeHeader = fmt.Sprintf("bytes=%d-", offset)
	}
	logger.Debug("GET %s Range: %s", url, rangeHeader)

	resp, err := s.do(ctx, http.MethodGet, url, rangeHeader)
	if err != nil {
		return nil, wrapHTTPError(locator, err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return resp.Body, nil
	case http.StatusOK:
		// server ignored the range
		logger.Warn("Server ignored Range header for %s", url)
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			resp.Body.Close()
			return nil, wrapHTTPError(locator, err)
		}
		if length <= 0 {
			return resp.Body, nil
		}
		return &limitedBody{Reader: io.LimitReader(resp.Body, length), body: resp.Body}, nil
	default:
		defer resp.Body.Close()
		return nil, statusError(locator, resp)
	}
}

// do sends one request, retrying transport errors and 5xx answers up to
// MaxRetry times.
func (s *HTTPStorage) do(ctx context.Context, method, url, rangeHeader string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetry; attempt++ {
		if attempt > 0 {
			logger.Debug("Retrying %s %s (attempt %d/%d): %v", method, url, attempt, s.opts.MaxRetry, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.opts.RetryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range s.opts.Headers {
			req.Header.Set(k, v)
		}
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 && attempt < s.opts.MaxRetry {
			resp.Body.Close()
			lastErr = fmt.Errorf("server returned %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

type limitedBody struct {
	io.Reader
	body io.Closer
}

func (l *limitedBody) Close() error { return l.body.Close() }

func wrapHTTPError(locator string, err error) error {
	return tlmerrors.ErrRangeRead.WithDetail("locator", locator).WithCause(err)
}

func statusError(locator string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusNotFound {
		return tlmerrors.ErrNotFound.WithDetail("locator", locator)
	}
	return tlmerrors.ErrRangeRead.
		WithDetail("locator", locator).
		WithDetail("status", resp.StatusCode).
		WithCause(fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
}

// parseContentRangeSize extracts the complete length from "bytes a-b/size".
func parseContentRangeSize(header string) (int64, error) {
	slash := strings.LastIndex(header, "/")
	if slash < 0 || header[slash+1:] == "*" {
		return 0, tlmerrors.ErrRangeRead.Errorf("cannot determine size from Content-Range %q", header)
	}
	size, err := strconv.ParseInt(header[slash+1:], 10, 64)
	if err != nil {
		return 0, tlmerrors.ErrRangeRead.WithCause(err).Errorf("invalid Content-Range %q", header)
	}
	return size, nil
}
