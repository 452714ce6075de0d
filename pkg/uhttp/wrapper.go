package uhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

const maxErrorBody = 64 << 10

type (
	HttpClient interface {
		HttpClient() *http.Client
		Do(req *http.Request, options ...DoOption) (*http.Response, error)
		NewRequest(ctx context.Context, method string, url *url.URL, options ...RequestOption) (*http.Request, error)
	}
	BaseHttpClient struct {
		client         *http.Client
		userAgent      string
		debugPrintBody bool
	}

	DoOption      func(*http.Response) error
	RequestOption func() (io.ReadWriter, map[string]string, error)

	WrapperOption interface {
		Apply(*BaseHttpClient)
	}
)

// StatusError is returned by Do for responses outside the 2xx range. Body holds the start
// of the response body.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

// StatusCode returns the HTTP status of err, or 0 if err is not a StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

type userAgentOption string

func (o userAgentOption) Apply(c *BaseHttpClient) {
	c.userAgent = string(o)
}

func WithUserAgent(ua string) WrapperOption {
	return userAgentOption(ua)
}

// NewClient returns an *http.Client with the given timeout.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func NewBaseHttpClient(httpClient *http.Client, opts ...WrapperOption) *BaseHttpClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &BaseHttpClient{
		client: httpClient,
	}
	for _, opt := range opts {
		opt.Apply(c)
	}
	return c
}

func (c *BaseHttpClient) HttpClient() *http.Client {
	return c.client
}

func WithJSONResponse(response interface{}) DoOption {
	return func(resp *http.Response) error {
		if !IsJSONContentType(resp.Header.Get("Content-Type")) {
			return fmt.Errorf("unexpected content type for json response: %q", resp.Header.Get("Content-Type"))
		}
		return json.NewDecoder(resp.Body).Decode(response)
	}
}

// WithRawResponse copies the response body into dst.
func WithRawResponse(dst *[]byte) DoOption {
	return func(resp *http.Response) error {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

// Do sends req. Responses outside the 2xx range return a *StatusError and are not passed
// to options. The response body is always closed.
func (c *BaseHttpClient) Do(req *http.Request, options ...DoOption) (*http.Response, error) {
	l := ctxzap.Extract(req.Context()).With(
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
	)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		l.Debug("http request failed", zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	l.Debug("http request",
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if c.debugPrintBody {
		resp.Body = io.NopCloser(wrapPrintBody(req.Context(), resp.Body))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp, &StatusError{StatusCode: resp.StatusCode, Body: body}
	}

	for _, option := range options {
		if err := option(resp); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

func WithJSONBody(body interface{}) RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		buffer := new(bytes.Buffer)
		err := json.NewEncoder(buffer).Encode(body)
		if err != nil {
			return nil, nil, err
		}

		_, headers, err := WithContentTypeJSONHeader()()
		if err != nil {
			return nil, nil, err
		}

		return buffer, headers, nil
	}
}

// WithRawJSONBody sends an already encoded JSON document.
func WithRawJSONBody(body json.RawMessage) RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		if !json.Valid(body) {
			return nil, nil, errors.New("request body is not valid JSON")
		}
		return bytes.NewBuffer(body), map[string]string{
			"Content-Type": "application/json",
		}, nil
	}
}

func WithAcceptJSONHeader() RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		return nil, map[string]string{
			"Accept": "application/json",
		}, nil
	}
}

func WithContentTypeJSONHeader() RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		return nil, map[string]string{
			"Content-Type": "application/json",
		}, nil
	}
}

func WithHeader(key, value string) RequestOption {
	return func() (io.ReadWriter, map[string]string, error) {
		return nil, map[string]string{key: value}, nil
	}
}

func (c *BaseHttpClient) NewRequest(ctx context.Context, method string, url *url.URL, options ...RequestOption) (*http.Request, error) {
	var buffer io.ReadWriter
	headers := make(map[string]string)
	if c.userAgent != "" {
		headers["User-Agent"] = c.userAgent
	}
	for _, option := range options {
		buf, h, err := option()
		if err != nil {
			return nil, err
		}

		if buf != nil {
			buffer = buf
		}

		for k, v := range h {
			headers[k] = v
		}
	}

	var body io.Reader
	if buffer != nil {
		body = buffer
	}
	req, err := http.NewRequestWithContext(ctx, method, url.String(), body)
	if err != nil {
		return nil, err
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req, nil
}
