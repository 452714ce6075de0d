package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/conductorone/baton-offline/pkg/queue"
	"github.com/conductorone/baton-offline/pkg/retry"
	"github.com/conductorone/baton-offline/pkg/uhttp"
)

var tracer = otel.Tracer("baton-offline/executor")

var ErrMissingID = errors.New("executor: payload has no id")

// HTTP executes operations against a REST API:
//
//	create  POST   {base}/{resourceType}
//	update  PUT    {base}/{resourceType}/{id}
//	delete  DELETE {base}/{resourceType}/{id}
//
// The id is read from the payload's "id" field.
type HTTP struct {
	base    *url.URL
	client  uhttp.HttpClient
	idField string
}

type HTTPOption func(*HTTP)

func WithClient(c *http.Client, opts ...uhttp.WrapperOption) HTTPOption {
	return func(h *HTTP) {
		h.client = uhttp.NewBaseHttpClient(c, opts...)
	}
}

// WithIDField changes the payload field used to build item URLs.
func WithIDField(field string) HTTPOption {
	return func(h *HTTP) {
		if field != "" {
			h.idField = field
		}
	}
}

func NewHTTP(baseURL string, opts ...HTTPOption) (*HTTP, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("executor: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("executor: base url must be http or https: %q", baseURL)
	}
	h := &HTTP{
		base:    u,
		client:  uhttp.NewBaseHttpClient(http.DefaultClient),
		idField: "id",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *HTTP) Execute(ctx context.Context, op queue.Operation) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "executor.HTTP.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource_type", op.ResourceType),
		attribute.String("kind", op.Kind.String()),
	)

	method, target, err := h.route(op)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	reqOpts := []uhttp.RequestOption{uhttp.WithAcceptJSONHeader()}
	if op.Metadata.IdempotencyKey != "" {
		reqOpts = append(reqOpts, uhttp.WithHeader("Idempotency-Key", op.Metadata.IdempotencyKey))
	}
	if op.Kind != queue.KindDelete {
		reqOpts = append(reqOpts, uhttp.WithRawJSONBody(op.Payload))
	}

	req, err := h.client.NewRequest(ctx, method, target, reqOpts...)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("executor: building request: %w", err))
	}

	var body []byte
	_, err = h.client.Do(req, uhttp.WithRawResponse(&body))
	if err != nil {
		return nil, classify(ctx, err)
	}
	if len(body) == 0 || !json.Valid(body) {
		return nil, nil
	}
	return body, nil
}

func (h *HTTP) route(op queue.Operation) (string, *url.URL, error) {
	collection := h.base.JoinPath(op.ResourceType)
	if op.Kind == queue.KindCreate {
		return http.MethodPost, collection, nil
	}

	id, err := h.extractID(op.Payload)
	if err != nil {
		return "", nil, err
	}
	target := collection.JoinPath(id)
	if op.Kind == queue.KindDelete {
		return http.MethodDelete, target, nil
	}
	return http.MethodPut, target, nil
}

func (h *HTTP) extractID(payload json.RawMessage) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", fmt.Errorf("executor: decoding payload: %w", err)
	}
	switch v := doc[h.idField].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("%w: field %q", ErrMissingID, h.idField)
}

// classify maps a transport error to the queue's error taxonomy.
func classify(ctx context.Context, err error) error {
	code := uhttp.StatusCode(err)
	switch {
	case code == http.StatusConflict:
		var se *uhttp.StatusError
		errors.As(err, &se)
		return &queue.ConflictError{Remote: remoteBody(se), Err: err}
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return err
	case code >= 400 && code < 500:
		ctxzap.Extract(ctx).Debug("remote rejected operation", zap.Int("status", code))
		return retry.Permanent(err)
	}
	return err
}

func remoteBody(se *uhttp.StatusError) json.RawMessage {
	if se == nil || !json.Valid(se.Body) {
		return nil
	}
	return se.Body
}
