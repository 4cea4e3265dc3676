package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/retail_pos/possync"
)

// Upstream is the server of record as the device sees it.
type Upstream interface {
	Ping(ctx context.Context) error
	PushCategories(ctx context.Context, req possync.PushRequest[possync.CategoryPayload]) (*possync.PushResponse, error)
	PushProducts(ctx context.Context, req possync.PushRequest[possync.ProductPayload]) (*possync.PushResponse, error)
	PushSales(ctx context.Context, req possync.PushRequest[possync.SalePayload]) (*possync.PushResponse, error)
	ListProducts(ctx context.Context, since time.Time, afterId uint, limit int) (*possync.ProductListResponse, error)
}

// StatusError is a non-2xx answer from the sync service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sync service error %d: %s", e.Code, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusConflict || e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// IsRetryable is false only for answers that resending cannot change.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

type HTTPUpstream struct {
	baseURL   string
	deviceKey string
	http      *http.Client
	limiter   <-chan time.Time
}

// NewHTTPUpstreamFromEnv reads POS_SYNC_BASE_URL, POS_SYNC_DEVICE_KEY and
// POS_SYNC_RATE_LIMIT_PER_MIN.
func NewHTTPUpstreamFromEnv() (*HTTPUpstream, error) {
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("POS_SYNC_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	return NewHTTPUpstream(os.Getenv("POS_SYNC_BASE_URL"), os.Getenv("POS_SYNC_DEVICE_KEY"), rateLimitPerMin)
}

func NewHTTPUpstream(baseURL, deviceKey string, rateLimitPerMin int64) (*HTTPUpstream, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("sync base url is empty")
	}
	if strings.TrimSpace(deviceKey) == "" {
		return nil, errors.New("device key is empty")
	}
	if rateLimitPerMin <= 0 {
		rateLimitPerMin = 60
	}
	return &HTTPUpstream{
		baseURL:   strings.TrimRight(baseURL, "/"),
		deviceKey: strings.TrimSpace(deviceKey),
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(time.Minute / time.Duration(rateLimitPerMin)),
	}, nil
}

func (c *HTTPUpstream) do(ctx context.Context, method, path string, params url.Values, in any, out any) error {
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return ctx.Err()
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("x-device-key", c.deviceKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (c *HTTPUpstream) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil, nil)
}

func (c *HTTPUpstream) PushCategories(ctx context.Context, req possync.PushRequest[possync.CategoryPayload]) (*possync.PushResponse, error) {
	var out possync.PushResponse
	if err := c.do(ctx, http.MethodPost, "/categories", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPUpstream) PushProducts(ctx context.Context, req possync.PushRequest[possync.ProductPayload]) (*possync.PushResponse, error) {
	var out possync.PushResponse
	if err := c.do(ctx, http.MethodPost, "/products", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPUpstream) PushSales(ctx context.Context, req possync.PushRequest[possync.SalePayload]) (*possync.PushResponse, error) {
	var out possync.PushResponse
	if err := c.do(ctx, http.MethodPost, "/sales", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPUpstream) ListProducts(ctx context.Context, since time.Time, afterId uint, limit int) (*possync.ProductListResponse, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("updated_since", since.UTC().Format(time.RFC3339Nano))
		params.Set("after_id", strconv.FormatUint(uint64(afterId), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var out possync.ProductListResponse
	if err := c.do(ctx, http.MethodGet, "/products", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
