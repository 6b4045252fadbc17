package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tunesync/internal/logging"
)

const (
	defaultTimeout = 15 * time.Second
	// DefaultMaxResponseBytes bounds one snapshot body.
	DefaultMaxResponseBytes = 32 << 20
	maxErrorBodyBytes       = 64 << 10
)

var ErrResponseTooLarge = errors.New("query response too large")

type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "query failed"
	}
	if e.Body != "" {
		return fmt.Sprintf("query failed: %s: %s", e.Status, e.Body)
	}
	return "query failed: " + e.Status
}

func IsUnauthorized(err error) bool {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden
}

type Filter struct {
	Column string
	Op     string
	Value  string
}

func Eq(column, value string) Filter {
	return Filter{Column: column, Op: "eq", Value: value}
}

type Order struct {
	Column     string
	Descending bool
}

// Request describes a read against one table, e.g. chat_messages filtered by
// groupId and ordered by createdAt.
type Request struct {
	Table  string
	Select string
	Where  []Filter
	Order  []Order
	Single bool
}

func (r Request) query() url.Values {
	values := url.Values{}
	sel := strings.TrimSpace(r.Select)
	if sel == "" {
		sel = "*"
	}
	values.Set("select", sel)
	for _, filter := range r.Where {
		values.Add(filter.Column, filter.Op+"."+filter.Value)
	}
	if len(r.Order) > 0 {
		parts := make([]string, 0, len(r.Order))
		for _, order := range r.Order {
			dir := "asc"
			if order.Descending {
				dir = "desc"
			}
			parts = append(parts, order.Column+"."+dir)
		}
		values.Set("order", strings.Join(parts, ","))
	}
	return values
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *logging.Logger
	// MaxResponseBytes overrides DefaultMaxResponseBytes when positive.
	MaxResponseBytes int64
}

func New(httpClient *http.Client, baseURL string, apiKey string, logger *logging.Logger) *Client {
	if logger == nil {
		panic("rest.New: logger must not be nil")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		http:    httpClient,
		logger:  logger,
	}
}

// Do runs req and decodes the JSON body into out. An empty token falls back
// to the anon key.
func (c *Client) Do(ctx context.Context, req Request, token string, out any) error {
	if strings.TrimSpace(req.Table) == "" {
		return errors.New("query table is required")
	}
	endpoint := c.baseURL + "/" + url.PathEscape(req.Table) + "?" + req.query().Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	bearer := strings.TrimSpace(token)
	if bearer == "" {
		bearer = c.apiKey
	}
	httpReq.Header.Set("apikey", c.apiKey)
	httpReq.Header.Set("Authorization", "Bearer "+bearer)
	if req.Single {
		httpReq.Header.Set("Accept", "application/vnd.pgrst.object+json")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.logger.Debugf("GET %s -> %s", endpoint, resp.Status)

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		body := logging.FormatHTTPPayload(data)
		c.logger.Warn("query rejected",
			logging.Field("table", req.Table),
			logging.Field("status", resp.Status),
			logging.Field("response", body),
		)
		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		if len(bytes.TrimSpace(data)) > 0 {
			statusErr.Body = logging.Truncate(string(data))
		}
		return statusErr
	}
	if out == nil {
		return nil
	}
	data, err := c.readBody(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s rows: %w", req.Table, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s rows: %w", req.Table, err)
	}
	return nil
}

// readBody reads at most the configured limit and reports a larger body as
// ErrResponseTooLarge instead of truncating it.
func (c *Client) readBody(body io.Reader) ([]byte, error) {
	limit := c.MaxResponseBytes
	if limit <= 0 {
		limit = DefaultMaxResponseBytes
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, limit)
	}
	return data, nil
}
