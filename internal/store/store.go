// Package store is the gateway to the row-oriented table store.
//
// The store speaks PostgREST conventions over HTTP:
//
//	GET    /rest/v1/<table>?col=eq.x&select=...&order=ts.desc&limit=N
//	POST   /rest/v1/<table>            — insert one row or an array
//	POST   + Prefer: resolution=merge-duplicates — upsert on conflict columns
//	PATCH  /rest/v1/<table>?<predicate> — update matching rows
//
// Every other component persists through this client. It carries no cache;
// callers get exactly what the store has. Errors are classified so callers
// can distinguish idempotent duplicates (treat as success), transient
// failures (retry / trip the circuit), and permanent failures (surface).
package store

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const requestTimeout = 10 * time.Second

// Client is the table store gateway. Safe for concurrent use.
type Client struct {
	http   *resty.Client
	logger *slog.Logger

	verboseRetries bool
}

// SetRetryLogging raises retry logging from debug to info. Controlled by
// LOG_RETRY.
func (c *Client) SetRetryLogging(enabled bool) {
	c.verboseRetries = enabled
}

// New creates a gateway client. Both the base URL and the service key are
// required; the process should not come up without them.
func New(baseURL, serviceKey string, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("store base URL is required")
	}
	if serviceKey == "" {
		return nil, fmt.Errorf("store service key is required")
	}

	c := &Client{
		logger: logger.With("component", "store"),
	}
	c.http = resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("apikey", serviceKey).
		SetHeader("Authorization", "Bearer "+serviceKey).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		AddRetryHook(func(r *resty.Response, err error) {
			level := slog.LevelDebug
			if c.verboseRetries {
				level = slog.LevelInfo
			}
			attrs := []any{"url", r.Request.URL}
			if err != nil {
				attrs = append(attrs, "error", err)
			} else {
				attrs = append(attrs, "status", r.StatusCode())
			}
			c.logger.Log(context.Background(), level, "store request retried", attrs...)
		})
	return c, nil
}

// Fetch runs a filtered select against a table and decodes the JSON array
// response into out (a pointer to a slice).
func (c *Client) Fetch(ctx context.Context, table string, params map[string]string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		Get("/rest/v1/" + table)
	if err != nil {
		return &Error{Op: "fetch", Table: table, Err: err, Transient: true}
	}
	if resp.StatusCode() != http.StatusOK {
		return c.classify("fetch", table, resp)
	}
	return nil
}

// Insert posts one row or a slice of rows. Duplicate-key violations come
// back as ErrDuplicateKey so idempotent retries can treat them as success.
func (c *Client) Insert(ctx context.Context, table string, rows any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=minimal").
		SetBody(rows).
		Post("/rest/v1/" + table)
	if err != nil {
		return &Error{Op: "insert", Table: table, Err: err, Transient: true}
	}
	if resp.StatusCode() >= 300 {
		return c.classify("insert", table, resp)
	}
	return nil
}

// Upsert posts rows with merge-duplicates resolution on the given conflict
// columns (comma separated).
func (c *Client) Upsert(ctx context.Context, table string, rows any, conflictCols string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Prefer", "resolution=merge-duplicates,return=representation").
		SetQueryParam("on_conflict", conflictCols).
		SetBody(rows).
		Post("/rest/v1/" + table)
	if err != nil {
		return &Error{Op: "upsert", Table: table, Err: err, Transient: true}
	}
	if resp.StatusCode() >= 300 {
		return c.classify("upsert", table, resp)
	}
	return nil
}

// Patch updates all rows matching the predicate params with the given
// fields (a struct or map serialized to JSON).
func (c *Client) Patch(ctx context.Context, table string, predicate map[string]string, fields any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(predicate).
		SetBody(fields).
		Patch("/rest/v1/" + table)
	if err != nil {
		return &Error{Op: "patch", Table: table, Err: err, Transient: true}
	}
	if resp.StatusCode() >= 300 {
		return c.classify("patch", table, resp)
	}
	return nil
}

func (c *Client) classify(op, table string, resp *resty.Response) error {
	e := &Error{
		Op:     op,
		Table:  table,
		Status: resp.StatusCode(),
		Body:   resp.String(),
	}
	switch {
	case isDuplicateBody(resp.String()) || resp.StatusCode() == http.StatusConflict:
		e.Duplicate = true
	case resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests:
		e.Transient = true
	}
	if !e.Duplicate {
		c.logger.Debug("store request failed",
			"op", op, "table", table, "status", e.Status)
	}
	return e
}
