// Package apiclient talks to the Distribution API on behalf of one kiosk.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"kioskads/internal/apperr"
	"kioskads/internal/model"
)

// Client issues idempotent GETs with bounded retries. Requests that never reach
// the server or get a 5xx answer fail with a TRANSIENT_NETWORK error.
type Client struct {
	base     *url.URL
	kioskID  int64
	http     *http.Client
	logger   *slog.Logger
	maxTries uint
	initial  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithRetry sets the attempt budget and the first backoff interval.
func WithRetry(tries uint, initial time.Duration) Option {
	return func(c *Client) {
		c.maxTries = tries
		c.initial = initial
	}
}

// New returns a client for serverURL acting as kioskID.
func New(serverURL string, kioskID int64, logger *slog.Logger, opts ...Option) (*Client, error) {
	if kioskID <= 0 {
		return nil, apperr.Validation("kiosk id must be positive")
	}
	base, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperr.Validation(fmt.Sprintf("invalid server url %q", serverURL))
	}
	c := &Client{
		base:     base,
		kioskID:  kioskID,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		maxTries: 4,
		initial:  250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// KioskID is the kiosk this client identifies as.
func (c *Client) KioskID() int64 { return c.kioskID }

// ApplicableSet fetches the kiosk's applicable set. With includeMeta the server
// recomputes hashes and sizes from stored payloads.
func (c *Client) ApplicableSet(ctx context.Context, includeMeta bool) (model.AdSet, error) {
	q := url.Values{}
	if includeMeta {
		q.Set("include_metadata", "true")
	}
	var set model.AdSet
	err := c.getJSON(ctx, c.kioskPath("/ads/for-kiosk"), q, &set)
	return set, err
}

// Bulk fetches the applicable set with metadata and download URLs.
func (c *Client) Bulk(ctx context.Context) (model.AdSet, error) {
	var set model.AdSet
	err := c.getJSON(ctx, c.kioskPath("/ads/bulk"), nil, &set)
	return set, err
}

// CheckUpdates asks whether any applicable ad changed after since.
func (c *Client) CheckUpdates(ctx context.Context, since time.Time) (model.UpdateCheck, error) {
	q := url.Values{"since": {since.UTC().Format(time.RFC3339Nano)}}
	var check model.UpdateCheck
	err := c.getJSON(ctx, c.kioskPath("/ads/check-updates"), q, &check)
	return check, err
}

// SyncDelta fetches the applicable ads that changed after since. A zero since
// asks for everything.
func (c *Client) SyncDelta(ctx context.Context, since time.Time) (model.SyncDelta, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var delta model.SyncDelta
	err := c.getJSON(ctx, c.kioskPath("/ads/sync-delta"), q, &delta)
	return delta, err
}

// Open starts downloading adID's payload. Only establishing the response is
// retried; the caller owns and must close the body.
func (c *Client) Open(ctx context.Context, adID int64) (io.ReadCloser, error) {
	q := url.Values{"kioskId": {strconv.FormatInt(c.kioskID, 10)}}
	resp, err := c.get(ctx, "/ads/download/"+strconv.FormatInt(adID, 10), q)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) kioskPath(prefix string) string {
	return prefix + "/" + strconv.FormatInt(c.kioskID, 10)
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.get(ctx, path, q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Transient(fmt.Sprintf("decode %s", path), err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()
	target := u.String()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initial
	policy.MaxInterval = 5 * time.Second

	attempt := 0
	return backoff.Retry(ctx, func() (*http.Response, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, backoff.Permanent(apperr.Validation(err.Error()))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(apperr.Transient("request cancelled", ctx.Err()))
			}
			return nil, apperr.Transient(fmt.Sprintf("GET %s", path), err)
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		err = statusError(resp)
		resp.Body.Close()
		if apperr.IsTransient(err) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Debug("retrying request", "path", path, "attempt", attempt, "wait", wait, "error", err)
		}),
	)
}

// statusError maps a non-200 answer to the apperr taxonomy.
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<14)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return apperr.Unauthorized(msg)
	case resp.StatusCode == http.StatusNotFound:
		return apperr.NotFound(msg)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return apperr.Transient(msg, errors.New(resp.Status))
	default:
		return apperr.Validation(msg)
	}
}
