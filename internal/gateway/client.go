// Package gateway is the HTTP client for the mail gateway (invite feed,
// cursors, outgoing replies) and for the bot launcher, which speaks the same
// JSON conventions.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrConflict = errors.New("gateway conflict")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrConflict && e.StatusCode == http.StatusConflict
}

// Message is one mail delivered to the watched mailbox. Either ICS carries
// the text/calendar part or Invite carries an already-parsed invite record.
type Message struct {
	MessageID  string          `json:"messageId"`
	Cursor     string          `json:"cursor"`
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	Subject    string          `json:"subject,omitempty"`
	ReceivedAt string          `json:"receivedAt,omitempty"`
	ICS        string          `json:"ics,omitempty"`
	Invite     json.RawMessage `json:"invite,omitempty"`
}

// MessagePage keeps messages undecoded so callers can validate them first.
type MessagePage struct {
	Messages   []json.RawMessage `json:"messages"`
	NextCursor *string           `json:"nextCursor"`
	HasMore    bool              `json:"hasMore"`
}

type Reply struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	ICS     string `json:"ics"`
	// InReplyTo is the Message-ID of the invite being answered.
	InReplyTo string `json:"inReplyTo,omitempty"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8025"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// WithoutRetries returns a copy of c that sends every request exactly once.
// It suits calls that must not be repeated, such as starting a bot.
func (c *Client) WithoutRetries() *Client {
	clone := *c
	clone.maxRetries = 0
	return &clone
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) ListMessages(ctx context.Context, mailbox, cursor string, limit int) (MessagePage, error) {
	q := url.Values{}
	if strings.TrimSpace(cursor) != "" {
		q.Set("cursor", strings.TrimSpace(cursor))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out MessagePage
	err := c.DoJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/mailboxes/%s/messages?%s", url.PathEscape(mailbox), q.Encode()), nil, nil, &out)
	return out, err
}

// LatestCursor returns the cursor of the newest message in the mailbox, or
// "" when the mailbox is empty.
func (c *Client) LatestCursor(ctx context.Context, mailbox string) (string, error) {
	var out struct {
		Cursor *string `json:"cursor"`
	}
	if err := c.DoJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/mailboxes/%s/cursor", url.PathEscape(mailbox)), nil, nil, &out); err != nil {
		return "", err
	}
	if out.Cursor == nil {
		return "", nil
	}
	return *out.Cursor, nil
}

func (c *Client) SendReply(ctx context.Context, mailbox string, reply Reply) error {
	headers := map[string]string{}
	if reply.InReplyTo != "" {
		headers["Idempotency-Key"] = "reply:" + reply.InReplyTo
	}
	return c.DoJSON(ctx, http.MethodPost, fmt.Sprintf("/v1/mailboxes/%s/replies", url.PathEscape(mailbox)), headers, reply, nil)
}

// WatchURL is the websocket endpoint that announces new mail.
func (c *Client) WatchURL(mailbox string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return fmt.Sprintf("%s/v1/mailboxes/%s/watch", base, url.PathEscape(mailbox))
}

func (c *Client) AuthHeader() http.Header {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	return header
}

// DoJSON sends body as JSON and decodes a 2xx response into out. 429 and 5xx
// responses and transport errors are retried with capped exponential backoff,
// honouring Retry-After.
func (c *Client) DoJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = strings.TrimSpace(string(payloadBytes))
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "relaycal_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
