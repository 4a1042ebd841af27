// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package graph is the typed Microsoft Graph client the worker talks
// through: message fetch with a fixed $select, attachment listing hardened
// against a known upstream truncation bug, subscription CRUD, sendMail, and
// delta paging.
package graph

import (
	"bytes"
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
)

// DefaultBaseURL is the production Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// maxAttempts bounds the retry loop on transient upstream failures.
const maxAttempts = 3

// messageSelect is the fixed projection for full message fetches. The
// In-Reply-To header lives inside internetMessageHeaders, not as a top-level
// field — do not add "inReplyTo" here, Graph v1.0 rejects it.
const messageSelect = "id,subject,receivedDateTime,sentDateTime,from,toRecipients,ccRecipients,bccRecipients,replyTo,body,internetMessageId,internetMessageHeaders,conversationId,hasAttachments"

// folderCodeToGraph maps the well-known folder codes to Graph's canonical
// mailFolder names.
var folderCodeToGraph = map[string]string{
	"INBOX":   "Inbox",
	"DRAFTS":  "Drafts",
	"SENT":    "SentItems",
	"DELETED": "DeletedItems",
	"JUNK":    "JunkEmail",
}

// StatusError is a non-2xx Graph response. Delta callers branch on Status
// (410 = expired cursor).
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("graph returned HTTP %d: %s", e.Status, truncate(e.Body, 200))
}

// IsStatus reports whether err is (or wraps) a StatusError with the given
// code.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// Client issues authenticated Graph requests with retry/backoff on
// transient failures. The http.Client is expected to inject the bearer
// token (see the auth package).
type Client struct {
	httpClient *http.Client
	baseURL    string

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Graph client on top of an authenticated http.Client.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		sleep:      sleepCtx,
	}
}

// FolderRef resolves a folder reference: the opaque Graph folder id when
// known, else the canonical name for a well-known code.
func FolderRef(folderCode, graphFolderID string) string {
	if graphFolderID != "" {
		return graphFolderID
	}
	if name, ok := folderCodeToGraph[strings.ToUpper(folderCode)]; ok {
		return name
	}
	return "Inbox"
}

// GetMessage fetches a full message with the fixed projection.
func (c *Client) GetMessage(ctx context.Context, mailbox, messageID string) (*Message, error) {
	u := fmt.Sprintf("%s/users/%s/messages/%s?%s",
		c.baseURL, url.PathEscape(mailbox), url.PathEscape(messageID),
		url.Values{"$select": {messageSelect}}.Encode())

	var msg Message
	if err := c.getJSON(ctx, u, nil, &msg); err != nil {
		return nil, fmt.Errorf("get message %s: %w", messageID, err)
	}
	return &msg, nil
}

// ListAttachments fetches the attachment list for a message.
//
// This response is specially hardened: the upstream occasionally truncates
// the body or answers with a non-JSON content type mid-stream. A bad body is
// re-fetched up to maxAttempts times with linear backoff.
func (c *Client) ListAttachments(ctx context.Context, mailbox, messageID string) ([]Attachment, error) {
	u := fmt.Sprintf("%s/users/%s/messages/%s/attachments",
		c.baseURL, url.PathEscape(mailbox), url.PathEscape(messageID))

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.do(ctx, http.MethodGet, u, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("list attachments: %w", err)
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, &StatusError{Status: resp.StatusCode, Body: string(body)}
		}

		var page struct {
			Value []Attachment `json:"value"`
		}
		ct := resp.Header.Get("Content-Type")
		switch {
		case readErr != nil:
			lastErr = fmt.Errorf("read attachments body: %w", readErr)
		case !strings.Contains(ct, "json"):
			lastErr = fmt.Errorf("attachments response content-type %q is not JSON", ct)
		case json.Unmarshal(body, &page) != nil:
			lastErr = fmt.Errorf("attachments response truncated or malformed (%d bytes)", len(body))
		default:
			return page.Value, nil
		}

		slog.Warn("attachments list unreadable, refetching",
			"message_id", messageID,
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt < maxAttempts {
			if err := c.sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("list attachments: %w", lastErr)
}

// GetAttachment fetches an individual attachment, contentBytes included.
func (c *Client) GetAttachment(ctx context.Context, mailbox, messageID, attachmentID string) (*Attachment, error) {
	u := fmt.Sprintf("%s/users/%s/messages/%s/attachments/%s",
		c.baseURL, url.PathEscape(mailbox), url.PathEscape(messageID), url.PathEscape(attachmentID))

	var att Attachment
	if err := c.getJSON(ctx, u, nil, &att); err != nil {
		return nil, fmt.Errorf("get attachment %s: %w", attachmentID, err)
	}
	return &att, nil
}

// CreateSubscription registers a change-notification subscription.
func (c *Client) CreateSubscription(ctx context.Context, changeType, notificationURL, resource, expirationISO, clientState string) (*Subscription, error) {
	payload := map[string]string{
		"changeType":                changeType,
		"notificationUrl":           notificationURL,
		"resource":                  resource,
		"expirationDateTime":        expirationISO,
		"clientState":               clientState,
		"latestSupportedTlsVersion": "v1_2",
	}
	body, _ := json.Marshal(payload)

	var sub Subscription
	if err := c.requestJSON(ctx, http.MethodPost, c.baseURL+"/subscriptions", body, &sub, http.StatusOK, http.StatusCreated); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return &sub, nil
}

// RenewSubscription extends the expiry of an existing subscription.
func (c *Client) RenewSubscription(ctx context.Context, subscriptionID, expirationISO string) (*Subscription, error) {
	payload := map[string]string{"expirationDateTime": expirationISO}
	body, _ := json.Marshal(payload)

	var sub Subscription
	u := c.baseURL + "/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.requestJSON(ctx, http.MethodPatch, u, body, &sub, http.StatusOK); err != nil {
		return nil, fmt.Errorf("renew subscription %s: %w", subscriptionID, err)
	}
	return &sub, nil
}

// GetSubscription fetches a subscription by id.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	u := c.baseURL + "/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.getJSON(ctx, u, nil, &sub); err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", subscriptionID, err)
	}
	return &sub, nil
}

// SendMail sends a message from the mailbox. Graph answers 202 with an
// empty body.
func (c *Client) SendMail(ctx context.Context, mailbox string, req *SendMailRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal sendMail payload: %w", err)
	}

	u := fmt.Sprintf("%s/users/%s/sendMail", c.baseURL, url.PathEscape(mailbox))
	resp, err := c.do(ctx, http.MethodPost, u, body, nil)
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		return &StatusError{Status: resp.StatusCode, Body: string(raw)}
	}
	return nil
}

// DeltaPage fetches one page of the per-folder delta stream. pageURL, when
// non-empty, is an opaque nextLink/deltaLink used verbatim; otherwise a
// fresh initial delta request is issued for the folder.
func (c *Client) DeltaPage(ctx context.Context, mailbox, folderRef, pageURL string, pageSize int) (*DeltaPage, error) {
	u := pageURL
	if u == "" {
		params := url.Values{}
		params.Set("$top", strconv.Itoa(pageSize))
		params.Set("$select", "id")
		u = fmt.Sprintf("%s/users/%s/mailFolders('%s')/messages/delta?%s",
			c.baseURL, url.PathEscape(mailbox), folderRef, params.Encode())
	}

	headers := http.Header{}
	headers.Set("Prefer", fmt.Sprintf("odata.maxpagesize=%d", pageSize))

	var page DeltaPage
	if err := c.getJSON(ctx, u, headers, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListMessagesPage fetches one page of a plain /messages list. Used by the
// backfill command; pass the previous page's nextLink to continue.
func (c *Client) ListMessagesPage(ctx context.Context, mailbox, pageURL, sinceISO string, pageSize int) (*MessageListPage, error) {
	u := pageURL
	if u == "" {
		params := url.Values{}
		params.Set("$filter", "receivedDateTime ge "+sinceISO)
		params.Set("$select", "id")
		params.Set("$orderby", "receivedDateTime desc")
		params.Set("$top", strconv.Itoa(pageSize))
		u = fmt.Sprintf("%s/users/%s/messages?%s", c.baseURL, url.PathEscape(mailbox), params.Encode())
	}

	var page MessageListPage
	if err := c.getJSON(ctx, u, nil, &page); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return &page, nil
}

// getJSON GETs a URL and decodes the JSON body, surfacing non-200 as a
// StatusError.
func (c *Client) getJSON(ctx context.Context, u string, headers http.Header, out any) error {
	resp, err := c.do(ctx, http.MethodGet, u, nil, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Status: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// requestJSON issues a JSON-bodied request and decodes the response when the
// status is one of want.
func (c *Client) requestJSON(ctx context.Context, method, u string, body []byte, out any, want ...int) error {
	resp, err := c.do(ctx, method, u, body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	ok := false
	for _, w := range want {
		if resp.StatusCode == w {
			ok = true
			break
		}
	}
	if !ok {
		return &StatusError{Status: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// do issues the request with the retry policy: up to maxAttempts total
// attempts on 429/5xx and connection errors, honouring a numeric Retry-After
// header and falling back to attempt×2 seconds. Other statuses (including
// 4xx) are returned to the caller without retry.
func (c *Client) do(ctx context.Context, method, u string, body []byte, headers http.Header) (*http.Response, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Connection errors are treated like 5xx.
			lastErr = fmt.Errorf("request %s %s: %w", method, u, err)
			if attempt < maxAttempts {
				if serr := c.sleep(ctx, time.Duration(attempt)*2*time.Second); serr != nil {
					return nil, serr
				}
				continue
			}
			return nil, lastErr
		}

		if retryable(resp.StatusCode) && attempt < maxAttempts {
			delay := retryDelay(resp.Header.Get("Retry-After"), attempt)
			slog.Warn("graph retry",
				"method", method,
				"status", resp.StatusCode,
				"attempt", attempt,
				"sleep", delay,
			)
			resp.Body.Close()
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func retryDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Duration(attempt) * 2 * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
