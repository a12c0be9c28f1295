package chatclient

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
	"time"

	"github.com/cenkalti/backoff/v4"
)

// APIError is a non-2xx response from the chat API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s", e.Status, e.Message)
}

// Temporary reports whether the request may succeed on retry.
func (e *APIError) Temporary() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// API is a client for the HTTP fallback surface. Reads are retried with
// exponential backoff on network errors and 5xx responses; writes are sent
// once.
type API struct {
	baseURL string
	token   string
	httpc   *http.Client
	// NewBackOff builds the read retry policy.
	NewBackOff func() backoff.BackOff
}

var _ Fetcher = (*API)(nil)

func NewAPI(baseURL, token string, httpc *http.Client) *API {
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{
		baseURL: baseURL,
		token:   token,
		httpc:   httpc,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return backoff.WithMaxRetries(b, 5)
		},
	}
}

func (a *API) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	err := a.get(ctx, "/conversations", nil, &out)
	return out, err
}

func (a *API) PendingRequests(ctx context.Context) ([]PendingRequest, error) {
	var out []PendingRequest
	err := a.get(ctx, "/conversations/pending", nil, &out)
	return out, err
}

func (a *API) Messages(ctx context.Context, conversationID string, limit, offset int) (*MessagePage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out MessagePage
	if err := a.get(ctx, "/conversations/"+url.PathEscape(conversationID)+"/messages", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History pages through the whole conversation in creation order.
func (a *API) History(ctx context.Context, conversationID string) ([]Message, error) {
	const pageSize = 200
	var all []Message
	for offset := 0; ; offset += pageSize {
		page, err := a.Messages(ctx, conversationID, pageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Data...)
		if !page.HasMore || len(page.Data) == 0 {
			return all, nil
		}
	}
}

func (a *API) Online(ctx context.Context) ([]string, error) {
	var out struct {
		Online []string `json:"online"`
	}
	err := a.get(ctx, "/presence", nil, &out)
	return out.Online, err
}

// RequestConversation reports created=false when an open conversation was
// reused.
func (a *API) RequestConversation(ctx context.Context, doctorID string) (*Conversation, bool, error) {
	var out Conversation
	status, err := a.do(ctx, http.MethodPost, "/conversations", map[string]string{"doctorId": doctorID}, &out)
	if err != nil {
		return nil, false, err
	}
	return &out, status == http.StatusCreated, nil
}

func (a *API) Respond(ctx context.Context, conversationID, decision string) (*Conversation, error) {
	var out Conversation
	if _, err := a.do(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(conversationID)+"/respond",
		map[string]string{"status": decision}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) SendMessage(ctx context.Context, in SendMessageInput) (*Message, error) {
	var out Message
	if _, err := a.do(ctx, http.MethodPost, "/messages", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) MarkAsRead(ctx context.Context, messageID string) (*Message, error) {
	var out Message
	if _, err := a.do(ctx, http.MethodPatch, "/messages/"+url.PathEscape(messageID)+"/read", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) MarkConversationRead(ctx context.Context, conversationID string) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	_, err := a.do(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, &out)
	return out.Updated, err
}

func (a *API) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := a.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(conversationID), nil, nil)
	return err
}

func (a *API) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	if q != nil {
		path += "?" + q.Encode()
	}
	op := func() error {
		_, err := a.do(ctx, http.MethodGet, path, nil, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(a.NewBackOff(), ctx))
}

func (a *API) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, rd)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: e.Message}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}
