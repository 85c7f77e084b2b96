// Package chatapi is a thin client for the message service: conversations,
// messages, receipts, reactions and read marks. Every call is made on behalf
// of an identity whose bearer token is injected by an auth.Provider.
package chatapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/torosent/relaycheck/internal/auth"
	"github.com/torosent/relaycheck/internal/tracing"
	"github.com/torosent/relaycheck/internal/transport"
)

// DefaultPageSize is the page size used by FetchAllMessages.
const DefaultPageSize = 500

// Page selects a window of history.
type Page struct {
	Limit  int
	Offset int
}

type Client struct {
	baseURL   string
	http      *http.Client
	propagate bool
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithTracePropagation injects W3C trace headers into every call.
func WithTracePropagation(enabled bool) ClientOption {
	return func(c *Client) { c.propagate = enabled }
}

// NewClient creates a message-service client rooted at baseURL.
func NewClient(baseURL string, httpClient *http.Client, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = transport.NewHTTPClient(0)
	}
	c := &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createConversationRequest struct {
	Participants []string `json:"participants"`
	Title        string   `json:"title,omitempty"`
}

// CreateConversation creates a conversation administered by the caller.
// The caller is always a participant whether or not it is listed.
func (c *Client) CreateConversation(ctx context.Context, as auth.Provider, participants []string, title string) (Conversation, error) {
	body, err := c.call(ctx, as, "create_conversation", http.MethodPost, "/conversations",
		createConversationRequest{Participants: participants, Title: title})
	if err != nil {
		return Conversation{}, err
	}
	conv := conversationFrom(gjson.ParseBytes(body))
	if conv.Name == "" {
		return conv, fmt.Errorf("create_conversation: response has no name: %s", snippet(body))
	}
	return conv, nil
}

// ListConversations returns the conversations the caller participates in.
func (c *Client) ListConversations(ctx context.Context, as auth.Provider) ([]Conversation, error) {
	body, err := c.call(ctx, as, "list_conversations", http.MethodGet, "/conversations", nil)
	if err != nil {
		return nil, err
	}
	var out []Conversation
	for _, v := range gjson.ParseBytes(body).Array() {
		out = append(out, conversationFrom(v))
	}
	return out, nil
}

// GetConversation fetches one conversation; non-participants get an HTTPError.
func (c *Client) GetConversation(ctx context.Context, as auth.Provider, name string) (Conversation, error) {
	body, err := c.call(ctx, as, "get_conversation", http.MethodGet, "/conversations/"+url.PathEscape(name), nil)
	if err != nil {
		return Conversation{}, err
	}
	return conversationFrom(gjson.ParseBytes(body)), nil
}

type postMessageRequest struct {
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// PostMessage submits text to a conversation. Backends that only acknowledge
// the post return an empty body; the Message then carries just the text.
func (c *Client) PostMessage(ctx context.Context, as auth.Provider, conversation, text string) (Message, error) {
	body, err := c.call(ctx, as, "post_message", http.MethodPost,
		"/conversations/"+url.PathEscape(conversation)+"/messages", postMessageRequest{Text: text})
	if err != nil {
		return Message{}, err
	}
	msg := Message{Conversation: conversation, Text: text}
	if parsed := gjson.ParseBytes(body); parsed.IsObject() {
		msg = messageFrom(parsed)
		if msg.Text == "" {
			msg.Text = text
		}
		if msg.Conversation == "" {
			msg.Conversation = conversation
		}
	}
	return msg, nil
}

// FetchMessages returns one page of history, oldest first.
func (c *Client) FetchMessages(ctx context.Context, as auth.Provider, conversation string, page Page) ([]Message, error) {
	q := url.Values{}
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.Offset > 0 {
		q.Set("offset", strconv.Itoa(page.Offset))
	}
	path := "/conversations/" + url.PathEscape(conversation) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	body, err := c.call(ctx, as, "fetch_messages", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("fetch_messages: expected a JSON array: %s", snippet(body))
	}
	out := make([]Message, 0, len(parsed.Array()))
	for _, v := range parsed.Array() {
		out = append(out, messageFrom(v))
	}
	return out, nil
}

// FetchAllMessages pages through the whole history with pageSize items per call.
func (c *Client) FetchAllMessages(ctx context.Context, as auth.Provider, conversation string, pageSize int) ([]Message, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	var all []Message
	for offset := 0; ; offset += pageSize {
		page, err := c.FetchMessages(ctx, as, conversation, Page{Limit: pageSize, Offset: offset})
		if err != nil {
			return all, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

// FetchReceipts returns per-recipient receipts for a message the caller sent.
func (c *Client) FetchReceipts(ctx context.Context, as auth.Provider, messageID string) ([]Receipt, error) {
	body, err := c.call(ctx, as, "fetch_receipts", http.MethodGet, "/messages/"+url.PathEscape(messageID)+"/receipts", nil)
	if err != nil {
		return nil, err
	}
	var out []Receipt
	for _, v := range gjson.ParseBytes(body).Array() {
		out = append(out, receiptFrom(v))
	}
	return out, nil
}

// React records a numeric reaction by the caller.
func (c *Client) React(ctx context.Context, as auth.Provider, messageID string, reaction int) error {
	_, err := c.call(ctx, as, "react", http.MethodGet,
		"/messages/"+url.PathEscape(messageID)+"/react/"+strconv.Itoa(reaction), nil)
	return err
}

// MarkRead marks the message read by the caller.
func (c *Client) MarkRead(ctx context.Context, as auth.Provider, messageID string) error {
	_, err := c.call(ctx, as, "mark_read", http.MethodGet, "/messages/"+url.PathEscape(messageID)+"/mark_as_read", nil)
	return err
}

func (c *Client) call(ctx context.Context, as auth.Provider, op, method, path string, payload any) ([]byte, error) {
	req, err := transport.NewJSONRequest(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	if err := as.InjectHeader(ctx, req); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if c.propagate {
		tracing.InjectHTTPHeaders(ctx, req.Header)
	}

	body, err := transport.Do(c.http, op, req)
	if err != nil {
		var httpErr *transport.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
			return nil, &auth.AuthError{Name: callerName(as), StatusCode: httpErr.StatusCode, Message: httpErr.Body}
		}
		return nil, err
	}
	return body, nil
}

func callerName(as auth.Provider) string {
	if s, ok := as.(fmt.Stringer); ok {
		return s.String()
	}
	return ""
}

func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
