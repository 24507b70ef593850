package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"

	"dmsync/pkg/models"
	"dmsync/pkg/session"
)

// REST implements RowStore over the backend's HTTP API. This is the
// implementation the fallback transport leans on when the websocket
// channel is unavailable: persist and mark-read become plain requests.
type REST struct {
	base   string
	apiKey string
	tokens session.TokenSource
	client *fasthttp.Client
}

func NewREST(baseURL, apiKey string, tokens session.TokenSource) *REST {
	return &REST{
		base:   baseURL,
		apiKey: apiKey,
		tokens: tokens,
		client: &fasthttp.Client{
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

type httpError struct {
	Status int
	Body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("backend http %d: %s", e.Status, e.Body)
}

func (r *REST) do(ctx context.Context, method, path string, body []byte, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.base + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if r.apiKey != "" {
		req.Header.Set("X-API-Key", r.apiKey)
	}
	if r.tokens != nil {
		if tok, err := r.tokens.Token(); err == nil && tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := r.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("backend %s %s: %w", method, path, err)
	}
	code := resp.StatusCode()
	if code == fasthttp.StatusNotFound {
		return ErrNotFound
	}
	if code < 200 || code > 299 {
		return &httpError{Status: code, Body: string(resp.Body())}
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

type messagePage struct {
	Messages []json.RawMessage `json:"messages"`
}

func (r *REST) listMessages(ctx context.Context, path string) ([]models.Message, error) {
	var page messagePage
	if err := r.do(ctx, fasthttp.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(page.Messages))
	for _, raw := range page.Messages {
		m, err := models.DecodeMessage(raw)
		if err != nil {
			// skip rows the backend serialized in a shape we cannot
			// validate rather than failing the whole page
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *REST) RecentMessages(ctx context.Context, threadID models.Ident, limit int) ([]models.Message, error) {
	path := fmt.Sprintf("/v1/threads/%s/messages?order=asc&last=%d", url.PathEscape(threadID.String()), limit)
	return r.listMessages(ctx, path)
}

func (r *REST) MessagesBefore(ctx context.Context, threadID, beforeID models.Ident, limit int) ([]models.Message, error) {
	path := fmt.Sprintf("/v1/threads/%s/messages?order=asc&before=%s&last=%d",
		url.PathEscape(threadID.String()), url.QueryEscape(beforeID.String()), limit)
	return r.listMessages(ctx, path)
}

func (r *REST) MessagesSince(ctx context.Context, threadID, sinceID models.Ident) ([]models.Message, error) {
	path := fmt.Sprintf("/v1/threads/%s/messages?order=asc&since=%s",
		url.PathEscape(threadID.String()), url.QueryEscape(sinceID.String()))
	return r.listMessages(ctx, path)
}

func (r *REST) InsertMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	payload := map[string]any{
		"thread_id":     msg.ThreadID,
		"sender_id":     msg.SenderID,
		"body":          msg.Body,
		"attachments":   msg.Attachments,
		"client_msg_id": msg.ClientMsgID,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return models.Message{}, err
	}
	var raw json.RawMessage
	path := fmt.Sprintf("/v1/threads/%s/messages", url.PathEscape(msg.ThreadID.String()))
	if err := r.do(ctx, fasthttp.MethodPost, path, b, &raw); err != nil {
		return models.Message{}, err
	}
	return models.DecodeMessage(raw)
}

func (r *REST) Thread(ctx context.Context, threadID models.Ident) (models.Thread, error) {
	var raw json.RawMessage
	path := "/v1/threads/" + url.PathEscape(threadID.String())
	if err := r.do(ctx, fasthttp.MethodGet, path, nil, &raw); err != nil {
		return models.Thread{}, err
	}
	return models.DecodeThread(raw)
}

func (r *REST) Receipts(ctx context.Context, threadID, senderID models.Ident) ([]models.Receipt, error) {
	var page struct {
		Receipts []json.RawMessage `json:"receipts"`
	}
	path := fmt.Sprintf("/v1/threads/%s/receipts?sender=%s",
		url.PathEscape(threadID.String()), url.QueryEscape(senderID.String()))
	if err := r.do(ctx, fasthttp.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	out := make([]models.Receipt, 0, len(page.Receipts))
	for _, raw := range page.Receipts {
		rec, err := models.DecodeReceipt(raw)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *REST) MessageExists(ctx context.Context, messageID, senderID models.Ident) (bool, error) {
	var raw json.RawMessage
	path := "/v1/messages/" + url.PathEscape(messageID.String())
	err := r.do(ctx, fasthttp.MethodGet, path, nil, &raw)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m, err := models.DecodeMessage(raw)
	if err != nil {
		return false, nil
	}
	return m.SenderID == senderID, nil
}

func (r *REST) MarkRead(ctx context.Context, threadID, userID, upToID models.Ident) error {
	b, err := json.Marshal(map[string]any{
		"user_id":  userID,
		"up_to_id": upToID,
	})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/v1/threads/%s/read", url.PathEscape(threadID.String()))
	return r.do(ctx, fasthttp.MethodPost, path, b, nil)
}
