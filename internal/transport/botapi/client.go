// Package botapi implements the chat transport against a Telegram-style
// Bot API: JSON POSTs to method endpoints, with retry on transient
// failures and a distinguishable "recipient unreachable" condition for
// blocked or deleted accounts.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/broadcast-lab/internal/domain"
	"github.com/ignite/broadcast-lab/internal/pkg/httpretry"
	"github.com/ignite/broadcast-lab/internal/service/experiment"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// methodForMedia maps a media item type to its Bot API send method and
// payload field.
var methodForMedia = map[string]struct{ method, field string }{
	"photo":    {"sendPhoto", "photo"},
	"video":    {"sendVideo", "video"},
	"document": {"sendDocument", "document"},
	"audio":    {"sendAudio", "audio"},
	"voice":    {"sendVoice", "voice"},
}

// Client is a Bot API client implementing experiment.Transport.
type Client struct {
	baseURL string
	token   string
	http    httpretry.HTTPDoer
}

// NewClient creates a Bot API client. An empty baseURL falls back to the
// public endpoint; a nil doer gets a retrying client with sane defaults.
func NewClient(baseURL, token string, doer httpretry.HTTPDoer) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if doer == nil {
		doer = httpretry.NewRetryClient(&http.Client{Timeout: 20 * time.Second}, 3)
	}
	return &Client{baseURL: baseURL, token: token, http: doer}
}

// Send delivers a message to the chat. Text-only content goes through
// sendMessage; media items each go through their typed method, with the
// message text and buttons attached to the first item.
func (c *Client) Send(ctx context.Context, chatID int64, msg experiment.Message) (*experiment.Receipt, error) {
	if len(msg.Media) == 0 {
		payload := sendPayload{"chat_id": chatID, "text": msg.Text}
		attachButtons(payload, msg.Buttons)
		return c.call(ctx, "sendMessage", payload)
	}

	var receipt *experiment.Receipt
	for i, item := range msg.Media {
		m, ok := methodForMedia[item.Type]
		if !ok {
			return nil, fmt.Errorf("botapi: unsupported media type %q", item.Type)
		}
		payload := sendPayload{"chat_id": chatID, m.field: item.FileRef}
		if i == 0 {
			if msg.Text != "" {
				payload["caption"] = msg.Text
			}
			attachButtons(payload, msg.Buttons)
		} else if item.Caption != "" {
			payload["caption"] = item.Caption
		}
		r, err := c.call(ctx, m.method, payload)
		if err != nil {
			return receipt, err
		}
		if receipt == nil {
			receipt = r
		}
	}
	return receipt, nil
}

func (c *Client) call(ctx context.Context, method string, payload sendPayload) (*experiment.Receipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("botapi: marshal %s: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("botapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("botapi: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("botapi: decode %s response (http %d): %w", method, resp.StatusCode, err)
	}

	if !apiResp.OK {
		// 403 means the user blocked the bot or deleted their account.
		// That recipient is dead for good: surface the sentinel so the
		// delivery loop records it instead of retrying forever.
		if apiResp.ErrorCode == http.StatusForbidden {
			return nil, fmt.Errorf("botapi: %s: %w", apiResp.Description, experiment.ErrUnreachable)
		}
		return nil, fmt.Errorf("botapi: %s failed: %d %s", method, apiResp.ErrorCode, apiResp.Description)
	}

	return &experiment.Receipt{
		MessageID: apiResp.Result.MessageID,
		SentAt:    time.Now().UTC(),
	}, nil
}

func attachButtons(payload sendPayload, buttons []domain.Button) {
	if len(buttons) == 0 {
		return
	}
	rows := make([][]inlineButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, []inlineButton{{
			Text:         b.Label,
			URL:          b.URL,
			CallbackData: b.Action,
		}})
	}
	payload["reply_markup"] = inlineKeyboard{InlineKeyboard: rows}
}
