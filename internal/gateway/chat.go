// Chat platform sender. Delivery is at-least-once: callers guard their own
// side effects, the sender just reports success or failure per message.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Sender pushes one message to a subject's delivery channel.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// BotClient implements Sender over a Telegram-style bot HTTP API.
type BotClient struct {
	BaseURL    string // e.g. https://api.telegram.org
	Token      string
	HTTPClient *http.Client
}

// NewBotClient builds a sender with a bounded request timeout.
func NewBotClient(baseURL, token string) *BotClient {
	return &BotClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SendMessage posts one text message. Non-2xx responses are errors so the
// caller can decide between retry and drop.
func (c *BotClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/sendMessage", c.BaseURL, c.Token), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send message: status %d", resp.StatusCode)
	}
	return nil
}
