package telegram

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// BotAPI is a minimal Telegram Bot API client used for admin reports.
type BotAPI struct {
	token  string
	client *resty.Client
}

// NewBotAPI creates a Bot API client. baseURL may be empty for the public API.
func NewBotAPI(token, baseURL string) *BotAPI {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &BotAPI{
		token:  token,
		client: resty.New().SetBaseURL(baseURL + "/bot" + token),
	}
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Call makes a raw API call to the Telegram Bot API.
func (b *BotAPI) Call(ctx context.Context, method string, params map[string]interface{}) error {
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(params).
		Post("/" + method)
	if err != nil {
		return fmt.Errorf("telegram API call %s failed: %w", method, err)
	}

	var out apiResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return fmt.Errorf("telegram API call %s: invalid response: %w", method, err)
	}
	if !out.OK {
		return fmt.Errorf("telegram API call %s: %s", method, out.Description)
	}
	return nil
}

// SendMessage sends an HTML formatted text message.
func (b *BotAPI) SendMessage(ctx context.Context, chatID string, text string) error {
	return b.Call(ctx, "sendMessage", map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
}
