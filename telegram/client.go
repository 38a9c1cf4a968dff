// Package telegram is the chat transport adapter: an HTTP client for the Bot
// API (the core's notification sink) plus the webhook payload types and the
// short-lived per-chat session state.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"bitbucket.org/mmdatafocus/attendance_backend/models"
)

const apiBase = "https://api.telegram.org"

// Client talks to the Bot API. Implements models.NotificationSink.
type Client struct {
	Token      string
	HTTPClient *http.Client
}

func NewClient(token string) *Client {
	return &Client{
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type sendMessageRequest struct {
	ChatID      int64                `json:"chat_id"`
	Text        string               `json:"text"`
	ReplyMarkup *ReplyKeyboardMarkup `json:"reply_markup,omitempty"`
}

type apiResponse struct {
	Ok          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendMessage posts a message to one chat, optionally with a reply keyboard.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, keyboard *ReplyKeyboardMarkup) error {
	payload := sendMessageRequest{ChatID: chatID, Text: text, ReplyMarkup: keyboard}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", apiBase, c.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return err
	}
	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("sendMessage: status %d: %w", resp.StatusCode, err)
	}
	if !parsed.Ok {
		return fmt.Errorf("sendMessage: %s", parsed.Description)
	}
	return nil
}

// GetMe returns the bot's own username, used to build invite deep links.
func (c *Client) GetMe(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/bot%s/getMe", apiBase, c.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", err
	}
	var parsed struct {
		Ok     bool   `json:"ok"`
		Desc   string `json:"description"`
		Result struct {
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("getMe: status %d: %w", resp.StatusCode, err)
	}
	if !parsed.Ok {
		return "", fmt.Errorf("getMe: %s", parsed.Desc)
	}
	return parsed.Result.Username, nil
}

// Notify implements models.NotificationSink.
func (c *Client) Notify(ctx context.Context, employee *models.Employee, text string) error {
	return c.SendMessage(ctx, employee.ExternalId, text, nil)
}

/* Per-chat session state.

The "action chosen before the location arrives" selection is short-lived
state keyed by chat, held in Redis with an expiry rather than an in-process
map (the webhook may land on any instance). A location only counts while the
armed action is alive; after the TTL the user presses the button again. */

const pendingActionTTL = 10 * time.Minute

// ActionState stores the action a user armed before sending a location.
type ActionState interface {
	Set(chatID int64, action string) error
	Get(chatID int64) (string, bool, error)
	Clear(chatID int64) error
}

// RedisActionState is the production ActionState.
type RedisActionState struct{}

func pendingActionKey(chatID int64) string {
	return fmt.Sprintf("PendingAction:%d", chatID)
}

func (RedisActionState) Set(chatID int64, action string) error {
	return config.SetRedisValue(pendingActionKey(chatID), action, pendingActionTTL)
}

func (RedisActionState) Get(chatID int64) (string, bool, error) {
	return config.GetRedisValue(pendingActionKey(chatID))
}

func (RedisActionState) Clear(chatID int64) error {
	return config.RemoveRedisKey(pendingActionKey(chatID))
}
