package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const feishuBaseURL = "https://open.feishu.cn/open-apis"

// FeishuBot sends interactive card messages through a Feishu app to a single
// recipient. Tenant access tokens are cached until shortly before expiry.
type FeishuBot struct {
	// BaseURL defaults to the Feishu open API; tests point it elsewhere.
	BaseURL   string
	appID     string
	appSecret string
	receiveID string
	client    *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewFeishuBot creates a Feishu notifier. receiveID is the open_id of the
// user or chat that receives messages.
func NewFeishuBot(appID, appSecret, receiveID string) *FeishuBot {
	return &FeishuBot{
		BaseURL:   feishuBaseURL,
		appID:     appID,
		appSecret: appSecret,
		receiveID: receiveID,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// tenantToken returns a valid tenant access token, refreshing if the cached
// one expires within a minute.
func (b *FeishuBot) tenantToken(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token != "" && time.Until(b.tokenExpiry) > time.Minute {
		return b.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     b.appID,
		"app_secret": b.appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.BaseURL+"/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("feishu: creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("feishu: token request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("feishu: decoding token response: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("feishu: token request returned code=%d msg=%q", result.Code, result.Msg)
	}

	b.token = result.TenantAccessToken
	b.tokenExpiry = time.Now().Add(time.Duration(result.Expire) * time.Second)
	return b.token, nil
}

// SendDigest delivers one post digest as an interactive card titled with the
// creator and source platform.
func (b *FeishuBot) SendDigest(ctx context.Context, authorName, sourceLabel, markdownBody string) error {
	title := fmt.Sprintf("%s · %s", authorName, sourceLabel)
	return b.sendCard(ctx, "blue", title, markdownBody)
}

// SendSystemNotice delivers an operator notice with a level-colored header.
func (b *FeishuBot) SendSystemNotice(ctx context.Context, level Level, title, content string) error {
	color := "grey"
	switch level {
	case LevelInfo:
		color = "blue"
	case LevelWarn:
		color = "orange"
	case LevelError:
		color = "red"
	}
	return b.sendCard(ctx, color, title, content)
}

func (b *FeishuBot) sendCard(ctx context.Context, headerColor, title, markdown string) error {
	token, err := b.tenantToken(ctx)
	if err != nil {
		return err
	}

	card := map[string]any{
		"config": map[string]bool{"wide_screen_mode": true},
		"header": map[string]any{
			"template": headerColor,
			"title":    map[string]string{"tag": "plain_text", "content": title},
		},
		"elements": []map[string]any{
			{"tag": "markdown", "content": markdown},
		},
	}
	cardJSON, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("feishu: marshaling card: %w", err)
	}

	payload, err := json.Marshal(map[string]string{
		"receive_id": b.receiveID,
		"msg_type":   "interactive",
		"content":    string(cardJSON),
	})
	if err != nil {
		return fmt.Errorf("feishu: marshaling message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.BaseURL+"/im/v1/messages?receive_id_type=open_id", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("feishu: creating message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("feishu: sending message: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("feishu: reading message response: %w", err)
	}
	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("feishu: decoding message response: %w", err)
	}
	if result.Code != 0 {
		return fmt.Errorf("feishu: message send returned code=%d msg=%q", result.Code, result.Msg)
	}
	return nil
}
