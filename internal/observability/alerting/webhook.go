package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSender 以 JSON 方式投递到一个 webhook 地址，payload 决定消息体格式。
type WebhookSender struct {
	URL     string
	Client  *http.Client
	payload func(content string) any
}

// NewSlackSender 返回 Slack incoming webhook 发送器。
func NewSlackSender(url string, client *http.Client) *WebhookSender {
	return &WebhookSender{URL: url, Client: client, payload: func(content string) any {
		return map[string]string{"text": content}
	}}
}

// NewDingTalkSender 返回钉钉机器人发送器。
func NewDingTalkSender(url string, client *http.Client) *WebhookSender {
	return &WebhookSender{URL: url, Client: client, payload: func(content string) any {
		return map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": content},
		}
	}}
}

// Send 发送一条文本消息，非 2xx 响应视为失败。
func (s *WebhookSender) Send(ctx context.Context, content string) error {
	body, err := json.Marshal(s.payload(content))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回状态 %d", resp.StatusCode)
	}
	return nil
}
