package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
)

// AlertType keys the cooldown namespace.
type AlertType string

const (
	AlertPriceAnomaly  AlertType = "price_anomaly"
	AlertSourceFailure AlertType = "source_failure"
	AlertOracleStale   AlertType = "oracle_stale"
	AlertUpdateFailure AlertType = "update_failure"
	AlertWatcherError  AlertType = "watcher_error"
	AlertGeneric       AlertType = "watcher_alert"
)

// Payload 封装告警上下文。
type Payload struct {
	Type      AlertType
	Severity  metals.Severity
	Message   string
	Metal     metals.Metal
	Value     *decimal.Decimal
	Timestamp time.Time
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, payload Payload) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(payload),
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("type", string(payload.Type)).
		Str("severity", string(payload.Severity)).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(payload Payload) string {
	builder := strings.Builder{}
	builder.WriteString("[Metal Oracle Alert]\n")
	builder.WriteString(fmt.Sprintf("Type: %s\n", payload.Type))
	builder.WriteString(fmt.Sprintf("Severity: %s\n", payload.Severity))
	if payload.Metal != "" {
		builder.WriteString(fmt.Sprintf("Metal: %s\n", payload.Metal))
	}
	if payload.Value != nil {
		builder.WriteString(fmt.Sprintf("Value: %s\n", payload.Value.StringFixed(2)))
	}
	ts := payload.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", ts.UTC().Format(time.RFC3339)))
	builder.WriteString(payload.Message)
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
