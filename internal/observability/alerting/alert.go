package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	xerrors "YieldHarvester-Agent/internal/errors"
	"YieldHarvester-Agent/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog   Channel = "log"
	ChannelSlack Channel = "slack"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	CycleID    string
	StrategyID uint64
	TxHash     string
	Metadata   map[string]string
	OccurredAt time.Time
}

// FromError 根据错误码注册表构造告警事件。
func FromError(err error, cycleID string, strategyID uint64) Event {
	event := Event{
		Code:       xerrors.CodeOf(err),
		Severity:   xerrors.SeverityOf(err),
		CycleID:    cycleID,
		StrategyID: strategyID,
		OccurredAt: time.Now().UTC(),
	}
	if err != nil {
		event.Message = err.Error()
	}
	var typed *xerrors.Error
	if errors.As(err, &typed) {
		if meta := typed.Metadata(); len(meta) > 0 {
			event.Metadata = meta
		}
	}
	return event
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入一条 WARN 或 ERROR 日志。
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	log := logger.Audit()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	level := slog.LevelWarn
	if event.Severity == xerrors.SeverityCritical {
		level = slog.LevelError
	}
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("cycle_id", event.CycleID),
		slog.Uint64("strategy_id", event.StrategyID),
		slog.String("message", event.Message),
	}
	if event.TxHash != "" {
		attrs = append(attrs, slog.String("tx_hash", event.TxHash))
	}
	for _, key := range sortedKeys(event.Metadata) {
		attrs = append(attrs, slog.String("meta_"+key, event.Metadata[key]))
	}
	log.Log(ctx, level, "alert", attrs...)
	return nil
}

// SlackNotifier 通过 Incoming Webhook 发送 Slack 告警。
type SlackNotifier struct {
	WebhookURL string
	HTTPClient *http.Client
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.WebhookURL) == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("cycle_id", event.CycleID))
		return nil
	}
	client := n.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return slack.PostWebhookCustomHTTPContext(ctx, n.WebhookURL, client, buildSlackMessage(event))
}

func buildSlackMessage(event Event) *slack.WebhookMessage {
	fields := []slack.AttachmentField{
		{Title: "周期", Value: event.CycleID, Short: true},
		{Title: "策略", Value: fmt.Sprintf("%d", event.StrategyID), Short: true},
	}
	if event.TxHash != "" {
		fields = append(fields, slack.AttachmentField{Title: "交易", Value: event.TxHash})
	}
	for _, key := range sortedKeys(event.Metadata) {
		fields = append(fields, slack.AttachmentField{Title: key, Value: event.Metadata[key], Short: true})
	}
	return &slack.WebhookMessage{
		Text: fmt.Sprintf("*[%s]* %s", event.Severity, event.Code),
		Attachments: []slack.Attachment{{
			Color:  severityColor(event.Severity),
			Text:   event.Message,
			Fields: fields,
			Ts:     json.Number(strconv.FormatInt(event.OccurredAt.Unix(), 10)),
		}},
	}
}

func severityColor(severity xerrors.Severity) string {
	switch severity {
	case xerrors.SeverityCritical:
		return "danger"
	case xerrors.SeverityWarning:
		return "warning"
	default:
		return "#439FE0"
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
