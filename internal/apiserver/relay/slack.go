package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// slackPoster SlackRelay 使用的 slack.Client 方法子集（测试中替换）
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

// SlackRelay 把会话输出转发到 Slack 线程
//
// 线程标识格式为 "channel:ts"，ts 为线程首条消息的时间戳。
// Rename 通过更新首条消息实现（Slack 线程本身没有标题）。
type SlackRelay struct {
	client slackPoster
	logger *zap.Logger
}

// NewSlackRelay 使用 Bot Token 创建
func NewSlackRelay(botToken string, logger *zap.Logger) *SlackRelay {
	return newSlackRelay(slack.New(botToken), logger)
}

func newSlackRelay(client slackPoster, logger *zap.Logger) *SlackRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlackRelay{client: client, logger: logger.Named("slack")}
}

// OpenThread 在频道中发出首条消息，返回新线程标识
func (r *SlackRelay) OpenThread(ctx context.Context, channel, title string) (string, error) {
	_, ts, err := r.client.PostMessageContext(ctx, channel, slack.MsgOptionText(title, false))
	if err != nil {
		return "", fmt.Errorf("slack open thread in %s: %w", channel, err)
	}
	return channel + ":" + ts, nil
}

// Append 在线程中回复
func (r *SlackRelay) Append(ctx context.Context, thread, text string) error {
	channel, ts, err := ParseSlackThread(thread)
	if err != nil {
		return err
	}
	_, _, err = r.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(ts))
	if err != nil {
		return fmt.Errorf("slack post to %s: %w", thread, err)
	}
	return nil
}

// Rename 更新线程首条消息
func (r *SlackRelay) Rename(ctx context.Context, thread, title string) error {
	channel, ts, err := ParseSlackThread(thread)
	if err != nil {
		return err
	}
	if _, _, _, err := r.client.UpdateMessageContext(ctx, channel, ts, slack.MsgOptionText(title, false)); err != nil {
		return fmt.Errorf("slack update %s: %w", thread, err)
	}
	r.logger.Debug("slack.thread.renamed", zap.String("thread", thread))
	return nil
}

// ParseSlackThread 解析 "channel:ts"
func ParseSlackThread(thread string) (channel, ts string, err error) {
	channel, ts, ok := strings.Cut(thread, ":")
	if !ok || channel == "" || ts == "" {
		return "", "", fmt.Errorf("invalid slack thread id %q, want channel:ts", thread)
	}
	return channel, ts, nil
}

var _ ChatRelay = (*SlackRelay)(nil)
var _ ChatRelay = (*LogChatRelay)(nil)
