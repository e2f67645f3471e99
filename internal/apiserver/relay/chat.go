package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"agents-dispatch/internal/apiserver/metrics"
)

// ChatRelay 聊天转发接口
//
// thread 为实现自定义的线程标识（Slack 为 channel:ts）。
type ChatRelay interface {
	// Append 在线程中追加一段文本
	Append(ctx context.Context, thread, text string) error

	// Rename 修改线程标题（任务结束时调用一次）
	Rename(ctx context.Context, thread, title string) error
}

// ============================================================================
// LogChatRelay - 仅记录日志的实现（未配置聊天平台时使用）
// ============================================================================

// LogChatRelay 把转发内容写入日志
type LogChatRelay struct {
	logger *zap.Logger
}

// NewLogChatRelay 创建日志转发
func NewLogChatRelay(logger *zap.Logger) *LogChatRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChatRelay{logger: logger.Named("chat")}
}

// Append 记录追加的文本
func (r *LogChatRelay) Append(_ context.Context, thread, text string) error {
	r.logger.Info("chat.append", zap.String("thread", thread), zap.Int("chars", len(text)), zap.String("text", text))
	return nil
}

// Rename 记录线程标题
func (r *LogChatRelay) Rename(_ context.Context, thread, title string) error {
	r.logger.Info("chat.rename", zap.String("thread", thread), zap.String("title", title))
	return nil
}

// ============================================================================
// Coalescer - 按线程合并突发输出
// ============================================================================

// DefaultMaxChars 单条聊天消息的字符上限
const DefaultMaxChars = 3500

// Coalescer 把同一线程的多行输出合并后再调用 ChatRelay
//
// Add 只写入内存；Run 按固定周期刷新，Flush 立即刷新单个线程。
// 同一线程的取出与发送串行进行，消息按 Add 的顺序到达。
// 转发失败的内容会被丢弃并记录日志，不会阻塞会话。
type Coalescer struct {
	relay    ChatRelay
	maxChars int
	logger   *zap.Logger
	metrics  *metrics.Metrics
	sending  lockSet

	mu      sync.Mutex
	pending map[string][]string
	order   []string // 线程首次出现的顺序，保证刷新顺序稳定
}

// NewCoalescer 创建合并器，maxChars <= 0 时使用 DefaultMaxChars
func NewCoalescer(relay ChatRelay, maxChars int, logger *zap.Logger, m *metrics.Metrics) *Coalescer {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coalescer{
		relay:    relay,
		maxChars: maxChars,
		logger:   logger.Named("coalescer"),
		metrics:  m,
		pending:  make(map[string][]string),
	}
}

// Add 追加一行待转发文本
func (c *Coalescer) Add(thread, text string) {
	if thread == "" || strings.TrimSpace(text) == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[thread]; !ok {
		c.order = append(c.order, thread)
	}
	c.pending[thread] = append(c.pending[thread], text)
}

// Pending 返回线程中尚未刷新的行数
func (c *Coalescer) Pending(thread string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[thread])
}

// Flush 立即刷新一个线程
func (c *Coalescer) Flush(ctx context.Context, thread string) {
	unlock := c.sending.lock(thread)
	defer unlock()
	c.flush(ctx, thread)
}

// FlushAll 刷新所有线程
func (c *Coalescer) FlushAll(ctx context.Context) {
	c.mu.Lock()
	threads := append([]string(nil), c.order...)
	c.mu.Unlock()

	for _, thread := range threads {
		c.Flush(ctx, thread)
	}
}

// Rename 刷新线程后修改标题
func (c *Coalescer) Rename(ctx context.Context, thread, title string) {
	if thread == "" {
		return
	}
	unlock := c.sending.lock(thread)
	defer unlock()
	c.flush(ctx, thread)
	if err := c.relay.Rename(ctx, thread, title); err != nil {
		c.metrics.RecordChatFlush("error")
		c.logger.Warn("chat.rename.failed", zap.String("thread", thread), zap.Error(err))
	}
}

// Run 周期刷新，直到 ctx 取消；退出前做最后一次刷新
func (c *Coalescer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.FlushAll(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			c.FlushAll(ctx)
		}
	}
}

// flush 调用方持有线程的发送锁
func (c *Coalescer) flush(ctx context.Context, thread string) {
	c.mu.Lock()
	lines := c.take(thread)
	c.mu.Unlock()
	c.send(ctx, thread, lines)
}

// take 调用方持有 c.mu
func (c *Coalescer) take(thread string) []string {
	lines, ok := c.pending[thread]
	if !ok {
		return nil
	}
	delete(c.pending, thread)
	for i, t := range c.order {
		if t == thread {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return lines
}

func (c *Coalescer) send(ctx context.Context, thread string, lines []string) {
	for _, chunk := range SplitChunks(lines, c.maxChars) {
		if err := c.relay.Append(ctx, thread, chunk); err != nil {
			c.metrics.RecordChatFlush("error")
			c.logger.Warn("chat.append.failed", zap.String("thread", thread), zap.Error(err))
			return
		}
		c.metrics.RecordChatFlush("ok")
	}
}

// SplitChunks 按行拼接为不超过 maxChars 字符的块；单行超长时按字符切分
func SplitChunks(lines []string, maxChars int) []string {
	var chunks []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	for _, line := range lines {
		runes := []rune(line)
		for len(runes) > maxChars {
			flush()
			chunks = append(chunks, string(runes[:maxChars]))
			runes = runes[maxChars:]
		}
		n := len(runes)
		if curLen > 0 && curLen+1+n > maxChars {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte('\n')
			curLen++
		}
		cur.WriteString(string(runes))
		curLen += n
	}
	flush()
	return chunks
}
