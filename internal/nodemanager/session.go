package nodemanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"agents-dispatch/internal/nodemanager/adapter"
)

// ErrSessionClosed 会话 stdin 已关闭
var ErrSessionClosed = errors.New("session input closed")

// stderrTail 保留的 stderr 尾部字节数
const stderrTail = 4096

// InputWriter 向运行中的会话写入操作员输入
type InputWriter interface {
	WriteInput(text string) error
}

// Process 运行中的交互式会话
type Process interface {
	InputWriter
	Stdout() io.Reader
	CloseInput()
	Wait() error
	Stderr() string
}

// Launcher 启动会话进程
type Launcher interface {
	Launch(ctx context.Context, rc *adapter.RunConfig, encode func(string) []byte) (Process, error)
}

// ProcessLauncher 以本地子进程运行会话
type ProcessLauncher struct{}

// Launch 实现 Launcher
func (ProcessLauncher) Launch(ctx context.Context, rc *adapter.RunConfig, encode func(string) []byte) (Process, error) {
	s, err := StartSession(ctx, rc, encode)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Session 一次交互式 CLI 会话（本地进程管道）
//
// 写入 stdin 的帧由 encode 生成；stdout 交给调用方按块读取并解码。
// ctx 取消（超时或被取消）时进程被杀死。
type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer
	encode func(string) []byte

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// StartSession 启动进程并写入初始输入
func StartSession(ctx context.Context, rc *adapter.RunConfig, encode func(string) []byte) (*Session, error) {
	cmd := exec.CommandContext(ctx, rc.Command, rc.Args...)
	cmd.Dir = rc.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range rc.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// 进程被杀后管道可能仍被子进程持有，最多再等 5s
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", rc.Command, err)
	}

	s := &Session{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr, encode: encode}
	if len(rc.InitialInput) > 0 {
		if err := s.write(rc.InitialInput); err != nil {
			s.cmd.Process.Kill()
			s.cmd.Wait()
			return nil, fmt.Errorf("write initial input: %w", err)
		}
	}
	return s, nil
}

// Stdout 进程输出流
func (s *Session) Stdout() io.Reader {
	return s.stdout
}

// WriteInput 编码并写入一条操作员输入
func (s *Session) WriteInput(text string) error {
	return s.write(s.encode(text))
}

func (s *Session) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	_, err := s.stdin.Write(frame)
	return err
}

// CloseInput 关闭 stdin，CLI 在处理完当前轮次后退出
func (s *Session) CloseInput() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.stdin.Close()
	})
}

// Wait 等待进程退出
func (s *Session) Wait() error {
	s.CloseInput()
	return s.cmd.Wait()
}

// Stderr 最后若干字节的 stderr 输出
func (s *Session) Stderr() string {
	return s.stderr.String()
}

// tailBuffer 只保留最后 limit 字节
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
