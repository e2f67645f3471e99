package nodemanager

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
	"go.uber.org/zap"

	"agents-dispatch/internal/config"
	"agents-dispatch/internal/nodemanager/adapter"
)

// ============================================================================
// ContainerLauncher - Docker 沙箱会话
// ============================================================================

const (
	defaultSandboxMount = "/workspace"
	containerRemoveWait = 30 * time.Second
)

// ExitError 容器以非零状态退出
type ExitError struct {
	Code int64
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("container exited with status %d", e.Code)
}

// ContainerLauncher 在 Docker 容器中运行会话，工作目录以 bind mount 挂入
type ContainerLauncher struct {
	cli    *client.Client
	cfg    config.SandboxConfig
	logger *zap.Logger
}

// NewContainerLauncher 按 DOCKER_HOST 等环境变量连接 Docker
func NewContainerLauncher(cfg config.SandboxConfig, logger *zap.Logger) (*ContainerLauncher, error) {
	if cfg.Image == "" {
		return nil, errors.New("sandbox image is required")
	}
	if cfg.Mount == "" {
		cfg.Mount = defaultSandboxMount
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &ContainerLauncher{cli: cli, cfg: cfg, logger: logger.Named("sandbox")}, nil
}

// Ping 检查 Docker 守护进程可达
func (l *ContainerLauncher) Ping(ctx context.Context) error {
	_, err := l.cli.Ping(ctx, client.PingOptions{})
	return err
}

// Close 关闭 Docker 客户端
func (l *ContainerLauncher) Close() error {
	return l.cli.Close()
}

// Launch 创建并启动容器，先 attach 再 start，避免丢失最早的输出
func (l *ContainerLauncher) Launch(ctx context.Context, rc *adapter.RunConfig, encode func(string) []byte) (Process, error) {
	hostDir, err := filepath.Abs(rc.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	env := append([]string(nil), l.cfg.Env...)
	for k, v := range rc.Env {
		env = append(env, k+"="+v)
	}

	created, err := l.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:  fmt.Sprintf("dispatch-session-%d", time.Now().UnixNano()),
		Image: l.cfg.Image,
		Config: &container.Config{
			Entrypoint:   []string{rc.Command},
			Cmd:          rc.Args,
			Env:          env,
			WorkingDir:   l.cfg.Mount,
			OpenStdin:    true,
			StdinOnce:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: &container.HostConfig{
			Binds:       []string{hostDir + ":" + l.cfg.Mount},
			NetworkMode: container.NetworkMode(l.cfg.Network),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	s := &containerSession{
		ctx:     ctx,
		cli:     l.cli,
		id:      created.ID,
		logger:  l.logger.With(zap.String("container_id", shortID(created.ID))),
		stderr:  &tailBuffer{limit: stderrTail},
		encode:  encode,
		exited:  make(chan struct{}),
		demuxed: make(chan struct{}),
	}

	attached, err := l.cli.ContainerAttach(ctx, created.ID, client.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		s.remove()
		return nil, fmt.Errorf("attach container: %w", err)
	}
	s.conn = attached.Conn

	pr, pw := io.Pipe()
	s.stdout = pr
	go func() {
		defer close(s.demuxed)
		pw.CloseWithError(demuxStream(attached.Reader, pw, s.stderr))
	}()

	if _, err := l.cli.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		s.remove()
		return nil, fmt.Errorf("start container: %w", err)
	}
	go s.watch()
	s.logger.Debug("sandbox.container.started", zap.String("image", l.cfg.Image), zap.String("workspace", hostDir))

	if len(rc.InitialInput) > 0 {
		if err := s.write(rc.InitialInput); err != nil {
			s.remove()
			return nil, fmt.Errorf("write initial input: %w", err)
		}
	}
	return s, nil
}

// containerSession 实现 Process
type containerSession struct {
	ctx    context.Context
	cli    *client.Client
	id     string
	logger *zap.Logger
	conn   io.ReadWriteCloser
	stdout io.Reader
	stderr *tailBuffer
	encode func(string) []byte

	mu         sync.Mutex
	closed     bool
	closeOnce  sync.Once
	removeOnce sync.Once
	exitOnce   sync.Once
	exited     chan struct{}
	demuxed    chan struct{}
}

// watch ctx 取消（超时或中止）时强制删除容器，输出流随之结束
func (s *containerSession) watch() {
	select {
	case <-s.ctx.Done():
		s.remove()
	case <-s.exited:
	}
}

func (s *containerSession) Stdout() io.Reader {
	return s.stdout
}

func (s *containerSession) Stderr() string {
	return s.stderr.String()
}

func (s *containerSession) WriteInput(text string) error {
	return s.write(s.encode(text))
}

func (s *containerSession) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	_, err := s.conn.Write(frame)
	return err
}

// CloseInput 半关闭 attach 连接；StdinOnce 使容器内 stdin 收到 EOF
func (s *containerSession) CloseInput() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.conn == nil {
			return
		}
		if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
			if err := cw.CloseWrite(); err != nil {
				s.logger.Debug("sandbox.close_write.failed", zap.Error(err))
			}
			return
		}
		s.conn.Close()
	})
}

// Wait 等待容器退出并删除容器
func (s *containerSession) Wait() error {
	s.CloseInput()

	var err error
	res := s.cli.ContainerWait(s.ctx, s.id, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	select {
	case werr := <-res.Error:
		err = werr
	case r := <-res.Result:
		if r.StatusCode != 0 {
			err = &ExitError{Code: r.StatusCode}
		}
	}
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		err = ctxErr
	}

	s.exitOnce.Do(func() { close(s.exited) })
	s.remove()
	<-s.demuxed
	return err
}

func (s *containerSession) remove() {
	s.removeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), containerRemoveWait)
		defer cancel()
		if _, err := s.cli.ContainerRemove(ctx, s.id, client.ContainerRemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			s.logger.Warn("sandbox.container.remove_failed", zap.Error(err))
		}
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// ============================================================================
// 非 TTY attach 流的多路复用帧
// ============================================================================

// 帧头：1 字节流类型 + 3 字节填充 + 4 字节大端长度
const frameHeaderLen = 8

const (
	streamStdin     = 0
	streamStdout    = 1
	streamStderr    = 2
	streamSystemErr = 3
)

// demuxStream 把 attach 流拆分到 stdout/stderr，src 在帧边界 EOF 时返回 nil
func demuxStream(src io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, frameHeaderLen)
	for {
		if _, err := io.ReadFull(src, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var dst io.Writer
		switch header[0] {
		case streamStdin, streamStdout:
			dst = stdout
		case streamStderr, streamSystemErr:
			dst = stderr
		default:
			return fmt.Errorf("unknown stream type %d", header[0])
		}
		size := int64(binary.BigEndian.Uint32(header[4:]))
		if _, err := io.CopyN(dst, src, size); err != nil {
			return err
		}
	}
}
