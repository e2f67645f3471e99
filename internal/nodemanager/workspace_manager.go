// Package nodemanager Workspace 管理器
//
// 负责会话启动前的工作目录准备与结束后的变更统计：
//   - 项目目录：<workspace_dir>/<project>，不存在时使用 workspace_dir 本身
//   - 分支：设置了 target_branch 时从 base_branch（或当前 HEAD）切出
//   - 变更文件：会话未上报时用 git 计算
package nodemanager

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"agents-dispatch/internal/shared/model"
)

// WorkspaceManager Workspace 管理器
type WorkspaceManager struct {
	baseDir string
	logger  *zap.Logger
}

// NewWorkspaceManager 创建 Workspace 管理器
func NewWorkspaceManager(baseDir string, logger *zap.Logger) *WorkspaceManager {
	if baseDir == "" {
		baseDir = "."
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkspaceManager{baseDir: baseDir, logger: logger.Named("workspace")}
}

// PreparedWorkspace 准备好的工作空间
type PreparedWorkspace struct {
	Path  string // 会话工作目录
	IsGit bool
}

// Prepare 为任务解析工作目录，必要时切换分支
func (m *WorkspaceManager) Prepare(ctx context.Context, task *model.Task) (*PreparedWorkspace, error) {
	dir := m.baseDir
	if task.Project != "" {
		candidate := filepath.Join(m.baseDir, SanitizeWorkspacePath(task.Project))
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			dir = candidate
		}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", dir)
	}

	ws := &PreparedWorkspace{Path: dir, IsGit: isGitRepo(ctx, dir)}
	if ws.IsGit && task.TargetBranch != "" {
		args := []string{"checkout", "-B", task.TargetBranch}
		if task.BaseBranch != "" {
			args = append(args, task.BaseBranch)
		}
		if out, err := runGit(ctx, dir, args...); err != nil {
			return nil, fmt.Errorf("git checkout %s: %w, output: %s", task.TargetBranch, err, strings.TrimSpace(out))
		}
		m.logger.Info("workspace.branch.ready",
			zap.String("task_id", task.ID),
			zap.String("dir", dir),
			zap.String("branch", task.TargetBranch))
	}
	return ws, nil
}

// ChangedFiles 工作区相对 HEAD 的变更（含未跟踪文件），非 git 目录返回 nil
func (m *WorkspaceManager) ChangedFiles(ctx context.Context, ws *PreparedWorkspace) []string {
	if ws == nil || !ws.IsGit {
		return nil
	}
	seen := make(map[string]bool)
	for _, args := range [][]string{
		{"diff", "--name-only", "HEAD"},
		{"ls-files", "--others", "--exclude-standard"},
	} {
		out, err := runGit(ctx, ws.Path, args...)
		if err != nil {
			m.logger.Debug("workspace.git.failed", zap.Strings("args", args), zap.Error(err))
			continue
		}
		for _, line := range strings.Split(out, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				seen[line] = true
			}
		}
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

func isGitRepo(ctx context.Context, dir string) bool {
	out, err := runGit(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// SanitizeWorkspacePath 清理路径中的不安全字符
func SanitizeWorkspacePath(path string) string {
	path = strings.ReplaceAll(path, "..", "")
	path = strings.ReplaceAll(path, "//", "/")
	return strings.TrimPrefix(filepath.Clean("/"+path), "/")
}
