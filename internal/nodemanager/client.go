package nodemanager

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"agents-dispatch/internal/shared/model"
)

var (
	// ErrNotRegistered 控制面不认识本机器（心跳 404），需要重新注册
	ErrNotRegistered = errors.New("machine not registered")

	// ErrTaskFinished 任务已进入终态（控制面返回 409），会话应当终止
	ErrTaskFinished = errors.New("task already finished")
)

// nodeTokenHeader 与控制面鉴权中间件一致
const nodeTokenHeader = "X-Node-Token"

// nodeTokenTransport 包装 http.RoundTripper，自动注入 X-Node-Token header
type nodeTokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *nodeTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(nodeTokenHeader, t.token)
	return t.base.RoundTrip(req)
}

// IngestResult 事件上报的响应
type IngestResult struct {
	Accepted int              `json:"accepted"`
	LastSeq  int64            `json:"last_seq"`
	Status   model.TaskStatus `json:"status"`
	Terminal bool             `json:"terminal"`
}

// pollResult 拉取输入的响应
type pollResult struct {
	Inputs []string         `json:"inputs"`
	Status model.TaskStatus `json:"status"`
}

// Client 控制面 HTTP 客户端
//
// Worker 只通过 HTTP 与控制面交互，不直连数据库或 Redis。
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient 创建客户端；token 非空时每个请求携带 X-Node-Token
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if token != "" {
		base := httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		httpClient = &http.Client{
			Timeout:   httpClient.Timeout,
			Jar:       httpClient.Jar,
			Transport: &nodeTokenTransport{base: base, token: token},
		}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// NewHTTPClient HTTPS 控制面使用自签名证书时，以 caFile 构建信任池；其余情况返回 nil（使用默认客户端）
func NewHTTPClient(apiURL, caFile string) (*http.Client, error) {
	if caFile == "" || !strings.HasPrefix(apiURL, "https://") {
		return nil, nil
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", caFile)
	}
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		},
	}, nil
}

// Register 幂等注册
func (c *Client) Register(ctx context.Context, m *model.Machine) (*model.Machine, error) {
	var out model.Machine
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/machines", m, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat 上报心跳，404 返回 ErrNotRegistered
func (c *Client) Heartbeat(ctx context.Context, machineID string, activeTasks int) error {
	status, err := c.do(ctx, http.MethodPost, "/api/v1/machines/"+url.PathEscape(machineID)+"/heartbeat",
		map[string]int{"active_tasks": activeTasks}, nil)
	if status == http.StatusNotFound {
		return ErrNotRegistered
	}
	return err
}

// Claim 领取下一个任务，没有任务时返回 nil, nil
func (c *Client) Claim(ctx context.Context, machineID string) (*model.Task, error) {
	var task model.Task
	status, err := c.do(ctx, http.MethodPost, "/api/v1/machines/"+url.PathEscape(machineID)+"/claim", nil, &task)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, ErrNotRegistered
		}
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &task, nil
}

// PostEvents 上报一批会话事件，任务已结束返回 ErrTaskFinished
func (c *Client) PostEvents(ctx context.Context, taskID string, events []model.SessionEvent) (*IngestResult, error) {
	var out IngestResult
	status, err := c.do(ctx, http.MethodPost, taskPath(taskID, "/events"),
		map[string]interface{}{"events": events}, &out)
	if status == http.StatusConflict {
		return nil, ErrTaskFinished
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PatchTask 上报状态或结果，任务已结束返回 ErrTaskFinished
func (c *Client) PatchTask(ctx context.Context, taskID string, patch *model.TaskPatch) (*model.Task, error) {
	var out model.Task
	status, err := c.do(ctx, http.MethodPatch, taskPath(taskID, ""), patch, &out)
	if status == http.StatusConflict {
		return nil, ErrTaskFinished
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PollInput 拉取排队的操作员输入，同时返回任务当前状态
func (c *Client) PollInput(ctx context.Context, taskID string) ([]string, model.TaskStatus, error) {
	var out pollResult
	if _, err := c.do(ctx, http.MethodPost, taskPath(taskID, "/input/poll"), nil, &out); err != nil {
		return nil, "", err
	}
	return out.Inputs, out.Status, nil
}

func taskPath(taskID, suffix string) string {
	return "/api/v1/tasks/" + url.PathEscape(taskID) + suffix
}

// do 发送 JSON 请求；非 2xx 返回错误（同时返回状态码供调用方判断）
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}
