package claude

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-dispatch/internal/nodemanager/adapter"
	"agents-dispatch/internal/shared/model"
)

const sessionFixture = `{"type":"system","subtype":"init","session_id":"abc","tools":["Bash"]}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Looking at the repo."},{"type":"thinking","thinking":"hmm"},{"type":"text","text":"Running tests."},{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"go   test\n ./..."}}]}}
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"ok  \tpkg\t0.1s"}]}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_2","name":"Edit","input":{"file_path":"internal/a.go","old_string":"x","new_string":"y"}},{"type":"tool_use","id":"tu_3","name":"Write","input":{"file_path":"internal/b.go","content":"package b"}},{"type":"tool_use","id":"tu_4","name":"Edit","input":{"file_path":"internal/a.go"}}]}}
plain stderr noise
{"type":"result","subtype":"success","is_error":false,"duration_ms":125000,"total_cost_usd":0.12,"num_turns":4,"result":"Done."}
`

func TestClaudeAdapterName(t *testing.T) {
	a := New()
	if a.Name() != "claude-v1" {
		t.Errorf("Name() = %v, want claude-v1", a.Name())
	}
}

func TestClaudeAdapterBuildCommand(t *testing.T) {
	a := New()
	task := &model.Task{ID: "t-1", Description: "Fix <the> bug & add tests", Project: "alpha", TargetBranch: "fix/bug"}

	cfg, err := a.BuildCommand(task, adapter.CommandOptions{WorkspaceDir: "/work/alpha", Env: map[string]string{"FOO": "bar"}})
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.Command)
	assert.Equal(t, DefaultArgs, cfg.Args)
	assert.Equal(t, "/work/alpha", cfg.WorkingDir)
	assert.Equal(t, "t-1", cfg.Env["DISPATCH_TASK_ID"])
	assert.Equal(t, "fix/bug", cfg.Env["DISPATCH_TARGET_BRANCH"])
	assert.Equal(t, "bar", cfg.Env["FOO"])
	assert.Contains(t, string(cfg.InitialInput), `"text":"Fix <the> bug & add tests"`)

	custom, err := a.BuildCommand(task, adapter.CommandOptions{Command: "/opt/claude", Args: []string{"-p"}})
	require.NoError(t, err)
	assert.Equal(t, "/opt/claude", custom.Command)
	assert.Equal(t, []string{"-p"}, custom.Args)

	_, err = a.BuildCommand(&model.Task{ID: "t-2"}, adapter.CommandOptions{})
	assert.Error(t, err)
	_, err = a.BuildCommand(nil, adapter.CommandOptions{})
	assert.Error(t, err)
}

func TestEncodeUserInput(t *testing.T) {
	frame := EncodeUserInput("use the staging db")
	require.True(t, strings.HasSuffix(string(frame), "\n"))
	assert.Equal(t, 1, strings.Count(string(frame), "\n"))

	// 编码出的帧可以被自己的解码器识别为文本
	events := NewDecoder().Feed(frame)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventKindText, events[0].Kind)
	assert.Equal(t, "use the staging db", events[0].Text)
}

func TestEncodeUserInputRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"quotes", `say "hello" and 'bye'`},
		{"backslashes", `C:\temp\new \"dir\"`},
		{"newlines", "line one\nline two\r\n\tindented"},
		{"html characters", "<b>a & b</b> -> c"},
		{"unicode", "修复登录页 ✅ naïve café 🚀"},
		{"json looking", `{"type":"result","subtype":"success"}`},
		{"control characters", "bell\a nul\x00 esc\x1b"},
		{"empty", ""},
		{"spaces only", "   "},
		{"newline only", "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := EncodeUserInput(tt.text)
			require.True(t, strings.HasSuffix(string(frame), "\n"))
			assert.Equal(t, 1, strings.Count(string(frame), "\n"), "frame must be a single line")

			d := NewDecoder()
			events := append(d.Feed(frame), d.Flush()...)
			require.Len(t, events, 1)
			assert.Equal(t, model.EventKindText, events[0].Kind)
			assert.Equal(t, tt.text, events[0].Text)
			assert.False(t, d.Finished())
		})
	}
}

func TestDecodeBlankAssistantTextSkipped(t *testing.T) {
	events := NewDecoder().Feed([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"  "}]}}` + "\n"))
	assert.Empty(t, events)
}

func TestDecodeSession(t *testing.T) {
	d := NewDecoder()
	events := d.Feed([]byte(sessionFixture))
	events = append(events, d.Flush()...)

	kinds := make([]model.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []model.EventKind{
		model.EventKindText,
		model.EventKindToolCall,
		model.EventKindToolResult,
		model.EventKindToolCall,
		model.EventKindToolCall,
		model.EventKindToolCall,
		model.EventKindText,
		model.EventKindTerminalResult,
	}, kinds)

	assert.Equal(t, "Looking at the repo.\nRunning tests.", events[0].Text)
	assert.Equal(t, "Bash", events[1].Tool.Name)
	assert.Equal(t, "go test ./...", events[1].Tool.Summary)
	assert.Equal(t, "tu_1", events[2].Result.ToolUseID)
	assert.False(t, events[2].Result.Truncated)
	assert.Equal(t, "internal/a.go", events[3].Tool.Summary)
	assert.Equal(t, "plain stderr noise", events[6].Text)

	term := events[7].Terminal
	require.NotNil(t, term)
	assert.True(t, term.Success)
	assert.Equal(t, "2m05s", term.Duration)
	assert.InDelta(t, 0.12, term.CostUSD, 1e-9)
	assert.Equal(t, 4, term.NumTurns)
	assert.Equal(t, []string{"internal/a.go", "internal/b.go"}, term.ChangedFiles)

	assert.True(t, d.Finished())
	assert.Equal(t, []string{"internal/a.go", "internal/b.go"}, d.ChangedFiles())
	for _, ev := range events {
		assert.NoError(t, ev.Validate())
	}
}

func TestDecodeChunkBoundaries(t *testing.T) {
	whole := NewDecoder()
	want := append(whole.Feed([]byte(sessionFixture)), whole.Flush()...)

	byteWise := NewDecoder()
	var got []model.SessionEvent
	for i := 0; i < len(sessionFixture); i++ {
		got = append(got, byteWise.Feed([]byte{sessionFixture[i]})...)
	}
	got = append(got, byteWise.Flush()...)
	assert.Equal(t, want, got)

	// 任意切分点
	for _, size := range []int{3, 17, 64, 301} {
		d := NewDecoder()
		var split []model.SessionEvent
		for start := 0; start < len(sessionFixture); start += size {
			end := start + size
			if end > len(sessionFixture) {
				end = len(sessionFixture)
			}
			split = append(split, d.Feed([]byte(sessionFixture[start:end]))...)
		}
		split = append(split, d.Flush()...)
		assert.Equal(t, want, split, "chunk size %d", size)
	}
}

func TestDecodeStateIsNotShared(t *testing.T) {
	st0, _ := Decode(State{}, []byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"file_path":"a.go"}}]}}`+"\n"+`{"type":"res`))
	require.Equal(t, []string{"a.go"}, st0.ChangedFiles)

	st1, _ := Decode(st0, []byte(`ult","subtype":"success"}`+"\n"))
	assert.True(t, st1.Finished)
	assert.False(t, st0.Finished)
	assert.NotEmpty(t, st0.Carry)
	assert.Empty(t, st1.Carry)

	// 从旧状态再次解码得到相同结果
	st2, events := Decode(st0, []byte(`ult","subtype":"success"}`+"\n"))
	assert.Equal(t, st1, st2)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventKindTerminalResult, events[0].Kind)
}

func TestDecodeEdgeCases(t *testing.T) {
	tests := []struct {
		name  string
		input string
		kinds []model.EventKind
		text  string
	}{
		{"blank lines", "\n\r\n   \n", nil, ""},
		{"crlf line", `{"type":"assistant","message":{"content":"hi"}}` + "\r\n", []model.EventKind{model.EventKindText}, "hi"},
		{"non json", "panic: boom\n", []model.EventKind{model.EventKindText}, "panic: boom"},
		{"json array", "[1,2]\n", []model.EventKind{model.EventKindText}, "[1,2]"},
		{"object without type", `{"foo":1}` + "\n", []model.EventKind{model.EventKindText}, `{"foo":1}`},
		{"truncated json", `{"type":"assistant"` + "\n", []model.EventKind{model.EventKindText}, `{"type":"assistant"`},
		{"system skipped", `{"type":"system","subtype":"init"}` + "\n", nil, ""},
		{"stream_event skipped", `{"type":"stream_event","event":{}}` + "\n", nil, ""},
		{"unknown type skipped", `{"type":"telemetry"}` + "\n", nil, ""},
		{"error frame", `{"type":"error","error":{"message":"overloaded"}}` + "\n", []model.EventKind{model.EventKindText}, "error: overloaded"},
		{"thinking only", `{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"x"}]}}` + "\n", nil, ""},
		{"unterminated last line", "tail without newline", []model.EventKind{model.EventKindText}, "tail without newline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			events := append(d.Feed([]byte(tt.input)), d.Flush()...)
			var kinds []model.EventKind
			for _, ev := range events {
				kinds = append(kinds, ev.Kind)
			}
			assert.Equal(t, tt.kinds, kinds)
			if tt.text != "" {
				require.NotEmpty(t, events)
				assert.Equal(t, tt.text, events[0].Text)
			}
		})
	}
}

func TestDecodeToolResultTruncation(t *testing.T) {
	long := strings.Repeat("é", 1200)
	line, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{"content": []any{map[string]any{
			"type": "tool_result", "tool_use_id": "tu_9", "is_error": true,
			"content": []any{map[string]any{"type": "text", "text": long}},
		}}},
	})
	require.NoError(t, err)

	events := NewDecoder().Feed(append(line, '\n'))
	require.Len(t, events, 1)
	res := events[0].Result
	require.NotNil(t, res)
	assert.True(t, res.Truncated)
	assert.True(t, res.IsError)
	assert.Equal(t, 1200, res.TotalLen)
	assert.Equal(t, MaxToolResultChars, utf8.RuneCountInString(res.Body))
	assert.True(t, strings.HasPrefix(res.Body, "éé"))
	assert.True(t, strings.HasSuffix(res.Body, "… [truncated, 1200 chars total]"))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		truncated bool
	}{
		{"empty", "", false},
		{"under limit", strings.Repeat("a", 499), false},
		{"at limit", strings.Repeat("a", 500), false},
		{"one over", strings.Repeat("a", 501), true},
		{"marker sized overflow", strings.Repeat("a", 528), true},
		{"well over", strings.Repeat("a", 600), true},
		{"multibyte at limit", strings.Repeat("界", 500), false},
		{"multibyte over", strings.Repeat("界", 501), true},
		{"emoji over", strings.Repeat("🚀", 800), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total := utf8.RuneCountInString(tt.input)
			body, n, truncated := Truncate(tt.input, MaxToolResultChars)
			assert.Equal(t, total, n)
			assert.Equal(t, tt.truncated, truncated)
			if !tt.truncated {
				assert.Equal(t, tt.input, body)
				return
			}
			assert.True(t, utf8.ValidString(body))
			assert.Less(t, utf8.RuneCountInString(body), total)
			assert.LessOrEqual(t, utf8.RuneCountInString(body), MaxToolResultChars)
			assert.True(t, strings.HasSuffix(body, fmt.Sprintf("[truncated, %d chars total]", total)))
			kept := strings.TrimSuffix(body, fmt.Sprintf("… [truncated, %d chars total]", total))
			assert.True(t, strings.HasPrefix(tt.input, kept))
		})
	}

	// 上限小于标注长度时只保留前缀
	body, n, truncated := Truncate("abcdefghij", 4)
	assert.Equal(t, "abcd", body)
	assert.Equal(t, 10, n)
	assert.True(t, truncated)
}

func TestDecodeFailedResult(t *testing.T) {
	events := NewDecoder().Feed([]byte(`{"type":"result","subtype":"error_max_turns","is_error":true,"duration_ms":45000,"total_cost_usd":0.5}` + "\n"))
	require.Len(t, events, 1)
	assert.False(t, events[0].Terminal.Success)
	assert.Equal(t, "45s", events[0].Terminal.Duration)
	assert.Empty(t, events[0].Terminal.ChangedFiles)
}

func TestSummarizeToolInput(t *testing.T) {
	longCmd := strings.Repeat("a", 100)
	tests := []struct {
		name  string
		tool  string
		input string
		want  string
	}{
		{"bash", "Bash", `{"command":"ls -la\n  /tmp"}`, "ls -la /tmp"},
		{"bash long", "Bash", `{"command":"` + longCmd + `"}`, strings.Repeat("a", 79) + "…"},
		{"read", "Read", `{"file_path":"/src/main.go"}`, "/src/main.go"},
		{"notebook", "NotebookEdit", `{"notebook_path":"nb.ipynb"}`, "nb.ipynb"},
		{"grep", "Grep", `{"pattern":"func main","path":"."}`, "func main"},
		{"glob", "Glob", `{"pattern":"**/*.go"}`, "**/*.go"},
		{"other", "WebFetch", `{ "url" : "https://example.com" }`, `{"url":"https://example.com"}`},
		{"empty", "TodoWrite", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SummarizeToolInput(tt.tool, json.RawMessage(tt.input)))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{0, "0s"},
		{45000, "45s"},
		{59999, "59s"},
		{60000, "1m00s"},
		{125000, "2m05s"},
		{3720000, "1h02m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.ms))
	}
}
