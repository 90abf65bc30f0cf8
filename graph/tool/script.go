package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	defaultMaxOutputBytes = 1 << 20

	// pipeWaitDelay bounds how long Call waits for output pipes once the
	// command exited or was killed. Descendants that inherited the pipes
	// would otherwise hold Wait open.
	pipeWaitDelay = time.Second
)

// ScriptTool runs a local command.
//
// Input:
//   - command (required): executable name or path
//   - args: list of arguments
//   - stdin: string sent verbatim, any other value JSON-encoded
//   - env: extra environment variables
//   - dir: working directory
//
// Output:
//   - exit_code, stdout, stderr
//   - result: stdout decoded as JSON when possible, else trimmed text
//   - success: exit_code == 0
//
// The child gets a minimal environment: only the variables named by
// WithInheritEnv (PATH and HOME by default) plus input env. Killing by ctx
// is reported as an error; a non-zero exit is not. On unix the command runs
// in its own process group and cancellation kills the whole group.
type ScriptTool struct {
	allowed        map[string]bool
	inheritEnv     []string
	maxOutputBytes int
}

// ScriptOption configures a ScriptTool.
type ScriptOption func(*ScriptTool)

// WithAllowedCommands restricts which commands may run. Entries are matched
// against the command as given and against its base name.
func WithAllowedCommands(commands ...string) ScriptOption {
	return func(s *ScriptTool) {
		s.allowed = make(map[string]bool, len(commands))
		for _, c := range commands {
			s.allowed[c] = true
		}
	}
}

// WithInheritEnv names the parent environment variables passed through.
func WithInheritEnv(keys ...string) ScriptOption {
	return func(s *ScriptTool) { s.inheritEnv = keys }
}

// WithMaxOutputBytes caps captured stdout and stderr each.
func WithMaxOutputBytes(n int) ScriptOption {
	return func(s *ScriptTool) { s.maxOutputBytes = n }
}

// NewScriptTool creates a ScriptTool.
func NewScriptTool(opts ...ScriptOption) *ScriptTool {
	s := &ScriptTool{
		inheritEnv:     []string{"PATH", "HOME"},
		maxOutputBytes: defaultMaxOutputBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Tool.
func (s *ScriptTool) Name() string {
	return "script"
}

// Call implements Tool.
func (s *ScriptTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	command, _ := input["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("command parameter required (string)")
	}
	if s.allowed != nil && !s.allowed[command] && !s.allowed[filepath.Base(command)] {
		return nil, fmt.Errorf("command not allowed: %s", command)
	}

	stdin, err := encodeStdin(input["stdin"])
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, command, stringList(input["args"])...) // #nosec G204 -- command comes from the workflow definition
	cmd.Env = s.environ(stringMap(input["env"]))
	killProcessGroup(cmd)
	cmd.WaitDelay = pipeWaitDelay
	if dir, ok := input["dir"].(string); ok {
		cmd.Dir = dir
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	stdout := &cappedBuffer{limit: s.maxOutputBytes}
	stderr := &cappedBuffer{limit: s.maxOutputBytes}
	cmd.Stdout, cmd.Stderr = stdout, stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("command %s interrupted: %w", command, ctx.Err())
	}

	if errors.Is(runErr, exec.ErrWaitDelay) {
		// The command exited; a background descendant kept the pipes open.
		runErr = nil
	}
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("failed to run %s: %w", command, runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return map[string]any{
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"result":    decodeOutput(stdout.Bytes()),
		"success":   exitCode == 0,
	}, nil
}

func (s *ScriptTool) environ(extra map[string]string) []string {
	env := make([]string, 0, len(s.inheritEnv)+len(extra))
	for _, key := range s.inheritEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func encodeStdin(v any) ([]byte, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(s), nil
	default:
		data, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encode stdin: %w", err)
		}
		return data, nil
	}
}

func decodeOutput(out []byte) any {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return v
		}
	}
	return strings.TrimSpace(string(out))
}

// cappedBuffer keeps the first limit bytes written and discards the rest
// without failing the writer.
// It must not expose ReadFrom: os/exec copies through it when present,
// bypassing Write.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }

func (b *cappedBuffer) Bytes() []byte { return b.buf.Bytes() }

func (b *cappedBuffer) Len() int { return b.buf.Len() }
