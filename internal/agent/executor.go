package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/kalambet/pcbridge/internal/queue"
)

const (
	defaultCommandTimeout = 30 * time.Second
	defaultMaxOutput      = 4000
	maxSendFileBytes      = 8 << 20
	maxReviewOutput       = 12000
	truncatedSuffix       = "\n... (truncated)"
	stderrSeparator       = "\n--- stderr ---\n"
)

var bareDomain = regexp.MustCompile(`(?i)^(www\.)?[a-z0-9-]+(\.[a-z0-9-]+)*\.[a-z]{2,}(:\d+)?([/?#].*)?$`)

// runFunc starts name with args, feeds stdin and collects both output streams.
type runFunc func(ctx context.Context, name string, args []string, stdin []byte) (stdout, stderr []byte, err error)

func execRun(ctx context.Context, name string, args []string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	// Children that inherit the pipes must not keep Wait blocked past the kill.
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

type ExecutorOptions struct {
	Timeout        time.Duration
	MaxOutput      int
	SocialCommand  string
	TwitterCommand string
	Logger         *slog.Logger
}

// Executor runs claimed tasks on the local machine.
//
// It runs whatever the task carries. Shell commands are not allow-listed or
// sandboxed: anyone who can enqueue a task (an authenticated chat or a holder
// of the agent secret) can run arbitrary commands as the agent's user.
type Executor struct {
	timeout        time.Duration
	maxOutput      int
	socialCommand  string
	twitterCommand string
	logger         *slog.Logger

	goos string
	run  runFunc
}

func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCommandTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = defaultMaxOutput
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		timeout:        opts.Timeout,
		maxOutput:      opts.MaxOutput,
		socialCommand:  opts.SocialCommand,
		twitterCommand: opts.TwitterCommand,
		logger:         opts.Logger,
		goos:           runtime.GOOS,
		run:            execRun,
	}
}

// Execute runs t within the command timeout. Failures come back as a
// result with Success false; Execute itself never fails.
func (e *Executor) Execute(ctx context.Context, t queue.Task) queue.Result {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	res := e.step(ctx, t.Type, t.Payload)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res = failure(fmt.Sprintf("timed out after %s", e.timeout))
	}
	res.DurationMs = time.Since(start).Milliseconds()
	return res
}

func (e *Executor) step(ctx context.Context, typ queue.TaskType, payload string) queue.Result {
	switch typ {
	case queue.TypeShell:
		return e.shell(ctx, payload)
	case queue.TypeOpen, queue.TypePlayAudio:
		return e.open(ctx, payload)
	case queue.TypeScreenshot:
		return e.screenshot(ctx)
	case queue.TypeReadFile:
		return e.readFile(payload)
	case queue.TypeSendFile:
		return e.sendFile(payload)
	case queue.TypeReviewFile:
		return e.reviewFile(payload)
	case queue.TypeSystemInfo:
		return e.systemInfo(ctx)
	case queue.TypeMulti:
		return e.multi(ctx, payload)
	case queue.TypeSocialPost:
		return e.external(ctx, "social", e.socialCommand, payload)
	case queue.TypeTwitter:
		return e.external(ctx, "twitter", e.twitterCommand, payload)
	}
	return failure(fmt.Sprintf("unsupported task type %q", typ))
}

func failure(msg string) queue.Result {
	return queue.Result{Success: false, Error: msg}
}

func (e *Executor) shellArgs(command string) (string, []string) {
	if e.goos == "windows" {
		return "cmd", []string{"/C", command}
	}
	return "sh", []string{"-c", command}
}

func (e *Executor) shell(ctx context.Context, command string) queue.Result {
	if strings.TrimSpace(command) == "" {
		return failure("empty command")
	}
	e.logger.Info("running shell command", "command", command)
	return e.runShell(ctx, command, nil)
}

// runShell runs command through the platform shell and formats its output
// with a duration suffix.
func (e *Executor) runShell(ctx context.Context, command string, stdin []byte) queue.Result {
	start := time.Now()
	name, args := e.shellArgs(command)
	stdout, stderr, err := e.run(ctx, name, args, stdin)
	out := e.formatOutput(string(stdout), string(stderr), err)
	out += fmt.Sprintf("\n\n[%dms]", time.Since(start).Milliseconds())
	if err != nil {
		return failure(out)
	}
	return queue.Result{Success: true, Output: out}
}

// formatOutput joins stdout and stderr, falls back to a placeholder and caps
// the result at maxOutput runes.
func (e *Executor) formatOutput(stdout, stderr string, runErr error) string {
	out := stdout
	if stderr != "" {
		if out != "" {
			out += stderrSeparator
		}
		out += stderr
	}
	if runErr != nil && strings.TrimSpace(out) == "" {
		out = "Error: " + runErr.Error()
	}
	out = strings.TrimSpace(out)
	if out == "" {
		out = "(no output)"
	}
	return truncate(out, e.maxOutput)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + truncatedSuffix
}

// normalizeTarget prefixes bare domains with https://. URLs with a scheme
// and paths that exist locally are left alone.
func normalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "://") {
		return target
	}
	if _, err := os.Stat(target); err == nil {
		return target
	}
	if bareDomain.MatchString(target) {
		return "https://" + target
	}
	return target
}

func (e *Executor) open(ctx context.Context, target string) queue.Result {
	target = normalizeTarget(target)
	if target == "" {
		return failure("nothing to open")
	}

	var name string
	var args []string
	switch e.goos {
	case "windows":
		name, args = "cmd", []string{"/C", "start", "", target}
	case "darwin":
		name, args = "open", []string{target}
	default:
		name, args = "xdg-open", []string{target}
	}

	e.logger.Info("opening target", "target", target)
	stdout, stderr, err := e.run(ctx, name, args, nil)
	if err != nil {
		return failure(e.formatOutput(string(stdout), string(stderr), err))
	}
	return queue.Result{Success: true, Output: "Opened " + target}
}

func (e *Executor) screenshotCommands(path string) [][]string {
	switch e.goos {
	case "darwin":
		return [][]string{{"screencapture", "-x", path}}
	case "windows":
		script := "Add-Type -AssemblyName System.Windows.Forms,System.Drawing;" +
			"$b=[System.Windows.Forms.SystemInformation]::VirtualScreen;" +
			"$bmp=New-Object System.Drawing.Bitmap $b.Width,$b.Height;" +
			"$g=[System.Drawing.Graphics]::FromImage($bmp);" +
			"$g.CopyFromScreen($b.Left,$b.Top,0,0,$bmp.Size);" +
			"$bmp.Save('" + strings.ReplaceAll(path, "'", "''") + "',[System.Drawing.Imaging.ImageFormat]::Png)"
		return [][]string{{"powershell", "-NoProfile", "-NonInteractive", "-Command", script}}
	}
	return [][]string{
		{"gnome-screenshot", "-f", path},
		{"scrot", "-o", path},
		{"import", "-window", "root", path},
	}
}

func (e *Executor) screenshot(ctx context.Context) queue.Result {
	f, err := os.CreateTemp("", "pcbridge-*.png")
	if err != nil {
		return failure(fmt.Sprintf("creating temp file: %v", err))
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	var lastErr error
	for _, c := range e.screenshotCommands(path) {
		_, stderr, err := e.run(ctx, c[0], c[1:], nil)
		if err != nil {
			lastErr = fmt.Errorf("%s: %v %s", c[0], err, strings.TrimSpace(string(stderr)))
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil || len(data) == 0 {
			lastErr = fmt.Errorf("%s produced no image", c[0])
			continue
		}
		return queue.Result{
			Success: true,
			Output:  "Screenshot captured.",
			Attachment: &queue.Attachment{
				Name: "screenshot-" + time.Now().Format("20060102-150405") + ".png",
				Kind: queue.KindPhoto,
				Data: data,
			},
		}
	}
	return failure(fmt.Sprintf("screenshot failed: %v", lastErr))
}

func (e *Executor) readFile(path string) queue.Result {
	text, err := extractText(strings.TrimSpace(path))
	if err != nil {
		return failure(fmt.Sprintf("reading %s: %v", path, err))
	}
	if strings.TrimSpace(text) == "" {
		text = "(empty file)"
	}
	return queue.Result{Success: true, Output: truncate(text, e.maxOutput)}
}

func (e *Executor) reviewFile(payload string) queue.Result {
	var p queue.ReviewPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return failure(fmt.Sprintf("invalid review payload: %v", err))
	}
	if strings.TrimSpace(p.Path) == "" {
		return failure("review needs a file path")
	}
	text, err := extractText(p.Path)
	if err != nil {
		return failure(fmt.Sprintf("reading %s: %v", p.Path, err))
	}
	if strings.TrimSpace(text) == "" {
		return failure(fmt.Sprintf("%s has no readable text", p.Path))
	}
	return queue.Result{Success: true, Output: truncate(text, maxReviewOutput)}
}

func (e *Executor) sendFile(path string) queue.Result {
	path = strings.TrimSpace(path)
	info, err := os.Stat(path)
	if err != nil {
		return failure(fmt.Sprintf("file not found: %s", path))
	}
	if info.IsDir() {
		return failure(fmt.Sprintf("%s is a directory", path))
	}
	if info.Size() > maxSendFileBytes {
		return failure(fmt.Sprintf("file too large (%.1f MiB, max 8 MiB)", float64(info.Size())/(1<<20)))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return failure(fmt.Sprintf("reading %s: %v", path, err))
	}
	name := filepath.Base(path)
	return queue.Result{
		Success:    true,
		Output:     "Sent " + name,
		Attachment: &queue.Attachment{Name: name, Kind: queue.KindDocument, Data: data},
	}
}

func (e *Executor) systemInfo(ctx context.Context) queue.Result {
	host, _ := os.Hostname()
	var b strings.Builder
	fmt.Fprintf(&b, "Hostname: %s\n", host)
	fmt.Fprintf(&b, "OS: %s/%s\n", e.goos, runtime.GOARCH)
	fmt.Fprintf(&b, "CPUs: %d\n", runtime.NumCPU())
	fmt.Fprintf(&b, "Go: %s", runtime.Version())

	name, args := "uname", []string{"-a"}
	if e.goos == "windows" {
		name, args = "cmd", []string{"/C", "ver"}
	}
	if stdout, _, err := e.run(ctx, name, args, nil); err == nil {
		if s := strings.TrimSpace(string(stdout)); s != "" {
			b.WriteString("\n\n" + s)
		}
	}
	return queue.Result{Success: true, Output: truncate(b.String(), e.maxOutput)}
}

// multi runs steps in order and stops at the first failure. The first
// attachment produced by any step is kept. The combined output is capped
// like any single task's.
func (e *Executor) multi(ctx context.Context, payload string) queue.Result {
	var steps []queue.MultiStep
	if err := json.Unmarshal([]byte(payload), &steps); err != nil {
		return failure(fmt.Sprintf("invalid multi payload: %v", err))
	}
	if len(steps) == 0 {
		return failure("multi task has no steps")
	}

	var out []string
	var att *queue.Attachment
	for i, s := range steps {
		if s.Type == queue.TypeMulti {
			return failure("nested multi tasks are not supported")
		}
		res := e.step(ctx, s.Type, s.Payload)
		header := fmt.Sprintf("[%d/%d] %s", i+1, len(steps), s.Type)
		if !res.Success {
			out = append(out, header+" failed: "+res.Error)
			return failure(truncate(strings.Join(out, "\n\n"), e.maxOutput))
		}
		if res.Output != "" {
			out = append(out, header+"\n"+res.Output)
		} else {
			out = append(out, header+" done")
		}
		if att == nil {
			att = res.Attachment
		}
	}
	return queue.Result{Success: true, Output: truncate(strings.Join(out, "\n\n"), e.maxOutput), Attachment: att}
}

// external runs a configured command with the task payload on stdin.
func (e *Executor) external(ctx context.Context, kind, command, payload string) queue.Result {
	if strings.TrimSpace(command) == "" {
		return failure(kind + " command not configured")
	}
	e.logger.Info("running external command", "kind", kind)
	return e.runShell(ctx, command, []byte(payload))
}
