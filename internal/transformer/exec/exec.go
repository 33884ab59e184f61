// Package exec runs an external command as a pre-filter step.
//
// The command gets the page as a JSON array of objects on stdin and must
// write the rewritten page, again a JSON array of objects, to stdout. It may
// drop, reorder or rewrite records. A non-zero exit fails the page; the tail
// of stderr is included in the error.
//
// Options:
//   - command: command line, split with shell quoting rules (required)
//   - dir: working directory
//   - env: extra environment variables (map)
//   - timeout_seconds: per-page limit (default 60; 0 disables)
package exec

import (
	"bytes"
	"context"
	"os"
	osexec "os/exec"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/kballard/go-shellquote"

	"dupscan/internal/config"
	"dupscan/internal/errors"
	"dupscan/internal/logger"
	"dupscan/internal/transformer"
	"dupscan/pkg/records"
)

func init() {
	transformer.Register("exec", New)
}

const (
	defaultTimeout = 60 * time.Second
	maxStderr      = 2048
)

// Step runs Argv once per page.
type Step struct {
	Argv    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// New builds a Step from options.
func New(opts config.Options) (transformer.Step, error) {
	line := opts.String("command", "")
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, errors.WithHintf(
			errors.NewConfigurationError("exec: cannot parse command %q: %v", line, err),
			"check the quoting of options.command",
		)
	}
	if len(argv) == 0 {
		return nil, errors.NewConfigurationError("exec: options.command is required")
	}

	s := &Step{
		Argv:    argv,
		Dir:     opts.String("dir", ""),
		Timeout: time.Duration(opts.Float("timeout_seconds", defaultTimeout.Seconds()) * float64(time.Second)),
	}
	if env := opts.StringMap("env"); len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s.Env = append(s.Env, k+"="+env[k])
		}
	}
	return s, nil
}

// Apply pipes the page through the command.
func (s *Step) Apply(ctx context.Context, in []records.Record) ([]records.Record, error) {
	if len(in) == 0 {
		return in, nil
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, errors.Wrap(err, "exec: encode page")
	}

	cmd := osexec.CommandContext(ctx, s.Argv[0], s.Argv[1:]...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	logger.Named("exec").Debugw("prefilter command finished",
		"command", s.Argv[0], "records_in", len(in), "duration", time.Since(start), "err", runErr)

	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrapf(ctxErr, "exec: %s", s.Argv[0])
		}
		if tail := stderrTail(stderr.Bytes()); tail != "" {
			return nil, errors.Wrapf(runErr, "exec: %s: %s", s.Argv[0], tail)
		}
		return nil, errors.Wrapf(runErr, "exec: %s", s.Argv[0])
	}

	out, err := decodePage(stdout.Bytes())
	if err != nil {
		return nil, errors.Wrapf(err, "exec: %s: decode output", s.Argv[0])
	}
	return out, nil
}

func decodePage(b []byte) ([]records.Record, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("empty output (want a JSON array)")
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	out := make([]records.Record, 0, len(raw))
	for i, v := range raw {
		switch t := v.(type) {
		case map[string]any:
			out = append(out, t)
		case nil:
		default:
			return nil, errors.Newf("element %d is %T, not an object", i, v)
		}
	}
	return out, nil
}

func stderrTail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxStderr {
		s = "..." + s[len(s)-maxStderr:]
	}
	return s
}
