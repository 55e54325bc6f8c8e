package jobs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/shipyard-labs/shipyard-go/internal/workflow"
)

// maxLineBytes caps one logged line; the rest of the line is dropped.
const (
	tailLines     = 50
	maxLineBytes  = 64 << 10
	truncatedMark = " [truncated]"
)

type processResult struct {
	exitCode int
	tail     []string
}

// runProcess streams combined stdout/stderr into the run log line by line and
// keeps the last lines for the job record. A non-zero exit is not an error.
func runProcess(ctx context.Context, ec *workflow.ExecutionContext, dir string, env map[string]string, name string, args ...string) (processResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), envList(env)...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return processResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return processResult{}, fmt.Errorf("start %s: %w", name, err)
	}

	tail, readErr := streamLines(ctx, ec, stdout)
	// Wait must not run before the pipe is drained or the child can block on
	// a full pipe buffer.
	_, _ = io.Copy(io.Discard, stdout)

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return processResult{tail: tail}, ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return processResult{exitCode: exitErr.ExitCode(), tail: tail}, nil
		}
		return processResult{tail: tail}, fmt.Errorf("wait %s: %w", name, waitErr)
	}
	if readErr != nil {
		return processResult{tail: tail}, fmt.Errorf("read output: %w", readErr)
	}
	return processResult{tail: tail}, nil
}

// streamLines logs r line by line and returns the last tailLines lines. Lines
// longer than maxLineBytes are cut instead of ending the read.
func streamLines(ctx context.Context, ec *workflow.ExecutionContext, r io.Reader) ([]string, error) {
	var (
		tail      []string
		line      []byte
		truncated bool
	)
	emit := func() {
		text := string(line)
		if truncated {
			text += truncatedMark
		}
		tail = append(tail, text)
		if len(tail) > tailLines {
			tail = tail[1:]
		}
		// a failing sink must not stop the pipe from draining
		_ = ec.Log(ctx, text)
		line = line[:0]
		truncated = false
	}

	reader := bufio.NewReaderSize(r, 64<<10)
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			if len(line) > 0 || truncated {
				emit()
			}
			if errors.Is(err, io.EOF) {
				return tail, nil
			}
			return tail, err
		}
		if room := maxLineBytes - len(line); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		line = append(line, chunk...)
		if !isPrefix {
			emit()
		}
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
