package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// ScriptName is the submit script written into the job directory.
const ScriptName = "run.sh"

// LogName is the combined job output file inside the job directory.
const LogName = "job.log"

// Local runs tasks as local OS processes. The task command is written to
// a submit script in the job directory and executed through the shell,
// with combined output streamed to a log file line by line.
type Local struct{}

// NewLocal returns a Runner executing jobs on the local machine.
func NewLocal() *Local {
	return &Local{}
}

// Submit runs the task and blocks until it exits. A non-zero exit status
// is returned as an error; the log file holds whatever the job printed.
func (l *Local) Submit(ctx context.Context, task Task) error {
	if err := os.MkdirAll(task.Dir, 0755); err != nil {
		return fmt.Errorf("creating job dir: %w", err)
	}

	script := filepath.Join(task.Dir, ScriptName)
	if err := os.WriteFile(script, []byte("#!/bin/sh\nset -e\n"+task.Command+"\n"), 0755); err != nil {
		return fmt.Errorf("writing submit script: %w", err)
	}

	logFile, err := os.Create(filepath.Join(task.Dir, LogName))
	if err != nil {
		return fmt.Errorf("creating job log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, "sh", script)
	cmd.Dir = task.Dir
	cmd.Env = append(os.Environ(), task.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting job %s: %w", task.ID, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wg.Add(2)
	stream := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			mu.Lock()
			logFile.WriteString(scanner.Text() + "\n")
			logFile.Sync()
			mu.Unlock()
		}
	}
	go stream(stdout)
	go stream(stderr)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("job %s failed: %w", task.ID, err)
	}
	return nil
}

// CleanupScratch removes the transient job files (submit script, log)
// from a job directory. Best effort: missing files are not an error.
func CleanupScratch(dir string) {
	os.Remove(filepath.Join(dir, ScriptName))
	os.Remove(filepath.Join(dir, LogName))
}
