package worker

import (
	"bufio"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vidforge/vidforge/pkg/logging"
	"github.com/vidforge/vidforge/pkg/models"
)

// stderrTailLines bounds how much stderr is kept for the failure detail.
const stderrTailLines = 20

// ExecBackend runs an external enhancement program per attempt. The
// argument template is expanded per job: {input} and {output} are replaced
// with the job's paths, {key} with the matching spec value.
//
// The program reports progress on stdout, one line per update:
//
//	progress stage=upscale percent=42.5 fps=12.0 eta=130
//
// Lines that do not start with "progress " are ignored.
type ExecBackend struct {
	Program string
	Args    []string
	// KillDelay is how long after SIGTERM the process gets before SIGKILL.
	KillDelay time.Duration

	logger *logging.Logger
}

// NewExecBackend creates a backend running the given program.
func NewExecBackend(program string, args []string, logger *logging.Logger) *ExecBackend {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &ExecBackend{
		Program:   program,
		Args:      args,
		KillDelay: 5 * time.Second,
		logger:    logger.WithField("component", "exec"),
	}
}

// Run executes one attempt and blocks until the process exits or the token
// forces it down.
func (b *ExecBackend) Run(job *models.Job, onProgress ProgressFunc, token *models.CancelToken) models.Outcome {
	args := expandArgs(b.Args, job)
	cmd := exec.Command(b.Program, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return models.Failure(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return models.Failure(fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return models.Outcome{
				Kind:         models.OutcomeFailure,
				Detail:       fmt.Sprintf("program not found: %s", b.Program),
				NonRetryable: true,
			}
		}
		return models.Failure(fmt.Errorf("start %s: %w", b.Program, err))
	}

	// Push the token's cancel down to the process. SIGTERM first so the
	// program can remove partial output, SIGKILL if it lingers.
	killDone := make(chan struct{})
	go func() {
		select {
		case <-token.Done():
			b.logger.Info("terminating process", map[string]interface{}{
				"job_id": job.ID,
				"pid":    cmd.Process.Pid,
			})
			cmd.Process.Signal(syscall.SIGTERM) //nolint:errcheck
			select {
			case <-time.After(b.KillDelay):
				cmd.Process.Kill() //nolint:errcheck
			case <-killDone:
			}
		case <-killDone:
		}
	}()
	defer close(killDone)

	// Drain stderr concurrently so the process never blocks on a full pipe.
	tailCh := make(chan []string, 1)
	go func() {
		var tail []string
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			tail = append(tail, scanner.Text())
			if len(tail) > stderrTailLines {
				tail = tail[1:]
			}
		}
		tailCh <- tail
	}()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if p, ok := parseProgressLine(scanner.Text()); ok {
			onProgress(job.ID, p)
		}
	}
	stderrTail := <-tailCh

	err = cmd.Wait()
	if token.Canceled() {
		return models.Outcome{Kind: models.OutcomeCanceled, Detail: "process terminated"}
	}
	if err != nil {
		detail := strings.Join(stderrTail, "\n")
		if detail == "" {
			detail = err.Error()
		}
		return models.Outcome{Kind: models.OutcomeFailure, Detail: detail}
	}
	return models.Outcome{Kind: models.OutcomeSuccess}
}

// expandArgs substitutes {input}, {output} and {spec-key} placeholders.
func expandArgs(template []string, job *models.Job) []string {
	args := make([]string, 0, len(template))
	for _, arg := range template {
		arg = strings.ReplaceAll(arg, "{input}", job.InputRef)
		arg = strings.ReplaceAll(arg, "{output}", job.OutputPath)
		for key, value := range job.Spec {
			arg = strings.ReplaceAll(arg, "{"+key+"}", fmt.Sprintf("%v", value))
		}
		args = append(args, arg)
	}
	return args
}

// parseProgressLine parses a "progress key=value ..." line. Unknown keys
// are ignored; malformed numbers invalidate only their own field.
func parseProgressLine(line string) (models.Progress, bool) {
	const prefix = "progress "
	if !strings.HasPrefix(line, prefix) {
		return models.Progress{}, false
	}

	var p models.Progress
	for _, field := range strings.Fields(line[len(prefix):]) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "stage":
			p.Stage = value
		case "percent":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				p.Percent = f
			}
		case "fps":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				p.FPS = f
			}
		case "eta":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				p.ETASeconds = f
			}
		case "message":
			p.Message = value
		}
	}
	return p, true
}
