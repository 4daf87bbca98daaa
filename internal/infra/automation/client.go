// Package automation runs the external simulation tool as a child process.
//
// Each Execute call opens a fresh session: a private working directory
// holding the unit description, the fetched model artifacts and the tool's
// output file. The directory is removed when the call returns, whatever
// the outcome.
package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"time"

	"github.com/prodcast/worker/internal/config"
	"github.com/prodcast/worker/pkg/domain/automation"
	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/logger"
)

// Files inside a session directory.
const (
	unitFileName   = "unit.json"
	outputFileName = "output.json"
	modelDirName   = "model"
)

// Environment passed to the tool.
const (
	envSessionDir = "PRODCAST_SESSION_DIR"
	envUnitFile   = "PRODCAST_UNIT_FILE"
	envOutputFile = "PRODCAST_OUTPUT_FILE"
	envModelDir   = "PRODCAST_MODEL_DIR"
)

// waitDelay bounds how long Wait blocks on the tool's pipes after the
// process was killed.
const waitDelay = 5 * time.Second

// unitFile is the JSON document the tool reads.
type unitFile struct {
	Key      string          `json:"key"`
	Kind     job.Kind        `json:"kind"`
	Attempt  int             `json:"attempt"`
	ModelDir string          `json:"model_dir,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// ProcessClient implements automation.Client by running a command.
type ProcessClient struct {
	cfg     config.AutomationConfig
	limiter *sessionLimiter
	fetcher automation.ArtifactFetcher
	logger  *logger.Logger
}

// Option configures a ProcessClient.
type Option func(*ProcessClient)

// WithArtifactFetcher downloads Unit.ModelPrefix into each session.
func WithArtifactFetcher(f automation.ArtifactFetcher) Option {
	return func(c *ProcessClient) {
		c.fetcher = f
	}
}

// NewProcessClient creates a client for the configured command.
func NewProcessClient(cfg config.AutomationConfig, log *logger.Logger, opts ...Option) *ProcessClient {
	c := &ProcessClient{
		cfg:     cfg,
		limiter: newSessionLimiter(cfg.MaxSessions, cfg.SessionOpenRate, cfg.SessionWait),
		logger:  log.With("component", "automation"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs one unit of work. The deadline of ctx is the hard call
// timeout; expiry kills the tool and yields a Transient error.
func (c *ProcessClient) Execute(ctx context.Context, u automation.Unit) (*job.Output, error) {
	release, err := c.limiter.acquire(ctx)
	if err != nil {
		return nil, automation.NewTransient("no automation session available", err)
	}
	defer release()

	sess, err := c.openSession(u)
	if err != nil {
		return nil, automation.NewTransient("failed to open session", err)
	}
	defer sess.close(c.logger)

	log := c.logger.With("job_key", u.Key.String(), "attempt", u.Attempt, "session", sess.dir)

	modelDir := ""
	if u.ModelPrefix != "" && c.fetcher != nil {
		modelDir = filepath.Join(sess.dir, modelDirName)
		files, err := c.fetcher.FetchInto(ctx, u.ModelPrefix, modelDir)
		if err != nil {
			return nil, automation.NewTransient("failed to fetch model artifacts", err)
		}
		if len(files) == 0 {
			return nil, automation.NewPermanent(fmt.Sprintf("no model artifacts under %q", u.ModelPrefix), nil)
		}
		log.Debug("model artifacts fetched", "files", len(files))
	}

	if err := sess.writeUnit(u, modelDir); err != nil {
		return nil, automation.NewTransient("failed to write unit file", err)
	}

	return c.run(ctx, sess, u, modelDir, log)
}

func (c *ProcessClient) run(ctx context.Context, sess *session, u automation.Unit, modelDir string, log *logger.Logger) (*job.Output, error) {
	args := append(slices.Clone(c.cfg.Args), sess.unitPath())
	cmd := exec.CommandContext(ctx, c.cfg.Command, args...) //nolint:gosec // command comes from operator config
	cmd.Dir = sess.dir
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(),
		envSessionDir+"="+sess.dir,
		envUnitFile+"="+sess.unitPath(),
		envOutputFile+"="+sess.outputPath(),
		envModelDir+"="+modelDir,
	)

	captured := newCapBuffer(job.MaxOutputLength)
	cmd.Stderr = captured

	// An io.Pipe instead of StdoutPipe lets WaitDelay bound Wait even when
	// a grandchild keeps the descriptor open.
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanStdout(pr, captured, u.OnProgress, log)
	}()

	started := time.Now()
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		<-scanned
		return nil, automation.NewPermanent("failed to start tool", err)
	}

	waitErr := cmd.Wait()
	_ = pw.Close()
	<-scanned

	output := captured.String()
	log.Debug("tool exited", "duration", time.Since(started), "error", waitErr)

	if ctxErr := ctx.Err(); ctxErr != nil {
		reason := "call canceled"
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			reason = "call timed out"
		}
		return nil, withOutput(automation.NewTransient(reason, ctxErr), output)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			if slices.Contains(c.cfg.BusyExitCodes, code) {
				return nil, withOutput(automation.NewTransient("tool busy", waitErr), output)
			}
			return nil, withOutput(automation.NewPermanent(fmt.Sprintf("tool exited with code %d", code), waitErr), output)
		}
		return nil, withOutput(automation.NewTransient("tool wait failed", waitErr), output)
	}

	out, err := sess.readOutput()
	if err != nil {
		return nil, withOutput(automation.NewPermanent("tool produced no usable output", err), output)
	}
	out.Log = output
	return out, nil
}

func withOutput(e *automation.Error, output string) *automation.Error {
	e.Output = output
	return e
}

// session is the private working directory of one call.
type session struct {
	dir string
}

func (c *ProcessClient) openSession(u automation.Unit) (*session, error) {
	root := c.cfg.WorkDir
	if root == "" {
		root = os.TempDir()
	}
	dir, err := os.MkdirTemp(root, fmt.Sprintf("prodcast-%s-", u.Kind))
	if err != nil {
		return nil, err
	}
	return &session{dir: dir}, nil
}

func (s *session) unitPath() string   { return filepath.Join(s.dir, unitFileName) }
func (s *session) outputPath() string { return filepath.Join(s.dir, outputFileName) }

func (s *session) writeUnit(u automation.Unit, modelDir string) error {
	data, err := json.Marshal(unitFile{
		Key:      u.Key.String(),
		Kind:     u.Kind,
		Attempt:  u.Attempt,
		ModelDir: modelDir,
		Payload:  u.Payload,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(s.unitPath(), data, 0o600)
}

func (s *session) readOutput() (*job.Output, error) {
	data, err := os.ReadFile(s.outputPath())
	if err != nil {
		return nil, err
	}
	var out job.Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", outputFileName, err)
	}
	return &out, nil
}

func (s *session) close(log *logger.Logger) {
	if err := os.RemoveAll(s.dir); err != nil {
		log.Warn("failed to remove session directory", "dir", s.dir, "error", err)
	}
}

var _ automation.Client = (*ProcessClient)(nil)
