package fetchers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/prodcast/worker/pkg/domain/automation"
	"github.com/prodcast/worker/pkg/logger"
)

const defaultBranch = "main"

// GitConfig contains configuration for Git fetcher.
type GitConfig struct {
	URL        string
	Branch     string
	AuthType   string // none, token, ssh
	Token      string
	SSHKey     []byte
	SSHKeyPass string

	// CacheDir holds the local clone. A temporary directory is used when empty.
	CacheDir string
	Options  FetchOptions
}

// GitFetcher serves model artifacts from a Git repository. The prefix
// passed to FetchInto is a directory inside the repository.
//
// One clone is kept per fetcher and pulled before every fetch. Fetches are
// serialized so a pull never rewrites files that are being copied.
type GitFetcher struct {
	config GitConfig
	auth   transport.AuthMethod
	logger *logger.Logger

	mu       sync.Mutex // Protects dir, repo, worktree
	dir      string
	repo     *git.Repository
	worktree *git.Worktree
}

// NewGitFetcher creates a new Git fetcher.
func NewGitFetcher(config GitConfig, log *logger.Logger) (*GitFetcher, error) {
	if config.URL == "" {
		return nil, errors.New("repository url is required")
	}
	if config.Branch == "" {
		config.Branch = defaultBranch
	}

	f := &GitFetcher{
		config: config,
		logger: log.With("component", "git_fetcher", "url", config.URL),
	}

	switch config.AuthType {
	case "", "none":
	case "token":
		f.auth = &http.BasicAuth{
			Username: "x-access-token", // GitHub/GitLab convention
			Password: config.Token,
		}
	case "ssh":
		keys, err := ssh.NewPublicKeys("git", config.SSHKey, config.SSHKeyPass)
		if err != nil {
			return nil, fmt.Errorf("failed to create SSH auth: %w", err)
		}
		f.auth = keys
	default:
		return nil, fmt.Errorf("unknown git auth type %q", config.AuthType)
	}

	return f, nil
}

// FetchInto updates the clone and copies every file under prefix into dir.
func (f *GitFetcher) FetchInto(ctx context.Context, prefix, dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.sync(ctx); err != nil {
		return nil, err
	}

	head, err := f.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD: %w", err)
	}

	written, total, err := copyTree(filepath.Join(f.dir, normalizePrefix(prefix)), dir, f.config.Options)
	if err != nil {
		return written, err
	}

	f.logger.Debug("artifacts fetched",
		"prefix", prefix,
		"commit", head.Hash().String(),
		"files", len(written),
		"bytes", total,
	)
	return written, nil
}

// Close removes the local clone.
func (f *GitFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dir == "" {
		return nil
	}
	err := os.RemoveAll(f.dir)
	f.dir = ""
	f.repo = nil
	f.worktree = nil
	return err
}

// sync must be called with f.mu held.
func (f *GitFetcher) sync(ctx context.Context) error {
	if f.repo != nil {
		if err := f.pull(ctx); err != nil {
			return fmt.Errorf("failed to pull repository: %w", err)
		}
		return nil
	}

	dir := f.config.CacheDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "model-repo-*")
		if err != nil {
			return fmt.Errorf("failed to create clone dir: %w", err)
		}
		dir = tmp
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           f.config.URL,
		Auth:          f.auth,
		ReferenceName: plumbing.NewBranchReferenceName(f.config.Branch),
		SingleBranch:  true,
		Depth:         1,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("failed to clone repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("failed to open worktree: %w", err)
	}

	f.dir, f.repo, f.worktree = dir, repo, wt
	f.logger.Info("model repository cloned", "branch", f.config.Branch)
	return nil
}

func (f *GitFetcher) pull(ctx context.Context) error {
	err := f.worktree.PullContext(ctx, &git.PullOptions{
		Auth:          f.auth,
		RemoteName:    "origin",
		ReferenceName: plumbing.NewBranchReferenceName(f.config.Branch),
		SingleBranch:  true,
		Depth:         1,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}

// copyTree copies the files below root that pass opts into dir, keeping
// their relative layout. It returns the relative paths written and the
// number of bytes copied. A missing root is an error: the prefix names a
// model that does not exist.
func copyTree(root, dir string, opts FetchOptions) ([]string, int64, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, 0, fmt.Errorf("model directory: %w", err)
	}

	var (
		written []string
		total   int64
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !matchesExtension(path, opts.Extensions) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		size := info.Size()
		if opts.MaxFileSize > 0 && size > opts.MaxFileSize {
			return nil
		}
		if opts.MaxTotalSize > 0 && total+size > opts.MaxTotalSize {
			return fmt.Errorf("%w: %d bytes under %s", ErrSizeLimit, total+size, root)
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel, err = sanitizeObjectPath(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		if err := copyFile(path, filepath.Join(dir, rel)); err != nil {
			return err
		}

		written = append(written, rel)
		total += size
		return nil
	})
	return written, total, err
}

func copyFile(src, dest string) error {
	in, err := os.Open(src) //nolint:gosec // src is walked from the clone root
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dest, err)
	}
	out, err := os.Create(dest) //nolint:gosec // dest is sanitized and rooted in the session dir
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return nil
}

var _ automation.ArtifactFetcher = (*GitFetcher)(nil)
