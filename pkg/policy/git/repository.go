package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"mercator-hq/aegis/pkg/config"
)

// ErrNotCloned is returned by operations that need a local clone.
var ErrNotCloned = errors.New("repository not cloned")

const defaultTimeout = 10 * time.Second

// CommitInfo describes the commit a bundle directory was read from. Its
// SHA becomes the source revision of snapshots created from the bundles.
type CommitInfo struct {
	SHA        string    `json:"sha"`
	Author     string    `json:"author"`
	Email      string    `json:"email"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
	Branch     string    `json:"branch"`
	Repository string    `json:"repository"`
}

// Short returns the abbreviated SHA.
func (c *CommitInfo) Short() string {
	return shortSHA(c.SHA)
}

// PullResult reports what a pull changed.
type PullResult struct {
	FromSHA      string
	ToSHA        string
	ChangedFiles []string
}

// Changed reports whether HEAD moved.
func (r *PullResult) Changed() bool {
	return r.FromSHA != r.ToSHA
}

// BundlesChanged reports whether any changed file is a bundle under dir.
// An empty dir matches the whole repository.
func (r *PullResult) BundlesChanged(dir string) bool {
	prefix := strings.Trim(filepath.ToSlash(dir), "/")
	for _, f := range r.ChangedFiles {
		if prefix != "" && !strings.HasPrefix(f, prefix+"/") {
			continue
		}
		if isBundleFile(f) {
			return true
		}
	}
	return false
}

// Stats are counters for repository operations.
type Stats struct {
	CloneDuration   time.Duration
	PullDuration    time.Duration
	LastPullTime    time.Time
	HeadSHA         string
	SuccessfulPulls int64
	FailedPulls     int64
}

// Repository is a local clone of a bundle repository tracking one branch.
type Repository struct {
	cfg       config.GitPolicyConfig
	localPath string
	creds     *Credentials

	mu    sync.RWMutex
	repo  *gogit.Repository
	stats Stats
}

// NewRepository validates cfg. Nothing touches the network until Clone.
func NewRepository(cfg config.GitPolicyConfig) (*Repository, error) {
	if cfg.Repository == "" {
		return nil, fmt.Errorf("repository URL cannot be empty")
	}
	if cfg.Branch == "" {
		return nil, fmt.Errorf("branch cannot be empty")
	}
	creds, err := NewCredentials(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("git auth: %w", err)
	}
	localPath := cfg.Clone.LocalPath
	if localPath == "" {
		localPath = filepath.Join(os.TempDir(), "aegis-bundles")
	}
	return &Repository{cfg: cfg, localPath: localPath, creds: creds}, nil
}

func (r *Repository) timeout() time.Duration {
	if r.cfg.Poll.Timeout > 0 {
		return r.cfg.Poll.Timeout
	}
	return defaultTimeout
}

// Clone makes the local clone available, opening an existing one unless
// CleanOnStart is set.
func (r *Repository) Clone(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	defer func() { r.stats.CloneDuration = time.Since(start) }()

	if r.cfg.Clone.CleanOnStart {
		if err := os.RemoveAll(r.localPath); err != nil {
			return fmt.Errorf("clean local clone: %w", err)
		}
	}

	if _, err := os.Stat(filepath.Join(r.localPath, ".git")); err == nil {
		repo, err := gogit.PlainOpen(r.localPath)
		if err != nil {
			return fmt.Errorf("open local clone: %w", err)
		}
		r.repo = repo
		return nil
	}

	if err := os.MkdirAll(r.localPath, 0o755); err != nil {
		return fmt.Errorf("create clone directory: %w", err)
	}
	auth, err := r.creds.Method()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()
	repo, err := gogit.PlainCloneContext(ctx, r.localPath, false, &gogit.CloneOptions{
		URL:           r.cfg.Repository,
		ReferenceName: plumbing.NewBranchReferenceName(r.cfg.Branch),
		SingleBranch:  true,
		Depth:         r.cfg.Clone.Depth,
		Auth:          auth,
	})
	if err != nil {
		return fmt.Errorf("clone %s: %w", r.cfg.Repository, err)
	}
	r.repo = repo
	return nil
}

// Pull fast-forwards the tracked branch. It never forces.
func (r *Repository) Pull(ctx context.Context) (*PullResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	defer func() {
		r.stats.PullDuration = time.Since(start)
		r.stats.LastPullTime = time.Now()
	}()

	if r.repo == nil {
		return nil, ErrNotCloned
	}
	from, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("read HEAD: %w", err)
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("worktree: %w", err)
	}
	auth, err := r.creds.Method()
	if err != nil {
		return nil, err
	}

	pullCtx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()
	err = wt.PullContext(pullCtx, &gogit.PullOptions{
		RemoteName:    gogit.DefaultRemoteName,
		ReferenceName: plumbing.NewBranchReferenceName(r.cfg.Branch),
		SingleBranch:  true,
		Auth:          auth,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		r.stats.FailedPulls++
		return nil, fmt.Errorf("pull: %w", err)
	}
	r.stats.SuccessfulPulls++

	to, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("read HEAD: %w", err)
	}
	res := &PullResult{FromSHA: from.Hash().String(), ToSHA: to.Hash().String()}
	r.stats.HeadSHA = res.ToSHA
	if res.Changed() {
		files, err := r.diff(from.Hash(), to.Hash())
		if err != nil {
			return nil, err
		}
		res.ChangedFiles = files
	}
	return res, nil
}

// diff lists paths touched between two commits; deleted files are
// reported by their old path. Caller holds mu.
func (r *Repository) diff(from, to plumbing.Hash) ([]string, error) {
	fromTree, err := r.tree(from)
	if err != nil {
		return nil, err
	}
	toTree, err := r.tree(to)
	if err != nil {
		return nil, err
	}
	changes, err := fromTree.Diff(toTree)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}
	files := make([]string, 0, len(changes))
	for _, ch := range changes {
		if ch.To.Name != "" {
			files = append(files, ch.To.Name)
		} else {
			files = append(files, ch.From.Name)
		}
	}
	return files, nil
}

func (r *Repository) tree(h plumbing.Hash) (*object.Tree, error) {
	c, err := r.repo.CommitObject(h)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", shortSHA(h.String()), err)
	}
	t, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("tree of %s: %w", shortSHA(h.String()), err)
	}
	return t, nil
}

// Head describes the checked out commit.
func (r *Repository) Head() (*CommitInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.repo == nil {
		return nil, ErrNotCloned
	}
	ref, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("read HEAD: %w", err)
	}
	c, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read commit: %w", err)
	}
	return r.commitInfo(c), nil
}

// History returns up to limit commits reachable from HEAD, newest first.
func (r *Repository) History(limit int) ([]*CommitInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.repo == nil {
		return nil, ErrNotCloned
	}
	ref, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("read HEAD: %w", err)
	}
	iter, err := r.repo.Log(&gogit.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("commit log: %w", err)
	}
	defer iter.Close()

	var out []*CommitInfo
	err = iter.ForEach(func(c *object.Commit) error {
		if len(out) >= limit {
			return storer.ErrStop
		}
		out = append(out, r.commitInfo(c))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk commits: %w", err)
	}
	return out, nil
}

func (r *Repository) commitInfo(c *object.Commit) *CommitInfo {
	return &CommitInfo{
		SHA:        c.Hash.String(),
		Author:     c.Author.Name,
		Email:      c.Author.Email,
		Timestamp:  c.Author.When,
		Message:    strings.TrimSpace(c.Message),
		Branch:     r.cfg.Branch,
		Repository: r.cfg.Repository,
	}
}

// BundleDir is the directory holding bundle files inside the clone.
func (r *Repository) BundleDir() string {
	return filepath.Join(r.localPath, r.cfg.Path)
}

// BundleFiles lists bundle files under BundleDir, skipping hidden entries.
func (r *Repository) BundleFiles() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	root := r.BundleDir()
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("bundle path: %w", err)
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && isBundleFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk bundle path: %w", err)
	}
	return files, nil
}

// Stats returns a copy of the operation counters.
func (r *Repository) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func isBundleFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
