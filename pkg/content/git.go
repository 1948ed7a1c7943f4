package content

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// GitSource shallow-clones a repository and reads the content bundle from a
// directory inside it via DirSource.
type GitSource struct {
	repoURL   string
	branch    string
	subdir    string
	authToken string

	lastCommit string
}

// GitOption configures a GitSource.
type GitOption func(*GitSource)

// WithBranch selects the branch to clone. Defaults to "main".
func WithBranch(branch string) GitOption {
	return func(s *GitSource) { s.branch = branch }
}

// WithSubdir reads the manifest from a subdirectory of the clone.
func WithSubdir(subdir string) GitOption {
	return func(s *GitSource) { s.subdir = subdir }
}

// WithAuthToken clones with HTTP token auth.
func WithAuthToken(token string) GitOption {
	return func(s *GitSource) { s.authToken = token }
}

// NewGitSource creates a GitSource for repoURL.
func NewGitSource(repoURL string, opts ...GitOption) *GitSource {
	s := &GitSource{repoURL: repoURL, branch: "main"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LastCommit returns the SHA of the last loaded commit, empty before Load.
func (s *GitSource) LastCommit() string { return s.lastCommit }

// Load implements Source. Each call clones fresh so a resumed staging run
// sees the branch head it asked for.
func (s *GitSource) Load(ctx context.Context) (*Bundle, error) {
	dir, err := os.MkdirTemp("", "tristore-git-*")
	if err != nil {
		return nil, fmt.Errorf("content: create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	cloneOpts := &gogit.CloneOptions{
		URL:           s.repoURL,
		ReferenceName: plumbing.NewBranchReferenceName(s.branch),
		SingleBranch:  true,
		Depth:         1,
	}
	if s.authToken != "" {
		cloneOpts.Auth = &gogithttp.BasicAuth{
			Username: "git", // ignored for token auth
			Password: s.authToken,
		}
	}

	repo, err := gogit.PlainCloneContext(ctx, dir, false, cloneOpts)
	if err != nil {
		return nil, fmt.Errorf("content: git clone %s: %w", s.repoURL, err)
	}
	if head, err := repo.Head(); err == nil {
		s.lastCommit = head.Hash().String()
	}

	return NewDirSource(filepath.Join(dir, s.subdir)).Load(ctx)
}
