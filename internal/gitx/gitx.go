// Package gitx wraps the git plumbing commands the sync engine needs:
// reading blobs and trees from a ref without a checkout, building trees
// through an isolated temporary index, creating commits, updating refs
// atomically, and fetch/push. Nothing here ever touches the caller's
// working tree, HEAD, or the shared index; a sync can never corrupt a
// user's in-progress edits.
package gitx

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Repo is a handle on a git repository, addressed by any directory inside
// it. All operations run with -C so the process working directory is
// never involved.
type Repo struct {
	dir string
}

// Open returns a Repo for the repository containing dir.
func Open(dir string) (*Repo, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, ErrGitNotAvailable
	}
	r := &Repo{dir: dir}
	if _, err := r.run(context.Background(), nil, "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotARepo, dir)
	}
	return r, nil
}

// Init initializes a repository at dir. Used by tests and `loom init`.
func Init(ctx context.Context, dir string, bare bool) (*Repo, error) {
	args := []string{"init"}
	if bare {
		args = append(args, "--bare")
	}
	cmd := exec.CommandContext(ctx, "git", append(args, dir)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git init failed: %w\n%s", err, string(output))
	}
	return &Repo{dir: dir}, nil
}

// Dir returns the directory the repo handle is addressed by.
func (r *Repo) Dir() string {
	return r.dir
}

// run executes a git command in the repository with optional extra
// environment entries.
func (r *Repo) run(ctx context.Context, env []string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", r.dir}, args...)...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w\n%s",
			strings.Join(args, " "), err, string(output))
	}
	return output, nil
}

// RefSHA resolves a ref to a commit SHA. Returns ErrRefNotFound for
// missing refs, which callers treat as "branch not created yet".
func (r *Repo) RefSHA(ctx context.Context, ref string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", r.dir, "rev-parse", "--verify", "--quiet", ref)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	}
	return strings.TrimSpace(string(output)), nil
}

// RefExists reports whether a ref resolves.
func (r *Repo) RefExists(ctx context.Context, ref string) bool {
	_, err := r.RefSHA(ctx, ref)
	return err == nil
}

// ListTree returns every blob under a commit-ish as path -> blob SHA,
// read directly from the object database without a checkout.
func (r *Repo) ListTree(ctx context.Context, ref string) (map[string]string, error) {
	output, err := r.run(ctx, nil, "ls-tree", "-r", "-z", ref)
	if err != nil {
		return nil, err
	}

	tree := make(map[string]string)
	for _, rec := range strings.Split(string(output), "\x00") {
		if rec == "" {
			continue
		}
		// Format: <mode> <type> <sha>\t<path>
		tab := strings.IndexByte(rec, '\t')
		if tab < 0 {
			continue
		}
		meta := strings.Fields(rec[:tab])
		if len(meta) != 3 || meta[1] != "blob" {
			continue
		}
		tree[rec[tab+1:]] = meta[2]
	}
	return tree, nil
}

// ReadBlob returns a blob's content by SHA.
func (r *Repo) ReadBlob(ctx context.Context, sha string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", r.dir, "cat-file", "blob", sha)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git cat-file failed for %s: %w", sha, err)
	}
	return output, nil
}

// ReadFileAt returns a file's content at a specific ref without checkout.
func (r *Repo) ReadFileAt(ctx context.Context, ref, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", r.dir, "show", ref+":"+path)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s at %s: %w", path, ref, err)
	}
	return output, nil
}

// HashObject writes content into the object database and returns its
// blob SHA.
func (r *Repo) HashObject(ctx context.Context, data []byte) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", r.dir, "hash-object", "-w", "--stdin")
	cmd.Stdin = strings.NewReader(string(data))
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git hash-object failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// CommitTree creates a commit for a tree. parent may be empty for a root
// commit. The committer identity falls back to a fixed one when the
// repository has none configured, so sync works in bare automation
// environments.
func (r *Repo) CommitTree(ctx context.Context, tree, parent, message string) (string, error) {
	args := []string{"commit-tree", tree, "-m", message}
	if parent != "" {
		args = []string{"commit-tree", tree, "-p", parent, "-m", message}
	}
	env := []string{
		"GIT_AUTHOR_NAME=loom", "GIT_AUTHOR_EMAIL=loom@localhost",
		"GIT_COMMITTER_NAME=loom", "GIT_COMMITTER_EMAIL=loom@localhost",
	}
	output, err := r.run(ctx, env, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// UpdateRef atomically moves a branch ref from oldSHA to newSHA.
// An empty oldSHA asserts the ref must not exist yet. If the ref moved
// concurrently the update fails with ErrStaleRef.
func (r *Repo) UpdateRef(ctx context.Context, ref, newSHA, oldSHA string) error {
	args := []string{"update-ref", ref, newSHA}
	// git treats the all-zero SHA as "must not exist".
	if oldSHA == "" {
		oldSHA = strings.Repeat("0", 40)
	}
	args = append(args, oldSHA)
	if output, err := r.run(ctx, nil, args...); err != nil {
		if strings.Contains(string(output), "cannot lock ref") ||
			strings.Contains(string(output), "is at") {
			return fmt.Errorf("%w: %s", ErrStaleRef, ref)
		}
		return err
	}
	return nil
}

// Fetch fetches a branch from the remote into its remote-tracking ref.
// A missing remote branch is not an error: first sync against an empty
// remote is a normal state.
func (r *Repo) Fetch(ctx context.Context, remote, branch string) error {
	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, remote, branch)
	output, err := r.run(ctx, nil, "fetch", "--no-tags", remote, refspec)
	if err != nil {
		if strings.Contains(string(output), "couldn't find remote ref") {
			return nil
		}
		return err
	}
	return nil
}

// Push pushes a branch to the remote. A non-fast-forward rejection is
// surfaced as ErrPushRejected so the caller can re-fetch, re-merge, and
// retry; the remote's atomic ref update is the only cross-process
// compare-and-swap in the system.
func (r *Repo) Push(ctx context.Context, remote, branch string) error {
	output, err := r.run(ctx, nil, "push", remote, fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	if err != nil {
		if isNonFastForward(string(output)) {
			return fmt.Errorf("%w: %s", ErrPushRejected, branch)
		}
		return err
	}
	return nil
}

// isNonFastForward matches the messages git emits for rejected pushes.
func isNonFastForward(output string) bool {
	return strings.Contains(output, "non-fast-forward") ||
		strings.Contains(output, "fetch first") ||
		(strings.Contains(output, "rejected") && strings.Contains(output, "behind"))
}

// HasRemote reports whether the named remote is configured.
func (r *Repo) HasRemote(ctx context.Context, remote string) bool {
	output, err := r.run(ctx, nil, "remote")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if strings.TrimSpace(line) == remote {
			return true
		}
	}
	return false
}

// AddRemote configures a remote. Used by init and tests.
func (r *Repo) AddRemote(ctx context.Context, name, url string) error {
	_, err := r.run(ctx, nil, "remote", "add", name, url)
	return err
}
