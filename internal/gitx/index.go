package gitx

import (
	"context"
	"fmt"
	"os"
)

// Index is a staging area backed by a temporary index file. Trees are
// built here and written without ever touching the repository's real
// index, so a sync that runs while the user has changes staged cannot
// disturb them.
type Index struct {
	repo *Repo
	path string
}

// NewIndex creates an isolated index. Close removes the backing file.
func (r *Repo) NewIndex() (*Index, error) {
	f, err := os.CreateTemp("", "loom-index-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp index: %w", err)
	}
	path := f.Name()
	f.Close()
	// git wants to create the index file itself.
	os.Remove(path)
	return &Index{repo: r, path: path}, nil
}

func (ix *Index) env() []string {
	return []string{"GIT_INDEX_FILE=" + ix.path}
}

// ReadTree loads a commit-ish's tree into the index as the starting
// point for staging.
func (ix *Index) ReadTree(ctx context.Context, ref string) error {
	_, err := ix.repo.run(ctx, ix.env(), "read-tree", ref)
	return err
}

// Add stages a blob at a path.
func (ix *Index) Add(ctx context.Context, path, blobSHA string) error {
	_, err := ix.repo.run(ctx, ix.env(),
		"update-index", "--add", "--cacheinfo", "100644", blobSHA, path)
	return err
}

// AddContent writes content to the object database and stages it.
func (ix *Index) AddContent(ctx context.Context, path string, data []byte) error {
	sha, err := ix.repo.HashObject(ctx, data)
	if err != nil {
		return err
	}
	return ix.Add(ctx, path, sha)
}

// Remove unstages a path. Missing paths are ignored.
func (ix *Index) Remove(ctx context.Context, path string) error {
	_, err := ix.repo.run(ctx, ix.env(),
		"update-index", "--force-remove", path)
	return err
}

// WriteTree writes the staged state as a tree object and returns its SHA.
func (ix *Index) WriteTree(ctx context.Context) (string, error) {
	output, err := ix.repo.run(ctx, ix.env(), "write-tree")
	if err != nil {
		return "", err
	}
	return trimSHA(output), nil
}

// Close removes the temporary index file.
func (ix *Index) Close() error {
	if ix.path == "" {
		return nil
	}
	err := os.Remove(ix.path)
	ix.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func trimSHA(output []byte) string {
	s := string(output)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
