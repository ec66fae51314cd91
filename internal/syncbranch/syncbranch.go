// Package syncbranch reconciles the local entity store with the shared
// distribution branch. The branch is the only transport and the only
// durable shared state: sync fetches the remote tip, merges divergent
// entities field by field, builds a tree in an isolated index, commits
// on top of the remote tip, and pushes. The remote's atomic ref update
// is the compare-and-swap that serializes concurrent writers; a rejected
// push means another writer won the race, and the whole cycle repeats
// against their result.
package syncbranch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/loomlabs/loom/internal/attic"
	"github.com/loomlabs/loom/internal/config"
	"github.com/loomlabs/loom/internal/entity"
	"github.com/loomlabs/loom/internal/gitx"
	"github.com/loomlabs/loom/internal/merge"
	"github.com/loomlabs/loom/internal/store"
)

// Phase names the stage a sync attempt is in. Reported in logs and in
// the final Report so a stuck sync is diagnosable.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseFetching   Phase = "fetching"
	PhaseComparing  Phase = "comparing"
	PhaseMerging    Phase = "merging"
	PhaseStaging    Phase = "staging"
	PhaseCommitting Phase = "committing"
	PhasePushing    Phase = "pushing"
	PhaseDone       Phase = "done"
	PhaseRejected   Phase = "rejected"
)

// Report summarizes a completed Sync call.
type Report struct {
	Attempts int
	Phase    Phase

	// Inbound is entities adopted or updated from the remote.
	Inbound int
	// Outbound is local entities staged for the remote.
	Outbound int
	// Merged is entities that needed a field-level merge.
	Merged int
	// Discards is attic entries written by those merges.
	Discards int
	// Skipped is files left out of this cycle because they failed to
	// parse. A corrupt entity never aborts the sync of healthy ones.
	Skipped int

	Commit   string
	Duration time.Duration
}

// Manager runs sync cycles for one clone.
type Manager struct {
	repo   *gitx.Repo
	store  *store.Store
	attic  *attic.Store
	cfg    *config.Config
	nodeID string
	logger *log.Logger

	// rand is the jitter source; swapped for a seeded one in tests.
	rand *rand.Rand
}

// New creates a sync manager. logger may be nil.
func New(repo *gitx.Repo, st *store.Store, at *attic.Store, cfg *config.Config, nodeID string, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Manager{
		repo:   repo,
		store:  st,
		attic:  at,
		cfg:    cfg,
		nodeID: nodeID,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *Manager) branchRef() string {
	return "refs/heads/" + m.cfg.Branch
}

func (m *Manager) remoteRef() string {
	return fmt.Sprintf("refs/remotes/%s/%s", m.cfg.Remote, m.cfg.Branch)
}

// Sync runs the full cycle, retrying rejected pushes with jittered
// exponential backoff until it converges or the attempt budget runs out.
func (m *Manager) Sync(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Phase: PhaseIdle}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxSyncAttempts; attempt++ {
		report.Attempts = attempt
		err := m.attempt(ctx, report)
		if err == nil {
			report.Phase = PhaseDone
			report.Duration = time.Since(start)
			m.logger.Printf("sync done: commit=%s inbound=%d outbound=%d merged=%d discards=%d attempts=%d",
				shortSHA(report.Commit), report.Inbound, report.Outbound, report.Merged, report.Discards, attempt)
			return report, nil
		}
		if !gitx.IsRetryable(err) {
			report.Duration = time.Since(start)
			return report, err
		}

		report.Phase = PhaseRejected
		lastErr = err
		delay := m.backoff(attempt)
		m.logger.Printf("push rejected (attempt %d/%d), retrying in %s", attempt, m.cfg.MaxSyncAttempts, delay)
		select {
		case <-ctx.Done():
			report.Duration = time.Since(start)
			return report, ctx.Err()
		case <-time.After(delay):
		}
	}
	report.Duration = time.Since(start)
	return report, fmt.Errorf("sync gave up after %d attempts: %w", m.cfg.MaxSyncAttempts, lastErr)
}

// backoff returns the delay before retry n (1-based): base doubling per
// attempt, capped, with ±25% jitter so a fleet of writers rejected by the
// same push doesn't retry in lockstep.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 1; i < attempt && d < m.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > m.cfg.BackoffMax {
		d = m.cfg.BackoffMax
	}
	jitter := 0.75 + m.rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// attempt runs one fetch-merge-commit-push pass.
func (m *Manager) attempt(ctx context.Context, report *Report) error {
	report.Inbound, report.Outbound, report.Merged, report.Discards, report.Skipped = 0, 0, 0, 0, 0

	report.Phase = PhaseFetching
	hasRemote := m.repo.HasRemote(ctx, m.cfg.Remote)
	if hasRemote {
		if err := m.repo.Fetch(ctx, m.cfg.Remote, m.cfg.Branch); err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}
	}

	baseRef := m.remoteRef()
	baseSHA, err := m.repo.RefSHA(ctx, baseRef)
	if errors.Is(err, gitx.ErrRefNotFound) {
		// No remote branch (or no remote at all): base on the local
		// branch if it exists, else start a fresh history.
		baseRef = m.branchRef()
		baseSHA, err = m.repo.RefSHA(ctx, baseRef)
		if errors.Is(err, gitx.ErrRefNotFound) {
			baseSHA = ""
			err = nil
		}
	}
	if err != nil {
		return err
	}

	report.Phase = PhaseComparing
	var remoteTree map[string]string
	if baseSHA != "" {
		remoteTree, err = m.repo.ListTree(ctx, baseSHA)
		if err != nil {
			return err
		}
		if metaSHA, ok := remoteTree[MetaFile]; ok {
			data, err := m.repo.ReadBlob(ctx, metaSHA)
			if err != nil {
				return err
			}
			if err := checkMeta(data); err != nil {
				return err
			}
		}
	}

	staged, err := m.reconcile(ctx, remoteTree, report)
	if err != nil {
		return err
	}

	report.Phase = PhaseStaging
	ix, err := m.repo.NewIndex()
	if err != nil {
		return err
	}
	defer ix.Close()

	if baseSHA != "" {
		if err := ix.ReadTree(ctx, baseSHA); err != nil {
			return err
		}
	}
	changed := false
	for path, data := range staged {
		blob, err := m.repo.HashObject(ctx, data)
		if err != nil {
			return err
		}
		if remoteTree[path] != blob {
			changed = true
		}
		if err := ix.Add(ctx, path, blob); err != nil {
			return err
		}
	}
	if !changed {
		report.Commit = baseSHA
		return nil
	}

	report.Phase = PhaseCommitting
	tree, err := ix.WriteTree(ctx)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("loom sync from %s", m.nodeID)
	commit, err := m.repo.CommitTree(ctx, tree, baseSHA, msg)
	if err != nil {
		return err
	}

	localSHA, err := m.repo.RefSHA(ctx, m.branchRef())
	if errors.Is(err, gitx.ErrRefNotFound) {
		localSHA = ""
	} else if err != nil {
		return err
	}
	if err := m.repo.UpdateRef(ctx, m.branchRef(), commit, localSHA); err != nil {
		return err
	}
	report.Commit = commit

	if hasRemote {
		report.Phase = PhasePushing
		if err := m.repo.Push(ctx, m.cfg.Remote, m.cfg.Branch); err != nil {
			return err
		}
	}
	return nil
}

// reconcile computes the next branch content: the union of local files
// and the remote tree, with divergent entities merged field by field and
// archive logs unioned. It writes inbound and merged results into the
// local store as it goes, and returns every path whose staged content
// this writer is responsible for.
func (m *Manager) reconcile(ctx context.Context, remoteTree map[string]string, report *Report) (map[string][]byte, error) {
	staged := make(map[string][]byte)

	// Entities and meta go first: merging a divergent entity appends its
	// discards to the local attic files, and the archive pass below reads
	// those files fresh, so the commit built from this cycle carries its
	// own loss records rather than deferring them to the next sync.
	local, err := m.store.Files()
	if err != nil {
		return nil, err
	}
	paths := map[string]bool{MetaFile: true}
	for p := range local {
		paths[p] = true
	}
	for p := range remoteTree {
		if !strings.HasPrefix(p, "archive/") {
			paths[p] = true
		}
	}
	if err := m.reconcilePaths(ctx, sortedPaths(paths), local, remoteTree, staged, report); err != nil {
		return nil, err
	}

	archive, err := m.localArchiveFiles()
	if err != nil {
		return nil, err
	}
	archivePaths := map[string]bool{}
	for p := range archive {
		archivePaths[p] = true
	}
	for p := range remoteTree {
		if strings.HasPrefix(p, "archive/") {
			archivePaths[p] = true
		}
	}
	if err := m.reconcilePaths(ctx, sortedPaths(archivePaths), archive, remoteTree, staged, report); err != nil {
		return nil, err
	}
	return staged, nil
}

func (m *Manager) reconcilePaths(ctx context.Context, paths []string, local map[string][]byte, remoteTree map[string]string, staged map[string][]byte, report *Report) error {
	for _, path := range paths {
		localData, haveLocal := local[path]
		var remoteData []byte
		if sha, ok := remoteTree[path]; ok {
			var err error
			remoteData, err = m.repo.ReadBlob(ctx, sha)
			if err != nil {
				return err
			}
		}

		out, err := m.reconcilePath(path, localData, haveLocal, remoteData, report)
		if err != nil {
			return err
		}
		if out != nil {
			staged[path] = out
		}
	}
	return nil
}

func sortedPaths(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// reconcilePath resolves one path of the branch. Returns the bytes to
// stage, or nil to leave the remote's version as is.
func (m *Manager) reconcilePath(path string, localData []byte, haveLocal bool, remoteData []byte, report *Report) ([]byte, error) {
	haveRemote := remoteData != nil

	switch {
	case path == MetaFile:
		if haveRemote {
			return nil, nil
		}
		return encodeMeta(Meta{SchemaVersion: SchemaVersion})

	case isEntityPath(path):
		return m.reconcileEntity(path, localData, haveLocal, remoteData, report)

	case strings.HasPrefix(path, "archive/attic/") && strings.HasSuffix(path, ".jsonl"):
		if !haveLocal {
			report.Inbound++
			if err := m.store.WriteFile(path, remoteData); err != nil {
				return nil, err
			}
			return nil, nil
		}
		if !haveRemote {
			report.Outbound++
			return localData, nil
		}
		union := unionJSONLines(localData, remoteData)
		if err := m.store.WriteFile(path, union); err != nil {
			return nil, err
		}
		if string(union) != string(remoteData) {
			return union, nil
		}
		return nil, nil

	case strings.HasPrefix(path, "archive/orphans/"):
		// Orphan records are immutable, one file per record: presence on
		// either side wins.
		if !haveLocal {
			if err := m.store.WriteFile(path, remoteData); err != nil {
				return nil, err
			}
			return nil, nil
		}
		if !haveRemote {
			return localData, nil
		}
		return nil, nil

	default:
		// Unknown paths (a newer schema's files within the supported
		// version) pass through untouched.
		if haveLocal && !haveRemote {
			return localData, nil
		}
		return nil, nil
	}
}

// reconcileEntity handles one entity file. A file that fails to parse on
// either side isolates that entity: the healthy side's bytes stand, the
// sync continues, and the problem is logged.
func (m *Manager) reconcileEntity(path string, localData []byte, haveLocal bool, remoteData []byte, report *Report) ([]byte, error) {
	haveRemote := remoteData != nil

	if haveLocal && !haveRemote {
		report.Outbound++
		return localData, nil
	}
	if !haveLocal && haveRemote {
		if _, err := entity.Unmarshal(remoteData); err != nil {
			m.logger.Printf("skipping unparseable remote entity %s: %v", path, err)
			report.Skipped++
			return nil, nil
		}
		report.Inbound++
		if err := m.store.WriteFile(path, remoteData); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if string(localData) == string(remoteData) {
		return nil, nil
	}

	localEnt, lerr := entity.Unmarshal(localData)
	remoteEnt, rerr := entity.Unmarshal(remoteData)
	if lerr != nil && rerr != nil {
		m.logger.Printf("skipping entity %s: both copies unparseable", path)
		report.Skipped++
		return nil, nil
	}
	if lerr != nil {
		m.logger.Printf("local copy of %s unparseable, adopting remote: %v", path, lerr)
		report.Skipped++
		report.Inbound++
		if err := m.store.WriteFile(path, remoteData); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if rerr != nil {
		m.logger.Printf("remote copy of %s unparseable, keeping local: %v", path, rerr)
		report.Skipped++
		report.Outbound++
		return localData, nil
	}

	needs, err := merge.NeedsMerge(localEnt, remoteEnt)
	if err != nil {
		return nil, err
	}
	if !needs {
		// Same content hash, different bytes: only the excluded
		// bookkeeping fields differ. Pick deterministically so every
		// replica converges on identical bytes.
		winner := pickBookkeeping(localEnt, remoteEnt, localData, remoteData)
		if err := m.store.WriteFile(path, winner); err != nil {
			return nil, err
		}
		if string(winner) != string(remoteData) {
			return winner, nil
		}
		return nil, nil
	}

	report.Phase = PhaseMerging
	now := time.Now().UTC()
	merged, discards, err := merge.Merge(localEnt, remoteEnt, now)
	if err != nil {
		var ie *merge.IntegrityError
		if errors.As(err, &ie) {
			m.logger.Printf("integrity violation on %s, keeping both sides out of this cycle: %v", path, err)
			report.Skipped++
			return nil, nil
		}
		return nil, err
	}
	report.Merged++

	if len(discards) > 0 {
		if _, err := m.attic.Record(discards, now); err != nil {
			return nil, err
		}
		report.Discards += len(discards)
	}

	data, err := entity.Marshal(merged)
	if err != nil {
		return nil, err
	}
	if err := m.store.WriteFile(path, data); err != nil {
		return nil, err
	}
	return data, nil
}

// pickBookkeeping chooses between two copies that agree on content hash.
// Higher version wins; ties fall to the lexically greater canonical
// bytes. Symmetric, so both replicas pick the same copy.
func pickBookkeeping(l, r entity.Fields, localData, remoteData []byte) []byte {
	switch {
	case l.Version() > r.Version():
		return localData
	case r.Version() > l.Version():
		return remoteData
	case string(localData) > string(remoteData):
		return localData
	default:
		return remoteData
	}
}

// isEntityPath reports whether a branch path is an entity file in a
// registered collection directory.
func isEntityPath(path string) bool {
	dir, _, ok := strings.Cut(path, "/")
	if !ok || !strings.HasSuffix(path, ".json") {
		return false
	}
	if strings.Count(path, "/") != 1 {
		return false
	}
	_, err := entity.LookupByDir(dir)
	return err == nil
}

// localArchiveFiles returns the attic and orphan files under the data
// root, keyed by branch-relative path.
func (m *Manager) localArchiveFiles() (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, sub := range []string{"archive/attic", "archive/orphans"} {
		dir := m.store.Root() + "/" + sub
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			rel := sub + "/" + e.Name()
			data, err := m.store.ReadFile(rel)
			if err != nil {
				return nil, err
			}
			out[rel] = data
		}
	}
	return out, nil
}

// unionJSONLines merges two append-only JSONL logs: the union of their
// lines, deduplicated, sorted. Sorting makes the result independent of
// which side ran the union.
func unionJSONLines(a, b []byte) []byte {
	seen := map[string]bool{}
	add := func(data []byte) {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				seen[line] = true
			}
		}
	}
	add(a)
	add(b)

	lines := make([]string, 0, len(seen))
	for l := range seen {
		lines = append(lines, l)
	}
	sort.Strings(lines)
	return []byte(strings.Join(lines, "\n") + "\n")
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
