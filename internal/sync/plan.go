// Package sync plans and executes differential reconciliation between a
// vault's local index and its remote bucket under the cache, safe and mirror
// policies.
package sync

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/vaulthalla/vaulthalla/internal/errs"
	"github.com/vaulthalla/vaulthalla/internal/metadata"
	"github.com/vaulthalla/vaulthalla/internal/storage"
)

// ActionType orders the plan's phases. Phases execute with a barrier between
// them; actions within a phase run concurrently.
type ActionType int

const (
	EnsureDirectories ActionType = iota
	Upload
	Download
	DeleteRemote
	DeleteLocal
)

func (t ActionType) String() string {
	switch t {
	case EnsureDirectories:
		return "ensure_directories"
	case Upload:
		return "upload"
	case Download:
		return "download"
	case DeleteRemote:
		return "delete_remote"
	case DeleteLocal:
		return "delete_local"
	}
	return "unknown"
}

// Action is one planned reconcile step.
type Action struct {
	Type              ActionType
	Path              string // "/"-rooted vault-relative
	Local             *metadata.Entry
	LocalFile         *metadata.File
	Remote            *storage.RemoteFile
	FreeAfterDownload bool
}

// PlannedConflict is a divergence the planner resolved by policy; it is
// recorded under the SyncEvent with both sides' artifacts.
type PlannedConflict struct {
	Path   string
	Reason string
	Local  *metadata.File
	Remote *storage.RemoteFile
}

// Plan is the ordered action plan for one run.
type Plan struct {
	Actions   []Action
	Conflicts []PlannedConflict
}

// Input is what a reconcile run receives.
type Input struct {
	Policy       *metadata.SyncPolicy
	LocalEntries []*metadata.Entry         // file entries of the vault
	LocalFiles   map[uint64]*metadata.File // entry id -> payload row
	S3Map        map[string]*storage.RemoteFile
	RemoteHashes map[string]string // path -> content-hash (may be missing)
}

// BuildPlan derives the action plan for a policy. The input maps are not
// mutated.
func BuildPlan(in *Input) (*Plan, error) {
	switch in.Policy.Mode {
	case metadata.SyncCache:
		return planCache(in), nil
	case metadata.SyncSafe:
		return planSafe(in), nil
	case metadata.SyncMirror:
		switch in.Policy.ConflictPolicy {
		case metadata.KeepLocal:
			return planMirrorKeepLocal(in), nil
		case metadata.KeepRemote:
			return planMirrorKeepRemote(in), nil
		default:
			return nil, fmt.Errorf("mirror conflict policy %q: %w", in.Policy.ConflictPolicy, errs.ErrInvalidArgument)
		}
	default:
		return nil, fmt.Errorf("sync mode %q: %w", in.Policy.Mode, errs.ErrInvalidArgument)
	}
}

// hashesMatch reports a definite content match: both hashes known and equal.
func hashesMatch(local *metadata.File, remoteHash string) bool {
	return local.ContentHash != "" && remoteHash != "" && local.ContentHash == remoteHash
}

// remoteLeftovers returns s3Map entries not consumed while walking the local
// side, sorted by path for deterministic plans.
func remoteLeftovers(s3Map map[string]*storage.RemoteFile, consumed map[string]bool) []*storage.RemoteFile {
	var out []*storage.RemoteFile
	for path, rf := range s3Map {
		if !consumed[path] {
			out = append(out, rf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func planCache(in *Input) *Plan {
	plan := &Plan{}
	consumed := make(map[string]bool)

	for _, entry := range in.LocalEntries {
		file := in.LocalFiles[entry.ID]
		remote, ok := in.S3Map[entry.Path]
		if !ok {
			plan.Actions = append(plan.Actions, Action{Type: Upload, Path: entry.Path, Local: entry, LocalFile: file})
			continue
		}
		consumed[entry.Path] = true

		if hashesMatch(file, in.RemoteHashes[entry.Path]) {
			continue
		}
		// Hashes differ or are unknown: mtimes break the tie. A newer local
		// copy means an upload is already scheduled; skip downloading and
		// never delete.
		if file.UpdatedAt <= remote.UpdatedAt {
			plan.Actions = append(plan.Actions, Action{Type: Download, Path: entry.Path, Local: entry, LocalFile: file, Remote: remote})
		}
	}

	leftovers := remoteLeftovers(in.S3Map, consumed)
	if len(leftovers) > 0 {
		plan.Actions = append([]Action{{Type: EnsureDirectories}}, plan.Actions...)
	}
	for _, rf := range leftovers {
		plan.Actions = append(plan.Actions, Action{Type: Download, Path: rf.Path, Remote: rf})
	}
	return plan
}

func planSafe(in *Input) *Plan {
	plan := &Plan{}
	consumed := make(map[string]bool)

	for _, entry := range in.LocalEntries {
		file := in.LocalFiles[entry.ID]
		remote, ok := in.S3Map[entry.Path]
		if !ok {
			plan.Actions = append(plan.Actions, Action{Type: Upload, Path: entry.Path, Local: entry, LocalFile: file})
			continue
		}
		consumed[entry.Path] = true

		if hashesMatch(file, in.RemoteHashes[entry.Path]) {
			continue
		}
		// Updated times decide the winner in two-way mode.
		if file.UpdatedAt <= remote.UpdatedAt {
			plan.Actions = append(plan.Actions, Action{Type: Download, Path: entry.Path, Local: entry, LocalFile: file, Remote: remote})
		} else {
			plan.Actions = append(plan.Actions, Action{Type: Upload, Path: entry.Path, Local: entry, LocalFile: file})
		}
	}

	leftovers := remoteLeftovers(in.S3Map, consumed)
	if len(leftovers) > 0 {
		plan.Actions = append([]Action{{Type: EnsureDirectories}}, plan.Actions...)
	}
	for _, rf := range leftovers {
		plan.Actions = append(plan.Actions, Action{Type: Download, Path: rf.Path, Remote: rf})
	}
	return plan
}

func planMirrorKeepLocal(in *Input) *Plan {
	plan := &Plan{}
	consumed := make(map[string]bool)

	for _, entry := range in.LocalEntries {
		file := in.LocalFiles[entry.ID]
		remote, ok := in.S3Map[entry.Path]
		if !ok {
			plan.Actions = append(plan.Actions, Action{Type: Upload, Path: entry.Path, Local: entry, LocalFile: file})
			continue
		}
		consumed[entry.Path] = true

		if hashesMatch(file, in.RemoteHashes[entry.Path]) {
			continue
		}
		// The remote diverged but local wins; record the conflict and force
		// the local side up.
		if remoteHash := in.RemoteHashes[entry.Path]; remoteHash != "" && file.ContentHash != "" {
			plan.Conflicts = append(plan.Conflicts, PlannedConflict{
				Path:   entry.Path,
				Reason: "divergent content, keep-local forced upload",
				Local:  file,
				Remote: remote,
			})
		}
		plan.Actions = append(plan.Actions, Action{Type: Upload, Path: entry.Path, Local: entry, LocalFile: file})
	}

	for _, rf := range remoteLeftovers(in.S3Map, consumed) {
		plan.Actions = append(plan.Actions, Action{Type: DeleteRemote, Path: rf.Path, Remote: rf})
	}
	return plan
}

func planMirrorKeepRemote(in *Input) *Plan {
	plan := &Plan{}
	consumed := make(map[string]bool)

	for _, entry := range in.LocalEntries {
		file := in.LocalFiles[entry.ID]
		remote, ok := in.S3Map[entry.Path]
		if !ok {
			// No remote counterpart: the local copy goes.
			plan.Actions = append(plan.Actions, Action{Type: DeleteLocal, Path: entry.Path, Local: entry, LocalFile: file})
			continue
		}
		consumed[entry.Path] = true

		if hashesMatch(file, in.RemoteHashes[entry.Path]) {
			continue
		}
		if remoteHash := in.RemoteHashes[entry.Path]; remoteHash != "" && file.ContentHash != "" {
			plan.Conflicts = append(plan.Conflicts, PlannedConflict{
				Path:   entry.Path,
				Reason: "divergent content, keep-remote forced download",
				Local:  file,
				Remote: remote,
			})
		}
		plan.Actions = append(plan.Actions, Action{Type: Download, Path: entry.Path, Local: entry, LocalFile: file, Remote: remote})
	}

	leftovers := remoteLeftovers(in.S3Map, consumed)
	if len(leftovers) > 0 {
		plan.Actions = append([]Action{{Type: EnsureDirectories}}, plan.Actions...)
	}
	for _, rf := range leftovers {
		plan.Actions = append(plan.Actions, Action{Type: Download, Path: rf.Path, Remote: rf})
	}
	return plan
}

// ByPhase groups the plan's actions in execution order.
func (p *Plan) ByPhase() [][]Action {
	phases := make([][]Action, DeleteLocal+1)
	for _, a := range p.Actions {
		phases[a.Type] = append(phases[a.Type], a)
	}
	return phases
}

// DownloadBytes totals the stored size of every planned download.
func (p *Plan) DownloadBytes() uint64 {
	var sum uint64
	for _, a := range p.Actions {
		if a.Type == Download && a.Remote != nil {
			sum += a.Remote.Size
		}
	}
	return sum
}

// StateHash digests a sorted path->hash view for divergence watermarks.
func StateHash(pairs map[string]string) string {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	for _, k := range keys {
		h.WriteString(k)
		h.WriteString("\x00")
		h.WriteString(pairs[k])
		h.WriteString("\x01")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// ConfigHash digests the policy fields that shape a run, for attribution.
func ConfigHash(p *metadata.SyncPolicy) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%d|%s|%s|%d", p.VaultID, p.Mode, p.ConflictPolicy, p.IntervalSecs)
	return fmt.Sprintf("%016x", h.Sum64())
}
