// Package gc implements whitelist-based retention over the pipeline's
// disk artifacts. Deletion is opt-in twice: a target must be inside the
// whitelist, and apply must be requested explicitly; everything else is
// a dry-run plan. A policy that points outside the whitelist fails
// before any filesystem I/O happens.
package gc

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/earcrawler/earcrawler/pkg/audit"
	"github.com/earcrawler/earcrawler/pkg/errkind"
)

// Whitelist is the closed set of root-relative directories GC may ever
// touch. Shipping it in source keeps it out of operator reach.
var Whitelist = []string{
	"kg",
	".cache/api",
	"spool",
	"runs",
}

// Policy is the retention policy document.
type Policy struct {
	Targets []Target `yaml:"targets"`
}

// Target is one retention rule. Zero-valued limits do not apply.
type Target struct {
	Path          string `yaml:"path"`
	MaxAgeDays    int    `yaml:"max_age_days"`
	MaxTotalBytes int64  `yaml:"max_total_bytes"`
	MaxFileBytes  int64  `yaml:"max_file_bytes"`
	KeepLast      int    `yaml:"keep_last"`
}

// Action is one planned deletion.
type Action struct {
	Path   string `json:"path"`
	Size   int64  `json:"size_bytes"`
	Reason string `json:"reason"`
}

// Plan is the outcome of a dry run.
type Plan struct {
	Actions    []Action `json:"actions"`
	TotalBytes int64    `json:"total_bytes"`
	Applied    bool     `json:"applied"`
}

// LoadPolicy reads a YAML retention policy.
func LoadPolicy(path string) (*Policy, error) {
	const op = "gc.policy"
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, op, err)
	}
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, op, err)
	}
	if len(p.Targets) == 0 {
		return nil, errkind.New(errkind.InvalidInput, op, "policy has no targets")
	}
	return &p, nil
}

// Engine plans and applies retention under a root directory.
type Engine struct {
	Root   string
	Ledger *audit.Ledger
	Actor  string
	Clock  func() time.Time
}

// Plan computes the deletion plan for the policy without touching the
// filesystem beyond reads. Every target is whitelist-checked first; one
// bad target fails the whole run.
func (e *Engine) Plan(policy *Policy) (*Plan, error) {
	const op = "gc.plan"

	for _, t := range policy.Targets {
		if !whitelisted(t.Path) {
			return nil, errkind.New(errkind.AuthorizationDenied, op,
				"target %q is outside the retention whitelist", t.Path)
		}
	}

	now := e.now()
	var plan Plan
	for _, t := range policy.Targets {
		actions, err := e.planTarget(t, now)
		if err != nil {
			return nil, err
		}
		plan.Actions = append(plan.Actions, actions...)
	}
	sort.Slice(plan.Actions, func(i, j int) bool { return plan.Actions[i].Path < plan.Actions[j].Path })
	for _, a := range plan.Actions {
		plan.TotalBytes += a.Size
	}
	return &plan, nil
}

// Apply executes a previously computed plan and appends a gc_report
// audit event. Paths are re-checked against the whitelist at deletion
// time.
func (e *Engine) Apply(plan *Plan) error {
	const op = "gc.apply"

	for _, a := range plan.Actions {
		rel, err := filepath.Rel(e.Root, a.Path)
		if err != nil || !whitelisted(filepath.ToSlash(rel)) {
			return errkind.New(errkind.AuthorizationDenied, op,
				"refusing to delete %q: outside the whitelist", a.Path)
		}
	}

	var deleted []string
	var freed int64
	for _, a := range plan.Actions {
		if err := os.Remove(a.Path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errkind.Wrap(errkind.Internal, op, err)
		}
		deleted = append(deleted, a.Path)
		freed += a.Size
	}
	plan.Applied = true

	if e.Ledger != nil {
		_, err := e.Ledger.Append(e.Actor, nil, audit.EventGCReport, map[string]any{
			"deleted_count": len(deleted),
			"freed_bytes":   freed,
			"planned_count": len(plan.Actions),
		})
		if err != nil {
			return errkind.Wrap(errkind.Internal, op, err)
		}
	}
	return nil
}

type fileInfo struct {
	path    string
	size    int64
	modTime time.Time
}

func (e *Engine) planTarget(t Target, now time.Time) ([]Action, error) {
	const op = "gc.plan"
	dir := filepath.Join(e.Root, filepath.FromSlash(t.Path))
	var files []fileInfo
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, fileInfo{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, op, err)
	}

	// Newest first; keep_last protects the head of this ordering.
	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.After(files[j].modTime)
		}
		return files[i].path < files[j].path
	})

	doomed := make(map[string]string)
	for i, f := range files {
		if t.KeepLast > 0 && i < t.KeepLast {
			continue
		}
		if t.MaxAgeDays > 0 && now.Sub(f.modTime) > time.Duration(t.MaxAgeDays)*24*time.Hour {
			doomed[f.path] = fmt.Sprintf("older than %d days", t.MaxAgeDays)
			continue
		}
		if t.MaxFileBytes > 0 && f.size > t.MaxFileBytes {
			doomed[f.path] = fmt.Sprintf("exceeds %d bytes", t.MaxFileBytes)
		}
	}

	if t.MaxTotalBytes > 0 {
		var total int64
		for _, f := range files {
			if _, gone := doomed[f.path]; !gone {
				total += f.size
			}
		}
		// Evict oldest survivors until under budget.
		for i := len(files) - 1; i >= 0 && total > t.MaxTotalBytes; i-- {
			f := files[i]
			if _, gone := doomed[f.path]; gone {
				continue
			}
			if t.KeepLast > 0 && i < t.KeepLast {
				break
			}
			doomed[f.path] = fmt.Sprintf("total size over %d bytes", t.MaxTotalBytes)
			total -= f.size
		}
	}

	var actions []Action
	for _, f := range files {
		if reason, gone := doomed[f.path]; gone {
			actions = append(actions, Action{Path: f.path, Size: f.size, Reason: reason})
		}
	}
	return actions, nil
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

// whitelisted reports whether a root-relative slash path is inside the
// whitelist. Path traversal out of a whitelisted root does not count.
func whitelisted(rel string) bool {
	rel = strings.TrimSuffix(filepath.ToSlash(rel), "/")
	if strings.HasPrefix(rel, "../") || rel == ".." || strings.Contains(rel, "/../") {
		return false
	}
	for _, w := range Whitelist {
		if rel == w || strings.HasPrefix(rel, w+"/") {
			return true
		}
	}
	return false
}
