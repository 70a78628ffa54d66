// Package expand flattens a job-graph document into the list of jobs a
// build runs. Workflow and git nodes are inlined recursively under their
// own name as a namespace.
package expand

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/meikuraledutech/jobdag"
	"github.com/meikuraledutech/jobdag/definition"
)

// NamedDependency is a dependency edge before job ids exist.
type NamedDependency struct {
	Name string
	On   []jobdag.State
}

// Request is one job to create. Name is fully namespaced.
type Request struct {
	Name         string
	Node         definition.Node
	Dependencies []NamedDependency
	Environment  map[string]string
}

// RepoContext locates the checkout definition files are read from.
type RepoContext struct {
	Root     string
	CloneURL string
	Commit   string
}

// Expander expands documents. Git nodes are checked out below workDir.
type Expander struct {
	git     jobdag.GitClient
	workDir string
	logger  *slog.Logger

	mu        sync.Mutex
	checkouts map[string]*sync.Mutex
}

// New creates an Expander. A nil logger falls back to slog.Default().
func New(git jobdag.GitClient, workDir string, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{
		git:       git,
		workDir:   resolveDir(workDir),
		logger:    logger,
		checkouts: make(map[string]*sync.Mutex),
	}
}

// resolveDir makes path absolute and resolves symlinks in its longest
// existing prefix, so include paths are compared in one form whether or not
// the checkout exists yet.
func resolveDir(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	rest := ""
	for dir := abs; ; dir = filepath.Dir(dir) {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(real, rest)
		}
		if filepath.Dir(dir) == dir {
			return abs
		}
		rest = filepath.Join(filepath.Base(dir), rest)
	}
}

// ExpandFile expands the definition file at path (relative to repo.Root)
// with a fresh recursion guard.
func (e *Expander) ExpandFile(ctx context.Context, repo RepoContext, path string) ([]Request, error) {
	return e.expandFile(ctx, repo, filepath.Join(repo.Root, path), NewInProgress())
}

// Expand flattens doc. Files on the include chain that led to doc must
// already be in inProgress.
func (e *Expander) Expand(ctx context.Context, doc *definition.Document, repo RepoContext, inProgress InProgress) ([]Request, error) {
	var out []Request
	aliases := make(map[string]string)

	for _, n := range doc.Jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			sub []Request
			env map[string]string
			err error
		)
		switch n := n.(type) {
		case *definition.WorkflowNode:
			sub, err = e.expandFile(ctx, repo, filepath.Join(repo.Root, n.DefinitionFile), inProgress)
			env = n.Environment
		case *definition.GitNode:
			sub, err = e.expandGit(ctx, n, inProgress)
			env = n.Environment
		case *definition.DockerNode, *definition.DockerImageNode, *definition.DockerComposeNode, *definition.WaitNode:
			out = append(out, Request{
				Name:         n.Base().Name,
				Node:         n,
				Dependencies: named(n.Base().DependsOn),
				Environment:  cloneEnv(definition.Environment(n)),
			})
			continue
		}
		if err != nil {
			return nil, err
		}

		inlined, alias := inline(n.Base(), env, sub)
		out = append(out, inlined...)
		if alias != "" {
			aliases[n.Base().Name] = alias
		}
	}

	for i := range out {
		for j, dep := range out[i].Dependencies {
			if alias, ok := aliases[dep.Name]; ok {
				out[i].Dependencies[j].Name = alias
			}
		}
	}
	return out, nil
}

func (e *Expander) expandFile(ctx context.Context, repo RepoContext, path string, inProgress InProgress) ([]Request, error) {
	resolved, release, err := inProgress.Enter(path)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := insideRoot(repo.Root, resolved); err != nil {
		return nil, err
	}
	doc, err := parse(resolved)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Expanding definition file", slog.String("path", resolved), slog.Int("jobs", len(doc.Jobs)))
	return e.Expand(ctx, doc, repo, inProgress)
}

func (e *Expander) expandGit(ctx context.Context, n *definition.GitNode, inProgress InProgress) ([]Request, error) {
	file := n.DefinitionFile
	if file == "" {
		file = definition.DefaultGitDefinitionFile
	}

	dir := filepath.Join(e.workDir, checkoutDir(n.CloneURL, n.Commit))
	resolved, release, err := inProgress.Enter(filepath.Join(dir, file))
	if err != nil {
		return nil, err
	}
	defer release()

	repo, err := e.Checkout(ctx, n.CloneURL, n.Commit, n.Branch)
	if err != nil {
		return nil, err
	}
	doc, err := parse(resolved)
	if err != nil {
		return nil, err
	}
	return e.Expand(ctx, doc, repo, inProgress)
}

// Checkout clones url at commit below the work directory unless that
// checkout already exists. Clones land in a temporary directory and are
// renamed into place once complete, so a checkout directory is never seen
// half written.
func (e *Expander) Checkout(ctx context.Context, url, commit, branch string) (RepoContext, error) {
	name := checkoutDir(url, commit)
	dir := filepath.Join(e.workDir, name)
	repo := RepoContext{Root: dir, CloneURL: url, Commit: commit}

	lock := e.checkoutLock(name)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(dir); !errors.Is(err, fs.ErrNotExist) {
		return repo, nil
	}
	if e.git == nil {
		return RepoContext{}, &jobdag.ExpansionError{Path: url, Msg: "No git client configured"}
	}
	if err := os.MkdirAll(e.workDir, 0o755); err != nil {
		return RepoContext{}, &jobdag.ExpansionError{Path: e.workDir, Msg: "Cannot create work directory", Err: err}
	}
	tmp, err := os.MkdirTemp(e.workDir, "."+name+"-")
	if err != nil {
		return RepoContext{}, &jobdag.ExpansionError{Path: e.workDir, Msg: "Cannot create work directory", Err: err}
	}

	e.logger.Info("Cloning repository", slog.String("url", url), slog.String("commit", commit))
	if err := e.git.Clone(ctx, url, commit, branch, tmp); err != nil {
		os.RemoveAll(tmp)
		return RepoContext{}, &jobdag.ExpansionError{Path: url, Msg: "Failed to clone repository", Err: err}
	}
	if err := os.Rename(tmp, dir); err != nil {
		os.RemoveAll(tmp)
		// another process sharing the work directory got there first
		if _, statErr := os.Stat(dir); statErr == nil {
			return repo, nil
		}
		return RepoContext{}, &jobdag.ExpansionError{Path: dir, Msg: "Cannot store checkout", Err: err}
	}
	return repo, nil
}

func (e *Expander) checkoutLock(name string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.checkouts[name]
	if !ok {
		l = &sync.Mutex{}
		e.checkouts[name] = l
	}
	return l
}

func parse(path string) (*definition.Document, error) {
	doc, err := definition.ParseFile(path)
	if err == nil {
		return doc, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &jobdag.ExpansionError{Path: path, Msg: "Definition file not found"}
	}
	var verr *jobdag.ValidationError
	if errors.As(err, &verr) {
		return nil, &jobdag.ExpansionError{Path: path, Msg: "Invalid definition file", Err: err}
	}
	return nil, &jobdag.ExpansionError{Path: path, Msg: "Cannot read definition file", Err: err}
}

// inline namespaces sub under base's name. It returns the name outer jobs
// must use to depend on the subgraph when that is a single leaf; otherwise
// a wait job named after base joins the leaves and the alias is empty.
func inline(base *definition.Common, env map[string]string, sub []Request) ([]Request, string) {
	prefix := base.Name + "/"

	dependedOn := make(map[string]struct{})
	for _, r := range sub {
		for _, d := range r.Dependencies {
			dependedOn[d.Name] = struct{}{}
		}
	}

	out := make([]Request, 0, len(sub)+1)
	var leaves []string
	for _, r := range sub {
		if _, ok := dependedOn[r.Name]; !ok {
			leaves = append(leaves, prefix+r.Name)
		}

		nr := Request{
			Name:        prefix + r.Name,
			Node:        r.Node,
			Environment: cloneEnv(r.Environment),
		}
		if len(r.Dependencies) == 0 {
			nr.Dependencies = named(base.DependsOn)
		} else {
			nr.Dependencies = make([]NamedDependency, len(r.Dependencies))
			for i, d := range r.Dependencies {
				nr.Dependencies[i] = NamedDependency{Name: prefix + d.Name, On: d.On}
			}
		}
		for k, v := range env {
			if nr.Environment == nil {
				nr.Environment = make(map[string]string, len(env))
			}
			nr.Environment[k] = v
		}
		out = append(out, nr)
	}

	if len(leaves) == 1 {
		return out, leaves[0]
	}

	wait := Request{
		Name: base.Name,
		Node: &definition.WaitNode{Common: definition.Common{Type: jobdag.KindWait, Name: base.Name}},
	}
	for _, leaf := range leaves {
		wait.Dependencies = append(wait.Dependencies, NamedDependency{
			Name: leaf,
			On:   []jobdag.State{jobdag.StateFinished},
		})
	}
	return append(out, wait), ""
}

func insideRoot(root, path string) error {
	if root == "" {
		return nil
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return &jobdag.ExpansionError{Path: root, Msg: "Cannot resolve repository root", Err: err}
	}
	if real, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = real
	}
	rel, err := filepath.Rel(absRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &jobdag.ExpansionError{Path: path, Msg: "Definition file outside of repository"}
	}
	return nil
}

func checkoutDir(url, commit string) string {
	sum := sha256.Sum256([]byte(url + "@" + commit))
	return hex.EncodeToString(sum[:8])
}

func named(deps []definition.DependsOn) []NamedDependency {
	if len(deps) == 0 {
		return nil
	}
	out := make([]NamedDependency, len(deps))
	for i, d := range deps {
		out[i] = NamedDependency{Name: d.Job, On: d.States()}
	}
	return out
}

func cloneEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
