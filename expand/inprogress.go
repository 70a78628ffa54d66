package expand

import (
	"path/filepath"

	"github.com/meikuraledutech/jobdag"
)

// InProgress is the set of definition files on the current include chain.
// Each expansion owns its own set.
type InProgress map[string]struct{}

func NewInProgress() InProgress {
	return make(InProgress)
}

// Enter resolves path and marks it as being expanded. The returned release
// func must run on every exit path of that expansion.
func (p InProgress) Enter(path string) (string, func(), error) {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return "", nil, &jobdag.ExpansionError{Path: path, Msg: "Cannot resolve definition file", Err: err}
	}
	if real, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = real
	}
	if _, ok := p[resolved]; ok {
		return "", nil, &jobdag.ExpansionError{Path: resolved, Msg: "Recursive include detected"}
	}
	p[resolved] = struct{}{}
	return resolved, func() { delete(p, resolved) }, nil
}
