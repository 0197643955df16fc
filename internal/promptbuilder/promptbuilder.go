// Package promptbuilder defines the prompt-building collaborator
// boundary: given an agent kind and task context, it produces the text
// prompt handed to the sandbox. The engine treats the result as an
// opaque string and never inspects or generates it itself.
package promptbuilder

import "context"

// Context carries the fields a prompt builder needs to compose a
// prompt for one spawn.
type Context struct {
	AgentKind         string
	TaskID            string
	Title             string
	Description       string
	Repo              string
	ExecutionPlan     string
	ReviewComments    string
	ExistingBranch    string
	PRNumber          int
	PRURL             string
	DeploymentURL     string
	FocusAreas        string
}

// Builder produces prompt text for a spawn request.
type Builder interface {
	Build(ctx context.Context, promptCtx Context) (string, error)
}

// PassThrough returns the caller-supplied prompt text unchanged,
// satisfying Builder when a spawn request already carries pre-built
// prompt text and no generation is needed.
type PassThrough struct{}

func (PassThrough) Build(ctx context.Context, promptCtx Context) (string, error) {
	return "", nil
}

var _ Builder = PassThrough{}
