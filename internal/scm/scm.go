// Package scm defines the source-control collaborator boundary: the
// engine never clones, branches, or merges itself. It only calls this
// interface from the ALM's workspace-preparation step and delegates
// the public API's source-control helper endpoints to it.
package scm

import "context"

// Collaborator clones repositories and manages branches on behalf of
// running agents. A concrete implementation (talking to GitHub,
// GitLab, or a local bare repo) lives outside this engine; it is
// injected at startup.
type Collaborator interface {
	// Clone checks out repo's default branch into dest.
	Clone(ctx context.Context, repo, dest string) error

	// FetchAndCheckout fetches branch from origin and checks it out in
	// workspace, used for the reviewer flow and fix-up coding flow.
	FetchAndCheckout(ctx context.Context, workspace, branch string) error

	// CreateBranch creates and checks out a new branch from the
	// current head, used for the initial coding flow.
	CreateBranch(ctx context.Context, workspace, branch string) error
}

// NoOpCollaborator satisfies Collaborator without touching any
// repository; it is the default when no real collaborator is
// configured, so the ALM can still exercise its workspace-preparation
// path in development and in tests.
type NoOpCollaborator struct{}

func (NoOpCollaborator) Clone(ctx context.Context, repo, dest string) error { return nil }

func (NoOpCollaborator) FetchAndCheckout(ctx context.Context, workspace, branch string) error {
	return nil
}

func (NoOpCollaborator) CreateBranch(ctx context.Context, workspace, branch string) error {
	return nil
}

var _ Collaborator = NoOpCollaborator{}
