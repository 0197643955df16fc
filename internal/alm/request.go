package alm

import "github.com/forgehq/forge/internal/store"

// SpawnRequest carries everything needed to start one agent. Only the
// fields relevant to the requested Kind need be set; the rest are
// ignored.
type SpawnRequest struct {
	TaskID      string
	Repo        string
	Title       string
	Description string
	Kind        store.AgentKind // defaults to triage if empty

	PRNumber       int
	PRURL          string
	Branch         string // reviewer flow: checkout this PR branch
	ExistingBranch string // fix-up coding flow: checkout this existing branch
	ReviewComments string
	ExecutionPlan  string // prior plan carried forward on fix-up
	DeploymentURL  string
	FocusAreas     string

	PromptText  string // caller-supplied; builder is used only if empty
	CallbackURL string
}

func (r SpawnRequest) kind() store.AgentKind {
	if r.Kind == "" {
		return store.AgentKindTriage
	}
	return r.Kind
}
