package domain

// ProposalKindGitHubPR is the only proposal kind the generator may return today.
const ProposalKindGitHubPR = "github_pr"

// Proposal is the closed set of change proposals a generator can produce.
// Add a variant by implementing proposalKind in this package.
type Proposal interface {
	Kind() string
	proposalKind()
}

type Quality struct {
	Assumptions  []string `json:"assumptions"`
	Risks        []string `json:"risks"`
	TestPlan     []string `json:"testPlan"`
	RollbackPlan []string `json:"rollbackPlan"`
}

type GitHubPRPayload struct {
	Repo          string       `json:"repo"`
	PRTitle       string       `json:"prTitle"`
	PRBody        string       `json:"prBody"`
	CommitMessage string       `json:"commitMessage"`
	BranchName    string       `json:"branchName,omitempty"`
	Files         []ChangeFile `json:"files"`
}

// GitHubPRProposal asks for a single pull request carrying Files.
type GitHubPRProposal struct {
	Summary string          `json:"summary"`
	Payload GitHubPRPayload `json:"payload"`
	Quality Quality         `json:"quality"`
}

func (GitHubPRProposal) Kind() string  { return ProposalKindGitHubPR }
func (GitHubPRProposal) proposalKind() {}
