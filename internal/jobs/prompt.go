package jobs

// System prompt fragments appended to the agent invocation's command-line
// argument (spec.md §6 "Agent invocation"). Kept as plain constants rather
// than a templating engine — there are exactly two, chosen by one boolean —
// per the design note that the selector should stay a pure function of
// observable indexer health.
const (
	promptIndexerAvailable = "A semantic search index is available for this workspace. " +
		"Prefer the agent's semantic-search subcommand over manual file grepping when locating relevant code."
	promptIndexerUnavailable = "No semantic search index is available for this workspace. " +
		"Fall back to classic text search (grep/ripgrep) when locating relevant code."
)

// SelectSystemPrompt picks the system-prompt fragment for an agent
// invocation given whether the indexer was observed healthy for this job.
// A pure function of its input, as spec.md §9 requires.
func SelectSystemPrompt(indexerHealthy bool) string {
	if indexerHealthy {
		return promptIndexerAvailable
	}
	return promptIndexerUnavailable
}
