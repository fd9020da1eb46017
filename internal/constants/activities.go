package constants

// Workflow and activity names used for registration and execution.
const (
	ResearchWorkflow    = "ResearchWorkflow"
	RunResearchActivity = "RunResearch"
)
