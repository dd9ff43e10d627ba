package schema

// Journal entry kinds recorded on the step execution journal.
// One record per (execution, step, attempt); the record kind is the
// attempt's final outcome.
const (
	JournalStepCompleted = "step_completed"
	JournalStepFailed    = "step_failed"
	JournalStepSkipped   = "step_skipped"
)

// TriggeredBy identifies what started an execution.
type TriggeredBy string

const (
	TriggeredBySchedule TriggeredBy = "schedule"
	TriggeredByEvent    TriggeredBy = "event"
	TriggeredByManual   TriggeredBy = "manual"
)
