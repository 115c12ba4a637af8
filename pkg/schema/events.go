package schema

// Event type constants emitted on the streaming hub and in logs.
const (
	EventScheduleCreated  = "schedule_created"
	EventPhaseChanged     = "phase_changed"
	EventScheduleRepeated = "schedule_repeated"
	EventScheduleResumed  = "schedule_resumed"
	EventCancelRequested  = "cancel_requested"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetrying  = "step_retrying"

	EventUndoStarted   = "undo_started"
	EventUndoCompleted = "undo_completed"
	EventUndoFailed    = "undo_failed"

	EventServiceStatusChanged = "service_status_changed"
	EventServiceScheduled     = "service_scheduled"
)

// Phase is the lifecycle state of a schedule.
type Phase string

const (
	PhaseRunning                   Phase = "RUNNING"
	PhaseWaitingManualIntervention Phase = "WAITING_MANUAL_INTERVENTION"
	PhaseUndoing                   Phase = "UNDOING"
	PhaseDone                      Phase = "DONE"
	PhaseFailed                    Phase = "FAILED"
)

// Terminal reports whether no further transition can leave p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// ServiceState is the desired or observed condition of a managed resource.
type ServiceState string

const (
	ServiceRunning ServiceState = "RUNNING"
	ServiceStopped ServiceState = "STOPPED"
	ServiceUnknown ServiceState = "UNKNOWN"
)
