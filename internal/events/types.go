// Package events defines the event vocabulary shared by producers and
// subscribers across the host.
package events

// Event types published on the bus. UI clients receive these verbatim
// through the websocket gateway.
const (
	TypeTaskCreated           = "task_created"
	TypeTaskUpdated           = "task_updated"
	TypeTaskCompleted         = "task_completed"
	TypeTaskFailed            = "task_failed"
	TypeMessageChunk          = "message_chunk"
	TypeMessage               = "message"
	TypeMessageComplete       = "message_complete"
	TypeFinalResponse         = "final_response"
	TypeFileUploaded          = "file_uploaded"
	TypeRemoteAgentActivity   = "remote_agent_activity"
	TypeOutgoingAgentMessage  = "outgoing_agent_message"
	TypeWorkflowStepStarted   = "workflow_step_started"
	TypeWorkflowStepCompleted = "workflow_step_completed"
	TypeActiveWorkflowChanged = "active_workflow_changed"
	TypeActiveWorkflowsList   = "active_workflows_changed"
	TypeTaskCanceled          = "task_canceled"
	TypeError                 = "error"
)

// Coalescible reports whether queued events of this type may be dropped in
// favor of a newer event of the same type when a subscriber falls behind.
func Coalescible(eventType string) bool {
	switch eventType {
	case TypeTaskUpdated, TypeMessageChunk, TypeRemoteAgentActivity:
		return true
	}
	return false
}

// Terminal reports whether the event marks the end of a message or task and
// therefore must never be dropped.
func Terminal(eventType string) bool {
	switch eventType {
	case TypeMessageComplete, TypeFinalResponse, TypeTaskCompleted, TypeTaskFailed, TypeTaskCanceled:
		return true
	}
	return false
}
