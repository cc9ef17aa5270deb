package api

import "github.com/flowforge/orchestrator/internal/eventbus"

func taskStatusEvent(actionID, taskID, status string) eventbus.Event {
	return eventbus.Event{
		Kind:     eventbus.KindTaskStatus,
		ActionID: actionID,
		TaskID:   taskID,
		Payload:  map[string]string{"status": status},
	}
}
