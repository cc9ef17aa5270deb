package memstore

import (
	"context"
	"testing"

	"github.com/flowforge/orchestrator/internal/graph"
	"github.com/flowforge/orchestrator/internal/store"
)

func TestCreateActionAssignsIDsAndPendingStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	action, tasks, err := s.CreateAction(ctx, graph.Action{Title: "research trip"}, []graph.Task{
		{Prompt: "search flights", AgentType: "web_search"},
		{Prompt: "summarize", AgentType: "report_writing", Dependencies: nil},
	})
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if action.ID == "" || action.Status != graph.ActionDraft {
		t.Fatalf("unexpected action: %+v", action)
	}
	for _, task := range tasks {
		if task.ID == "" || task.Status != graph.TaskPending || task.ActionID != action.ID {
			t.Fatalf("unexpected task: %+v", task)
		}
	}
}

func TestSetTaskStatusEnforcesTransitionTable(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, tasks, _ := s.CreateAction(ctx, graph.Action{Title: "t"}, []graph.Task{{Prompt: "p"}})
	taskID := tasks[0].ID

	if _, err := s.SetTaskStatus(ctx, taskID, graph.TaskCompleted, store.TaskResult{}); err == nil {
		t.Fatalf("expected error skipping running state")
	}
	if _, err := s.SetTaskStatus(ctx, taskID, graph.TaskRunning, store.TaskResult{}); err != nil {
		t.Fatalf("pending->running: %v", err)
	}
	got, err := s.SetTaskStatus(ctx, taskID, graph.TaskCompleted, store.TaskResult{OutputSummary: "done", ArtifactIDs: []string{"art-1"}})
	if err != nil {
		t.Fatalf("running->completed: %v", err)
	}
	if got.OutputSummary != "done" {
		t.Fatalf("expected output summary to be recorded, got %+v", got)
	}
	if len(got.ArtifactIDs) != 1 || got.ArtifactIDs[0] != "art-1" {
		t.Fatalf("expected artifact ids to be recorded, got %+v", got.ArtifactIDs)
	}
}

func TestDeleteActionRemovesTasksLogsAndArtifacts(t *testing.T) {
	s := New()
	ctx := context.Background()
	action, tasks, _ := s.CreateAction(ctx, graph.Action{Title: "t"}, []graph.Task{{Prompt: "p"}})
	taskID := tasks[0].ID

	if err := s.AppendLog(ctx, graph.LogEntry{TaskID: taskID, Level: graph.LogInfo, Message: "hi"}); err != nil {
		t.Fatalf("append log: %v", err)
	}
	if err := s.PutArtifact(ctx, graph.Artifact{ID: "art-1", TaskID: taskID, MimeType: "text/plain", StorePath: "file:///x"}); err != nil {
		t.Fatalf("put artifact: %v", err)
	}

	if err := s.DeleteAction(ctx, action.ID); err != nil {
		t.Fatalf("delete action: %v", err)
	}
	if _, ok, _ := s.GetAction(ctx, action.ID); ok {
		t.Fatalf("expected action to be gone")
	}
	if _, ok, _ := s.GetTask(ctx, taskID); ok {
		t.Fatalf("expected task to be gone")
	}
	if logs, _ := s.ListLogs(ctx, taskID, 10); len(logs) != 0 {
		t.Fatalf("expected logs to be gone, got %+v", logs)
	}
	if _, ok, _ := s.GetArtifact(ctx, "art-1"); ok {
		t.Fatalf("expected artifact to be gone")
	}
}

func TestResetTasksReturnsToPending(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, tasks, _ := s.CreateAction(ctx, graph.Action{Title: "t"}, []graph.Task{{Prompt: "p"}})
	taskID := tasks[0].ID
	_, _ = s.SetTaskStatus(ctx, taskID, graph.TaskRunning, store.TaskResult{})
	_, _ = s.SetTaskStatus(ctx, taskID, graph.TaskCompleted, store.TaskResult{OutputSummary: "x"})

	if err := s.ResetTasks(ctx, []string{taskID}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _, _ := s.GetTask(ctx, taskID)
	if got.Status != graph.TaskPending || got.OutputSummary != "" {
		t.Fatalf("expected task reset to pending with cleared summary, got %+v", got)
	}
}

func TestAuditTrailIsHashChained(t *testing.T) {
	s := New()
	ctx := context.Background()
	action, tasks, _ := s.CreateAction(ctx, graph.Action{Title: "t"}, []graph.Task{{Prompt: "p"}})
	_, _ = s.SetTaskStatus(ctx, tasks[0].ID, graph.TaskRunning, store.TaskResult{})

	trail := s.AuditTrail(action.ID)
	if len(trail) < 2 {
		t.Fatalf("expected at least 2 audit events, got %d", len(trail))
	}
	for i, e := range trail {
		if e.EventHash == "" {
			t.Fatalf("event %d missing hash", i)
		}
		if i > 0 && e.PrevHash != trail[i-1].EventHash {
			t.Fatalf("event %d does not chain to previous hash", i)
		}
	}
}

func TestAppendAndListLogsRespectsLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, tasks, _ := s.CreateAction(ctx, graph.Action{Title: "t"}, []graph.Task{{Prompt: "p"}})
	taskID := tasks[0].ID

	for i := 0; i < 5; i++ {
		if err := s.AppendLog(ctx, graph.LogEntry{TaskID: taskID, Level: graph.LogInfo, Message: "step"}); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}
	got, err := s.ListLogs(ctx, taskID, 2)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 logs with limit, got %d", len(got))
	}
}
