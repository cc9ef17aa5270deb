package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowforge/orchestrator/internal/eventbus"
	"github.com/flowforge/orchestrator/internal/graph"
)

func TestSubscribeEmitsSnapshotThenTranslatedEvents(t *testing.T) {
	s, st, bus := newTestServer(t)

	action, _, err := st.CreateAction(context.Background(), graph.Action{Title: "t", RootPrompt: "p"}, nil)
	if err != nil {
		t.Fatalf("seed action: %v", err)
	}

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/actions/"+action.ID+"/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	firstEvent, _ := readSSEEvent(t, reader)
	if firstEvent != "snapshot" {
		t.Fatalf("expected the first frame to be a snapshot, got %q", firstEvent)
	}

	bus.Publish(eventbus.Event{Kind: eventbus.KindActionStatus, ActionID: action.ID, Payload: map[string]string{"status": graph.ActionRunning}})

	name, _ := readSSEEvent(t, reader)
	if name != "action.started" {
		t.Fatalf("expected action.started, got %q", name)
	}
}

// readSSEEvent reads one "event: name\ndata: ...\n\n" frame, returning its
// event name and raw data line.
func readSSEEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var eventName, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE frame: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if eventName != "" {
				return eventName, data
			}
		}
	}
}
