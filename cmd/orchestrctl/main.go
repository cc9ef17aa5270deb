// Command orchestrctl is the operator companion CLI: it talks to a
// running orchestratord's HTTP surface to submit actions, trigger runs,
// edit tasks and tail an action's live event stream.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "submit":
		runSubmit(os.Args[2:])
	case "get":
		runGet(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "task":
		runTask(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "verify":
		runVerify(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: orchestrctl <submit|get|run|task|watch|verify> [...]")
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "orchestratord base URL")
	token := fs.String("token", "", "bearer token")
	owner := fs.String("owner", "", "owner id")
	title := fs.String("title", "", "action title, defaults to root prompt")
	rootPrompt := fs.String("root-prompt", "", "root prompt to decompose")
	_ = fs.Parse(args)

	if strings.TrimSpace(*rootPrompt) == "" {
		fatalf("--root-prompt is required")
	}
	body, _ := json.Marshal(map[string]string{"title": *title, "root_prompt": *rootPrompt})
	resp := doRequest(http.MethodPost, *url+"/v1/actions", *token, *owner, body)
	printJSON(resp)
}

func runGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "orchestratord base URL")
	token := fs.String("token", "", "bearer token")
	owner := fs.String("owner", "", "owner id")
	actionID := fs.String("action-id", "", "action id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*actionID) == "" {
		fatalf("--action-id is required")
	}
	resp := doRequest(http.MethodGet, *url+"/v1/actions/"+*actionID, *token, *owner, nil)
	printJSON(resp)
}

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "orchestratord base URL")
	token := fs.String("token", "", "bearer token")
	owner := fs.String("owner", "", "owner id")
	actionID := fs.String("action-id", "", "action id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*actionID) == "" {
		fatalf("--action-id is required")
	}
	resp := doRequest(http.MethodPost, *url+"/v1/actions/"+*actionID+"/run", *token, *owner, nil)
	printJSON(resp)
}

func runTask(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: orchestrctl task <add|edit> [...]")
		os.Exit(1)
	}
	switch args[0] {
	case "add":
		runTaskAdd(args[1:])
	case "edit":
		runTaskEdit(args[1:])
	default:
		fmt.Fprintln(os.Stderr, "usage: orchestrctl task <add|edit> [...]")
		os.Exit(1)
	}
}

func runTaskAdd(args []string) {
	fs := flag.NewFlagSet("task add", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "orchestratord base URL")
	token := fs.String("token", "", "bearer token")
	owner := fs.String("owner", "", "owner id")
	actionID := fs.String("action-id", "", "action id")
	prompt := fs.String("prompt", "", "task prompt")
	agentType := fs.String("agent-type", "generic", "agent type")
	model := fs.String("model", "", "explicit model override")
	deps := fs.String("depends-on", "", "comma-separated dependency task ids")
	_ = fs.Parse(args)

	if strings.TrimSpace(*actionID) == "" || strings.TrimSpace(*prompt) == "" {
		fatalf("--action-id and --prompt are required")
	}
	body, _ := json.Marshal(map[string]any{
		"prompt":       *prompt,
		"agent_type":   *agentType,
		"model":        *model,
		"dependencies": splitCSV(*deps),
	})
	resp := doRequest(http.MethodPost, *url+"/v1/actions/"+*actionID+"/tasks", *token, *owner, body)
	printJSON(resp)
}

func runTaskEdit(args []string) {
	fs := flag.NewFlagSet("task edit", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "orchestratord base URL")
	token := fs.String("token", "", "bearer token")
	owner := fs.String("owner", "", "owner id")
	actionID := fs.String("action-id", "", "action id")
	taskID := fs.String("task-id", "", "task id")
	prompt := fs.String("prompt", "", "new prompt, omitted if empty")
	model := fs.String("model", "", "new model, omitted if empty")
	deps := fs.String("depends-on", "", "comma-separated dependency task ids, omitted if empty")
	_ = fs.Parse(args)

	if strings.TrimSpace(*actionID) == "" || strings.TrimSpace(*taskID) == "" {
		fatalf("--action-id and --task-id are required")
	}
	patch := map[string]any{}
	if strings.TrimSpace(*prompt) != "" {
		patch["prompt"] = *prompt
	}
	if strings.TrimSpace(*model) != "" {
		patch["model"] = *model
	}
	if strings.TrimSpace(*deps) != "" {
		patch["dependencies"] = splitCSV(*deps)
	}
	body, _ := json.Marshal(patch)
	resp := doRequest(http.MethodPatch, *url+"/v1/actions/"+*actionID+"/tasks/"+*taskID, *token, *owner, body)
	printJSON(resp)
}

// runWatch tails an action's SSE stream and prints each frame as it
// arrives, following the transport's own "event: name\ndata: json\n\n"
// framing rather than pulling in an SSE client library for one command.
func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "orchestratord base URL")
	token := fs.String("token", "", "bearer token")
	owner := fs.String("owner", "", "owner id")
	actionID := fs.String("action-id", "", "action id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*actionID) == "" {
		fatalf("--action-id is required")
	}
	req, err := http.NewRequest(http.MethodGet, *url+"/v1/actions/"+*actionID+"/events", nil)
	if err != nil {
		fatalf("build request: %v", err)
	}
	applyHeaders(req, *token, *owner)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		fatalf("watch returned %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fmt.Printf("[%s] %s\n", eventName, strings.TrimPrefix(line, "data: "))
		case line == "":
			// frame boundary, nothing to do
		}
	}
}

func runVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "orchestratord base URL")
	token := fs.String("token", "", "bearer token")
	_ = fs.Parse(args)

	healthURL := strings.TrimRight(*url, "/") + "/healthz"
	req, err := http.NewRequest(http.MethodGet, healthURL, nil)
	if err != nil {
		fatalf("health check request build failed: %v", err)
	}
	applyHeaders(req, *token, "")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("health check failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		fatalf("health check returned %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	fmt.Printf("ok: %s\n", healthURL)
}

func applyHeaders(req *http.Request, token, owner string) {
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if strings.TrimSpace(owner) != "" {
		req.Header.Set("X-Orchestrator-Owner", owner)
	}
}

func doRequest(method, url, token, owner string, body []byte) []byte {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	applyHeaders(req, token, owner)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		fatalf("read response: %v", err)
	}
	if resp.StatusCode >= 300 {
		fatalf("%s %s returned %s: %s", method, url, resp.Status, strings.TrimSpace(string(out)))
	}
	return out
}

func printJSON(raw []byte) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(string(pretty))
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultURL() string {
	if v := strings.TrimSpace(os.Getenv("ORCHESTRATOR_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
