package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/deskd-io/deskd/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "show":
		requireArg(3, "usage: deskctl show <ticket-id>")
		cmdShow(os.Args[2])
	case "answer":
		requireArg(4, "usage: deskctl answer <ticket-id> <answer>")
		cmdAnswer(os.Args[2], os.Args[3])
	case "list":
		cmdList(os.Args[2:])
	case "invocations":
		requireArg(3, "usage: deskctl invocations <ticket-id>")
		cmdInvocations(os.Args[2])
	case "stats":
		cmdStats()
	case "health":
		cmdHealth()
	case "logs":
		cmdLogs(os.Args[2:])
	case "config":
		requireArg(4, "usage: deskctl config validate <path>")
		if os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: deskctl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func requireArg(n int, usage string) {
	if len(os.Args) < n {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}

// --- Commands ---

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	ticketID := fs.String("ticket-id", "", "Ticket ID (generated if omitted)")
	name := fs.String("name", "", "Customer name")
	email := fs.String("email", "", "Customer email")
	query := fs.String("query", "", "Customer query (required)")
	priority := fs.String("priority", "medium", "Priority: low, medium, or high")
	answer := fs.String("simulate-answer", "", "Simulated human answer (skips the pause)")
	fs.Parse(args)

	if *query == "" {
		fmt.Fprintln(os.Stderr, "error: --query is required")
		os.Exit(1)
	}

	req := map[string]any{
		"payload": map[string]any{
			"ticket_id":     *ticketID,
			"customer_name": *name,
			"email":         *email,
			"query":         *query,
			"priority":      *priority,
		},
	}
	if *answer != "" {
		req["simulate_human_answer"] = *answer
	}

	body, err := apiPost("/api/agent/run", req)
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdShow(id string) {
	body, err := apiGet("/api/tickets/" + id)
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdAnswer(id, answer string) {
	body, err := apiPost("/api/tickets/"+id+"/answer", map[string]any{"answer": answer})
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "Filter by status")
	limit := fs.Int("limit", 50, "Max results")
	fs.Parse(args)

	query := fmt.Sprintf("?limit=%d", *limit)
	if *status != "" {
		query += "&status=" + *status
	}

	body, err := apiGet("/api/tickets" + query)
	if err != nil {
		fatal(err)
	}
	var tickets []map[string]any
	json.Unmarshal(body, &tickets)
	for _, t := range tickets {
		payload, _ := t["payload"].(map[string]any)
		fmt.Printf("%-24s %-15s %v\n", t["id"], t["status"], payload["query"])
	}
}

func cmdInvocations(id string) {
	body, err := apiGet("/api/tickets/" + id + "/invocations")
	if err != nil {
		fatal(err)
	}
	var invs []map[string]any
	json.Unmarshal(body, &invs)
	for _, inv := range invs {
		fmt.Printf("%-8s %-24s attempt=%v %-6s %vms\n",
			inv["tool"], inv["ability"], inv["attempt"], inv["outcome"], inv["latency_ms"])
	}
}

func cmdStats() {
	body, err := apiGet("/api/stats")
	if err != nil {
		fatal(err)
	}
	fmt.Println(prettyJSON(body))
}

func cmdHealth() {
	body, err := apiGet("/api/health")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(body))
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	level := fs.String("level", "", "Minimum level (debug|info|warn|error)")
	limit := fs.Int("limit", 100, "Max entries")
	fs.Parse(args)

	query := fmt.Sprintf("?limit=%d", *limit)
	if *level != "" {
		query += "&level=" + *level
	}

	body, err := apiGet("/api/logs" + query)
	if err != nil {
		fatal(err)
	}
	var entries []map[string]any
	json.Unmarshal(body, &entries)
	for _, e := range entries {
		fmt.Printf("%v %-5v %v\n", e["time"], e["level"], e["message"])
	}
}

func cmdConfigValidate(path string) {
	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config is valid")
}

// --- Helpers ---

func apiGet(path string) ([]byte, error) {
	return apiDo("GET", path, nil)
}

func apiPost(path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return apiDo("POST", path, bytes.NewReader(data))
}

func apiDo(method, path string, body io.Reader) ([]byte, error) {
	base := envOr("DESKD_API_URL", "http://localhost:8080")

	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key := os.Getenv("DESKD_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Println("deskctl - deskd management CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run                    Submit a ticket (--query, --priority, --simulate-answer, ...)")
	fmt.Println("  show <id>              Show a ticket instance")
	fmt.Println("  answer <id> <answer>   Deliver a human answer to a paused ticket")
	fmt.Println("  list                   List tickets (--status, --limit)")
	fmt.Println("  invocations <id>       Show the tool-call audit trail")
	fmt.Println("  stats                  Show ticket counts by status")
	fmt.Println("  health                 Check daemon health")
	fmt.Println("  logs                   Tail recent daemon logs (--level, --limit)")
	fmt.Println("  config validate <p>    Validate a config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  DESKD_API_URL  Daemon URL (default: http://localhost:8080)")
	fmt.Println("  DESKD_API_KEY  API key for authentication")
}
