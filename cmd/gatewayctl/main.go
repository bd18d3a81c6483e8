package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

var version = "dev"

// loadEnvFile reads ~/.llmgateway/env (written by the dev stack) and sets any
// key=value pairs not already present in the process environment. This lets
// gatewayctl work out of the box without shell profile configuration.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.llmgateway/env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(strings.TrimSpace(k)) == "" {
			_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("gatewayctl %s\n", version)
	case "admin-token":
		doAdminToken()
	case "rotate-admin-token":
		doRotateAdminToken()
	case "health":
		doHealthz()
	case "vault":
		doVault(args)
	case "provider", "providers":
		doProviders(args)
	case "model", "models":
		doModels(args)
	case "routing":
		doRouting(args)
	case "sessions":
		doSessions(args)
	case "logs":
		doRequestLogs(args)
	case "audit":
		doAudit(args)
	case "stats":
		doStats()
	case "provider-health":
		doProviderHealth()
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `gatewayctl — CLI for the llmgateway admin API

Usage: gatewayctl <command> [arguments]

Environment:
  GATEWAY_URL           Base URL (default: http://localhost:8080)
  GATEWAY_ADMIN_TOKEN   Bearer token for admin endpoints

  ~/.llmgateway/env     Auto-sourced on startup. Explicit environment
                        variables take precedence.

Commands:
  admin-token                  Print the admin token (env or local state file)
  rotate-admin-token            Rotate the admin token
  health                        Show liveness and readiness summary
  provider-health               Show per-provider health state

  vault unlock <password>       Unlock the vault
  vault lock                    Lock the vault
  vault rotate <old> <new>      Rotate the vault password

  provider list                 List configured providers
  provider add <id> <json>      Create or replace a provider
  provider edit <id> <json>     Patch a provider
  provider delete <id>          Delete a provider

  model list                    List logical models
  model add <id> <json>         Create or replace a logical model
  model edit <id> <json>        Patch a logical model
  model delete <id>             Delete a logical model

  routing get                   Show routing config
  routing set <json>            Update routing config

  sessions get <conversation-id>     Show a sticky session binding
  sessions delete <conversation-id>  Clear a sticky session binding

  logs [--limit N]               Show recent request logs
  audit [--limit N]              Show recent audit log entries
  stats                          Show per-route rolling metrics

  version                        Show version
  help                           Show this help

Examples:
  gatewayctl health
  gatewayctl vault unlock "my-secret-password"
  gatewayctl provider add openai '{"name":"OpenAI","type":"openai","base_url":"https://api.openai.com","enabled":true,"keys":[{"label":"primary","secret":"sk-...","weight":1}]}'
  gatewayctl model add gpt-4o '{"provider_id":"openai","upstream_model":"gpt-4o","strategy":"balanced","enabled":true}'
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("GATEWAY_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func adminToken() string {
	return os.Getenv("GATEWAY_ADMIN_TOKEN")
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	url := baseURL() + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := adminToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any    { return doJSON("GET", path, nil) }
func doPost(path, body string) map[string]any  { return doJSON("POST", path, strings.NewReader(body)) }
func doPatch(path, body string) map[string]any { return doJSON("PATCH", path, strings.NewReader(body)) }
func doPut(path, body string) map[string]any   { return doJSON("PUT", path, strings.NewReader(body)) }
func doDelete(path string) map[string]any      { return doJSON("DELETE", path, nil) }

func doJSON(method, path string, body io.Reader) map[string]any {
	resp, err := doRequest(method, path, body)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		var arr []any
		if err2 := json.Unmarshal(data, &arr); err2 == nil {
			return map[string]any{"items": arr}
		}
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: gatewayctl %s\n", usage)
		os.Exit(1)
	}
}

func parseLimit(args []string) int {
	for i, a := range args {
		if a == "--limit" && i+1 < len(args) {
			n, _ := strconv.Atoi(args[i+1])
			if n > 0 {
				return n
			}
		}
	}
	return 50
}

// --- Commands ---

func doAdminToken() {
	if tok := os.Getenv("GATEWAY_ADMIN_TOKEN"); tok != "" {
		fmt.Println(tok)
		return
	}
	home, _ := os.UserHomeDir()
	if home != "" {
		if data, err := os.ReadFile(home + "/.llmgateway/.admin-token"); err == nil {
			if tok := strings.TrimSpace(string(data)); tok != "" {
				fmt.Println(tok)
				return
			}
		}
	}
	fmt.Fprintln(os.Stderr, "admin token not found — set GATEWAY_ADMIN_TOKEN or check the service's state directory")
	os.Exit(1)
}

func doRotateAdminToken() {
	result := doPost("/admin/v1/admin-token/rotate", "{}")
	token, _ := result["token"].(string)
	if token == "" {
		fmt.Fprintln(os.Stderr, "rotation failed:", result)
		os.Exit(1)
	}
	fmt.Println("Admin token rotated.")
	fmt.Println("New token:", token)
}

func doHealthz() {
	resp, err := doRequest("GET", "/healthz", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	data := readJSON(resp)
	fmt.Println(prettyJSON(data))
}

func doVault(args []string) {
	requireArgs(args, 1, "vault <unlock|lock|rotate> [args]")
	switch args[0] {
	case "unlock":
		requireArgs(args, 2, "vault unlock <password>")
		body := fmt.Sprintf(`{"password":%s}`, jsonStr(args[1]))
		doPost("/admin/v1/vault/unlock", body)
		fmt.Println("Vault unlocked.")
	case "lock":
		doPost("/admin/v1/vault/lock", "{}")
		fmt.Println("Vault locked.")
	case "rotate":
		requireArgs(args, 3, "vault rotate <old-password> <new-password>")
		body := fmt.Sprintf(`{"old_password":%s,"new_password":%s}`, jsonStr(args[1]), jsonStr(args[2]))
		doPost("/admin/v1/vault/rotate", body)
		fmt.Println("Vault password rotated.")
	default:
		fmt.Fprintf(os.Stderr, "unknown vault command: %s\n", args[0])
		os.Exit(1)
	}
}

func doProviders(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/admin/v1/providers")
		items, _ := data["items"].([]any)
		if len(items) == 0 {
			fmt.Println("No providers configured.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tNAME\tTYPE\tBASE URL\tENABLED\tKEYS")
		for _, p := range items {
			m, _ := p.(map[string]any)
			id, _ := m["id"].(string)
			name, _ := m["name"].(string)
			typ, _ := m["type"].(string)
			url, _ := m["base_url"].(string)
			enabled := "yes"
			if m["enabled"] == false {
				enabled = "no"
			}
			keyCount := 0
			if keys, ok := m["keys"].([]any); ok {
				keyCount = len(keys)
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", id, name, typ, url, enabled, keyCount)
		}
		_ = tw.Flush()
		return
	}
	switch args[0] {
	case "add":
		requireArgs(args, 3, "provider add <id> <json>")
		doPut("/admin/v1/providers/"+args[1], args[2])
		fmt.Println("Provider saved.")
	case "edit":
		requireArgs(args, 3, "provider edit <id> <json>")
		doPatch("/admin/v1/providers/"+args[1], args[2])
		fmt.Println("Provider updated.")
	case "delete":
		requireArgs(args, 2, "provider delete <id>")
		doDelete("/admin/v1/providers/" + args[1])
		fmt.Println("Provider deleted.")
	default:
		fmt.Fprintf(os.Stderr, "unknown provider command: %s\n", args[0])
		os.Exit(1)
	}
}

func doModels(args []string) {
	if len(args) == 0 || args[0] == "list" {
		data := doGet("/admin/v1/models")
		items, _ := data["items"].([]any)
		if len(items) == 0 {
			fmt.Println("No logical models configured.")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tPROVIDER\tSTRATEGY\tENABLED")
		for _, mv := range items {
			m, _ := mv.(map[string]any)
			id, _ := m["logical_id"].(string)
			pid, _ := m["provider_id"].(string)
			strategy, _ := m["strategy"].(string)
			enabled := "yes"
			if m["enabled"] == false {
				enabled = "no"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, pid, strategy, enabled)
		}
		_ = tw.Flush()
		return
	}
	switch args[0] {
	case "add":
		requireArgs(args, 3, "model add <id> <json>")
		doPut("/admin/v1/models/"+args[1], args[2])
		fmt.Println("Model saved.")
	case "edit":
		requireArgs(args, 3, "model edit <id> <json>")
		doPatch("/admin/v1/models/"+args[1], args[2])
		fmt.Println("Model updated.")
	case "delete":
		requireArgs(args, 2, "model delete <id>")
		doDelete("/admin/v1/models/" + args[1])
		fmt.Println("Model deleted.")
	default:
		fmt.Fprintf(os.Stderr, "unknown model command: %s\n", args[0])
		os.Exit(1)
	}
}

func doRouting(args []string) {
	if len(args) == 0 || args[0] == "get" {
		data := doGet("/admin/v1/routing-config")
		fmt.Println(prettyJSON(data))
		return
	}
	switch args[0] {
	case "set":
		requireArgs(args, 2, "routing set <json>")
		doPut("/admin/v1/routing-config", args[1])
		fmt.Println("Routing config updated.")
	default:
		fmt.Fprintf(os.Stderr, "unknown routing command: %s\n", args[0])
		os.Exit(1)
	}
}

func doSessions(args []string) {
	requireArgs(args, 2, "sessions <get|delete> <conversation-id>")
	switch args[0] {
	case "get":
		data := doGet("/admin/v1/sessions/" + args[1])
		fmt.Println(prettyJSON(data))
	case "delete":
		doDelete("/admin/v1/sessions/" + args[1])
		fmt.Println("Session cleared.")
	default:
		fmt.Fprintf(os.Stderr, "unknown sessions command: %s\n", args[0])
		os.Exit(1)
	}
}

func doRequestLogs(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/v1/request-logs?limit=%d", limit))
	items, _ := data["items"].([]any)
	if len(items) == 0 {
		fmt.Println("No request logs.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tLOGICAL MODEL\tPROVIDER\tLATENCY\tSTATUS")
	for _, l := range items {
		m, _ := l.(map[string]any)
		ts := fmtTime(m["timestamp"])
		model, _ := m["logical_model"].(string)
		prov, _ := m["provider_id"].(string)
		lat := fmtDuration(m["latency_ms"])
		status := fmtNum(m["status_code"])
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ts, model, prov, lat, status)
	}
	_ = tw.Flush()
}

func doAudit(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/v1/audit?limit=%d", limit))
	items, _ := data["items"].([]any)
	if len(items) == 0 {
		fmt.Println("No audit logs.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tACTION\tRESOURCE\tDETAIL")
	for _, l := range items {
		m, _ := l.(map[string]any)
		ts := fmtTime(m["timestamp"])
		action, _ := m["action"].(string)
		resource, _ := m["resource"].(string)
		detail, _ := m["detail"].(string)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ts, action, resource, detail)
	}
	_ = tw.Flush()
}

func doStats() {
	data := doGet("/admin/v1/stats")
	fmt.Println(prettyJSON(data))
}

func doProviderHealth() {
	data := doGet("/admin/v1/health")
	items, _ := data["items"].([]any)
	if len(items) == 0 {
		fmt.Println("No provider health data available.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tSTATE\tCONSEC_ERR\tAVG LATENCY\tLAST SUCCESS\tLAST ERROR")
	for _, p := range items {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["provider_id"].(string)
		state, _ := m["state"].(string)
		errs := fmtNum(m["consec_errors"])
		lat := fmtDuration(m["avg_latency_ms"])
		lastOK := fmtTime(m["last_success_at"])
		lastErr, _ := m["last_error"].(string)
		if len(lastErr) > 60 {
			lastErr = lastErr[:57] + "..."
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", id, state, errs, lat, lastOK, lastErr)
	}
	_ = tw.Flush()
}

// --- Formatting helpers ---

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtDuration(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f < 1000 {
			return fmt.Sprintf("%.0fms", f)
		}
		return fmt.Sprintf("%.1fs", f/1000)
	}
	return fmt.Sprintf("%v", v)
}

func fmtTime(v any) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}

func jsonStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func init() {
	http.DefaultTransport.(*http.Transport).DisableKeepAlives = true
	http.DefaultClient.Timeout = 30 * time.Second
}
