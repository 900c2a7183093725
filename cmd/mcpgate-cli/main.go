// Admin CLI for the gateway: key lifecycle, ledger inspection, scoped
// tokens, and ad-hoc tool calls against /mcp.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("MCPGATE_URL")
	if gateway == "" {
		gateway = "http://localhost:8402"
	}
	adminToken := os.Getenv("MCPGATE_ADMIN_TOKEN")
	apiKey := os.Getenv("MCPGATE_API_KEY")

	switch os.Args[1] {
	case "keys":
		cmdKeys(gateway, adminToken)
	case "ledger":
		cmdLedger(gateway, adminToken)
	case "velocity":
		cmdVelocity(gateway, adminToken)
	case "transfer":
		cmdTransfer(gateway, adminToken)
	case "token":
		cmdToken(gateway, adminToken)
	case "call":
		cmdCall(gateway, apiKey)
	case "tools":
		cmdTools(gateway, apiKey)
	case "version":
		fmt.Printf("mcpgate-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`mcpgate CLI v` + version + `

Usage: mcpgate-cli <command> [flags]

Commands:
  keys      Manage API keys (create|list|get|topup|revoke|suspend|resume)
  ledger    Show a key's ledger entries
  velocity  Show a key's spending velocity
  transfer  Move credits between keys
  token     Mint or revoke scoped tokens (mint|revoke)
  call      Fire a tools/call at /mcp
  tools     List available tools via /mcp
  version   Print version
  help      Show this help

Environment:
  MCPGATE_URL          Gateway URL (default: http://localhost:8402)
  MCPGATE_ADMIN_TOKEN  Admin bearer token (keys/ledger/velocity/transfer/token)
  MCPGATE_API_KEY      API key (call/tools)

Examples:
  mcpgate-cli keys create --name ci-bot --credits 500 --alias ci
  mcpgate-cli keys topup ci --amount 100
  mcpgate-cli token mint --key ci --tools fs:read_file --ttl 30
  mcpgate-cli call --tool fs:read_file --args '{"path":"/tmp/x"}'`)
}

func cmdKeys(gateway, token string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: mcpgate-cli keys <create|list|get|topup|revoke|suspend|resume>")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "create":
		var name, alias string
		var credits int64
		args := os.Args[3:]
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "--name":
				i++
				if i < len(args) {
					name = args[i]
				}
			case "--credits":
				i++
				if i < len(args) {
					fmt.Sscanf(args[i], "%d", &credits)
				}
			case "--alias":
				i++
				if i < len(args) {
					alias = args[i]
				}
			}
		}
		if name == "" {
			fmt.Fprintln(os.Stderr, "Error: --name is required")
			os.Exit(1)
		}
		body, _ := json.Marshal(map[string]interface{}{
			"name": name, "credits": credits, "alias": alias,
		})
		resp := must(doRequest("POST", gateway+"/admin/keys", body, token))
		var rec map[string]interface{}
		json.Unmarshal(resp, &rec)
		fmt.Printf("✅ Created key %s (credits=%v)\n", rec["key"], rec["credits"])

	case "list":
		resp := must(doRequest("GET", gateway+"/admin/keys", nil, token))
		var keys []map[string]interface{}
		json.Unmarshal(resp, &keys)
		if len(keys) == 0 {
			fmt.Println("No keys.")
			return
		}
		fmt.Printf("%-40s %-16s %10s %8s\n", "KEY", "NAME", "CREDITS", "ACTIVE")
		for _, k := range keys {
			fmt.Printf("%-40s %-16s %10.0f %8v\n",
				k["key"], k["name"], toFloat(k["credits"]), k["active"])
		}

	case "get":
		id := requireArg(3, "mcpgate-cli keys get <key-or-alias>")
		resp := must(doRequest("GET", gateway+"/admin/keys/"+id, nil, token))
		printIndented(resp)

	case "topup":
		id := requireArg(3, "mcpgate-cli keys topup <key-or-alias> --amount N")
		var amount int64
		args := os.Args[4:]
		for i := 0; i < len(args); i++ {
			if args[i] == "--amount" {
				i++
				if i < len(args) {
					fmt.Sscanf(args[i], "%d", &amount)
				}
			}
		}
		body, _ := json.Marshal(map[string]int64{"amount": amount})
		resp := must(doRequest("POST", gateway+"/admin/keys/"+id+"/topup", body, token))
		var result map[string]int64
		json.Unmarshal(resp, &result)
		fmt.Printf("✅ Balance: %d\n", result["balance"])

	case "revoke", "suspend", "resume":
		action := os.Args[2]
		id := requireArg(3, "mcpgate-cli keys "+action+" <key-or-alias>")
		must(doRequest("POST", gateway+"/admin/keys/"+id+"/"+action, nil, token))
		fmt.Printf("✅ %s: %s\n", action, id)

	default:
		fmt.Fprintf(os.Stderr, "Unknown keys subcommand: %s\n", os.Args[2])
		os.Exit(1)
	}
}

func cmdLedger(gateway, token string) {
	id := requireArg(2, "mcpgate-cli ledger <key-or-alias>")
	resp := must(doRequest("GET", gateway+"/admin/keys/"+id+"/ledger", nil, token))

	var entries []map[string]interface{}
	json.Unmarshal(resp, &entries)
	if len(entries) == 0 {
		fmt.Println("No ledger entries.")
		return
	}
	fmt.Printf("%-26s %-13s %8s %10s %s\n", "TIMESTAMP", "TYPE", "AMOUNT", "BALANCE", "TOOL")
	for _, e := range entries {
		fmt.Printf("%-26s %-13s %8.0f %10.0f %v\n",
			e["timestamp"], e["type"], toFloat(e["amount"]), toFloat(e["balance_after"]), e["tool"])
	}
}

func cmdVelocity(gateway, token string) {
	id := requireArg(2, "mcpgate-cli velocity <key-or-alias> [--window H]")
	window := "24"
	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		if args[i] == "--window" {
			i++
			if i < len(args) {
				window = args[i]
			}
		}
	}
	resp := must(doRequest("GET", gateway+"/admin/keys/"+id+"/velocity?window="+window, nil, token))
	printIndented(resp)
}

func cmdTransfer(gateway, token string) {
	var from, to string
	var amount int64
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--from":
			i++
			if i < len(args) {
				from = args[i]
			}
		case "--to":
			i++
			if i < len(args) {
				to = args[i]
			}
		case "--amount":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &amount)
			}
		}
	}
	if from == "" || to == "" || amount <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: mcpgate-cli transfer --from <key> --to <key> --amount N")
		os.Exit(1)
	}
	body, _ := json.Marshal(map[string]interface{}{"from": from, "to": to, "amount": amount})
	must(doRequest("POST", gateway+"/admin/transfer", body, token))
	fmt.Printf("✅ Transferred %d: %s -> %s\n", amount, from, to)
}

func cmdToken(gateway, token string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: mcpgate-cli token <mint|revoke>")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "mint":
		var key string
		var tools []string
		var ttl int
		args := os.Args[3:]
		for i := 0; i < len(args); i++ {
			switch args[i] {
			case "--key":
				i++
				if i < len(args) {
					key = args[i]
				}
			case "--tools":
				i++
				if i < len(args) {
					tools = append(tools, args[i])
				}
			case "--ttl":
				i++
				if i < len(args) {
					fmt.Sscanf(args[i], "%d", &ttl)
				}
			}
		}
		if key == "" || len(tools) == 0 {
			fmt.Fprintln(os.Stderr, "Usage: mcpgate-cli token mint --key <key> --tools <tool> [--tools <tool>...] [--ttl minutes]")
			os.Exit(1)
		}
		body, _ := json.Marshal(map[string]interface{}{
			"key": key, "tools": tools, "ttl_minutes": ttl,
		})
		resp := must(doRequest("POST", gateway+"/admin/tokens", body, token))
		printIndented(resp)

	case "revoke":
		id := requireArg(3, "mcpgate-cli token revoke <token-id>")
		must(doRequest("DELETE", gateway+"/admin/tokens/"+id, nil, token))
		fmt.Printf("✅ Revoked token: %s\n", id)

	default:
		fmt.Fprintf(os.Stderr, "Unknown token subcommand: %s\n", os.Args[2])
		os.Exit(1)
	}
}

func cmdCall(gateway, apiKey string) {
	var tool, argsJSON string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--tool", "-t":
			i++
			if i < len(args) {
				tool = args[i]
			}
		case "--args", "-a":
			i++
			if i < len(args) {
				argsJSON = args[i]
			}
		}
	}
	if tool == "" {
		fmt.Fprintln(os.Stderr, "Error: --tool is required")
		os.Exit(1)
	}

	var parsedArgs map[string]interface{}
	if argsJSON != "" {
		json.Unmarshal([]byte(argsJSON), &parsedArgs)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      time.Now().UnixNano() % 1e9,
		"method":  "tools/call",
		"params":  map[string]interface{}{"name": tool, "arguments": parsedArgs},
	})
	resp := must(doMCPRequest(gateway, body, apiKey))

	var result map[string]interface{}
	json.Unmarshal(resp, &result)
	if errObj, ok := result["error"].(map[string]interface{}); ok {
		data, _ := json.MarshalIndent(errObj["data"], "", "  ")
		fmt.Printf("⛔ %v (code %.0f)\n%s\n", errObj["message"], toFloat(errObj["code"]), data)
		os.Exit(1)
	}
	printIndented(resp)
}

func cmdTools(gateway, apiKey string) {
	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "tools/list",
	})
	resp := must(doMCPRequest(gateway, body, apiKey))

	var result struct {
		Result struct {
			Tools []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			} `json:"tools"`
		} `json:"result"`
	}
	json.Unmarshal(resp, &result)
	if len(result.Result.Tools) == 0 {
		fmt.Println("No tools available.")
		return
	}
	for _, t := range result.Result.Tools {
		fmt.Printf("%-30s %s\n", t.Name, t.Description)
	}
}

func doMCPRequest(gateway string, body []byte, apiKey string) ([]byte, error) {
	req, err := http.NewRequest("POST", gateway+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func doRequest(method, url string, body []byte, token string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}

func must(data []byte, err error) []byte {
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Request failed: %v\n", err)
		os.Exit(1)
	}
	return data
}

func requireArg(idx int, usage string) string {
	if len(os.Args) <= idx {
		fmt.Fprintln(os.Stderr, "Usage: "+usage)
		os.Exit(1)
	}
	return os.Args[idx]
}

func printIndented(data []byte) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func toFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	default:
		return 0
	}
}
