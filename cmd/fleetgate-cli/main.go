package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("FLEETGATE_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}
	jwt := os.Getenv("FLEETGATE_JWT")
	internalToken := os.Getenv("FLEETGATE_INTERNAL_TOKEN")

	switch os.Args[1] {
	case "stats":
		cmdStats(gateway, internalToken)
	case "pending":
		cmdPending(gateway, jwt)
	case "approve":
		cmdResolve(gateway, jwt, "approve")
	case "reject":
		cmdResolve(gateway, jwt, "reject")
	case "session":
		cmdSession(gateway, jwt)
	case "version":
		fmt.Printf("fleetgate-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`FleetGate Operator CLI v` + version + `

Usage: fleetgate <command> [args]

Commands:
  stats                Show gateway connection and queue stats
  pending              List pending device-action approvals
  approve <id>         Approve a pending device action
  reject <id> [reason] Reject a pending device action
  session <deviceId>   Create a customer work session
  version              Print version
  help                 Show this help

Environment:
  FLEETGATE_URL             Gateway URL (default: http://localhost:8080)
  FLEETGATE_JWT             Customer bearer token
  FLEETGATE_INTERNAL_TOKEN  Token for the internal surface (stats)

Examples:
  fleetgate pending
  fleetgate approve approval_1724500000000_a1b2c3d4e5f6
  fleetgate reject approval_1724500000000_a1b2c3d4e5f6 "not during business hours"`)
}

func cmdStats(gateway, token string) {
	req, _ := http.NewRequest(http.MethodGet, gateway+"/internal/stats", nil)
	if token != "" {
		req.Header.Set("X-Internal-Auth", token)
	}
	execute(req)
}

func cmdPending(gateway, jwt string) {
	req, _ := http.NewRequest(http.MethodGet, gateway+"/api/v1/customer/approvals/pending", nil)
	authorize(req, jwt)
	execute(req)
}

func cmdResolve(gateway, jwt, verb string) {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Error: approval id is required\n")
		os.Exit(1)
	}
	id := os.Args[2]

	body := map[string]any{}
	if verb == "reject" && len(os.Args) > 3 {
		body["reason"] = os.Args[3]
	}
	payload, _ := json.Marshal(body)

	req, _ := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/api/v1/device-actions/%s/%s", gateway, id, verb),
		bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	authorize(req, jwt)
	execute(req)
}

func cmdSession(gateway, jwt string) {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Error: device id is required\n")
		os.Exit(1)
	}

	payload, _ := json.Marshal(map[string]any{"deviceId": os.Args[2]})
	req, _ := http.NewRequest(http.MethodPost, gateway+"/api/v1/customer/sessions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	authorize(req, jwt)
	execute(req)
}

func authorize(req *http.Request, jwt string) {
	if jwt == "" {
		fmt.Fprintln(os.Stderr, "Error: FLEETGATE_JWT is required for this command")
		os.Exit(1)
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
}

// execute sends the request and pretty-prints the JSON response.
func execute(req *http.Request) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}
}
