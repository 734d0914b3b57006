// Package main provides a CLI for validating model bundles offline and
// inspecting or rolling back rules on a running sentinel-core daemon.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"sentinel-core/internal/artifact"
)

var version = "dev"

const defaultAddr = "http://127.0.0.1:8080"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidateCmd(os.Args[2:])
	case "rules":
		runRulesCmd(os.Args[2:])
	case "rollback":
		runRollbackCmd(os.Args[2:])
	case "audit":
		runAuditCmd(os.Args[2:])
	case "-version", "--version", "-v":
		fmt.Printf("sentinel-rules %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: sentinel-rules <command> [flags] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  validate  Validate model bundle directories\n")
	fmt.Fprintf(os.Stderr, "  rules     List rules held by a running daemon\n")
	fmt.Fprintf(os.Stderr, "  rollback  Roll back a rule or a decision by id\n")
	fmt.Fprintf(os.Stderr, "  audit     Fetch audit records for a detection, rule, or decision\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

func runValidateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Show bundle details")
	fs.Parse(args)

	dirs := fs.Args()
	if len(dirs) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one bundle directory is required\n")
		fmt.Fprintf(os.Stderr, "Usage: sentinel-rules validate [--verbose] <dir> [<dir>...]\n")
		os.Exit(1)
	}

	failed := 0
	for _, dir := range dirs {
		b, err := artifact.Load(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", dir, err)
			failed++
			continue
		}
		fmt.Printf("OK   %s (bundle %s)\n", dir, b.BundleID)
		if *verbose {
			names := make([]string, 0, len(b.Detectors))
			for name := range b.Detectors {
				names = append(names, name)
			}
			fmt.Printf("     detectors: %s\n", strings.Join(names, ", "))
			fmt.Printf("     threshold: %.3f\n", b.Ensemble.Threshold)
			fmt.Printf("     agent:     %d actions over %d state terms\n",
				len(b.Agent.Actions), b.Agent.StateDim)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func runRulesCmd(args []string) {
	fs := flag.NewFlagSet("rules", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Daemon base URL")
	state := fs.String("state", "", "Filter by lifecycle state")
	fs.Parse(args)

	url := *addr + "/v1/rules"
	if *state != "" {
		url += "?state=" + *state
	}
	body, err := httpGet(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var resp struct {
		Rules []struct {
			Rule struct {
				RuleID string `json:"rule_id"`
				Action string `json:"action"`
				Match  struct {
					SrcCIDR string `json:"src_cidr"`
				} `json:"match"`
			} `json:"rule"`
			Lifecycle string    `json:"lifecycle"`
			ExpiresAt time.Time `json:"expires_at"`
		} `json:"rules"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: malformed response: %v\n", err)
		os.Exit(1)
	}

	for _, r := range resp.Rules {
		expiry := "-"
		if !r.ExpiresAt.IsZero() {
			expiry = r.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-11s %-12s %-18s expires %s\n",
			r.Rule.RuleID, r.Lifecycle, r.Rule.Action, r.Rule.Match.SrcCIDR, expiry)
	}
	fmt.Printf("%d rule(s)\n", resp.Count)
}

func runRollbackCmd(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Daemon base URL")
	decision := fs.Bool("decision", false, "Treat the id as a decision id")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: sentinel-rules rollback [--decision] <id>\n")
		os.Exit(1)
	}
	id := fs.Arg(0)

	url := fmt.Sprintf("%s/v1/rules/%s/rollback", *addr, id)
	if *decision {
		url = fmt.Sprintf("%s/v1/decisions/%s/rollback", *addr, id)
	}
	body, err := httpPost(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s\n", body)
}

func runAuditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "Daemon base URL")
	detection := fs.String("detection", "", "Detection id")
	rule := fs.String("rule", "", "Rule id")
	decision := fs.String("decision", "", "Decision id")
	fs.Parse(args)

	var query string
	switch {
	case *detection != "":
		query = "detection_id=" + *detection
	case *rule != "":
		query = "rule_id=" + *rule
	case *decision != "":
		query = "decision_id=" + *decision
	default:
		fmt.Fprintf(os.Stderr, "Usage: sentinel-rules audit [--detection|--rule|--decision] <id>\n")
		os.Exit(1)
	}

	body, err := httpGet(*addr + "/v1/audit?" + query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var resp struct {
		Records []json.RawMessage `json:"records"`
		Count   int               `json:"count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: malformed response: %v\n", err)
		os.Exit(1)
	}
	for _, rec := range resp.Records {
		fmt.Printf("%s\n", rec)
	}
	fmt.Fprintf(os.Stderr, "%d record(s)\n", resp.Count)
}

func httpGet(url string) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func httpPost(url string) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("daemon answered %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}
