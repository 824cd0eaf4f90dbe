package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
)

// runValidateCmd implements `omrchain-node validate`.
//
// Replays a ledger file and checks every block: linkage, merkle root,
// self hash and difficulty. Meant for offline audit of a copied chain.
//
// Exit codes:
//
//	0 = chain valid
//	1 = chain corrupt
//	2 = runtime error
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		path       string
		difficulty int
		jsonOutput bool
	)
	cmd.StringVar(&path, "path", os.Getenv("LEDGER_PATH"), "Path to the ledger file (default $LEDGER_PATH)")
	cmd.IntVar(&difficulty, "difficulty", getenvIntDefault("LEDGER_DIFFICULTY_HEX_ZEROS", 0), "Leading hex zeros each block must meet")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -path or LEDGER_PATH is required")
		return 2
	}
	// Open would create a missing file; a validator must not.
	if _, err := os.Stat(path); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report := map[string]any{
		"path":  path,
		"valid": true,
	}

	led, err := ledger.Open(path, ledger.WithDifficulty(difficulty))
	if err != nil {
		var corrupt *ledger.CorruptError
		if !errors.As(err, &corrupt) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		report["valid"] = false
		report["block"] = corrupt.Index
		report["reason"] = corrupt.Reason
		return writeValidateReport(stdout, report, jsonOutput)
	}
	defer func() { _ = led.Close() }()

	report["blocks"] = led.Len()
	if head, ok := led.Head(); ok {
		report["head_hash"] = head.SelfHash
	}

	if err := led.Validate(); err != nil {
		report["valid"] = false
		var corrupt *ledger.CorruptError
		if errors.As(err, &corrupt) {
			report["block"] = corrupt.Index
			report["reason"] = corrupt.Reason
		} else {
			report["reason"] = err.Error()
		}
	}
	return writeValidateReport(stdout, report, jsonOutput)
}

func writeValidateReport(stdout io.Writer, report map[string]any, jsonOutput bool) int {
	valid := report["valid"].(bool)
	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if valid {
		_, _ = fmt.Fprintf(stdout, "✅ ledger verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "Path: %s\n", report["path"])
		_, _ = fmt.Fprintf(stdout, "Blocks: %d\n", report["blocks"])
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ ledger verification FAILED\n")
		_, _ = fmt.Fprintf(stdout, "Path: %s\n", report["path"])
		if idx, ok := report["block"]; ok {
			_, _ = fmt.Fprintf(stdout, "  - block %v: %v\n", idx, report["reason"])
		} else {
			_, _ = fmt.Fprintf(stdout, "  - %v\n", report["reason"])
		}
	}
	if !valid {
		return 1
	}
	return 0
}
