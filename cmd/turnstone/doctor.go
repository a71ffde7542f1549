package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/turnstonelabs/turnstone/internal/config"
	"github.com/turnstonelabs/turnstone/internal/doctor"
)

// runDoctor probes the environment and prints the report. The command
// exits non-zero when any check fails, so it can gate deploy scripts.
func runDoctor(cmd *cobra.Command, configPath string, printSchema, asJSON bool) error {
	out := cmd.OutOrStdout()

	if printSchema {
		schema, err := config.JSONSchema()
		if err != nil {
			return fmt.Errorf("schema: %w", err)
		}
		fmt.Fprintln(out, string(schema))
		return nil
	}

	report := doctor.Run(cmd.Context(), configPath)

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(out, report)
	}

	if report.Failed() {
		return fmt.Errorf("%d check(s) failed", countFailed(report))
	}
	return nil
}

func printReport(out io.Writer, report *doctor.Report) {
	for _, check := range report.Checks {
		fmt.Fprintf(out, "%-6s %-10s %s\n", marker(check.Status), check.Name, check.Detail)
	}
}

func marker(status doctor.Status) string {
	switch status {
	case doctor.StatusOK:
		return "[ok]"
	case doctor.StatusWarn:
		return "[warn]"
	case doctor.StatusSkip:
		return "[skip]"
	default:
		return "[FAIL]"
	}
}

func countFailed(report *doctor.Report) int {
	n := 0
	for _, check := range report.Checks {
		if check.Status == doctor.StatusFail {
			n++
		}
	}
	return n
}
