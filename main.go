package main

import (
	"os"

	"github.com/agentaudit/decision-audit/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
