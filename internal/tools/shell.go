package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

const maxOutput = 64 << 10

type shellInput struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Shell is the built-in "shell" source. Only commands in allow can run; an
// empty allow list rejects everything.
func Shell(allow []string) Source {
	allowed := make(map[string]bool, len(allow))
	for _, c := range allow {
		allowed[c] = true
	}
	return Source{Name: "shell", Tools: []Tool{{
		Name:        "run_command",
		Description: "Run an allow-listed command and return its combined output.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"},"args":{"type":"array","items":{"type":"string"}}},"required":["command"]}`),
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var c shellInput
			if err := json.Unmarshal(input, &c); err != nil {
				return "", fmt.Errorf("invalid run_command input: %w", err)
			}
			if c.Command == "" {
				return "", fmt.Errorf("command is required")
			}
			if !allowed[c.Command] {
				return "", fmt.Errorf("command %q is not allowed", c.Command)
			}
			out, err := exec.CommandContext(ctx, c.Command, c.Args...).CombinedOutput()
			if err != nil {
				return truncate(out), fmt.Errorf("shell error: %v; out=%s", err, truncate(out))
			}
			return truncate(out), nil
		},
	}}}
}

func truncate(b []byte) string {
	if len(b) > maxOutput {
		return string(b[:maxOutput]) + "\n[truncated]"
	}
	return string(b)
}
