package cliutil

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

// Envelope is the structured result emitted under --json.
type Envelope struct {
	Success   bool      `json:"success"`
	Operation string    `json:"operation"`
	Data      any       `json:"data,omitempty"`
	Error     *ErrorRec `json:"error,omitempty"`
	Timestamp string    `json:"timestamp"`
}

// ErrorRec is the JSON shape of a typed error.
type ErrorRec struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// EmitJSON writes the envelope for an operation result to stdout.
func EmitJSON(operation string, data any, err error) {
	env := Envelope{
		Success:   err == nil,
		Operation: operation,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		rec := &ErrorRec{Code: string(errs.KindOf(err)), Message: err.Error()}
		var e *errs.E
		if errors.As(err, &e) && len(e.Details) > 0 {
			rec.Details = e.Details
		}
		env.Error = rec
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(env)
}

// Finish reports an operation result in the active output mode and returns
// the error unchanged for exit-code mapping.
func Finish(jsonMode bool, operation string, data any, err error) error {
	if jsonMode {
		EmitJSON(operation, data, err)
		return err
	}
	if err != nil {
		log.Error(err.Error())
	}
	return err
}

// Confirm prompts y/N on the terminal. Force short-circuits to true.
func Confirm(prompt string, force bool) bool {
	if force {
		return true
	}
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// SetupLogging configures logrus for CLI use. DOCKERTREE_DEBUG=1 enables
// debug output including external command echo.
func SetupLogging() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	if os.Getenv("DOCKERTREE_DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
}
