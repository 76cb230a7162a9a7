// Package rpc exposes the command surface over a line-delimited JSON
// protocol on stdin/stdout, for editor and agent integrations.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/catalpainternational/dockertree/cli/dockertree/internal/config"
	"github.com/catalpainternational/dockertree/cli/dockertree/internal/errs"
)

// Request is one method invocation. WorkingDirectory is mandatory and must
// be absolute; mutating methods additionally require it to be an initialized
// project.
type Request struct {
	ID               any            `json:"id,omitempty"`
	Method           string         `json:"method"`
	Params           map[string]any `json:"params,omitempty"`
	WorkingDirectory string         `json:"working_directory"`
}

// Response mirrors the --json envelope with the request id attached.
type Response struct {
	ID        any            `json:"id,omitempty"`
	Success   bool           `json:"success"`
	Operation string         `json:"operation"`
	Data      any            `json:"data,omitempty"`
	Error     *ErrorRec      `json:"error,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// ErrorRec is the wire shape of a typed error.
type ErrorRec struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Runner executes one command line in a working directory and returns the
// operation's --json data payload.
type Runner func(ctx context.Context, workDir string, args []string) (any, error)

// readOnly lists methods allowed to run before a project is initialized.
// packages belongs here so standalone imports and package inspection work
// from a bare directory; its project-bound subcommands re-check on their own.
var readOnly = map[string]bool{
	"setup":      true,
	"help":       true,
	"version":    true,
	"completion": true,
	"packages":   true,
}

// Serve reads requests from in until EOF, writing one response per line to
// out. Requests are handled sequentially; the protocol has no pipelining.
func Serve(ctx context.Context, in io.Reader, out io.Writer, run Runner) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(out)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			respond(enc, Response{
				Operation: "rpc",
				Error:     &ErrorRec{Code: string(errs.Validation), Message: "malformed request: " + err.Error()},
			})
			continue
		}
		resp := handle(ctx, req, run)
		respond(enc, resp)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

func respond(enc *json.Encoder, resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	if err := enc.Encode(resp); err != nil {
		log.Errorf("rpc: write response: %v", err)
	}
}

func handle(ctx context.Context, req Request, run Runner) Response {
	resp := Response{ID: req.ID, Operation: req.Method}
	if err := validate(req); err != nil {
		resp.Error = toRec(err)
		return resp
	}
	data, err := run(ctx, req.WorkingDirectory, buildArgs(req))
	if err != nil {
		resp.Error = toRec(err)
		return resp
	}
	resp.Success = true
	resp.Data = data
	return resp
}

func validate(req Request) error {
	if req.Method == "" {
		return errs.New(errs.Validation, "rpc", "method is required")
	}
	wd := req.WorkingDirectory
	if wd == "" {
		return errs.New(errs.Validation, "rpc", "working_directory is required")
	}
	if !filepath.IsAbs(wd) {
		return errs.New(errs.Validation, "rpc", "working_directory %q must be absolute", wd)
	}
	st, err := os.Stat(wd)
	if err != nil || !st.IsDir() {
		return errs.New(errs.NotFound, "rpc", "working_directory %q does not exist", wd)
	}
	if readOnly[req.Method] {
		return nil
	}
	cfg := filepath.Join(wd, config.ConfigDirName, config.ConfigFileName)
	if _, err := os.Stat(cfg); err != nil {
		return errs.New(errs.PreconditionFailed, "rpc",
			"%s is not an initialized project (no %s); run setup first",
			wd, filepath.Join(config.ConfigDirName, config.ConfigFileName))
	}
	return nil
}

// buildArgs flattens a request into the argv the command layer understands:
// method, then positional args, then --flag pairs in sorted key order.
func buildArgs(req Request) []string {
	args := []string{req.Method}
	if raw, ok := req.Params["args"].([]any); ok {
		for _, a := range raw {
			args = append(args, fmt.Sprint(a))
		}
	}
	flags, _ := req.Params["flags"].(map[string]any)
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := flags[k].(type) {
		case bool:
			if v {
				args = append(args, "--"+k)
			}
		default:
			args = append(args, "--"+k, fmt.Sprint(v))
		}
	}
	return args
}

func toRec(err error) *ErrorRec {
	rec := &ErrorRec{Code: string(errs.KindOf(err)), Message: err.Error()}
	var e *errs.E
	if errors.As(err, &e) && len(e.Details) > 0 {
		rec.Details = e.Details
	}
	return rec
}
