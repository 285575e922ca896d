// Package health renders the outcome of a probe run as a result tree.
package health

import (
	"encoding/json"
	"io"
	"time"
)

// Step is one finished stage of a run.
type Step struct {
	Name     string
	Duration time.Duration
	Err      error
}

// Result is the JSON shape of a run or of one of its stages.
type Result struct {
	Name     string            `json:"name"`
	Healthy  bool              `json:"healthy"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Deps     []Result          `json:"deps,omitempty"`
}

// Summarize builds the tree for a run. The root is healthy only if every
// step is healthy and runErr is nil; runErr covers failures that happen
// outside any step.
func Summarize(name string, steps []Step, runErr error) Result {
	res := Result{Name: name, Healthy: runErr == nil}
	if runErr != nil {
		res.Error = runErr.Error()
	}
	for _, s := range steps {
		dr := Result{Name: s.Name, Healthy: s.Err == nil, Duration: s.Duration}
		if s.Err != nil {
			dr.Error = s.Err.Error()
			res.Healthy = false
		}
		res.Duration += s.Duration
		res.Deps = append(res.Deps, dr)
	}
	return res
}

// Write encodes r as indented JSON.
func Write(w io.Writer, r Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
