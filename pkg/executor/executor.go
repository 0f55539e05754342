// Package executor runs a validated ProbeRequest against the probe's
// declared runner and returns a structured ProbeResult. It never
// throws for expected failure modes; panics are
// reserved for a validated request pointing at an unknown id, which
// is a programmer error since Validate should have caught it first.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/nilgrove/advisord/pkg/catalog"
	"github.com/nilgrove/advisord/pkg/core"
)

type cacheKey struct {
	probeID core.ProbeId
	argsKey string
}

type cacheEntry struct {
	result  core.ProbeResult
	expires time.Time
}

// Executor is stateless apart from its result cache, and is safe to
// call concurrently.
type Executor struct {
	cat *catalog.Catalog

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

func New(cat *catalog.Catalog) *Executor {
	return &Executor{
		cat:   cat,
		cache: make(map[cacheKey]cacheEntry),
	}
}

// Execute resolves req's ProbeSpec, enforces its timeout capped by the
// caller's deadline, and runs the declared runner. bound is the result
// of a prior catalog.Validate call.
func (e *Executor) Execute(ctx context.Context, req core.ProbeRequest, bound map[string]any, deadline time.Time) core.ProbeResult {
	spec, ok := e.cat.Get(req.ProbeId)
	if !ok {
		panic(fmt.Sprintf("executor: Execute called with unvalidated probe id %q", req.ProbeId))
	}

	key := cacheKey{probeID: req.ProbeId, argsKey: canonicalizeArgs(bound)}
	if cached, ok := e.lookupCache(key); ok {
		return cached
	}

	timeout := spec.SoftTimeout
	if until := time.Until(deadline); deadline.IsZero() {
		// no caller deadline
	} else if until < timeout {
		timeout = until
	}
	if timeout <= 0 {
		return core.ProbeResult{
			ProbeId:     req.ProbeId,
			InvokedAt:   time.Now(),
			ExitStatus:  core.ExitTimeout,
			Fingerprint: spec.Fingerprint(),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var result core.ProbeResult
	switch spec.Runner {
	case catalog.RunnerProc:
		result = e.runProc(runCtx, spec, bound, start)
	case catalog.RunnerArgv:
		result = e.runArgv(runCtx, spec, bound, start)
	default:
		panic(fmt.Sprintf("executor: probe %q has no runner assigned", req.ProbeId))
	}

	if result.ExitStatus == core.ExitOK {
		e.storeCache(key, result, cacheWindowFor(spec))
	}
	return result
}

func (e *Executor) runProc(ctx context.Context, spec catalog.ProbeSpec, bound map[string]any, start time.Time) core.ProbeResult {
	if spec.ProcRead == nil && spec.ProcReadArgs == nil {
		return core.ProbeResult{
			ProbeId:       spec.ID,
			InvokedAt:     start,
			Duration:      time.Since(start),
			ExitStatus:    core.ExitRuntimeError,
			StderrExcerpt: "probe has no reader bound",
			Fingerprint:   spec.Fingerprint(),
		}
	}

	type outcome struct {
		data map[string]any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		var data map[string]any
		var err error
		if spec.ProcReadArgs != nil {
			data, err = spec.ProcReadArgs(bound)
		} else {
			data, err = spec.ProcRead()
		}
		done <- outcome{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return core.ProbeResult{
			ProbeId:     spec.ID,
			InvokedAt:   start,
			Duration:    time.Since(start),
			ExitStatus:  core.ExitTimeout,
			Fingerprint: spec.Fingerprint(),
		}
	case out := <-done:
		if out.err != nil {
			return core.ProbeResult{
				ProbeId:       spec.ID,
				InvokedAt:     start,
				Duration:      time.Since(start),
				ExitStatus:    core.ExitRuntimeError,
				StderrExcerpt: truncate(out.err.Error(), 8*1024),
				Fingerprint:   spec.Fingerprint(),
			}
		}
		return core.ProbeResult{
			ProbeId:     spec.ID,
			InvokedAt:   start,
			Duration:    time.Since(start),
			ExitStatus:  core.ExitOK,
			Data:        out.data,
			Fingerprint: spec.Fingerprint(),
		}
	}
}

func (e *Executor) runArgv(ctx context.Context, spec catalog.ProbeSpec, bound map[string]any, start time.Time) core.ProbeResult {
	if spec.ArgvTemplate == nil || spec.ArgvPath == "" {
		return core.ProbeResult{
			ProbeId:       spec.ID,
			InvokedAt:     start,
			Duration:      time.Since(start),
			ExitStatus:    core.ExitRuntimeError,
			StderrExcerpt: "probe has no argv template bound",
			Fingerprint:   spec.Fingerprint(),
		}
	}

	args, err := spec.ArgvTemplate(bound)
	if err != nil {
		return core.ProbeResult{
			ProbeId:       spec.ID,
			InvokedAt:     start,
			Duration:      time.Since(start),
			ExitStatus:    core.ExitRuntimeError,
			StderrExcerpt: truncate(err.Error(), 8*1024),
			Fingerprint:   spec.Fingerprint(),
		}
	}

	cmd := exec.CommandContext(ctx, spec.ArgvPath, args...)
	cmd.Env = []string{"PATH=/usr/bin:/bin", "LC_ALL=C"}
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return core.ProbeResult{
			ProbeId:     spec.ID,
			InvokedAt:   start,
			Duration:    time.Since(start),
			ExitStatus:  core.ExitTimeout,
			Fingerprint: spec.Fingerprint(),
		}
	}

	if execErr, ok := runErr.(*exec.Error); ok && execErr.Err == exec.ErrNotFound {
		return core.ProbeResult{
			ProbeId:       spec.ID,
			InvokedAt:     start,
			Duration:      time.Since(start),
			ExitStatus:    core.ExitNotInstalled,
			StderrExcerpt: truncate(stderr.String(), 8*1024),
			Fingerprint:   spec.Fingerprint(),
		}
	}

	if runErr != nil {
		return core.ProbeResult{
			ProbeId:       spec.ID,
			InvokedAt:     start,
			Duration:      time.Since(start),
			ExitStatus:    core.ExitRuntimeError,
			StderrExcerpt: truncate(stderr.String(), 8*1024),
			Fingerprint:   spec.Fingerprint(),
		}
	}

	data, truncated, parseErr := parseOutput(spec, stdout.Bytes())
	if parseErr != nil {
		return core.ProbeResult{
			ProbeId:       spec.ID,
			InvokedAt:     start,
			Duration:      time.Since(start),
			ExitStatus:    core.ExitRuntimeError,
			StderrExcerpt: truncate(parseErr.Error(), 8*1024),
			Fingerprint:   spec.Fingerprint(),
		}
	}

	// df reports usage only; the mountpoint comes from the bound args.
	if mp, ok := bound["mountpoint"].(string); ok && spec.ID == "disk.df" && data != nil {
		data["mountpoint"] = mp
	}

	return core.ProbeResult{
		ProbeId:     spec.ID,
		InvokedAt:   start,
		Duration:    time.Since(start),
		ExitStatus:  core.ExitOK,
		Data:        data,
		Fingerprint: spec.Fingerprint(),
		Truncated:   truncated,
	}
}

func (e *Executor) lookupCache(key cacheKey) (core.ProbeResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[key]
	if !ok || time.Now().After(entry.expires) {
		return core.ProbeResult{}, false
	}
	return entry.result, true
}

func (e *Executor) storeCache(key cacheKey, result core.ProbeResult, window time.Duration) {
	if window <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[key] = cacheEntry{result: result, expires: time.Now().Add(window)}
}

// cacheWindowFor derives a per-probe cache TTL from its cost hint: the
// more expensive a probe is to run, the longer a repeated request in
// the same Episode is allowed to reuse the first result.
func cacheWindowFor(spec catalog.ProbeSpec) time.Duration {
	switch {
	case spec.CostHint <= 0:
		return 0
	case spec.CostHint <= 1:
		return 2 * time.Second
	case spec.CostHint <= 2:
		return 5 * time.Second
	default:
		return 10 * time.Second
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}

func canonicalizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sortStrings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%v;", k, args[k])
	}
	return buf.String()
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
