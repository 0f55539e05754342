package executor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nilgrove/advisord/pkg/catalog"
	"github.com/nilgrove/advisord/pkg/core"
)

// parseOutput turns one argv runner's raw stdout into the structured
// Data payload the ProbeSpec's output schema promises. Malformed
// output is a runtime_error, never a partial record.
func parseOutput(spec catalog.ProbeSpec, stdout []byte) (map[string]any, bool, error) {
	truncated := false
	if len(stdout) > core.MaxExcerptBytes {
		stdout = stdout[:core.MaxExcerptBytes]
		truncated = true
	}

	switch spec.ID {
	case "disk.lsblk":
		return parseLsblk(stdout, truncated)
	case "disk.df":
		return parseDf(stdout, truncated)
	case "pkg.list":
		return parsePkgList(stdout, truncated)
	case "journal.tail":
		return parseJournal(stdout, truncated)
	default:
		return nil, false, fmt.Errorf("no parser registered for probe %q", spec.ID)
	}
}

func parseLsblk(stdout []byte, truncated bool) (map[string]any, bool, error) {
	var raw struct {
		BlockDevices []struct {
			Name       string `json:"name"`
			Size       any    `json:"size"`
			Mountpoint string `json:"mountpoint"`
			Fstype     string `json:"fstype"`
		} `json:"blockdevices"`
	}
	if err := json.Unmarshal(stdout, &raw); err != nil {
		return nil, false, fmt.Errorf("parse lsblk JSON: %w", err)
	}

	devices := make([]map[string]any, 0, len(raw.BlockDevices))
	for _, d := range raw.BlockDevices {
		devices = append(devices, map[string]any{
			"name":       d.Name,
			"size":       fmt.Sprintf("%v", d.Size),
			"mountpoint": d.Mountpoint,
			"fstype":     d.Fstype,
		})
	}
	return map[string]any{"devices": devices}, truncated, nil
}

func parseDf(stdout []byte, truncated bool) (map[string]any, bool, error) {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	if len(lines) < 2 {
		return nil, false, fmt.Errorf("parse df output: expected a header and one data line, got %d lines", len(lines))
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 3 {
		return nil, false, fmt.Errorf("parse df output: expected 3 fields, got %d", len(fields))
	}
	used, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, false, fmt.Errorf("parse df used: %w", err)
	}
	avail, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, false, fmt.Errorf("parse df available: %w", err)
	}
	pct := strings.TrimSuffix(fields[2], "%")
	pctVal, err := strconv.Atoi(pct)
	if err != nil {
		return nil, false, fmt.Errorf("parse df use_percent: %w", err)
	}
	return map[string]any{
		"used_kb":      used,
		"available_kb": avail,
		"use_percent":  pctVal,
	}, truncated, nil
}

func parsePkgList(stdout []byte, truncated bool) (map[string]any, bool, error) {
	lines := strings.Split(strings.TrimRight(string(stdout), "\n"), "\n")
	packages := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		packages = append(packages, map[string]any{"name": parts[0], "version": parts[1]})
	}
	return map[string]any{"packages": packages}, truncated, nil
}

func parseJournal(stdout []byte, truncated bool) (map[string]any, bool, error) {
	lines := strings.Split(strings.TrimRight(string(stdout), "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return map[string]any{"lines": out}, truncated, nil
}
