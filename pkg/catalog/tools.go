package catalog

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// staticTable is the closed set of probes this release ships. Adding
// a probe means adding an entry here and bumping its schemaVersion if
// the output shape changes; the catalog itself never grows at runtime.
func staticTable() []ProbeSpec {
	return []ProbeSpec{
		{
			ID:           "cpu.info",
			Description:  "Logical/physical core counts and the CPU model string",
			Category:     "hardware",
			OutputSchema: `{logical_cores:int, physical_cores:int, model:string}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  2 * time.Second,
			CostHint:     1,
			Runner:       RunnerProc,
			ProcRead:     readCPUInfo,
		},
		{
			ID:           "mem.info",
			Description:  "Total/available/free memory in kibibytes",
			Category:     "hardware",
			OutputSchema: `{total_kb:int, available_kb:int, free_kb:int}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  2 * time.Second,
			CostHint:     1,
			Runner:       RunnerProc,
			ProcRead:     readMemInfo,
		},
		{
			ID:           "os.uname",
			Description:  "Kernel name, release, and machine architecture",
			Category:     "hardware",
			OutputSchema: `{sysname:string, release:string, machine:string}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  2 * time.Second,
			CostHint:     1,
			Runner:       RunnerProc,
			ProcRead:     readUname,
		},
		{
			ID:           "os.uptime",
			Description:  "Seconds since boot",
			Category:     "hardware",
			OutputSchema: `{uptime_seconds:float}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  2 * time.Second,
			CostHint:     1,
			Runner:       RunnerProc,
			ProcRead:     readUptime,
		},
		{
			ID:          "disk.df",
			Description: "Used/available bytes for one mountpoint",
			Category:    "storage",
			Args: []ArgSpec{
				{Name: "mountpoint", Kind: "enum", Required: true, AllowedFunc: knownMountpoints},
			},
			OutputSchema: `{mountpoint:string, used_kb:int, available_kb:int, use_percent:int}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  3 * time.Second,
			CostHint:     2,
			Runner:       RunnerArgv,
			ArgvPath:     "/usr/bin/df",
			ArgvTemplate: func(args map[string]any) ([]string, error) {
				mp, _ := args["mountpoint"].(string)
				if mp == "" {
					return nil, fmt.Errorf("disk.df: missing mountpoint")
				}
				return []string{"-k", "--output=used,avail,pcent", mp}, nil
			},
		},
		{
			ID:           "disk.lsblk",
			Description:  "Block device tree: name, size, mountpoint, filesystem",
			Category:     "storage",
			OutputSchema: `{devices:[{name:string, size:string, mountpoint:string, fstype:string}]}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  5 * time.Second,
			CostHint:     2,
			Runner:       RunnerArgv,
			ArgvPath:     "/usr/bin/lsblk",
			ArgvTemplate: func(map[string]any) ([]string, error) {
				return []string{"-b", "-J", "-o", "NAME,SIZE,MOUNTPOINT,FSTYPE"}, nil
			},
		},
		{
			ID:           "net.interfaces",
			Description:  "Network interface names, MAC addresses, and up/down state",
			Category:     "network",
			OutputSchema: `{interfaces:[{name:string, mac:string, up:bool}]}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  2 * time.Second,
			CostHint:     1,
			Runner:       RunnerProc,
			ProcRead:     readNetInterfaces,
		},
		{
			ID:           "net.addrs",
			Description:  "IP addresses bound to each network interface",
			Category:     "network",
			OutputSchema: `{addrs:[{interface:string, address:string}]}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  2 * time.Second,
			CostHint:     1,
			Runner:       RunnerProc,
			ProcRead:     readNetAddrs,
		},
		{
			ID:          "pkg.list",
			Description: "Installed package names and versions (host package manager)",
			Category:    "packages",
			Args: []ArgSpec{
				{Name: "filter", Kind: "string", Required: false, AllowFreeText: false, Allowed: nil},
			},
			OutputSchema: `{packages:[{name:string, version:string}]}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  10 * time.Second,
			CostHint:     4,
			Runner:       RunnerArgv,
			ArgvPath:     "/usr/bin/dpkg-query",
			ArgvTemplate: func(map[string]any) ([]string, error) {
				return []string{"-W", "-f=${Package}\\t${Version}\\n"}, nil
			},
		},
		{
			ID:           "proc.top",
			Description:  "Top processes by resident memory",
			Category:     "process",
			OutputSchema: `{processes:[{pid:int, comm:string, rss_kb:int}]}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  3 * time.Second,
			CostHint:     3,
			Runner:       RunnerProc,
			ProcRead:     readTopProcesses,
		},
		{
			ID:          "journal.tail",
			Description: "Last N lines of the system journal",
			Category:    "logs",
			Args: []ArgSpec{
				{Name: "lines", Kind: "enum", Required: false, Allowed: []string{"20", "50", "100"}},
			},
			OutputSchema: `{lines:[string]}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  5 * time.Second,
			CostHint:     3,
			Runner:       RunnerArgv,
			ArgvPath:     "/usr/bin/journalctl",
			ArgvTemplate: func(args map[string]any) ([]string, error) {
				n, _ := args["lines"].(string)
				if n == "" {
					n = "50"
				}
				return []string{"-n", n, "--no-pager", "-o", "cat"}, nil
			},
		},
		{
			ID:           "version.info",
			Description:  "advisord build version (synthetic, internal-query fact bundle)",
			Category:     "internal",
			OutputSchema: `{version:string}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  time.Second,
			CostHint:     0,
			Runner:       RunnerProc,
			ProcRead: func() (map[string]any, error) {
				return map[string]any{"version": BuildVersion}, nil
			},
		},
		{
			ID:           "help.topics",
			Description:  "Available probe ids and their descriptions (synthetic)",
			Category:     "internal",
			OutputSchema: `{topics:[{probe_id:string, description:string}]}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  time.Second,
			CostHint:     0,
			Runner:       RunnerProc,
			// ProcRead is bound by catalog.New; see bindHelpTopics.
		},
		{
			ID:           "self.status",
			Description:  "Advisor's own recent question volume, refusal rate, and mean reliability over 1h/24h/7d (synthetic)",
			Category:     "internal",
			OutputSchema: `{windows:{[label:string]:{status:"ok"|"insufficient", count:int, refused_count:int, mean_reliability:float}}}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  2 * time.Second,
			CostHint:     1,
			Runner:       RunnerProc,
			// ProcRead is bound by the owning daemon via BindStatusProbe.
		},
		{
			ID:           "config.show",
			Description:  "Current redacted configuration (synthetic)",
			Category:     "internal",
			OutputSchema: `{config:object}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  time.Second,
			CostHint:     0,
			Runner:       RunnerProc,
			// ProcRead is bound by the owning daemon via BindConfigProbe.
		},
		{
			ID:          "telemetry.window",
			Description: "Precomputed windowed stat (avg/min/max/sample_count) for one host metric over the trailing window",
			Category:    "historical",
			Args: []ArgSpec{
				{Name: "name", Kind: "enum", Required: true, Allowed: []string{"cpu_percent", "mem_used_kb", "disk_use_percent"}},
				{Name: "window", Kind: "enum", Required: true, Allowed: []string{"1h", "24h", "7d", "30d"}},
			},
			OutputSchema: `{name:string, window:string, status:"ok"|"insufficient", avg:float, min:float, max:float, sample_count:int, first_seen:string, last_seen:string}`,
			Risk:         RiskReadOnly,
			SoftTimeout:  2 * time.Second,
			CostHint:     1,
			Runner:       RunnerProc,
			// ProcReadArgs is bound by the owning daemon via BindTelemetryProbe.
		},
	}
}

// BuildVersion is overridden at link time in a real build; left as a
// sentinel default here.
var BuildVersion = "dev"

func readCPUInfo() (map[string]any, error) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return nil, fmt.Errorf("open /proc/cpuinfo: %w", err)
	}
	defer f.Close()

	logical := 0
	physicalIDs := make(map[string]struct{})
	model := ""

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "processor"):
			logical++
		case strings.HasPrefix(line, "physical id"):
			if v := fieldValue(line); v != "" {
				physicalIDs[v] = struct{}{}
			}
		case strings.HasPrefix(line, "model name") && model == "":
			model = fieldValue(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan /proc/cpuinfo: %w", err)
	}

	physical := len(physicalIDs)
	if physical == 0 {
		physical = logical
	}
	if model == "" {
		model = runtime.GOARCH
	}

	return map[string]any{
		"logical_cores":  logical,
		"physical_cores": physical,
		"model":          model,
	}, nil
}

func readMemInfo() (map[string]any, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return nil, fmt.Errorf("open /proc/meminfo: %w", err)
	}
	defer f.Close()

	want := map[string]string{"MemTotal": "total_kb", "MemAvailable": "available_kb", "MemFree": "free_kb"}
	out := make(map[string]any, len(want))

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		for prefix, key := range want {
			if strings.HasPrefix(line, prefix+":") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.Atoi(fields[1]); err == nil {
						out[key] = kb
					}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan /proc/meminfo: %w", err)
	}
	return out, nil
}

func readUname() (map[string]any, error) {
	data, err := os.ReadFile("/proc/sys/kernel/ostype")
	sysname := "Linux"
	if err == nil {
		sysname = strings.TrimSpace(string(data))
	}
	release, _ := os.ReadFile("/proc/sys/kernel/osrelease")
	return map[string]any{
		"sysname": sysname,
		"release": strings.TrimSpace(string(release)),
		"machine": runtime.GOARCH,
	}, nil
}

func readUptime() (map[string]any, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return nil, fmt.Errorf("open /proc/uptime: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return nil, fmt.Errorf("parse /proc/uptime: unexpected format")
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil, fmt.Errorf("parse /proc/uptime: %w", err)
	}
	return map[string]any{"uptime_seconds": seconds}, nil
}

func readNetInterfaces() (map[string]any, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	list := make([]map[string]any, 0, len(ifaces))
	for _, iface := range ifaces {
		list = append(list, map[string]any{
			"name": iface.Name,
			"mac":  iface.HardwareAddr.String(),
			"up":   iface.Flags&net.FlagUp != 0,
		})
	}
	return map[string]any{"interfaces": list}, nil
}

func readNetAddrs() (map[string]any, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var out []map[string]any
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			out = append(out, map[string]any{"interface": iface.Name, "address": a.String()})
		}
	}
	return map[string]any{"addrs": out}, nil
}

type procEntry struct {
	pid  int
	comm string
	rss  int
}

func readTopProcesses() (map[string]any, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}
	var procs []procEntry
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		comm, _ := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
		statusData, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
		if err != nil {
			continue
		}
		rss := 0
		for _, line := range strings.Split(string(statusData), "\n") {
			if strings.HasPrefix(line, "VmRSS:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					rss, _ = strconv.Atoi(fields[1])
				}
			}
		}
		procs = append(procs, procEntry{pid: pid, comm: strings.TrimSpace(string(comm)), rss: rss})
	}

	sortByRSSDesc(procs)
	limit := 10
	if len(procs) < limit {
		limit = len(procs)
	}
	out := make([]map[string]any, 0, limit)
	for _, p := range procs[:limit] {
		out = append(out, map[string]any{"pid": p.pid, "comm": p.comm, "rss_kb": p.rss})
	}
	return map[string]any{"processes": out}, nil
}

func sortByRSSDesc(procs []procEntry) {
	for i := 1; i < len(procs); i++ {
		for j := i; j > 0 && procs[j].rss > procs[j-1].rss; j-- {
			procs[j], procs[j-1] = procs[j-1], procs[j]
		}
	}
}

func fieldValue(line string) string {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// knownMountpoints is the AllowedFunc for disk.df's "mountpoint" arg:
// it derives the permitted set from the host's actual mounted
// filesystems rather than a static config list.
func knownMountpoints() []string {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return []string{"/"}
	}
	seen := map[string]struct{}{}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		mp := fields[1]
		if !strings.HasPrefix(mp, "/") {
			continue
		}
		if _, ok := seen[mp]; ok {
			continue
		}
		seen[mp] = struct{}{}
		out = append(out, mp)
	}
	if len(out) == 0 {
		out = []string{"/"}
	}
	return out
}
