package diagipc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	socketPrefix = "dotnet-diagnostic-"
	socketSuffix = "-socket"
)

var (
	// ErrProcessNotFound is returned when the target pid is not running.
	ErrProcessNotFound = errors.New("process not found")
	// ErrNoSocket is returned when a process exposes no diagnostics socket.
	ErrNoSocket = errors.New("no diagnostics socket")
)

// ProcessInfo describes a .NET process with a reachable diagnostics server.
type ProcessInfo struct {
	PID        int
	Name       string
	CmdLine    string
	StartTime  time.Time
	SocketPath string
}

// SocketDir returns the directory the runtime creates its diagnostics
// sockets in: $TMPDIR when set, the OS temp dir otherwise.
func SocketDir() string {
	if dir := os.Getenv("TMPDIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// CheckProcess returns ErrProcessNotFound unless pid is alive.
func CheckProcess(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		return fmt.Errorf("checking pid %d: %w", pid, err)
	}
	if !ok {
		return fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
	}
	return nil
}

// FindSocket returns the diagnostics socket of pid in dir. When a pid has
// been reused several sockets can match; the most recent one wins.
func FindSocket(dir string, pid int) (string, error) {
	pattern := filepath.Join(dir, fmt.Sprintf("%s%d-*%s", socketPrefix, pid, socketSuffix))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("globbing %s: %w", pattern, err)
	}

	var best string
	var bestTime time.Time
	for _, m := range matches {
		if p, ok := parseSocketName(filepath.Base(m)); !ok || p != pid {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best = m
			bestTime = info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w for pid %d in %s", ErrNoSocket, pid, dir)
	}
	return best, nil
}

// parseSocketName extracts the pid from dotnet-diagnostic-{pid}-{key}-socket.
func parseSocketName(name string) (int, bool) {
	if !strings.HasPrefix(name, socketPrefix) || !strings.HasSuffix(name, socketSuffix) {
		return 0, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, socketPrefix), socketSuffix)
	pidPart, _, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(pidPart)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// DiscoverProcesses lists the live processes that expose a diagnostics
// socket in dir, ordered by pid. Sockets left behind by dead processes are
// skipped.
func DiscoverProcesses(dir string) ([]ProcessInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	seen := make(map[int]bool)
	var results []ProcessInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		pid, ok := parseSocketName(entry.Name())
		if !ok || seen[pid] {
			continue
		}
		seen[pid] = true

		if CheckProcess(pid) != nil {
			continue
		}
		path, err := FindSocket(dir, pid)
		if err != nil {
			continue
		}
		results = append(results, describeProcess(pid, path))
	}

	sort.Slice(results, func(i, j int) bool { return results[i].PID < results[j].PID })
	return results, nil
}

// describeProcess fills in what gopsutil can tell about pid. Missing
// details are left empty rather than failing the listing.
func describeProcess(pid int, socketPath string) ProcessInfo {
	info := ProcessInfo{PID: pid, SocketPath: socketPath}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return info
	}
	if name, err := p.Name(); err == nil {
		info.Name = name
	}
	if cmdline, err := p.Cmdline(); err == nil {
		info.CmdLine = cmdline
	}
	if ms, err := p.CreateTime(); err == nil {
		info.StartTime = time.UnixMilli(ms)
	}
	return info
}
