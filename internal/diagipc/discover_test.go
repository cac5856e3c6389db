package diagipc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadPID is far above any default pid_max.
const deadPID = 0x3FFFFFF0

func touch(t *testing.T, dir, name string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestParseSocketName(t *testing.T) {
	tests := []struct {
		name    string
		wantPID int
		wantOK  bool
	}{
		{"dotnet-diagnostic-1234-5678-socket", 1234, true},
		{"dotnet-diagnostic-1-0-socket", 1, true},
		{"dotnet-diagnostic-abc-5678-socket", 0, false},
		{"dotnet-diagnostic-1234-socket", 0, false},
		{"dotnet-diagnostic-0-5-socket", 0, false},
		{"clr-debug-pipe-1234-5678-in", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pid, ok := parseSocketName(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantPID, pid)
		})
	}
}

func TestFindSocketPicksNewest(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, dir, "dotnet-diagnostic-77-100-socket", now.Add(-time.Hour))
	newest := touch(t, dir, "dotnet-diagnostic-77-200-socket", now)
	touch(t, dir, "dotnet-diagnostic-770-300-socket", now.Add(time.Hour))

	got, err := FindSocket(dir, 77)
	require.NoError(t, err)
	assert.Equal(t, newest, got)
}

func TestFindSocketMissing(t *testing.T) {
	_, err := FindSocket(t.TempDir(), 77)
	assert.ErrorIs(t, err, ErrNoSocket)
}

func TestCheckProcess(t *testing.T) {
	assert.NoError(t, CheckProcess(os.Getpid()))
	assert.ErrorIs(t, CheckProcess(deadPID), ErrProcessNotFound)
	assert.ErrorIs(t, CheckProcess(0), ErrProcessNotFound)
	assert.ErrorIs(t, CheckProcess(-5), ErrProcessNotFound)
}

func TestNewClientUnknownProcess(t *testing.T) {
	_, err := NewClient(deadPID, t.TempDir())
	assert.True(t, errors.Is(err, ErrProcessNotFound), "err = %v", err)
}

func TestNewClientWithoutSocket(t *testing.T) {
	_, err := NewClient(os.Getpid(), t.TempDir())
	assert.ErrorIs(t, err, ErrNoSocket)
}

func TestDiscoverProcesses(t *testing.T) {
	dir := t.TempDir()
	self := os.Getpid()
	selfSocket := touch(t, dir, fmt.Sprintf("dotnet-diagnostic-%d-1-socket", self), time.Now())
	touch(t, dir, fmt.Sprintf("dotnet-diagnostic-%d-1-socket", deadPID), time.Now())
	touch(t, dir, "unrelated-file", time.Now())
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dotnet-diagnostic-5-5-socket"), 0o700))

	procs, err := DiscoverProcesses(dir)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, self, procs[0].PID)
	assert.Equal(t, selfSocket, procs[0].SocketPath)
	assert.NotEmpty(t, procs[0].Name)
}

func TestDiscoverProcessesMissingDir(t *testing.T) {
	_, err := DiscoverProcesses(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestSocketDirHonoursTMPDIR(t *testing.T) {
	t.Setenv("TMPDIR", "/custom/tmp")
	assert.Equal(t, "/custom/tmp", SocketDir())
}
