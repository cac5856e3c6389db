package diagipc

import (
	"strings"
	"testing"
)

func TestProcessFilter_IsAllowed(t *testing.T) {
	api := ProcessInfo{PID: 10, Name: "Api", CmdLine: "/srv/api/bin/Api --urls http://+:80"}
	worker := ProcessInfo{PID: 11, Name: "dotnet", CmdLine: "/usr/share/dotnet/dotnet /opt/worker/Worker.dll"}

	tests := []struct {
		name   string
		filter ProcessFilter
		proc   ProcessInfo
		want   bool
	}{
		{
			name:   "empty filter allows everything",
			filter: ProcessFilter{},
			proc:   api,
			want:   true,
		},
		{
			name:   "allowlist match by name",
			filter: ProcessFilter{Allowed: []string{"Api"}},
			proc:   api,
			want:   true,
		},
		{
			name:   "allowlist match by executable parent",
			filter: ProcessFilter{Allowed: []string{"/srv/*"}},
			proc:   api,
			want:   true,
		},
		{
			name:   "allowlist no match",
			filter: ProcessFilter{Allowed: []string{"/srv/*"}},
			proc:   worker,
			want:   false,
		},
		{
			name:   "blocklist match by name glob",
			filter: ProcessFilter{Blocked: []string{"dot*"}},
			proc:   worker,
			want:   false,
		},
		{
			name:   "blocklist no match",
			filter: ProcessFilter{Blocked: []string{"/tmp/*"}},
			proc:   worker,
			want:   true,
		},
		{
			name: "allowlist passes but blocklist catches",
			filter: ProcessFilter{
				Allowed: []string{"/srv/*"},
				Blocked: []string{"/srv/api"},
			},
			proc: api,
			want: false,
		},
		{
			name:   "unknown process only matches empty allowlist",
			filter: ProcessFilter{Allowed: []string{"*"}},
			proc:   ProcessInfo{PID: 12},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.IsAllowed(tt.proc); got != tt.want {
				t.Errorf("IsAllowed(%+v) = %v, want %v", tt.proc, got, tt.want)
			}
		})
	}
}

func TestProcessFilter_Apply(t *testing.T) {
	f := ProcessFilter{MaskCmdLines: true}
	orig := ProcessInfo{PID: 10, Name: "Api", CmdLine: "/srv/api/bin/Api --conn Password=hunter2"}

	masked := f.Apply(orig)
	if strings.Contains(masked.CmdLine, "hunter2") {
		t.Errorf("CmdLine not masked: %q", masked.CmdLine)
	}
	if !strings.HasPrefix(masked.CmdLine, "Api [args ") {
		t.Errorf("CmdLine = %q, want executable name and digest", masked.CmdLine)
	}
	if orig.CmdLine != "/srv/api/bin/Api --conn Password=hunter2" {
		t.Error("Apply modified the original")
	}

	// Same arguments, same digest.
	if again := f.Apply(orig); again.CmdLine != masked.CmdLine {
		t.Errorf("digest not stable: %q vs %q", again.CmdLine, masked.CmdLine)
	}

	bare := f.Apply(ProcessInfo{CmdLine: "/usr/bin/app"})
	if bare.CmdLine != "app" {
		t.Errorf("CmdLine without args = %q, want %q", bare.CmdLine, "app")
	}
}

func TestProcessFilter_ApplyNoop(t *testing.T) {
	f := ProcessFilter{}
	p := ProcessInfo{CmdLine: "/srv/api/bin/Api --secret x"}
	if got := f.Apply(p); got != p {
		t.Errorf("zero filter changed process: %+v", got)
	}
	if !f.IsNoop() {
		t.Error("zero filter should be a no-op")
	}
	if (&ProcessFilter{Blocked: []string{"x"}}).IsNoop() {
		t.Error("filter with blocklist is not a no-op")
	}
}

func TestProcessFilter_FilterSlice(t *testing.T) {
	procs := []ProcessInfo{
		{PID: 1, Name: "Api", CmdLine: "/srv/api/bin/Api --k v"},
		{PID: 2, Name: "Scratch", CmdLine: "/tmp/scratch/Scratch"},
		{PID: 3, Name: "Worker", CmdLine: "/srv/worker/Worker"},
	}
	f := ProcessFilter{MaskCmdLines: true, Blocked: []string{"/tmp/*"}}

	got := f.FilterSlice(procs)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].PID != 1 || got[1].PID != 3 {
		t.Errorf("PIDs = %d, %d, want 1, 3", got[0].PID, got[1].PID)
	}
	if got[1].CmdLine != "Worker" {
		t.Errorf("CmdLine = %q, want %q", got[1].CmdLine, "Worker")
	}
	if procs[0].CmdLine != "/srv/api/bin/Api --k v" {
		t.Error("FilterSlice modified the input")
	}
}
