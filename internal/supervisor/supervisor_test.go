package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/PSEUDONYM97/zeroclaw/internal/config"
	"github.com/PSEUDONYM97/zeroclaw/internal/eventbus"
	"github.com/PSEUDONYM97/zeroclaw/internal/procctl"
	"github.com/PSEUDONYM97/zeroclaw/internal/registry"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *registry.Registry) {
	t.Helper()
	base := t.TempDir()
	reg, err := registry.Open(filepath.Join(base, "registry.db"))
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	cfg := config.Default()
	cfg.BaseDir = base
	cfg.LockTimeout = 200 * time.Millisecond

	return New(reg, eventbus.New(), cfg, "/bin/true"), reg
}

func mustCreateInstance(t *testing.T, reg *registry.Registry, name string, port int) *registry.Instance {
	t.Helper()
	inst, err := reg.CreateInstance(registry.CreateInstanceParams{
		Name: name, Port: port, ConfigPath: "/tmp/cfg.toml", WorkspaceDir: "/tmp/ws",
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	return inst
}

// spawnLongLived starts a real sleep process so tests have a pid with a
// genuine, verifiable ownership fingerprint to reconcile against.
func spawnLongLived(t *testing.T) *procctl.SpawnResult {
	t.Helper()
	dir := t.TempDir()
	res, err := procctl.Spawn(procctl.SpawnParams{
		Binary:     "/bin/sleep",
		Args:       []string{"30"},
		WorkingDir: dir,
		LogPath:    filepath.Join(dir, "current.log"),
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { procctl.Stop(res.PID, res.Fingerprint, 2*time.Second, time.Second) })
	return res
}

func TestReconcileMarksUnverifiablePidAsError(t *testing.T) {
	sv, reg := newTestSupervisor(t)
	inst := mustCreateInstance(t, reg, "agent-a", 18801)

	proc := spawnLongLived(t)
	if err := reg.SetStatusAndPID(inst.ID, registry.StatusRunning, &proc.PID, "not-a-real-fingerprint"); err != nil {
		t.Fatalf("SetStatusAndPID: %v", err)
	}

	sv.Reconcile()

	got, err := reg.GetInstance(inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Status != registry.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
}

func TestReconcileAdoptsAliveVerifiedProcess(t *testing.T) {
	sv, reg := newTestSupervisor(t)
	inst := mustCreateInstance(t, reg, "agent-a", 18801)

	proc := spawnLongLived(t)
	if err := reg.SetStatusAndPID(inst.ID, registry.StatusStarting, &proc.PID, proc.Fingerprint); err != nil {
		t.Fatalf("SetStatusAndPID: %v", err)
	}

	sv.Reconcile()

	got, err := reg.GetInstance(inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Status != registry.StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
}

func TestReconcileMarksStoppingInstanceStoppedWhenDead(t *testing.T) {
	sv, reg := newTestSupervisor(t)
	inst := mustCreateInstance(t, reg, "agent-a", 18801)

	proc := spawnLongLived(t)
	if err := procctl.Stop(proc.PID, proc.Fingerprint, time.Second, time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := reg.SetStatusAndPID(inst.ID, registry.StatusStopping, &proc.PID, proc.Fingerprint); err != nil {
		t.Fatalf("SetStatusAndPID: %v", err)
	}

	sv.Reconcile()

	got, err := reg.GetInstance(inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Status != registry.StatusStopped {
		t.Fatalf("status = %s, want stopped", got.Status)
	}
}

func TestStopWithNoRecordedPidMarksStopped(t *testing.T) {
	sv, reg := newTestSupervisor(t)
	inst := mustCreateInstance(t, reg, "agent-a", 18801)

	if err := sv.Stop(context.Background(), inst.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got, err := reg.GetInstance(inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Status != registry.StatusStopped {
		t.Fatalf("status = %s, want stopped", got.Status)
	}
}

func TestStartNoOpWhenAlreadyAliveAndVerified(t *testing.T) {
	sv, reg := newTestSupervisor(t)
	inst := mustCreateInstance(t, reg, "agent-a", 18801)

	proc := spawnLongLived(t)
	if err := reg.SetStatusAndPID(inst.ID, registry.StatusRunning, &proc.PID, proc.Fingerprint); err != nil {
		t.Fatalf("SetStatusAndPID: %v", err)
	}

	if err := sv.Start(context.Background(), inst.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, err := reg.GetInstance(inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.PID == nil || *got.PID != proc.PID {
		t.Fatalf("pid changed from %d to %v, want no-op", proc.PID, got.PID)
	}
}
