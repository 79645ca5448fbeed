// Package supervisor implements the Lifecycle Supervisor: reconciles desired
// instance state (the Registry) against observed state (an
// ownership-verified liveness check via internal/procctl), and drives
// start/stop/restart on behalf of the HTTP surface.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/PSEUDONYM97/zeroclaw/internal/config"
	"github.com/PSEUDONYM97/zeroclaw/internal/eventbus"
	"github.com/PSEUDONYM97/zeroclaw/internal/logging"
	"github.com/PSEUDONYM97/zeroclaw/internal/metrics"
	"github.com/PSEUDONYM97/zeroclaw/internal/procctl"
	"github.com/PSEUDONYM97/zeroclaw/internal/registry"
)

// agentConfig is written to each instance's config.toml before spawn, so the
// agent binary can read its own identity and model settings without the
// control plane passing everything as flags.
type agentConfig struct {
	InstanceID string `toml:"instance_id"`
	Name       string `toml:"name"`
	Port       int    `toml:"port"`
	Provider   string `toml:"provider,omitempty"`
	Model      string `toml:"model,omitempty"`
}

// writeAgentConfig serializes the instance's config atomically (temp file in
// the same directory, then rename) so a crash mid-write never leaves the
// agent reading a partially written config.toml.
func writeAgentConfig(path string, inst *registry.Instance) error {
	b, err := toml.Marshal(agentConfig{
		InstanceID: inst.ID,
		Name:       inst.Name,
		Port:       inst.Port,
		Provider:   inst.Provider,
		Model:      inst.Model,
	})
	if err != nil {
		return fmt.Errorf("supervisor: marshal agent config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml")
	if err != nil {
		return fmt.Errorf("supervisor: create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("supervisor: write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("supervisor: close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("supervisor: rename temp config: %w", err)
	}
	return nil
}

// StatusChangedEvent is published on the Event Bus whenever the supervisor
// observes or drives an instance status transition.
type StatusChangedEvent struct {
	InstanceID string
	From       string
	To         string
	Reason     string
}

// Supervisor owns the reconciliation ticker and the lifecycle operations the
// HTTP surface drives. It implements httpapi.Lifecycle by structural typing.
type Supervisor struct {
	Reg *registry.Registry
	Bus *eventbus.Bus
	Cfg config.Config

	// AgentBinary is the executable launched for every instance; in the real
	// deployment this is the agent runtime the control plane supervises, one
	// process per instance, distinct from the zeroclaw-cpd binary itself.
	AgentBinary string
}

// New constructs a Supervisor. Call Reconcile once, synchronously, before
// the HTTP surface starts accepting mutating requests.
func New(reg *registry.Registry, bus *eventbus.Bus, cfg config.Config, agentBinary string) *Supervisor {
	return &Supervisor{Reg: reg, Bus: bus, Cfg: cfg, AgentBinary: agentBinary}
}

// Run ticks Reconcile on cfg.SupervisorInterval until ctx is cancelled.
func (sv *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(sv.Cfg.SupervisorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.Reconcile()
		}
	}
}

// Reconcile compares every non-archived instance with a recorded PID against
// its observed liveness, adopting still-alive processes, marking dead ones
// as errored, and clearing orphaned bookkeeping. It never signals a process
// whose fingerprint does not match (procctl.ErrNotOurs), treating a foreign
// process at that PID as "not observed" rather than killing it.
func (sv *Supervisor) Reconcile() {
	log := logging.WithComponent("supervisor")
	instances, err := sv.Reg.ListRunningWithPID()
	if err != nil {
		log.Error().Err(err).Msg("failed to list running instances")
		return
	}

	for _, inst := range instances {
		sv.reconcileOne(inst)
	}
	metrics.SupervisorReconciliations.WithLabelValues("tick").Inc()
}

func (sv *Supervisor) reconcileOne(inst *registry.Instance) {
	log := logging.WithInstance(inst.ID)

	if inst.PID == nil {
		return
	}
	alive := procctl.VerifyOwnership(*inst.PID, inst.PIDFingerprint)

	switch {
	case alive && inst.Status == registry.StatusRunning:
		return
	case alive:
		sv.transition(inst, registry.StatusRunning, "adopted", true)
	case inst.Status == registry.StatusStopping:
		sv.transition(inst, registry.StatusStopped, "stop confirmed", false)
	default:
		log.Warn().Msg("recorded pid is no longer alive or ownership could not be verified")
		sv.transition(inst, registry.StatusError, "process not found", false)
	}
}

func (sv *Supervisor) transition(inst *registry.Instance, to, reason string, keepPID bool) {
	var pid *int
	fingerprint := inst.PIDFingerprint
	if keepPID {
		pid = inst.PID
	} else {
		fingerprint = ""
	}
	if err := sv.Reg.SetStatusAndPID(inst.ID, to, pid, fingerprint); err != nil {
		logging.WithInstance(inst.ID).Error().Err(err).Msg("failed to persist status transition")
		return
	}
	metrics.SupervisorReconciliations.WithLabelValues(to).Inc()
	if sv.Bus != nil {
		sv.Bus.Publish(StatusChangedEvent{InstanceID: inst.ID, From: inst.Status, To: to, Reason: reason})
	}
}

// Start spawns the instance's agent process, if not already running, and
// records its pid/fingerprint.
func (sv *Supervisor) Start(ctx context.Context, instanceID string) error {
	inst, err := sv.Reg.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if inst.PID != nil && procctl.VerifyOwnership(*inst.PID, inst.PIDFingerprint) {
		return nil
	}

	lock, err := procctl.AcquireLock(sv.Cfg.InstanceLockFile(instanceID), sv.Cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	defer lock.Release()

	if err := os.MkdirAll(sv.Cfg.InstanceWorkspace(instanceID), 0o755); err != nil {
		return fmt.Errorf("supervisor: create workspace: %w", err)
	}
	if err := os.MkdirAll(sv.Cfg.InstanceLogDir(instanceID), 0o755); err != nil {
		return fmt.Errorf("supervisor: create log dir: %w", err)
	}
	if err := writeAgentConfig(sv.Cfg.InstanceConfigPath(instanceID), inst); err != nil {
		return err
	}

	res, err := procctl.Spawn(procctl.SpawnParams{
		Binary:     sv.AgentBinary,
		Args:       []string{"--config", sv.Cfg.InstanceConfigPath(instanceID), "--port", fmt.Sprint(inst.Port)},
		WorkingDir: sv.Cfg.InstanceWorkspace(instanceID),
		LogPath:    sv.Cfg.InstanceCurrentLog(instanceID),
	})
	if err != nil {
		sv.transition(inst, registry.StatusError, logging.Redacted(err.Error()), false)
		return err
	}

	pid := res.PID
	if err := sv.Reg.SetStatusAndPID(instanceID, registry.StatusRunning, &pid, res.Fingerprint); err != nil {
		return err
	}
	if sv.Bus != nil {
		sv.Bus.Publish(StatusChangedEvent{InstanceID: instanceID, From: inst.Status, To: registry.StatusRunning, Reason: "started"})
	}
	return nil
}

// Stop runs the documented stop protocol against the recorded pid and
// clears process bookkeeping once it returns cleanly.
func (sv *Supervisor) Stop(ctx context.Context, instanceID string) error {
	inst, err := sv.Reg.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if inst.PID == nil {
		return sv.Reg.SetStatusAndPID(instanceID, registry.StatusStopped, nil, "")
	}

	lock, err := procctl.AcquireLock(sv.Cfg.InstanceLockFile(instanceID), sv.Cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	defer lock.Release()

	if err := sv.Reg.SetStatusAndPID(instanceID, registry.StatusStopping, inst.PID, inst.PIDFingerprint); err != nil {
		return err
	}
	if err := procctl.Stop(*inst.PID, inst.PIDFingerprint, sv.Cfg.StopGraceful, sv.Cfg.StopKillConfirm); err != nil {
		return err
	}
	if err := sv.Reg.SetStatusAndPID(instanceID, registry.StatusStopped, nil, ""); err != nil {
		return err
	}
	if sv.Bus != nil {
		sv.Bus.Publish(StatusChangedEvent{InstanceID: instanceID, From: registry.StatusStopping, To: registry.StatusStopped, Reason: "stopped"})
	}
	return nil
}

// Restart stops then starts the instance.
func (sv *Supervisor) Restart(ctx context.Context, instanceID string) error {
	if err := sv.Stop(ctx, instanceID); err != nil {
		return err
	}
	return sv.Start(ctx, instanceID)
}
