package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/PSEUDONYM97/zeroclaw/internal/apierr"
	"github.com/PSEUDONYM97/zeroclaw/internal/logging"
	"github.com/PSEUDONYM97/zeroclaw/internal/procctl"
	"github.com/PSEUDONYM97/zeroclaw/internal/registry"
)

const maxBodyBytes = 64 * 1024

type createInstanceRequest struct {
	Name     string `json:"name"`
	Port     int    `json:"port"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := readJSONBody(w, r, &req, maxBodyBytes); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindValidation, "invalid request body"))
		return
	}

	cfg := instanceLayout(req.Name)
	inst, err := s.Reg.CreateInstance(registry.CreateInstanceParams{
		Name:         req.Name,
		Port:         req.Port,
		ConfigPath:   cfg.configPath,
		WorkspaceDir: cfg.workspaceDir,
		Provider:     req.Provider,
		Model:        req.Model,
	})
	if err != nil {
		writeInstanceWriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newInstanceDTO(inst))
}

// instanceLayout is a placeholder layout keyed by instance name, persisted at
// creation time only so the row has a stable value. internal/supervisor does
// not read these fields: it resolves the real config, workspace and log paths
// from internal/config, keyed by instance ID, when it starts the instance.
type instancePaths struct {
	configPath   string
	workspaceDir string
}

func instanceLayout(name string) instancePaths {
	return instancePaths{
		configPath:   "instances/" + name + "/config.toml",
		workspaceDir: "instances/" + name + "/workspace",
	}
}

func writeInstanceWriteError(w http.ResponseWriter, err error) {
	switch err {
	case registry.ErrInvalidName:
		apierr.WriteHTTP(w, apierr.New(apierr.KindValidation, "instance name is invalid"))
	case registry.ErrConflict:
		apierr.WriteHTTP(w, apierr.New(apierr.KindConflict, "instance name or port already in use"))
	case registry.ErrNotFound:
		apierr.WriteHTTP(w, apierr.New(apierr.KindNotFound, "instance not found"))
	default:
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "registry operation failed"))
	}
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	list, err := s.Reg.ListInstances()
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "failed to list instances"))
		return
	}
	writeJSON(w, http.StatusOK, newInstanceListDTO(list))
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	inst, err := s.Reg.GetInstanceByName(name)
	if err != nil {
		writeInstanceWriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newInstanceDTO(inst))
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	inst, err := s.lookupAnyInstance(name)
	if err != nil {
		writeInstanceWriteError(w, err)
		return
	}
	if inst.ArchivedAt == nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindConflict, "instance must be archived before deletion"))
		return
	}
	if err := s.Reg.DeleteArchived(inst.ID); err != nil {
		writeInstanceWriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	s.runLifecycle(w, r, s.Lifecycle.Start)
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	s.runLifecycle(w, r, s.Lifecycle.Stop)
}

func (s *Server) handleRestartInstance(w http.ResponseWriter, r *http.Request) {
	s.runLifecycle(w, r, s.Lifecycle.Restart)
}

func (s *Server) runLifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, instanceID string) error) {
	name := mux.Vars(r)["name"]
	inst, err := s.Reg.GetInstanceByName(name)
	if err != nil {
		writeInstanceWriteError(w, err)
		return
	}
	if err := op(r.Context(), inst.ID); err != nil {
		if errors.Is(err, procctl.ErrBusy) {
			apierr.WriteHTTP(w, apierr.New(apierr.KindBusy, "instance is locked by another lifecycle operation"))
			return
		}
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "lifecycle operation failed: "+logging.Redacted(err.Error())))
		return
	}
	fresh, err := s.Reg.GetInstance(inst.ID)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "instance vanished after lifecycle operation"))
		return
	}
	writeJSON(w, http.StatusOK, newInstanceDTO(fresh))
}

func (s *Server) handleArchiveInstance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	inst, err := s.Reg.GetInstanceByName(name)
	if err != nil {
		writeInstanceWriteError(w, err)
		return
	}
	if inst.Status == registry.StatusRunning || inst.Status == registry.StatusStarting {
		if err := s.Lifecycle.Stop(r.Context(), inst.ID); err != nil {
			apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "failed to stop instance before archiving"))
			return
		}
	}
	if err := s.Reg.Archive(inst.ID); err != nil {
		writeInstanceWriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnarchiveInstance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	inst, err := s.lookupAnyInstance(name)
	if err != nil {
		writeInstanceWriteError(w, err)
		return
	}
	if err := s.Reg.Unarchive(inst.ID); err != nil {
		writeInstanceWriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cloneInstanceRequest struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

// handleCloneInstance creates a new stopped instance carrying the source's
// provider/model, under a caller-supplied name and port. It never copies
// process state (pid, fingerprint) or secrets.
func (s *Server) handleCloneInstance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	src, err := s.Reg.GetInstanceByName(name)
	if err != nil {
		writeInstanceWriteError(w, err)
		return
	}
	var req cloneInstanceRequest
	if err := readJSONBody(w, r, &req, maxBodyBytes); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindValidation, "invalid request body"))
		return
	}

	cfg := instanceLayout(req.Name)
	clone, err := s.Reg.CreateInstance(registry.CreateInstanceParams{
		Name:         req.Name,
		Port:         req.Port,
		ConfigPath:   cfg.configPath,
		WorkspaceDir: cfg.workspaceDir,
		Provider:     src.Provider,
		Model:        src.Model,
	})
	if err != nil {
		writeInstanceWriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newInstanceDTO(clone))
}

func (s *Server) lookupAnyInstance(name string) (*registry.Instance, error) {
	inst, err := s.Reg.GetInstanceByName(name)
	if err == nil {
		return inst, nil
	}
	// GetInstanceByName excludes archived rows; archived instances must still
	// be reachable for unarchive/delete, so the caller falls back to a
	// listing scan. The registry has no name-inclusive-archived lookup
	// because every other caller only ever wants the active row.
	all, listErr := s.Reg.ListInstancesIncludingArchived()
	if listErr != nil {
		return nil, err
	}
	for _, i := range all {
		if i.Name == name {
			return i, nil
		}
	}
	return nil, registry.ErrNotFound
}
