package httpapi

import "github.com/PSEUDONYM97/zeroclaw/internal/registry"

// instanceDTO is the wire representation of registry.Instance: snake_case
// field names and datetimes rendered through registry.FormatWire, per the
// external interface contract. Handlers never write a *registry.Instance
// straight to the response body.
type instanceDTO struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Port           int     `json:"port"`
	ConfigPath     string  `json:"config_path"`
	WorkspaceDir   string  `json:"workspace_dir"`
	Status         string  `json:"status"`
	PID            *int    `json:"pid"`
	PIDFingerprint string  `json:"pid_fingerprint,omitempty"`
	Provider       string  `json:"provider,omitempty"`
	Model          string  `json:"model,omitempty"`
	ArchivedAt     *string `json:"archived_at"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

func newInstanceDTO(inst *registry.Instance) instanceDTO {
	dto := instanceDTO{
		ID:             inst.ID,
		Name:           inst.Name,
		Port:           inst.Port,
		ConfigPath:     inst.ConfigPath,
		WorkspaceDir:   inst.WorkspaceDir,
		Status:         inst.Status,
		PID:            inst.PID,
		PIDFingerprint: inst.PIDFingerprint,
		Provider:       inst.Provider,
		Model:          inst.Model,
		CreatedAt:      registry.FormatWire(inst.CreatedAt),
		UpdatedAt:      registry.FormatWire(inst.UpdatedAt),
	}
	if inst.ArchivedAt != nil {
		wire := registry.FormatWire(*inst.ArchivedAt)
		dto.ArchivedAt = &wire
	}
	return dto
}

func newInstanceListDTO(list []*registry.Instance) []instanceDTO {
	out := make([]instanceDTO, 0, len(list))
	for _, inst := range list {
		out = append(out, newInstanceDTO(inst))
	}
	return out
}

// messageDTO is the wire representation of registry.Message.
type messageDTO struct {
	ID             string  `json:"id"`
	FromInstance   string  `json:"from_instance"`
	ToInstance     string  `json:"to_instance"`
	Type           string  `json:"type"`
	Payload        string  `json:"payload"`
	CorrelationID  *string `json:"correlation_id,omitempty"`
	IdempotencyKey string  `json:"idempotency_key"`
	CreatedAt      string  `json:"created_at"`
	ExpiresAt      string  `json:"expires_at"`
	HopCount       int     `json:"hop_count"`
	Status         string  `json:"status"`
	RetryCount     int     `json:"retry_count"`
	MaxRetries     int     `json:"max_retries"`
	NextAttemptAt  *string `json:"next_attempt_at"`
	LeaseOwner     *string `json:"lease_owner"`
	LeaseExpiresAt *string `json:"lease_expires_at"`
	UpdatedAt      string  `json:"updated_at"`
}

func newMessageDTO(m *registry.Message) messageDTO {
	dto := messageDTO{
		ID:             m.ID,
		FromInstance:   m.FromInstance,
		ToInstance:     m.ToInstance,
		Type:           m.Type,
		Payload:        m.Payload,
		CorrelationID:  m.CorrelationID,
		IdempotencyKey: m.IdempotencyKey,
		CreatedAt:      registry.FormatWire(m.CreatedAt),
		ExpiresAt:      registry.FormatWire(m.ExpiresAt),
		HopCount:       m.HopCount,
		Status:         m.Status,
		RetryCount:     m.RetryCount,
		MaxRetries:     m.MaxRetries,
		LeaseOwner:     m.LeaseOwner,
		UpdatedAt:      registry.FormatWire(m.UpdatedAt),
	}
	if m.NextAttemptAt != nil {
		wire := registry.FormatWire(*m.NextAttemptAt)
		dto.NextAttemptAt = &wire
	}
	if m.LeaseExpiresAt != nil {
		wire := registry.FormatWire(*m.LeaseExpiresAt)
		dto.LeaseExpiresAt = &wire
	}
	return dto
}

func newMessageListDTO(list []*registry.Message) []messageDTO {
	out := make([]messageDTO, 0, len(list))
	for _, m := range list {
		out = append(out, newMessageDTO(m))
	}
	return out
}

// messageEventDTO is the wire representation of registry.MessageEvent.
type messageEventDTO struct {
	ID        int64   `json:"id"`
	MessageID string  `json:"message_id"`
	Kind      string  `json:"kind"`
	Detail    *string `json:"detail,omitempty"`
	CreatedAt string  `json:"created_at"`
}

func newMessageEventListDTO(list []*registry.MessageEvent) []messageEventDTO {
	out := make([]messageEventDTO, 0, len(list))
	for _, ev := range list {
		out = append(out, messageEventDTO{
			ID:        ev.ID,
			MessageID: ev.MessageID,
			Kind:      ev.Kind,
			Detail:    ev.Detail,
			CreatedAt: registry.FormatWire(ev.CreatedAt),
		})
	}
	return out
}
