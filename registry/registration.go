package registry

import "context"

// Keys of the persisted registration inside the store namespace.
const (
	KeyToken        = "token"
	KeyProjectID    = "projectId"
	KeyIsRegistered = "isRegistered"
	KeyIsStale      = "isUpdatedToken"
)

// State is the lifecycle position of a Registration.
type State int

const (
	StateUnknown State = iota
	StateValid
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateRegistered:
		return "registered"
	default:
		return "unknown"
	}
}

// Registration is the device's current binding to a push backend.
type Registration struct {
	Token        string `json:"token" yaml:"token"`
	ProjectID    string `json:"project_id" yaml:"project_id"`
	IsRegistered bool   `json:"is_registered" yaml:"is_registered"`
	IsStale      bool   `json:"is_stale" yaml:"is_stale"`
}

// State derives the lifecycle state from the persisted fields.
func (r Registration) State() State {
	switch {
	case r.Token == "":
		return StateUnknown
	case r.IsRegistered:
		return StateRegistered
	default:
		return StateValid
	}
}

// Registration returns a snapshot of the persisted registration. Missing
// keys read as their zero values, which is the empty registration.
func (r *Registry) Registration(ctx context.Context) (Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(ctx)
}

func (r *Registry) loadLocked(ctx context.Context) (Registration, error) {
	var (
		reg Registration
		err error
	)
	if reg.Token, _, err = r.store.GetString(ctx, KeyToken); err != nil {
		return Registration{}, err
	}
	if reg.ProjectID, _, err = r.store.GetString(ctx, KeyProjectID); err != nil {
		return Registration{}, err
	}
	if reg.IsRegistered, _, err = r.store.GetBool(ctx, KeyIsRegistered); err != nil {
		return Registration{}, err
	}
	if reg.IsStale, _, err = r.store.GetBool(ctx, KeyIsStale); err != nil {
		return Registration{}, err
	}
	return reg, nil
}
