package ingest

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/zenbooster/zbservice/internal/store"
)

// SessionTracker answers "which device is this" and "does it have an open
// session" by reading storage. No state is carried between messages;
// storage is the only source of truth across reconnects and restarts.
type SessionTracker struct {
	Repo *store.Repo
}

func (t *SessionTracker) FindDevice(ctx context.Context, mac string) (*store.Device, error) {
	return t.Repo.FindDeviceByMAC(ctx, mac)
}

// FindOpenSession returns the device's open session, or nil. Handlers keep
// at most one session open per device; if that invariant has been broken
// the most recently begun one wins and the anomaly is logged rather than
// silently masked.
func (t *SessionTracker) FindOpenSession(ctx context.Context, deviceID uuid.UUID) (*store.Session, error) {
	sessions, err := t.Repo.OpenSessions(ctx, deviceID, 2)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	if len(sessions) > 1 {
		slog.Warn("multiple open sessions for device, using most recent",
			"device_id", deviceID, "session_id", sessions[0].ID)
	}
	return &sessions[0], nil
}
