package sessions

import (
	"context"
	"time"
)

// Bus subjects published by the engine.
const (
	SubjectPrefix   = "pisowifi.sessions."
	SubjectCreated  = SubjectPrefix + "created"
	SubjectExtended = SubjectPrefix + "extended"
	SubjectMigrated = SubjectPrefix + "migrated"
	SubjectPaused   = SubjectPrefix + "paused"
	SubjectResumed  = SubjectPrefix + "resumed"
	SubjectRoamed   = SubjectPrefix + "roamed"
	SubjectExpired  = SubjectPrefix + "expired"
)

// Publisher delivers engine events. *bus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Snapshot is the event view of a session; it never carries the token.
type Snapshot struct {
	MAC              string      `json:"mac"`
	IP               string      `json:"ip"`
	RemainingSeconds int64       `json:"remainingSeconds"`
	TotalPaid        int64       `json:"totalPaid"`
	IsPaused         bool        `json:"isPaused"`
	Pausable         Pausability `json:"pausable"`
	DownloadLimit    int64       `json:"downloadLimit"`
	UploadLimit      int64       `json:"uploadLimit"`
	ExpiredAt        *time.Time  `json:"expiredAt,omitempty"`
}

// Event describes one state transition.
type Event struct {
	Type   string    `json:"type"`
	MAC    string    `json:"mac"`
	Before *Snapshot `json:"before,omitempty"`
	After  *Snapshot `json:"after,omitempty"`
	// From is the previous MAC of a migrated session.
	From  string    `json:"from,omitempty"`
	Pesos int64     `json:"pesos,omitempty"`
	At    time.Time `json:"at"`
}

func snapshot(s Session) *Snapshot {
	return &Snapshot{
		MAC:              s.MAC,
		IP:               s.IP,
		RemainingSeconds: s.RemainingSeconds,
		TotalPaid:        s.TotalPaid,
		IsPaused:         s.IsPaused,
		Pausable:         s.Pausable,
		DownloadLimit:    s.DownloadLimit,
		UploadLimit:      s.UploadLimit,
		ExpiredAt:        s.ExpiredAt,
	}
}
