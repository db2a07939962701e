package sessions

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("sessions: session not found")
	ErrTokenRequired = errors.New("sessions: session token is required")
	ErrNotPausable   = errors.New("sessions: session cannot be paused")
	ErrExpired       = errors.New("sessions: session has no remaining time")
	ErrTokenConflict = errors.New("sessions: token already bound to another session")
	ErrInvalidGrant  = errors.New("sessions: invalid grant")
)

// Pausability is the three-valued pausable flag stored with each session.
type Pausability int8

const (
	PausableUnspecified Pausability = iota
	Pausable
	NotPausable
)

// PausabilityFromPtr maps a nullable column or config value.
func PausabilityFromPtr(v *bool) Pausability {
	switch {
	case v == nil:
		return PausableUnspecified
	case *v:
		return Pausable
	default:
		return NotPausable
	}
}

// Ptr is the nullable form of p.
func (p Pausability) Ptr() *bool {
	switch p {
	case Pausable:
		v := true
		return &v
	case NotPausable:
		v := false
		return &v
	default:
		return nil
	}
}

func (p Pausability) String() string {
	switch p {
	case Pausable:
		return "pausable"
	case NotPausable:
		return "not_pausable"
	default:
		return "unspecified"
	}
}

// MarshalText renders the flag for JSON payloads.
func (p Pausability) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Allows reports whether a session with this flag may be paused under policy.
func (p Pausability) Allows(policy UnspecifiedPausePolicy) bool {
	switch p {
	case Pausable:
		return true
	case NotPausable:
		return false
	default:
		return policy != PauseDenyUnspecified
	}
}

// UnspecifiedPausePolicy decides pausability for sessions created without an explicit flag.
type UnspecifiedPausePolicy string

const (
	PauseAllowUnspecified UnspecifiedPausePolicy = "allow"
	PauseDenyUnspecified  UnspecifiedPausePolicy = "deny"
)

// DefaultUnspecifiedPausePolicy treats an unset flag as pausable.
const DefaultUnspecifiedPausePolicy = PauseAllowUnspecified

// ParseUnspecifiedPausePolicy validates s.
func ParseUnspecifiedPausePolicy(s string) (UnspecifiedPausePolicy, error) {
	switch UnspecifiedPausePolicy(s) {
	case PauseAllowUnspecified, PauseDenyUnspecified:
		return UnspecifiedPausePolicy(s), nil
	default:
		return "", fmt.Errorf("invalid unspecified pause policy: %q", s)
	}
}

// Session is one device's paid access; the MAC is the primary key.
type Session struct {
	MAC              string      `json:"mac"`
	Token            string      `json:"token"`
	IP               string      `json:"ip"`
	RemainingSeconds int64       `json:"remainingSeconds"`
	TotalPaid        int64       `json:"totalPaid"`
	IsPaused         bool        `json:"isPaused"`
	Pausable         Pausability `json:"pausable"`
	DownloadLimit    int64       `json:"downloadLimit"`
	UploadLimit      int64       `json:"uploadLimit"`
	ExpiredAt        *time.Time  `json:"expiredAt,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// Authorized reports whether the enforcer should let the device through.
func (s Session) Authorized() bool {
	return s.RemainingSeconds > 0 && !s.IsPaused
}

// State names the lifecycle state of s.
func (s Session) State() string {
	switch {
	case s.RemainingSeconds <= 0:
		return "expired"
	case s.IsPaused:
		return "paused"
	default:
		return "active"
	}
}
