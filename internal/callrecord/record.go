package callrecord

import (
	"fmt"
	"strings"
	"time"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func ParseMediaKind(raw string) (MediaKind, error) {
	switch MediaKind(strings.ToLower(strings.TrimSpace(raw))) {
	case MediaAudio:
		return MediaAudio, nil
	case MediaVideo:
		return MediaVideo, nil
	default:
		return "", fmt.Errorf("invalid media kind %q (expected %s or %s)", raw, MediaAudio, MediaVideo)
	}
}

type Status string

const (
	StatusRinging  Status = "ringing"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusEnded    Status = "ended"
)

// ParseStatus parses a status that a party may request. "ringing" is only
// ever assigned on creation and is rejected here.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusAccepted:
		return StatusAccepted, nil
	case StatusRejected:
		return StatusRejected, nil
	case StatusEnded:
		return StatusEnded, nil
	default:
		return "", fmt.Errorf("invalid status %q (expected %s, %s, or %s)", raw, StatusAccepted, StatusRejected, StatusEnded)
	}
}

// Terminal reports whether no further transition is valid from s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusEnded
}

// Record is the durable lifecycle entity of one call between two parties.
type Record struct {
	ID         string     `json:"callId"`
	CallerID   string     `json:"callerId"`
	ReceiverID string     `json:"receiverId"`
	MediaKind  MediaKind  `json:"mediaKind"`
	Status     Status     `json:"status"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsParty reports whether userID is the caller or the receiver.
func (r Record) IsParty(userID string) bool {
	return userID != "" && (userID == r.CallerID || userID == r.ReceiverID)
}

// PeerOf returns the opposing party of userID, or "" if userID is not a party.
func (r Record) PeerOf(userID string) string {
	switch userID {
	case r.CallerID:
		return r.ReceiverID
	case r.ReceiverID:
		return r.CallerID
	default:
		return ""
	}
}

// Transition moves r to status at now. Repeating the current status is a
// no-op and reports changed=false.
//
// startedAt is only set when entering accepted; endedAt only when entering
// rejected or ended. Terminal records never change again.
func (r Record) Transition(status Status, now time.Time) (next Record, changed bool, err error) {
	if r.Status == status {
		return r, false, nil
	}
	if r.Status.Terminal() {
		return r, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, status)
	}

	switch r.Status {
	case StatusRinging:
		if status != StatusAccepted && status != StatusRejected && status != StatusEnded {
			return r, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, status)
		}
	case StatusAccepted:
		if status != StatusEnded {
			return r, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, status)
		}
	default:
		return r, false, fmt.Errorf("%w: unknown current status %q", ErrInvalidTransition, r.Status)
	}

	now = now.UTC()
	next = r
	next.Status = status
	next.UpdatedAt = now
	switch status {
	case StatusAccepted:
		next.StartedAt = &now
	case StatusRejected, StatusEnded:
		next.EndedAt = &now
	}
	return next, true, nil
}

// CheckActor enforces who may request status: only the receiver accepts,
// either party may reject or end.
func (r Record) CheckActor(actorID string, status Status) error {
	if !r.IsParty(actorID) {
		return ErrForbidden
	}
	if status == StatusAccepted && actorID != r.ReceiverID {
		return fmt.Errorf("%w: only the receiver may accept", ErrForbidden)
	}
	return nil
}
