package models

import "time"

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationExpired  InvitationStatus = "expired"
)

// GroupInvitation is an invite to join a family group. Accepting one creates
// a membership with the default role (member); the invitee never picks a role.
type GroupInvitation struct {
	ID         string           `json:"id" db:"id"`
	GroupID    string           `json:"group_id" db:"group_id"`
	Email      string           `json:"email" db:"email"`
	InviterID  string           `json:"inviter_id" db:"inviter_id"`
	Token      string           `json:"token" db:"token"`
	Status     InvitationStatus `json:"status" db:"status"`
	ExpiresAt  time.Time        `json:"expires_at" db:"expires_at"`
	AcceptedBy *string          `json:"accepted_by,omitempty" db:"accepted_by"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at" db:"updated_at"`
}
