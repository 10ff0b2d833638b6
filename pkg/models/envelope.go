package models

import "time"

// EditMode controls whether non-creator members may modify a resource.
type EditMode string

const (
	EditModePrivate EditMode = "private"
	EditModePublic  EditMode = "public"
)

// Envelope is the common shape every governed resource carries.
// GroupID and CreatedBy are immutable after creation. UpdatedBy and
// UpdatedAt are stamped server-side on every successful update; values
// supplied by clients for those two fields are never trusted.
type Envelope struct {
	GroupID   string    `json:"group_id" db:"group_id"`
	CreatedBy string    `json:"created_by" db:"created_by"`
	EditMode  *EditMode `json:"edit_mode,omitempty" db:"edit_mode"`
	UpdatedBy string    `json:"updated_by,omitempty" db:"updated_by"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EffectiveEditMode resolves a missing edit_mode to public. Resources created
// before the flag existed have no stored value and behave as public for
// modification; deletion never consults the flag.
func (e Envelope) EffectiveEditMode() EditMode {
	if e.EditMode == nil {
		return EditModePublic
	}
	return *e.EditMode
}
