package domain

import "time"

// Role is a named bundle of permissions resolvable through a RoleResolver
// (see internal/credential/rolestore). The gateway never issues or
// assigns roles to end users — that belongs to the out-of-scope identity
// provider — it only resolves a role name to its permission set.
type Role struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name" validate:"required,min=1,max=100"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}
