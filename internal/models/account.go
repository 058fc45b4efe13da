package models

import "time"

// Account roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Account statuses
const (
	AccountStatusActive   = "active"
	AccountStatusDeleting = "deleting"
	AccountStatusDeleted  = "deleted"
)

// Account is the portal identity that security state hangs off.
// Deleted accounts keep a scrubbed row so historical counts stay stable.
type Account struct {
	ID          string     `json:"id" db:"id"`
	Email       string     `json:"email" db:"email"`
	DisplayName string     `json:"displayName" db:"display_name"`
	Role        string     `json:"role" db:"role"`
	Status      string     `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty" db:"deleted_at"`
}

func (a *Account) IsDeleted() bool {
	return a.Status == AccountStatusDeleted
}

// IsActive is false from the moment a deletion starts.
func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

// AccountProfile is the export view of an account.
type AccountProfile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (a *Account) Profile() *AccountProfile {
	return &AccountProfile{
		ID:          a.ID,
		Email:       a.Email,
		DisplayName: a.DisplayName,
		Role:        a.Role,
		CreatedAt:   a.CreatedAt,
	}
}
