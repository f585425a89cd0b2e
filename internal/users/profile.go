package users

import (
	"strings"
	"time"

	"github.com/tutorlink/portal/internal/auth"
)

// Profile is the application-level record for an authenticated identity.
// Its primary key is the provider identity id.
type Profile struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Role      auth.Role `gorm:"column:role;size:16;not null;index" json:"role"`
	FullName  string    `gorm:"column:full_name;size:320" json:"full_name"`
	Email     string    `gorm:"column:email;size:320;index" json:"email"`
	Phone     string    `gorm:"column:phone;size:64" json:"phone"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName exposes the table backing profiles.
func (Profile) TableName() string {
	return "profiles"
}

// ContactUpdate carries the fields a user may change on their own profile.
type ContactUpdate struct {
	FullName string
	Phone    string
}

func (u ContactUpdate) normalized() ContactUpdate {
	return ContactUpdate{
		FullName: strings.TrimSpace(u.FullName),
		Phone:    strings.TrimSpace(u.Phone),
	}
}
