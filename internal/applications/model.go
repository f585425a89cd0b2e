package applications

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes teacher applications from parent enquiries.
type Kind string

const (
	KindTeacher Kind = "teacher"
	KindParent  Kind = "parent"
)

// Status tracks the review state of an application.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

var (
	ErrInvalidKind   = errors.New("applications: invalid kind")
	ErrInvalidStatus = errors.New("applications: invalid status")
)

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindTeacher:
		return KindTeacher, nil
	case KindParent:
		return KindParent, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
	}
}

// ParseStatus validates raw input and returns a Status.
func ParseStatus(rawInput string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(rawInput))) {
	case StatusPending:
		return StatusPending, nil
	case StatusApproved:
		return StatusApproved, nil
	case StatusRejected:
		return StatusRejected, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// ProvisionalApplication is an intake submission awaiting account linkage.
type ProvisionalApplication struct {
	ID              string     `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	Kind            Kind       `gorm:"column:kind;size:16;not null" json:"kind"`
	Email           string     `gorm:"column:email;size:320;not null;index" json:"email"`
	FullName        string     `gorm:"column:full_name;size:320" json:"full_name"`
	Phone           string     `gorm:"column:phone;size:64" json:"phone"`
	Status          Status     `gorm:"column:status;size:16;not null;index" json:"status"`
	ApplicationDate time.Time  `gorm:"column:application_date;not null;index" json:"application_date"`
	PayloadJSON     string     `gorm:"column:payload_json;type:text" json:"-"`
	ClaimedBy       *string    `gorm:"column:claimed_by;size:190" json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
}

// TableName exposes the table backing provisional applications.
func (ProvisionalApplication) TableName() string {
	return "provisional_applications"
}

// Claimed reports whether an account has already consumed the application.
func (a ProvisionalApplication) Claimed() bool {
	return a.ClaimedBy != nil && *a.ClaimedBy != ""
}

// Submission is the validated intake form used to create an application.
type Submission struct {
	Kind     Kind
	Email    string
	FullName string
	Phone    string
	Details  map[string]any
}
