package matching

import (
	"time"

	"github.com/tutorlink/portal/internal/applications"
	"github.com/tutorlink/portal/internal/users"
)

// LeadStatus tracks a tutoring request through matching.
type LeadStatus string

const (
	LeadOpen     LeadStatus = "open"
	LeadAssigned LeadStatus = "assigned"
	LeadClosed   LeadStatus = "closed"
)

// AssignmentStatus tracks a teacher's answer to a proposed lead.
type AssignmentStatus string

const (
	AssignmentProposed AssignmentStatus = "proposed"
	AssignmentAccepted AssignmentStatus = "accepted"
	AssignmentDeclined AssignmentStatus = "declined"
)

// Lead is a parent's request for a tutor.
type Lead struct {
	ID          string     `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	ParentID    string     `gorm:"column:parent_id;size:190;not null;index" json:"parent_id"`
	StudentName string     `gorm:"column:student_name;size:320;not null" json:"student_name"`
	Subject     string     `gorm:"column:subject;size:190;not null" json:"subject"`
	GradeLevel  string     `gorm:"column:grade_level;size:64" json:"grade_level"`
	Notes       string     `gorm:"column:notes;type:text" json:"notes"`
	Status      LeadStatus `gorm:"column:status;size:16;not null;index" json:"status"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Lead) TableName() string {
	return "leads"
}

// Assignment proposes a lead to a teacher. A teacher is proposed a lead at most once.
type Assignment struct {
	ID        string           `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	LeadID    string           `gorm:"column:lead_id;size:64;not null;uniqueIndex:idx_assignments_lead_teacher" json:"lead_id"`
	TeacherID string           `gorm:"column:teacher_id;size:190;not null;uniqueIndex:idx_assignments_lead_teacher;index" json:"teacher_id"`
	Status    AssignmentStatus `gorm:"column:status;size:16;not null" json:"status"`
	CreatedAt time.Time        `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt time.Time        `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Assignment) TableName() string {
	return "assignments"
}

// Notification is an in-app message for one recipient.
type Notification struct {
	ID          string     `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	RecipientID string     `gorm:"column:recipient_id;size:190;not null;index" json:"recipient_id"`
	Kind        string     `gorm:"column:kind;size:64;not null" json:"kind"`
	Body        string     `gorm:"column:body;type:text;not null" json:"body"`
	ReadAt      *time.Time `gorm:"column:read_at" json:"read_at,omitempty"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null;index" json:"created_at"`
}

func (Notification) TableName() string {
	return "notifications"
}

// Message is a chat line between the parent and teacher of an assignment.
type Message struct {
	ID           string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	AssignmentID string    `gorm:"column:assignment_id;size:64;not null;index" json:"assignment_id"`
	SenderID     string    `gorm:"column:sender_id;size:190;not null" json:"sender_id"`
	Body         string    `gorm:"column:body;type:text;not null" json:"body"`
	CreatedAt    time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}

// Models lists every table owned by this package, for schema migration.
func Models() []any {
	return []any{&Lead{}, &Assignment{}, &Notification{}, &Message{}}
}

// LeadInput is a parent's new tutoring request.
type LeadInput struct {
	StudentName string
	Subject     string
	GradeLevel  string
	Notes       string
}

// AssignmentView joins an assignment with its lead.
type AssignmentView struct {
	Assignment Assignment `json:"assignment"`
	Lead       Lead       `json:"lead"`
}

// LeadView joins a lead with the assignments proposed for it.
type LeadView struct {
	Lead        Lead         `json:"lead"`
	Assignments []Assignment `json:"assignments"`
}

// ParentSummary joins a parent profile with the parent's leads.
type ParentSummary struct {
	Profile users.Profile `json:"profile"`
	Leads   []Lead        `json:"leads"`
}

// AdminDashboard is the admin landing page.
type AdminDashboard struct {
	OpenLeads           []Lead                                `json:"open_leads"`
	Teachers            []users.Profile                       `json:"teachers"`
	PendingApplications []applications.ProvisionalApplication `json:"pending_applications"`
}

// TeacherDashboard is a teacher's landing page.
type TeacherDashboard struct {
	Assignments []AssignmentView `json:"assignments"`
	Unread      int64            `json:"unread"`
}

// ParentDashboard is a parent's landing page.
type ParentDashboard struct {
	Leads  []LeadView `json:"leads"`
	Unread int64      `json:"unread"`
}
