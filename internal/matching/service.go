package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tutorlink/portal/internal/applications"
	"github.com/tutorlink/portal/internal/auth"
	"github.com/tutorlink/portal/internal/mailer"
	"github.com/tutorlink/portal/internal/notifications"
	"github.com/tutorlink/portal/internal/users"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	ErrNotFound     = errors.New("matching: not found")
	ErrForbidden    = errors.New("matching: forbidden")
	ErrConflict     = errors.New("matching: conflict")
	ErrInvalidInput = errors.New("matching: invalid input")

	errMissingDatabase  = errors.New("database handle is required")
	errMissingDirectory = errors.New("profile directory is required")
	noOpLogger          = zap.NewNop()
)

const (
	maxShortField    = 190
	maxMessageBody   = 4000
	notifyLeadNew    = "lead_assigned"
	notifyAccepted   = "assignment_accepted"
	notifyDeclined   = "assignment_declined"
	notifyNewMessage = "message_received"
)

// ServiceError carries a dotted `operation.reason` code and the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "matching.service.new"
	opCreateLead      = "matching.create_lead"
	opAssignTeacher   = "matching.assign_teacher"
	opRespond         = "matching.respond"
	opAdminDashboard  = "matching.admin_dashboard"
	opParentDashboard = "matching.parent_dashboard"
	opTeacherBoard    = "matching.teacher_dashboard"
	opParentOverview  = "matching.parent_overview"
	opListMessages    = "matching.list_messages"
	opPostMessage     = "matching.post_message"
	opNotifications   = "matching.notifications"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// ProfileDirectory resolves application profiles.
type ProfileDirectory interface {
	FindProfile(ctx context.Context, identityID string) (users.Profile, error)
	ListByRole(ctx context.Context, role auth.Role) ([]users.Profile, error)
}

// ApplicationLister lists intake applications.
type ApplicationLister interface {
	List(ctx context.Context, filter applications.ListFilter) ([]applications.ProvisionalApplication, error)
}

// Publisher pushes live events to connected clients.
type Publisher interface {
	Publish(event notifications.Event)
}

// Participant is the caller of a conversation operation.
type Participant struct {
	ID   string
	Role auth.Role
}

type ServiceConfig struct {
	Database     *gorm.DB
	Directory    ProfileDirectory
	Applications ApplicationLister
	Publisher    Publisher
	Mailer       mailer.Sender
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Service implements lead intake, teacher matching, messaging and notifications.
type Service struct {
	db           *gorm.DB
	directory    ProfileDirectory
	applications ApplicationLister
	publisher    Publisher
	mailer       mailer.Sender
	clock        func() time.Time
	logger       *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Directory == nil {
		return nil, newServiceError(opServiceNew, "missing_directory", errMissingDirectory)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:           cfg.Database,
		directory:    cfg.Directory,
		applications: cfg.Applications,
		publisher:    cfg.Publisher,
		mailer:       cfg.Mailer,
		clock:        clock,
		logger:       logger,
	}, nil
}

// CreateLead records a parent's tutoring request.
func (s *Service) CreateLead(ctx context.Context, parentID string, input LeadInput) (Lead, error) {
	input.StudentName = strings.TrimSpace(input.StudentName)
	input.Subject = strings.TrimSpace(input.Subject)
	if input.StudentName == "" || input.Subject == "" {
		return Lead{}, newServiceError(opCreateLead, "invalid_input", fmt.Errorf("%w: student name and subject required", ErrInvalidInput))
	}
	if len(input.StudentName) > maxShortField || len(input.Subject) > maxShortField || len(input.GradeLevel) > 64 {
		return Lead{}, newServiceError(opCreateLead, "invalid_input", fmt.Errorf("%w: field too long", ErrInvalidInput))
	}
	now := s.clock().UTC()
	lead := Lead{
		ID:          newID(),
		ParentID:    parentID,
		StudentName: input.StudentName,
		Subject:     input.Subject,
		GradeLevel:  strings.TrimSpace(input.GradeLevel),
		Notes:       strings.TrimSpace(input.Notes),
		Status:      LeadOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&lead).Error; err != nil {
		s.logError(opCreateLead, "insert_failed", err, zap.String("parent_id", parentID))
		return Lead{}, newServiceError(opCreateLead, "insert_failed", err)
	}
	return lead, nil
}

// AssignTeacher proposes an open lead to a teacher, notifies the teacher in-app and
// emails them. Email delivery failures are logged and do not fail the assignment.
func (s *Service) AssignTeacher(ctx context.Context, leadID, teacherID string) (Assignment, error) {
	teacher, err := s.directory.FindProfile(ctx, teacherID)
	if errors.Is(err, users.ErrProfileNotFound) || (err == nil && teacher.Role != auth.RoleTeacher) {
		return Assignment{}, newServiceError(opAssignTeacher, "teacher_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opAssignTeacher, "teacher_lookup_failed", err, zap.String("teacher_id", teacherID))
		return Assignment{}, newServiceError(opAssignTeacher, "teacher_lookup_failed", err)
	}

	var (
		assignment   Assignment
		lead         Lead
		notification Notification
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", leadID).Take(&lead).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opAssignTeacher, "lead_not_found", ErrNotFound)
			}
			return newServiceError(opAssignTeacher, "lead_select_failed", err)
		}
		if lead.Status == LeadClosed {
			return newServiceError(opAssignTeacher, "lead_closed", ErrConflict)
		}
		var existing int64
		if err := tx.Model(&Assignment{}).
			Where("lead_id = ? AND teacher_id = ?", leadID, teacherID).
			Count(&existing).Error; err != nil {
			return newServiceError(opAssignTeacher, "assignment_select_failed", err)
		}
		if existing > 0 {
			return newServiceError(opAssignTeacher, "already_assigned", ErrConflict)
		}

		now := s.clock().UTC()
		assignment = Assignment{
			ID:        newID(),
			LeadID:    leadID,
			TeacherID: teacherID,
			Status:    AssignmentProposed,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&assignment).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return newServiceError(opAssignTeacher, "already_assigned", ErrConflict)
			}
			return newServiceError(opAssignTeacher, "assignment_insert_failed", err)
		}
		if err := tx.Model(&Lead{}).Where("id = ?", leadID).
			Updates(map[string]any{"status": LeadAssigned, "updated_at": now}).Error; err != nil {
			return newServiceError(opAssignTeacher, "lead_update_failed", err)
		}
		notification, err = s.insertNotification(tx, teacherID, notifyLeadNew,
			fmt.Sprintf("You have been proposed a %s student: %s.", lead.Subject, lead.StudentName))
		if err != nil {
			return newServiceError(opAssignTeacher, "notification_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !isCallerError(txErr) {
			s.logError(opAssignTeacher, "transaction_failed", txErr,
				zap.String("lead_id", leadID),
				zap.String("teacher_id", teacherID))
		}
		return Assignment{}, txErr
	}

	s.publish(notification)
	if s.mailer != nil && teacher.Email != "" {
		message := mailer.Message{
			To:      teacher.Email,
			Subject: "New tutoring request",
			Text:    fmt.Sprintf("A new %s student (%s) has been proposed to you. Sign in to respond.", lead.Subject, lead.StudentName),
		}
		if err := s.mailer.Send(ctx, message); err != nil {
			s.loggerOrDefault().Warn("assignment email failed",
				zap.String("operation", opAssignTeacher),
				zap.String("teacher_id", teacherID),
				zap.Error(err))
		}
	}
	return assignment, nil
}

// RespondToAssignment records a teacher's answer. A decline reopens the lead when no
// other live proposal remains.
func (s *Service) RespondToAssignment(ctx context.Context, teacherID, assignmentID string, accept bool) (Assignment, error) {
	var (
		assignment   Assignment
		notification Notification
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", assignmentID).Take(&assignment).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opRespond, "assignment_not_found", ErrNotFound)
			}
			return newServiceError(opRespond, "assignment_select_failed", err)
		}
		if assignment.TeacherID != teacherID {
			return newServiceError(opRespond, "not_assignee", ErrForbidden)
		}
		if assignment.Status != AssignmentProposed {
			return newServiceError(opRespond, "already_answered", ErrConflict)
		}
		var lead Lead
		if err := tx.Where("id = ?", assignment.LeadID).Take(&lead).Error; err != nil {
			return newServiceError(opRespond, "lead_select_failed", err)
		}

		now := s.clock().UTC()
		assignment.Status = AssignmentDeclined
		kind := notifyDeclined
		body := fmt.Sprintf("A teacher declined the request for %s.", lead.StudentName)
		if accept {
			assignment.Status = AssignmentAccepted
			kind = notifyAccepted
			body = fmt.Sprintf("A teacher accepted the request for %s.", lead.StudentName)
		}
		assignment.UpdatedAt = now
		if err := tx.Model(&Assignment{}).Where("id = ?", assignment.ID).
			Updates(map[string]any{"status": assignment.Status, "updated_at": now}).Error; err != nil {
			return newServiceError(opRespond, "assignment_update_failed", err)
		}

		if !accept {
			var live int64
			if err := tx.Model(&Assignment{}).
				Where("lead_id = ? AND status <> ?", lead.ID, AssignmentDeclined).
				Count(&live).Error; err != nil {
				return newServiceError(opRespond, "assignment_count_failed", err)
			}
			if live == 0 && lead.Status == LeadAssigned {
				if err := tx.Model(&Lead{}).Where("id = ?", lead.ID).
					Updates(map[string]any{"status": LeadOpen, "updated_at": now}).Error; err != nil {
					return newServiceError(opRespond, "lead_update_failed", err)
				}
			}
		}

		var err error
		notification, err = s.insertNotification(tx, lead.ParentID, kind, body)
		if err != nil {
			return newServiceError(opRespond, "notification_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !isCallerError(txErr) {
			s.logError(opRespond, "transaction_failed", txErr, zap.String("assignment_id", assignmentID))
		}
		return Assignment{}, txErr
	}
	s.publish(notification)
	return assignment, nil
}

// AdminDashboard loads open leads, teachers and pending applications concurrently.
func (s *Service) AdminDashboard(ctx context.Context) (AdminDashboard, error) {
	var dashboard AdminDashboard
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.db.WithContext(groupCtx).
			Where("status = ?", LeadOpen).
			Order("created_at ASC").
			Find(&dashboard.OpenLeads).Error
	})
	group.Go(func() error {
		teachers, err := s.directory.ListByRole(groupCtx, auth.RoleTeacher)
		dashboard.Teachers = teachers
		return err
	})
	group.Go(func() error {
		if s.applications == nil {
			return nil
		}
		pending, err := s.applications.List(groupCtx, applications.ListFilter{Status: applications.StatusPending})
		dashboard.PendingApplications = pending
		return err
	})
	if err := group.Wait(); err != nil {
		s.logError(opAdminDashboard, "query_failed", err)
		return AdminDashboard{}, newServiceError(opAdminDashboard, "query_failed", err)
	}
	return dashboard, nil
}

// ParentOverview lists every parent with their leads.
func (s *Service) ParentOverview(ctx context.Context) ([]ParentSummary, error) {
	parents, err := s.directory.ListByRole(ctx, auth.RoleParent)
	if err != nil {
		s.logError(opParentOverview, "profile_query_failed", err)
		return nil, newServiceError(opParentOverview, "profile_query_failed", err)
	}
	var leads []Lead
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&leads).Error; err != nil {
		s.logError(opParentOverview, "lead_query_failed", err)
		return nil, newServiceError(opParentOverview, "lead_query_failed", err)
	}
	byParent := make(map[string][]Lead, len(parents))
	for _, lead := range leads {
		byParent[lead.ParentID] = append(byParent[lead.ParentID], lead)
	}
	summaries := make([]ParentSummary, 0, len(parents))
	for _, parent := range parents {
		summaries = append(summaries, ParentSummary{Profile: parent, Leads: byParent[parent.ID]})
	}
	return summaries, nil
}

// TeacherDashboard lists the teacher's assignments, newest first.
func (s *Service) TeacherDashboard(ctx context.Context, teacherID string) (TeacherDashboard, error) {
	var assignments []Assignment
	if err := s.db.WithContext(ctx).
		Where("teacher_id = ?", teacherID).
		Order("created_at DESC").
		Find(&assignments).Error; err != nil {
		s.logError(opTeacherBoard, "assignment_query_failed", err, zap.String("teacher_id", teacherID))
		return TeacherDashboard{}, newServiceError(opTeacherBoard, "assignment_query_failed", err)
	}
	leadIDs := make([]string, 0, len(assignments))
	for _, assignment := range assignments {
		leadIDs = append(leadIDs, assignment.LeadID)
	}
	leads, err := s.leadsByID(ctx, leadIDs)
	if err != nil {
		s.logError(opTeacherBoard, "lead_query_failed", err, zap.String("teacher_id", teacherID))
		return TeacherDashboard{}, newServiceError(opTeacherBoard, "lead_query_failed", err)
	}
	dashboard := TeacherDashboard{Assignments: make([]AssignmentView, 0, len(assignments))}
	for _, assignment := range assignments {
		dashboard.Assignments = append(dashboard.Assignments, AssignmentView{Assignment: assignment, Lead: leads[assignment.LeadID]})
	}
	dashboard.Unread, err = s.unreadCount(ctx, teacherID)
	if err != nil {
		return TeacherDashboard{}, newServiceError(opTeacherBoard, "unread_query_failed", err)
	}
	return dashboard, nil
}

// ParentDashboard lists the parent's leads with their proposals.
func (s *Service) ParentDashboard(ctx context.Context, parentID string) (ParentDashboard, error) {
	var leads []Lead
	if err := s.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("created_at DESC").
		Find(&leads).Error; err != nil {
		s.logError(opParentDashboard, "lead_query_failed", err, zap.String("parent_id", parentID))
		return ParentDashboard{}, newServiceError(opParentDashboard, "lead_query_failed", err)
	}
	leadIDs := make([]string, 0, len(leads))
	for _, lead := range leads {
		leadIDs = append(leadIDs, lead.ID)
	}
	var assignments []Assignment
	if len(leadIDs) > 0 {
		if err := s.db.WithContext(ctx).
			Where("lead_id IN ?", leadIDs).
			Order("created_at ASC").
			Find(&assignments).Error; err != nil {
			s.logError(opParentDashboard, "assignment_query_failed", err, zap.String("parent_id", parentID))
			return ParentDashboard{}, newServiceError(opParentDashboard, "assignment_query_failed", err)
		}
	}
	byLead := make(map[string][]Assignment, len(leads))
	for _, assignment := range assignments {
		byLead[assignment.LeadID] = append(byLead[assignment.LeadID], assignment)
	}
	dashboard := ParentDashboard{Leads: make([]LeadView, 0, len(leads))}
	for _, lead := range leads {
		dashboard.Leads = append(dashboard.Leads, LeadView{Lead: lead, Assignments: byLead[lead.ID]})
	}
	unread, err := s.unreadCount(ctx, parentID)
	if err != nil {
		return ParentDashboard{}, newServiceError(opParentDashboard, "unread_query_failed", err)
	}
	dashboard.Unread = unread
	return dashboard, nil
}

// ListMessages returns the conversation of an assignment, oldest first.
func (s *Service) ListMessages(ctx context.Context, participant Participant, assignmentID string) ([]Message, error) {
	if _, _, err := s.conversationParties(ctx, opListMessages, participant, assignmentID); err != nil {
		return nil, err
	}
	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("assignment_id = ?", assignmentID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&messages).Error; err != nil {
		s.logError(opListMessages, "query_failed", err, zap.String("assignment_id", assignmentID))
		return nil, newServiceError(opListMessages, "query_failed", err)
	}
	return messages, nil
}

// PostMessage appends to an assignment conversation and notifies the other party.
func (s *Service) PostMessage(ctx context.Context, participant Participant, assignmentID, body string) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" || len(body) > maxMessageBody {
		return Message{}, newServiceError(opPostMessage, "invalid_body", ErrInvalidInput)
	}
	teacherID, parentID, err := s.conversationParties(ctx, opPostMessage, participant, assignmentID)
	if err != nil {
		return Message{}, err
	}

	message := Message{
		ID:           newID(),
		AssignmentID: assignmentID,
		SenderID:     participant.ID,
		Body:         body,
		CreatedAt:    s.clock().UTC(),
	}
	var pending []Notification
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&message).Error; err != nil {
			return newServiceError(opPostMessage, "insert_failed", err)
		}
		for _, recipient := range []string{teacherID, parentID} {
			if recipient == participant.ID {
				continue
			}
			notification, err := s.insertNotification(tx, recipient, notifyNewMessage, "You have a new message.")
			if err != nil {
				return newServiceError(opPostMessage, "notification_insert_failed", err)
			}
			pending = append(pending, notification)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opPostMessage, "transaction_failed", txErr, zap.String("assignment_id", assignmentID))
		return Message{}, txErr
	}
	for _, notification := range pending {
		s.publish(notification)
	}
	return message, nil
}

// ListNotifications returns the recipient's notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool) ([]Notification, error) {
	query := s.db.WithContext(ctx).Where("recipient_id = ?", recipientID)
	if unreadOnly {
		query = query.Where("read_at IS NULL")
	}
	var notifications []Notification
	if err := query.Order("created_at DESC").Limit(100).Find(&notifications).Error; err != nil {
		s.logError(opNotifications, "query_failed", err, zap.String("recipient_id", recipientID))
		return nil, newServiceError(opNotifications, "query_failed", err)
	}
	return notifications, nil
}

// MarkNotificationRead marks one of the recipient's notifications as read.
func (s *Service) MarkNotificationRead(ctx context.Context, recipientID, notificationID string) error {
	result := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("id = ? AND recipient_id = ? AND read_at IS NULL", notificationID, recipientID).
		Update("read_at", s.clock().UTC())
	if result.Error != nil {
		s.logError(opNotifications, "update_failed", result.Error, zap.String("notification_id", notificationID))
		return newServiceError(opNotifications, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&Notification{}).
			Where("id = ? AND recipient_id = ?", notificationID, recipientID).
			Count(&count).Error; err != nil {
			return newServiceError(opNotifications, "select_failed", err)
		}
		if count == 0 {
			return newServiceError(opNotifications, "not_found", ErrNotFound)
		}
	}
	return nil
}

func (s *Service) conversationParties(ctx context.Context, operation string, participant Participant, assignmentID string) (string, string, error) {
	var assignment Assignment
	if err := s.db.WithContext(ctx).Where("id = ?", assignmentID).Take(&assignment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", newServiceError(operation, "assignment_not_found", ErrNotFound)
		}
		s.logError(operation, "assignment_select_failed", err, zap.String("assignment_id", assignmentID))
		return "", "", newServiceError(operation, "assignment_select_failed", err)
	}
	var lead Lead
	if err := s.db.WithContext(ctx).Where("id = ?", assignment.LeadID).Take(&lead).Error; err != nil {
		s.logError(operation, "lead_select_failed", err, zap.String("assignment_id", assignmentID))
		return "", "", newServiceError(operation, "lead_select_failed", err)
	}
	if participant.Role != auth.RoleAdmin && participant.ID != assignment.TeacherID && participant.ID != lead.ParentID {
		return "", "", newServiceError(operation, "not_participant", ErrForbidden)
	}
	return assignment.TeacherID, lead.ParentID, nil
}

func (s *Service) leadsByID(ctx context.Context, ids []string) (map[string]Lead, error) {
	leads := make(map[string]Lead, len(ids))
	if len(ids) == 0 {
		return leads, nil
	}
	var rows []Lead
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, lead := range rows {
		leads[lead.ID] = lead
	}
	return leads, nil
}

func (s *Service) unreadCount(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("recipient_id = ? AND read_at IS NULL", recipientID).
		Count(&count).Error
	return count, err
}

func (s *Service) insertNotification(tx *gorm.DB, recipientID, kind, body string) (Notification, error) {
	notification := Notification{
		ID:          newID(),
		RecipientID: recipientID,
		Kind:        kind,
		Body:        body,
		CreatedAt:   s.clock().UTC(),
	}
	return notification, tx.Create(&notification).Error
}

func (s *Service) publish(notification Notification) {
	if s.publisher == nil || notification.ID == "" {
		return
	}
	s.publisher.Publish(notifications.Event{
		RecipientID:    notification.RecipientID,
		Type:           notifications.EventNotification,
		NotificationID: notification.ID,
		Kind:           notification.Kind,
		Body:           notification.Body,
		Timestamp:      notification.CreatedAt,
	})
}

// isCallerError reports whether err stems from the request rather than from storage.
func isCallerError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidInput)
}

func newID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return value.String()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("matching service error", attrs...)
}
