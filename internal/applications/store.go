package applications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tutorlink/portal/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrApplicationNotFound indicates that no application has the requested id.
	ErrApplicationNotFound = errors.New("applications: application not found")
	// ErrClaimRejected indicates the application is already claimed or belongs to another email.
	ErrClaimRejected = errors.New("applications: claim rejected")
	// ErrInvalidSubmission indicates an intake submission that cannot be stored.
	ErrInvalidSubmission = errors.New("applications: invalid submission")
)

// StoreConfig describes the dependencies of Store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store persists provisional applications.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("applications: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Create stores a new pending application.
func (s *Store) Create(ctx context.Context, submission Submission) (ProvisionalApplication, error) {
	email := auth.NormalizeEmail(submission.Email)
	if email == "" {
		return ProvisionalApplication{}, fmt.Errorf("%w: email required", ErrInvalidSubmission)
	}
	if _, err := ParseKind(string(submission.Kind)); err != nil {
		return ProvisionalApplication{}, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	payload := "{}"
	if len(submission.Details) > 0 {
		encoded, err := json.Marshal(submission.Details)
		if err != nil {
			return ProvisionalApplication{}, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
		}
		payload = string(encoded)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return ProvisionalApplication{}, err
	}

	application := ProvisionalApplication{
		ID:              id,
		Kind:            submission.Kind,
		Email:           email,
		FullName:        strings.TrimSpace(submission.FullName),
		Phone:           strings.TrimSpace(submission.Phone),
		Status:          StatusPending,
		ApplicationDate: s.clock().UTC(),
		PayloadJSON:     payload,
	}
	if err := s.db.WithContext(ctx).Create(&application).Error; err != nil {
		s.logger.Error("application insert failed",
			zap.String("operation", "applications.create"),
			zap.String("reason", "insert_failed"),
			zap.Error(err))
		return ProvisionalApplication{}, err
	}
	return application, nil
}

// FindByID loads an application by id.
func (s *Store) FindByID(ctx context.Context, id string) (ProvisionalApplication, error) {
	var application ProvisionalApplication
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).Take(&application).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ProvisionalApplication{}, ErrApplicationNotFound
	}
	if err != nil {
		return ProvisionalApplication{}, err
	}
	return application, nil
}

// LatestUnclaimedByEmail returns the most recent unclaimed application for the email.
// Equal application dates are ordered by id.
func (s *Store) LatestUnclaimedByEmail(ctx context.Context, email string) (ProvisionalApplication, error) {
	normalized := auth.NormalizeEmail(email)
	if normalized == "" {
		return ProvisionalApplication{}, ErrApplicationNotFound
	}
	var application ProvisionalApplication
	err := s.db.WithContext(ctx).
		Where("email = ? AND claimed_by IS NULL", normalized).
		Order("application_date DESC").
		Order("id DESC").
		Take(&application).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ProvisionalApplication{}, ErrApplicationNotFound
	}
	if err != nil {
		return ProvisionalApplication{}, err
	}
	return application, nil
}

// Claim marks the application as consumed by the identity. The update only matches an
// unclaimed row with the identity's email, so two concurrent claims cannot both succeed.
func (s *Store) Claim(ctx context.Context, applicationID string, identity auth.Identity) error {
	claimedAt := s.clock().UTC()
	result := s.db.WithContext(ctx).
		Model(&ProvisionalApplication{}).
		Where("id = ? AND claimed_by IS NULL AND email = ?", strings.TrimSpace(applicationID), auth.NormalizeEmail(identity.Email)).
		Updates(map[string]any{
			"claimed_by": identity.ID,
			"claimed_at": claimedAt,
		})
	if result.Error != nil {
		s.logger.Error("application claim failed",
			zap.String("operation", "applications.claim"),
			zap.String("reason", "update_failed"),
			zap.String("application_id", applicationID),
			zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrClaimRejected
	}
	return nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status Status
	Kind   Kind
}

// List returns applications newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]ProvisionalApplication, error) {
	query := s.db.WithContext(ctx).Model(&ProvisionalApplication{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	var applications []ProvisionalApplication
	if err := query.Order("application_date DESC").Order("id DESC").Find(&applications).Error; err != nil {
		return nil, err
	}
	return applications, nil
}

// UpdateStatus records an admin review decision.
func (s *Store) UpdateStatus(ctx context.Context, applicationID string, status Status) (ProvisionalApplication, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return ProvisionalApplication{}, err
	}
	result := s.db.WithContext(ctx).
		Model(&ProvisionalApplication{}).
		Where("id = ?", applicationID).
		Update("status", status)
	if result.Error != nil {
		return ProvisionalApplication{}, result.Error
	}
	if result.RowsAffected == 0 {
		return ProvisionalApplication{}, ErrApplicationNotFound
	}
	return s.FindByID(ctx, applicationID)
}
