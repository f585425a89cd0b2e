package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tutorlink/portal/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrReconciliationFailed indicates that a profile could not be read or written for an identity.
	ErrReconciliationFailed = errors.New("users: reconciliation failed")
	// ErrInvalidMetadata indicates identity metadata that cannot seed a profile.
	ErrInvalidMetadata = errors.New("users: invalid identity metadata")
	// ErrProfileNotFound indicates that no profile exists for the identity.
	ErrProfileNotFound = errors.New("users: profile not found")
	// ErrInvalidContact indicates contact details that are empty or too long.
	ErrInvalidContact = errors.New("users: invalid contact details")
)

const maxContactFieldLength = 320

// ServiceConfig describes the dependencies required for profile reconciliation.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maps provider identities onto application profiles.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Reconcile returns the profile for the identity, creating it on first sight.
// Creation is an insert that ignores primary-key conflicts followed by a re-read, so
// concurrent callers for the same identity observe the same single row. An existing
// profile keeps its role.
func (s *Service) Reconcile(ctx context.Context, identity auth.Identity) (Profile, error) {
	identityID := strings.TrimSpace(identity.ID)
	if identityID == "" {
		return Profile{}, fmt.Errorf("%w: %w", ErrReconciliationFailed, auth.ErrInvalidIdentity)
	}

	existing, err := s.FindProfile(ctx, identityID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		s.logger.Error("profile lookup failed",
			zap.String("operation", "users.reconcile"),
			zap.String("reason", "select_failed"),
			zap.String("user_id", identityID),
			zap.Error(err))
		return Profile{}, fmt.Errorf("%w: %w", ErrReconciliationFailed, err)
	}

	role, defaulted, err := identity.Metadata.ResolveRole()
	if err != nil {
		s.logger.Warn("profile metadata rejected",
			zap.String("operation", "users.reconcile"),
			zap.String("reason", "invalid_role"),
			zap.String("user_id", identityID),
			zap.String("role", identity.Metadata.RoleName))
		return Profile{}, fmt.Errorf("%w: %w: %v", ErrReconciliationFailed, ErrInvalidMetadata, err)
	}
	if defaulted {
		s.logger.Warn("profile role defaulted",
			zap.String("user_id", identityID),
			zap.String("email", auth.NormalizeEmail(identity.Email)),
			zap.String("role", role.String()))
	}

	timestamp := s.now().UTC()
	candidate := Profile{
		ID:        identityID,
		Role:      role,
		FullName:  strings.TrimSpace(identity.Metadata.FullName),
		Email:     auth.NormalizeEmail(identity.Email),
		CreatedAt: timestamp,
		UpdatedAt: timestamp,
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&candidate).Error; err != nil {
		s.logger.Error("profile insert failed",
			zap.String("operation", "users.reconcile"),
			zap.String("reason", "insert_failed"),
			zap.String("user_id", identityID),
			zap.Error(err))
		return Profile{}, fmt.Errorf("%w: %w", ErrReconciliationFailed, err)
	}

	stored, err := s.FindProfile(ctx, identityID)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %w", ErrReconciliationFailed, err)
	}
	return stored, nil
}

// FindProfile loads the profile keyed by the identity id.
func (s *Service) FindProfile(ctx context.Context, identityID string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).
		Where("id = ?", strings.TrimSpace(identityID)).
		Take(&profile).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// UpdateContact stores the caller-provided name and phone number.
func (s *Service) UpdateContact(ctx context.Context, identityID string, update ContactUpdate) (Profile, error) {
	update = update.normalized()
	if update.FullName == "" {
		return Profile{}, fmt.Errorf("%w: full name required", ErrInvalidContact)
	}
	if len(update.FullName) > maxContactFieldLength || len(update.Phone) > maxContactFieldLength {
		return Profile{}, fmt.Errorf("%w: field too long", ErrInvalidContact)
	}

	result := s.db.WithContext(ctx).
		Model(&Profile{}).
		Where("id = ?", identityID).
		Updates(map[string]any{
			"full_name":  update.FullName,
			"phone":      update.Phone,
			"updated_at": s.now().UTC(),
		})
	if result.Error != nil {
		return Profile{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Profile{}, ErrProfileNotFound
	}
	return s.FindProfile(ctx, identityID)
}

// ListByRole returns profiles with the role, ordered by name.
func (s *Service) ListByRole(ctx context.Context, role auth.Role) ([]Profile, error) {
	var profiles []Profile
	if err := s.db.WithContext(ctx).
		Where("role = ?", role).
		Order("full_name ASC").
		Order("id ASC").
		Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}
