package applications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tutorlink/portal/internal/auth"
)

// ErrLinkageLookupFailed indicates that application storage could not be queried.
// Callers treat it as no linkage.
var ErrLinkageLookupFailed = errors.New("applications: linkage lookup failed")

// LinkageSource records which hint produced a linkage.
type LinkageSource string

const (
	LinkageNone     LinkageSource = ""
	LinkageExplicit LinkageSource = "explicit"
	LinkageMetadata LinkageSource = "metadata"
	LinkageEmail    LinkageSource = "email"
)

// Linkage is the application an identity should complete onboarding against.
type Linkage struct {
	Application ProvisionalApplication
	Source      LinkageSource
}

// Found reports whether an application was linked.
func (l Linkage) Found() bool {
	return l.Source != LinkageNone
}

// ApplicationID returns the linked application id or an empty string.
func (l Linkage) ApplicationID() string {
	if !l.Found() {
		return ""
	}
	return l.Application.ID
}

// ApplicationReader is the read side of application storage used for linkage.
type ApplicationReader interface {
	FindByID(ctx context.Context, id string) (ProvisionalApplication, error)
	LatestUnclaimedByEmail(ctx context.Context, email string) (ProvisionalApplication, error)
}

// LinkageResolver finds the provisional application an identity signed up for.
// It never writes; claiming is Store.Claim.
type LinkageResolver struct {
	reader ApplicationReader
}

// NewLinkageResolver constructs a LinkageResolver.
func NewLinkageResolver(reader ApplicationReader) *LinkageResolver {
	return &LinkageResolver{reader: reader}
}

// Resolve checks, in order, the explicit id from the request, the id recorded in identity
// metadata and the latest unclaimed application for the identity email. Ids that point at
// a claimed application or one registered to another email are skipped.
func (r *LinkageResolver) Resolve(ctx context.Context, identity auth.Identity, explicitID string) (Linkage, error) {
	email := auth.NormalizeEmail(identity.Email)
	hints := []struct {
		id     string
		source LinkageSource
	}{
		{id: strings.TrimSpace(explicitID), source: LinkageExplicit},
		{id: strings.TrimSpace(identity.Metadata.ApplicationID), source: LinkageMetadata},
	}
	for _, hint := range hints {
		if hint.id == "" {
			continue
		}
		application, err := r.reader.FindByID(ctx, hint.id)
		if errors.Is(err, ErrApplicationNotFound) {
			continue
		}
		if err != nil {
			return Linkage{}, fmt.Errorf("%w: %v", ErrLinkageLookupFailed, err)
		}
		if application.Claimed() || auth.NormalizeEmail(application.Email) != email {
			continue
		}
		return Linkage{Application: application, Source: hint.source}, nil
	}

	if email == "" {
		return Linkage{}, nil
	}
	application, err := r.reader.LatestUnclaimedByEmail(ctx, email)
	if errors.Is(err, ErrApplicationNotFound) {
		return Linkage{}, nil
	}
	if err != nil {
		return Linkage{}, fmt.Errorf("%w: %v", ErrLinkageLookupFailed, err)
	}
	return Linkage{Application: application, Source: LinkageEmail}, nil
}
