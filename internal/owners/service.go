package owners

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidProfile indicates the authenticated claims carried no usable subject.
var ErrInvalidProfile = errors.New("owners: invalid profile")

// ProfileAttributes carries the identity detail known at authentication time.
type ProfileAttributes struct {
	Subject     string
	Email       string
	DisplayName string
}

// ServiceConfig describes the dependencies required for the owner registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical owner identifiers. Existence checks are cached
// in-process because every collection operation performs one.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	known sync.Map
}

// NewService constructs the owner registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("owners: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// EnsureProfile returns the canonical owner id for the authenticated subject,
// creating the profile row on first sight and refreshing contact detail on
// later visits.
func (s *Service) EnsureProfile(ctx context.Context, attributes ProfileAttributes) (string, error) {
	subject := normalize(attributes.Subject)
	if subject == "" {
		return "", ErrInvalidProfile
	}

	var profile Profile
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", subject).
		First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{
			OwnerID:     subject,
			Email:       normalize(attributes.Email),
			DisplayName: normalize(attributes.DisplayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{}
		if email := normalize(attributes.Email); email != "" && email != profile.Email {
			updates["email"] = email
		}
		if display := normalize(attributes.DisplayName); display != "" && display != profile.DisplayName {
			updates["display_name"] = display
		}
		updates["last_seen_at"] = s.now()
		if len(updates) > 0 {
			_ = s.db.WithContext(ctx).Model(&Profile{}).
				Where("owner_id = ?", subject).
				Updates(updates).
				Error
		}
	}

	s.known.Store(subject, struct{}{})
	return profile.OwnerID, nil
}

// Exists reports whether the owner id resolves to a known profile. It backs
// the collection service's OwnerNotFound check.
func (s *Service) Exists(ctx context.Context, ownerID string) (bool, error) {
	subject := normalize(ownerID)
	if subject == "" {
		return false, nil
	}
	if _, ok := s.known.Load(subject); ok {
		return true, nil
	}

	var total int64
	err := s.db.WithContext(ctx).Model(&Profile{}).
		Where("owner_id = ?", subject).
		Count(&total).Error
	if err != nil {
		return false, err
	}
	if total > 0 {
		s.known.Store(subject, struct{}{})
		return true, nil
	}
	return false, nil
}
