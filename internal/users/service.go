package users

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/onehippo/hippo-repository/internal/auth"
	"github.com/onehippo/hippo-repository/internal/workflow"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUnknownRole indicates a grant for a role the workflows do not understand.
	ErrUnknownRole = errors.New("users: unknown role")
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records identities and resolves them to workflow principals.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	grants sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// ResolvePrincipal records the bearer of claims and returns the principal workflows act
// for. Roles are the union of the token's roles and the stored grants.
func (s *Service) ResolvePrincipal(ctx context.Context, claims auth.SessionClaims) (workflow.Principal, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	if userID == "" {
		return workflow.Principal{}, ErrInvalidIdentity
	}

	identity := Identity{
		UserID:      userID,
		DisplayName: normalize(claims.UserDisplayName),
		LastSeenAt:  s.now().UTC(),
	}
	updates := []string{"last_seen_at", "updated_at"}
	if identity.DisplayName != "" {
		updates = append(updates, "user_display_name")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&identity).Error
	if err != nil {
		return workflow.Principal{}, err
	}

	granted, err := s.Roles(ctx, userID)
	if err != nil {
		return workflow.Principal{}, err
	}
	return workflow.Principal{UserID: userID, Roles: mergeRoles(claims.UserRoles, granted)}, nil
}

// Grant stores role for userID.
func (s *Service) Grant(ctx context.Context, userID, role, grantedBy string) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrInvalidIdentity
	}
	if !knownRole(role) {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	grant := RoleGrant{UserID: userID, Role: role, GrantedBy: normalize(grantedBy), CreatedAt: s.now().UTC().Unix()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&grant).Error
	if err != nil {
		return err
	}
	s.grants.Delete(userID)
	return nil
}

// Revoke removes role from userID. Revoking a role that was never granted is not an error.
func (s *Service) Revoke(ctx context.Context, userID, role string) error {
	userID = normalize(userID)
	err := s.db.WithContext(ctx).Where("user_id = ? AND role = ?", userID, role).Delete(&RoleGrant{}).Error
	if err != nil {
		return err
	}
	s.grants.Delete(userID)
	return nil
}

// Roles returns the stored grants of userID in name order.
func (s *Service) Roles(ctx context.Context, userID string) ([]string, error) {
	if cached, ok := s.grants.Load(userID); ok {
		if roles, ok := cached.([]string); ok {
			return append([]string(nil), roles...), nil
		}
	}
	var roles []string
	err := s.db.WithContext(ctx).
		Model(&RoleGrant{}).
		Where("user_id = ?", userID).
		Order("role ASC").
		Pluck("role", &roles).Error
	if err != nil {
		return nil, err
	}
	s.grants.Store(userID, roles)
	return append([]string(nil), roles...), nil
}

func knownRole(role string) bool {
	switch role {
	case workflow.RoleAuthor, workflow.RoleEditor, workflow.RoleAdmin:
		return true
	default:
		return false
	}
}

func mergeRoles(sets ...[]string) []string {
	seen := map[string]struct{}{}
	var merged []string
	for _, set := range sets {
		for _, role := range set {
			role = normalize(role)
			if role == "" {
				continue
			}
			if _, ok := seen[role]; ok {
				continue
			}
			seen[role] = struct{}{}
			merged = append(merged, role)
		}
	}
	sort.Strings(merged)
	return merged
}
