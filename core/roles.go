package core

import (
	"context"
	"database/sql/driver"
	"fmt"
	"log/slog"
)

// GlobalRole is a site-wide role. Roles are totally ordered by rank; the zero
// value is "no role" and ranks below every real role.
type GlobalRole uint8

const (
	GlobalRoleNone GlobalRole = iota
	GlobalUser
	GlobalModerator
	GlobalAdmin
	GlobalSuperAdmin
)

var globalRoleNames = map[GlobalRole]string{
	GlobalUser:       "user",
	GlobalModerator:  "moderator",
	GlobalAdmin:      "admin",
	GlobalSuperAdmin: "super_admin",
}

// ParseGlobalRole returns the role for name, or GlobalRoleNone if name is unknown.
func ParseGlobalRole(name string) GlobalRole {
	for role, n := range globalRoleNames {
		if n == name {
			return role
		}
	}
	return GlobalRoleNone
}

// Valid reports whether r is a known role.
func (r GlobalRole) Valid() bool {
	_, ok := globalRoleNames[r]
	return ok
}

// Rank returns the ordering rank. Unknown roles rank 0.
func (r GlobalRole) Rank() int {
	if !r.Valid() {
		return 0
	}
	return int(r)
}

func (r GlobalRole) String() string {
	if name, ok := globalRoleNames[r]; ok {
		return name
	}
	return ""
}

// MarshalText implements encoding.TextMarshaler.
func (r GlobalRole) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *GlobalRole) UnmarshalText(text []byte) error {
	*r = ParseGlobalRole(string(text))
	return nil
}

// Value implements driver.Valuer.
func (r GlobalRole) Value() (driver.Value, error) {
	return r.String(), nil
}

// Scan implements sql.Scanner. Unrecognized values scan as GlobalRoleNone.
func (r *GlobalRole) Scan(src any) error {
	name, err := scanRoleName(src)
	if err != nil {
		return err
	}
	*r = ParseGlobalRole(name)
	return nil
}

// CongregationRole is a role scoped to a single congregation.
type CongregationRole uint8

const (
	CongregationRoleNone CongregationRole = iota
	CongregationMember
	CongregationLeader
	CongregationAdmin
	CongregationPastor
)

var congregationRoleNames = map[CongregationRole]string{
	CongregationMember: "member",
	CongregationLeader: "leader",
	CongregationAdmin:  "admin",
	CongregationPastor: "pastor",
}

// ParseCongregationRole returns the role for name, or CongregationRoleNone if unknown.
func ParseCongregationRole(name string) CongregationRole {
	for role, n := range congregationRoleNames {
		if n == name {
			return role
		}
	}
	return CongregationRoleNone
}

// Valid reports whether r is a known role.
func (r CongregationRole) Valid() bool {
	_, ok := congregationRoleNames[r]
	return ok
}

// Rank returns the ordering rank. Unknown roles rank 0.
func (r CongregationRole) Rank() int {
	if !r.Valid() {
		return 0
	}
	return int(r)
}

func (r CongregationRole) String() string {
	if name, ok := congregationRoleNames[r]; ok {
		return name
	}
	return ""
}

// MarshalText implements encoding.TextMarshaler.
func (r CongregationRole) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *CongregationRole) UnmarshalText(text []byte) error {
	*r = ParseCongregationRole(string(text))
	return nil
}

// Value implements driver.Valuer.
func (r CongregationRole) Value() (driver.Value, error) {
	return r.String(), nil
}

// Scan implements sql.Scanner. Unrecognized values scan as CongregationRoleNone.
func (r *CongregationRole) Scan(src any) error {
	name, err := scanRoleName(src)
	if err != nil {
		return err
	}
	*r = ParseCongregationRole(name)
	return nil
}

func scanRoleName(src any) (string, error) {
	switch v := src.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("unsupported role column type %T", src)
	}
}

// HasGlobalRole reports whether a user holding role satisfies required.
// Both roles must be known.
func HasGlobalRole(role, required GlobalRole) bool {
	return role.Valid() && required.Valid() && role.Rank() >= required.Rank()
}

// HasCongregationRole reports whether membership satisfies required. Only
// active memberships grant anything.
func HasCongregationRole(membership *CongregationMembership, required CongregationRole) bool {
	if membership == nil || membership.Status != MembershipActive {
		return false
	}
	return membership.Role.Valid() && required.Valid() && membership.Role.Rank() >= required.Rank()
}

// RoleAuthorizer answers role questions about the user on a RequestContext.
// Global roles come from the user record; congregation roles are loaded from
// storage and cached on the context for the rest of the request.
type RoleAuthorizer struct {
	memberships MembershipRepository
	audit       *auditLogger
}

// NewRoleAuthorizer creates an authorizer backed by the given membership store.
func NewRoleAuthorizer(memberships MembershipRepository, audit *auditLogger) *RoleAuthorizer {
	return &RoleAuthorizer{memberships: memberships, audit: audit}
}

// RequireAuth fails with ErrUnauthenticated when no user is signed in.
func (ra *RoleAuthorizer) RequireAuth(rc *RequestContext) error {
	if !rc.IsAuthenticated() {
		return ErrUnauthenticated
	}
	return nil
}

// HasRole reports whether the signed-in user holds at least the given global role.
func (ra *RoleAuthorizer) HasRole(rc *RequestContext, required GlobalRole) bool {
	if !rc.IsAuthenticated() {
		return false
	}
	return HasGlobalRole(rc.User.GlobalRole, required)
}

// RequireRole fails with ErrUnauthenticated or ErrInsufficientRole.
func (ra *RoleAuthorizer) RequireRole(ctx context.Context, rc *RequestContext, required GlobalRole) error {
	if err := ra.RequireAuth(rc); err != nil {
		return err
	}
	if !HasGlobalRole(rc.User.GlobalRole, required) {
		ra.denied(ctx, rc, fmt.Sprintf("Global role %q required", required))
		return ErrInsufficientRole
	}
	return nil
}

// Membership returns the user's membership in a congregation, or nil.
func (ra *RoleAuthorizer) Membership(ctx context.Context, rc *RequestContext, congregationID uint) (*CongregationMembership, error) {
	if !rc.IsAuthenticated() {
		return nil, nil
	}
	if m, ok := rc.cachedMembership(congregationID); ok {
		return m, nil
	}
	m, err := ra.memberships.GetMembership(ctx, rc.User.ID, congregationID)
	if err != nil {
		return nil, internalError("get congregation membership", err)
	}
	rc.cacheMembership(congregationID, m)
	return m, nil
}

// HasCongregationRole reports whether the user holds at least the given role
// in the congregation.
func (ra *RoleAuthorizer) HasCongregationRole(ctx context.Context, rc *RequestContext, congregationID uint, required CongregationRole) (bool, error) {
	m, err := ra.Membership(ctx, rc, congregationID)
	if err != nil {
		return false, err
	}
	return HasCongregationRole(m, required), nil
}

// RequireCongregationRole fails unless the user holds at least the given role
// in the congregation. Global roles do not imply congregation roles.
func (ra *RoleAuthorizer) RequireCongregationRole(ctx context.Context, rc *RequestContext, congregationID uint, required CongregationRole) error {
	if err := ra.RequireAuth(rc); err != nil {
		return err
	}
	ok, err := ra.HasCongregationRole(ctx, rc, congregationID, required)
	if err != nil {
		return err
	}
	if !ok {
		ra.denied(ctx, rc, fmt.Sprintf("Congregation role %q required in congregation %d", required, congregationID))
		return ErrInsufficientRole
	}
	return nil
}

// RequirePrimaryCongregation returns the user's primary membership. A missing
// or pending primary membership yields ErrNoPrimaryCongregation so the caller
// can redirect to onboarding; a suspended one yields ErrInsufficientRole.
func (ra *RoleAuthorizer) RequirePrimaryCongregation(ctx context.Context, rc *RequestContext) (*CongregationMembership, error) {
	if err := ra.RequireAuth(rc); err != nil {
		return nil, err
	}
	m, err := ra.memberships.GetPrimaryMembership(ctx, rc.User.ID)
	if err != nil {
		return nil, internalError("get primary membership", err)
	}
	if m == nil || m.Status == MembershipPending {
		return nil, ErrNoPrimaryCongregation
	}
	if m.Status != MembershipActive {
		ra.denied(ctx, rc, "Primary congregation membership is not active")
		return nil, ErrInsufficientRole
	}
	rc.cacheMembership(m.CongregationID, m)
	return m, nil
}

func (ra *RoleAuthorizer) denied(ctx context.Context, rc *RequestContext, description string) {
	slog.Warn("Access denied",
		"user_id", rc.UserID(),
		"path", rc.Meta.Path,
		"reason", description)
	userID := rc.UserID()
	ra.audit.record(ctx, &userID, EventAccessDenied, description, rc.Meta, false)
}
