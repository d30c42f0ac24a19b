package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// mockStorage is an in-memory Storage for unit tests. WithTx snapshots state
// and restores it when fn fails.
type mockStorage struct {
	mu sync.Mutex

	users       map[uint]*User
	sessions    map[string]*Session // keyed by token hash
	attempts    []*LoginAttempt
	resetTokens map[uint]*PasswordResetToken
	memberships map[[2]uint]*CongregationMembership
	events      []*SecurityEvent
	nextUserID  uint
	nextTokenID uint
	nextAttempt uint
	nextEventID uint
	calls       map[string]int
	failOn      map[string]error
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		users:       make(map[uint]*User),
		sessions:    make(map[string]*Session),
		resetTokens: make(map[uint]*PasswordResetToken),
		memberships: make(map[[2]uint]*CongregationMembership),
		calls:       make(map[string]int),
		failOn:      make(map[string]error),
		nextUserID:  1,
		nextTokenID: 1,
		nextAttempt: 1,
		nextEventID: 1,
	}
}

// track records a call and returns the injected failure for op, if any.
// Callers must hold m.mu.
func (m *mockStorage) track(op string) error {
	m.calls[op]++
	return m.failOn[op]
}

func (m *mockStorage) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *mockStorage) fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[op] = err
}

func (m *mockStorage) CreateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateUser"); err != nil {
		return err
	}
	for _, u := range m.users {
		if u.Email == user.Email {
			return ErrDuplicateKey
		}
	}
	user.ID = m.nextUserID
	m.nextUserID++
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *mockStorage) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetUserByEmail"); err != nil {
		return nil, err
	}
	for _, u := range m.users {
		if u.Email == email {
			clone := *u
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *mockStorage) GetUserByID(_ context.Context, id uint) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetUserByID"); err != nil {
		return nil, err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	clone := *u
	return &clone, nil
}

func (m *mockStorage) UpdateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpdateUser"); err != nil {
		return err
	}
	if _, ok := m.users[user.ID]; !ok {
		return errors.New("user not found")
	}
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *mockStorage) UpdateLastLogin(_ context.Context, userID uint, ipAddress string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpdateLastLogin"); err != nil {
		return err
	}
	if u, ok := m.users[userID]; ok {
		u.LastLoginAt = &at
		u.LastLoginIP = ipAddress
	}
	return nil
}

func (m *mockStorage) UpdatePassword(_ context.Context, userID uint, passwordHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpdatePassword"); err != nil {
		return err
	}
	u, ok := m.users[userID]
	if !ok {
		return errors.New("user not found")
	}
	u.PasswordHash = passwordHash
	u.PasswordChangedAt = &at
	u.UpdatedAt = at
	return nil
}

func (m *mockStorage) CreateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateSession"); err != nil {
		return err
	}
	clone := *session
	m.sessions[session.TokenHash] = &clone
	return nil
}

func (m *mockStorage) GetSessionByTokenHash(_ context.Context, tokenHash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetSessionByTokenHash"); err != nil {
		return nil, err
	}
	s, ok := m.sessions[tokenHash]
	if !ok {
		return nil, nil
	}
	clone := *s
	return &clone, nil
}

func (m *mockStorage) TouchSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("TouchSession"); err != nil {
		return err
	}
	for _, s := range m.sessions {
		if s.ID == id {
			s.LastActivity = at
		}
	}
	return nil
}

func (m *mockStorage) ListUserSessions(_ context.Context, userID uint, now time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListUserSessions"); err != nil {
		return nil, err
	}
	var out []*Session
	for _, s := range m.sessions {
		if s.UserID == userID && !s.IsExpired(now) {
			clone := *s
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (m *mockStorage) DeleteSessionByTokenHash(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("DeleteSessionByTokenHash"); err != nil {
		return err
	}
	delete(m.sessions, tokenHash)
	return nil
}

func (m *mockStorage) DeleteSessionByID(_ context.Context, userID uint, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("DeleteSessionByID"); err != nil {
		return false, err
	}
	for hash, s := range m.sessions {
		if s.ID == id && s.UserID == userID {
			delete(m.sessions, hash)
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStorage) DeleteUserSessions(_ context.Context, userID uint) (int64, error) {
	return m.deleteSessions("DeleteUserSessions", func(s *Session) bool { return s.UserID == userID })
}

func (m *mockStorage) DeleteUserSessionsExcept(_ context.Context, userID uint, keepID string) (int64, error) {
	return m.deleteSessions("DeleteUserSessionsExcept", func(s *Session) bool {
		return s.UserID == userID && s.ID != keepID
	})
}

func (m *mockStorage) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	return m.deleteSessions("DeleteExpiredSessions", func(s *Session) bool { return s.IsExpired(now) })
}

func (m *mockStorage) deleteSessions(op string, match func(*Session) bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track(op); err != nil {
		return 0, err
	}
	var n int64
	for hash, s := range m.sessions {
		if match(s) {
			delete(m.sessions, hash)
			n++
		}
	}
	return n, nil
}

func (m *mockStorage) RecordLoginAttempt(_ context.Context, attempt *LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("RecordLoginAttempt"); err != nil {
		return err
	}
	attempt.ID = m.nextAttempt
	m.nextAttempt++
	clone := *attempt
	m.attempts = append(m.attempts, &clone)
	return nil
}

func attemptMatches(a *LoginAttempt, email, ip string) bool {
	return a.Email == email || (ip != "" && a.IPAddress == ip)
}

func (m *mockStorage) CountFailedLoginAttempts(_ context.Context, email, ipAddress string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CountFailedLoginAttempts"); err != nil {
		return 0, err
	}
	count := 0
	for _, a := range m.attempts {
		if !a.Success && !a.AttemptedAt.Before(since) && attemptMatches(a, email, ipAddress) {
			count++
		}
	}
	return count, nil
}

func (m *mockStorage) ClearFailedLoginAttempts(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ClearFailedLoginAttempts"); err != nil {
		return err
	}
	kept := m.attempts[:0]
	for _, a := range m.attempts {
		if !a.Success && a.Email == email {
			continue
		}
		kept = append(kept, a)
	}
	m.attempts = kept
	return nil
}

func (m *mockStorage) DeleteLoginAttemptsBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("DeleteLoginAttemptsBefore"); err != nil {
		return 0, err
	}
	var n int64
	kept := m.attempts[:0]
	for _, a := range m.attempts {
		if a.AttemptedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.attempts = kept
	return n, nil
}

func (m *mockStorage) CreatePasswordResetToken(_ context.Context, token *PasswordResetToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreatePasswordResetToken"); err != nil {
		return err
	}
	token.ID = m.nextTokenID
	m.nextTokenID++
	clone := *token
	m.resetTokens[token.ID] = &clone
	return nil
}

func (m *mockStorage) GetPasswordResetToken(_ context.Context, tokenHash string) (*PasswordResetToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetPasswordResetToken"); err != nil {
		return nil, err
	}
	for _, t := range m.resetTokens {
		if t.TokenHash == tokenHash {
			clone := *t
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *mockStorage) DeletePasswordResetToken(_ context.Context, id uint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("DeletePasswordResetToken"); err != nil {
		return false, err
	}
	if _, ok := m.resetTokens[id]; !ok {
		return false, nil
	}
	delete(m.resetTokens, id)
	return true, nil
}

func (m *mockStorage) DeleteUserPasswordResetTokens(_ context.Context, userID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("DeleteUserPasswordResetTokens"); err != nil {
		return err
	}
	for id, t := range m.resetTokens {
		if t.UserID == userID {
			delete(m.resetTokens, id)
		}
	}
	return nil
}

func (m *mockStorage) DeleteExpiredPasswordResetTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("DeleteExpiredPasswordResetTokens"); err != nil {
		return 0, err
	}
	var n int64
	for id, t := range m.resetTokens {
		if !now.Before(t.ExpiresAt) {
			delete(m.resetTokens, id)
			n++
		}
	}
	return n, nil
}

func (m *mockStorage) GetMembership(_ context.Context, userID, congregationID uint) (*CongregationMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetMembership"); err != nil {
		return nil, err
	}
	mem, ok := m.memberships[[2]uint{userID, congregationID}]
	if !ok {
		return nil, nil
	}
	clone := *mem
	return &clone, nil
}

func (m *mockStorage) GetPrimaryMembership(_ context.Context, userID uint) (*CongregationMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetPrimaryMembership"); err != nil {
		return nil, err
	}
	for _, mem := range m.memberships {
		if mem.UserID == userID && mem.IsPrimary {
			clone := *mem
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *mockStorage) ListMemberships(_ context.Context, userID uint) ([]*CongregationMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListMemberships"); err != nil {
		return nil, err
	}
	var out []*CongregationMembership
	for _, mem := range m.memberships {
		if mem.UserID == userID {
			clone := *mem
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CongregationID < out[j].CongregationID })
	return out, nil
}

func (m *mockStorage) UpsertMembership(_ context.Context, membership *CongregationMembership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpsertMembership"); err != nil {
		return err
	}
	if membership.IsPrimary {
		for _, mem := range m.memberships {
			if mem.UserID == membership.UserID {
				mem.IsPrimary = false
			}
		}
	}
	clone := *membership
	m.memberships[[2]uint{membership.UserID, membership.CongregationID}] = &clone
	return nil
}

func (m *mockStorage) CreateSecurityEvent(_ context.Context, event *SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateSecurityEvent"); err != nil {
		return err
	}
	event.ID = m.nextEventID
	m.nextEventID++
	clone := *event
	m.events = append(m.events, &clone)
	return nil
}

func (m *mockStorage) ListSecurityEvents(_ context.Context, userID *uint, eventType string, limit, offset int) ([]*SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListSecurityEvents"); err != nil {
		return nil, err
	}
	var out []*SecurityEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if userID != nil && (e.UserID == nil || *e.UserID != *userID) {
			continue
		}
		if eventType != "" && e.EventType != eventType {
			continue
		}
		clone := *e
		out = append(out, &clone)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// eventsOfType returns the recorded events of eventType, oldest first.
func (m *mockStorage) eventsOfType(eventType string) []*SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SecurityEvent
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockStorage) sessionCount(userID uint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n
}

type mockSnapshot struct {
	users       map[uint]User
	sessions    map[string]Session
	attempts    []LoginAttempt
	resetTokens map[uint]PasswordResetToken
	memberships map[[2]uint]CongregationMembership
}

func (m *mockStorage) snapshot() mockSnapshot {
	s := mockSnapshot{
		users:       make(map[uint]User),
		sessions:    make(map[string]Session),
		resetTokens: make(map[uint]PasswordResetToken),
		memberships: make(map[[2]uint]CongregationMembership),
	}
	for k, v := range m.users {
		s.users[k] = *v
	}
	for k, v := range m.sessions {
		s.sessions[k] = *v
	}
	for _, a := range m.attempts {
		s.attempts = append(s.attempts, *a)
	}
	for k, v := range m.resetTokens {
		s.resetTokens[k] = *v
	}
	for k, v := range m.memberships {
		s.memberships[k] = *v
	}
	return s
}

func (m *mockStorage) restore(s mockSnapshot) {
	m.users = make(map[uint]*User)
	for k, v := range s.users {
		v := v
		m.users[k] = &v
	}
	m.sessions = make(map[string]*Session)
	for k, v := range s.sessions {
		v := v
		m.sessions[k] = &v
	}
	m.attempts = nil
	for _, a := range s.attempts {
		a := a
		m.attempts = append(m.attempts, &a)
	}
	m.resetTokens = make(map[uint]*PasswordResetToken)
	for k, v := range s.resetTokens {
		v := v
		m.resetTokens[k] = &v
	}
	m.memberships = make(map[[2]uint]*CongregationMembership)
	for k, v := range s.memberships {
		v := v
		m.memberships[k] = &v
	}
}

func (m *mockStorage) WithTx(_ context.Context, fn func(tx Storage) error) error {
	m.mu.Lock()
	m.calls["WithTx"]++
	snap := m.snapshot()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.restore(snap)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *mockStorage) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.track("Ping")
}

func (m *mockStorage) Close() error {
	return nil
}
