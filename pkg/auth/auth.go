package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrInvalidCredentials is returned when username or password is
	// incorrect
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrUserExists is returned when creating a user that already
	// exists
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound is returned when a user is not found
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidToken is returned when a session token is unknown or
	// expired
	ErrInvalidToken = errors.New("invalid or expired session token")
	// ErrPermissionDenied is returned when a user lacks a required
	// permission
	ErrPermissionDenied = errors.New("permission denied")
)

const (
	saltLength     = 16
	iterationCount = 4096
	keyLength      = 32

	// DefaultSessionTTL bounds how long a login token stays valid
	DefaultSessionTTL = time.Hour
)

// Role represents a user role with associated permissions
type Role string

const (
	// RoleAdmin has full access to all operations
	RoleAdmin Role = "admin"
	// RoleOperator can read data and manage snapshots
	RoleOperator Role = "operator"
	// RoleViewer can only inspect stats and watch the change feed
	RoleViewer Role = "viewer"
)

// Permission represents an operation permission
type Permission string

const (
	PermissionViewStats   Permission = "viewStats"
	PermissionViewData    Permission = "viewData"
	PermissionWatch       Permission = "watch"
	PermissionSnapshot    Permission = "snapshot"
	PermissionManageUsers Permission = "manageUsers"
)

// rolePermissions maps roles to their permissions
var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionViewStats,
		PermissionViewData,
		PermissionWatch,
		PermissionSnapshot,
		PermissionManageUsers,
	},
	RoleOperator: {
		PermissionViewStats,
		PermissionViewData,
		PermissionWatch,
		PermissionSnapshot,
	},
	RoleViewer: {
		PermissionViewStats,
		PermissionWatch,
	},
}

// HasPermission reports whether a role grants a permission
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// User represents a registered user. Only the PBKDF2 verifier is
// stored, never the password.
type User struct {
	Username  string
	Salt      []byte
	Verifier  []byte
	Role      Role
	CreatedAt time.Time
}

// Session represents an authenticated session
type Session struct {
	Token     string
	Username  string
	Role      Role
	ExpiresAt time.Time
}

// Manager manages users and login sessions
type Manager struct {
	mu         sync.RWMutex
	users      map[string]*User
	sessions   map[string]*Session
	sessionTTL time.Duration
}

// NewManager creates an empty auth manager
func NewManager() *Manager {
	return &Manager{
		users:      make(map[string]*User),
		sessions:   make(map[string]*Session),
		sessionTTL: DefaultSessionTTL,
	}
}

// SetSessionTTL overrides the session lifetime
func (m *Manager) SetSessionTTL(ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionTTL = ttl
}

// CreateUser registers a user with a derived password verifier
func (m *Manager) CreateUser(username, password string, role Role) error {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[username]; exists {
		return fmt.Errorf("%w: %s", ErrUserExists, username)
	}

	m.users[username] = &User{
		Username:  username,
		Salt:      salt,
		Verifier:  deriveKey(password, salt),
		Role:      role,
		CreatedAt: time.Now(),
	}
	return nil
}

// DeleteUser removes a user and invalidates their sessions
func (m *Manager) DeleteUser(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[username]; !exists {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	delete(m.users, username)
	for token, session := range m.sessions {
		if session.Username == username {
			delete(m.sessions, token)
		}
	}
	return nil
}

// Authenticate verifies credentials and opens a session
func (m *Manager) Authenticate(username, password string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.users[username]
	if !exists {
		return nil, ErrInvalidCredentials
	}
	if !hmac.Equal(user.Verifier, deriveKey(password, user.Salt)) {
		return nil, ErrInvalidCredentials
	}

	session := &Session{
		Token:     uuid.NewString(),
		Username:  user.Username,
		Role:      user.Role,
		ExpiresAt: time.Now().Add(m.sessionTTL),
	}
	m.sessions[session.Token] = session
	return session, nil
}

// ValidateToken resolves a session token. Expired sessions are
// removed as a side effect.
func (m *Manager) ValidateToken(token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[token]
	if !exists {
		return nil, ErrInvalidToken
	}
	if time.Now().After(session.ExpiresAt) {
		delete(m.sessions, token)
		return nil, ErrInvalidToken
	}
	return session, nil
}

// Logout invalidates a session token
func (m *Manager) Logout(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// UserCount returns the number of registered users
func (m *Manager) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, iterationCount, keyLength, sha256.New)
}
