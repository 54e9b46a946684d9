package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// UserStore is the persistence surface the auth service needs. Lookup
// methods return (nil, nil) when no matching account exists.
type UserStore interface {
	SaveUser(user *User) (*User, error)
	FindUserByID(id int64) (*User, error)
	FindUserByUsername(username string) (*User, error)
	FindUserByAPIKey(apiKey string) (*User, error)
	FindAllUsers() ([]*User, error)
	UpdateLastLogin(id int64, ts time.Time) error
	UpdateAPIKey(id int64, apiKey string) error
	UpdateUserPreferences(id int64, preferences map[string]interface{}) error
	CleanupInactiveSessions(id int64, activeSessionIDs []int64) error
	DeleteUser(id int64) error
}

// Service handles registration, login, and account management. Operations
// return a success flag and a user-facing message rather than bare errors;
// infrastructure failures are folded into the message.
type Service struct {
	store  UserStore
	logger *slog.Logger
}

// NewService creates an auth service over a user store.
func NewService(store UserStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// IsUsernameTaken checks whether a username already exists.
func (s *Service) IsUsernameTaken(username string) bool {
	user, err := s.store.FindUserByUsername(username)
	return err == nil && user != nil
}

// Register creates a new account. An empty confirmPassword skips the
// confirmation check.
func (s *Service) Register(username, password, confirmPassword string) (bool, *User, string) {
	if ok, msg := ValidateRegistrationData(username, password, confirmPassword); !ok {
		return false, nil, msg
	}

	if s.IsUsernameTaken(username) {
		return false, nil, fmt.Sprintf("Username '%s' is already taken", username)
	}

	user := NewUser(username)
	user.SetPassword(password)

	saved, err := s.store.SaveUser(user)
	if err != nil {
		// Insert race resolved by the unique index
		if errors.Is(err, ErrUsernameTaken) {
			return false, nil, fmt.Sprintf("Username '%s' is already taken", username)
		}
		return false, nil, fmt.Sprintf("Registration failed: %v", err)
	}

	s.logger.Info("user registered", "username", username, "user_id", saved.ID)
	return true, saved, fmt.Sprintf("User '%s' registered successfully", username)
}

// Login authenticates by username and password, updating last_login on
// success.
func (s *Service) Login(username, password string) (bool, *User, string) {
	user, err := s.store.FindUserByUsername(username)
	if err != nil || user == nil {
		return false, nil, "Invalid username or password"
	}

	if !user.VerifyPassword(password) {
		return false, nil, "Invalid username or password"
	}

	now := time.Now()
	user.LastLogin = &now
	if _, err := s.store.SaveUser(user); err != nil {
		s.logger.Warn("could not update last login", "username", username, "error", err)
		return true, user, "Logged in (warning: could not update last login time)"
	}

	return true, user, fmt.Sprintf("Successfully logged in as '%s'", username)
}

// LoginWithAPIKey authenticates by API key.
func (s *Service) LoginWithAPIKey(apiKey string) (bool, *User, string) {
	if ok, msg := ValidateAPIKeyFormat(apiKey); !ok {
		return false, nil, msg
	}

	user, err := s.store.FindUserByAPIKey(apiKey)
	if err != nil || user == nil {
		return false, nil, "Invalid API key"
	}

	now := time.Now()
	if err := s.store.UpdateLastLogin(user.ID, now); err != nil {
		s.logger.Warn("could not update last login", "user_id", user.ID, "error", err)
	} else {
		user.LastLogin = &now
	}

	return true, user, "Successfully authenticated with API key"
}

// ChangePassword verifies the current password and sets a new one.
func (s *Service) ChangePassword(userID int64, currentPassword, newPassword string) (bool, string) {
	user, err := s.store.FindUserByID(userID)
	if err != nil || user == nil {
		return false, "User not found"
	}

	if !user.VerifyPassword(currentPassword) {
		return false, "Current password is incorrect"
	}

	if ok, msg := ValidatePassword(newPassword); !ok {
		return false, msg
	}

	user.SetPassword(newPassword)
	if _, err := s.store.SaveUser(user); err != nil {
		return false, fmt.Sprintf("Failed to change password: %v", err)
	}
	return true, "Password changed successfully"
}

// ResetAdminPassword resets the rootusr password.
func (s *Service) ResetAdminPassword(currentPassword, newPassword string) (bool, string) {
	admin, err := s.store.FindUserByUsername(RootUsername)
	if err != nil || admin == nil {
		return false, "Admin user not found"
	}

	if !admin.VerifyPassword(currentPassword) {
		return false, "Current password is incorrect"
	}

	if ok, msg := ValidatePassword(newPassword); !ok {
		return false, msg
	}

	admin.SetPassword(newPassword)
	if _, err := s.store.SaveUser(admin); err != nil {
		return false, fmt.Sprintf("Failed to reset admin password: %v", err)
	}
	return true, "Admin password reset successfully"
}

// GenerateAPIKey creates and stores a fresh API key for a user.
func (s *Service) GenerateAPIKey(userID int64) (bool, string, string) {
	user, err := s.store.FindUserByID(userID)
	if err != nil || user == nil {
		return false, "", "User not found"
	}

	apiKey := user.GenerateAPIKey()
	if _, err := s.store.SaveUser(user); err != nil {
		return false, "", fmt.Sprintf("Failed to generate API key: %v", err)
	}
	return true, apiKey, "API key generated successfully"
}

// RevokeAPIKey clears a user's API key.
func (s *Service) RevokeAPIKey(userID int64) (bool, string) {
	if err := s.store.UpdateAPIKey(userID, ""); err != nil {
		return false, "Failed to revoke API key"
	}
	return true, "API key revoked successfully"
}

// UpdatePreferences validates and stores agent preferences.
func (s *Service) UpdatePreferences(userID int64, preferences map[string]interface{}) (bool, string) {
	if ok, msg := ValidatePreferences(preferences); !ok {
		return false, msg
	}

	if err := s.store.UpdateUserPreferences(userID, preferences); err != nil {
		return false, "Failed to update preferences"
	}
	return true, "Preferences updated successfully"
}

// GetUserSessions returns the active outer session IDs for a user.
func (s *Service) GetUserSessions(userID int64) []int64 {
	user, err := s.store.FindUserByID(userID)
	if err != nil || user == nil {
		return nil
	}
	return user.ActiveSessions
}

// AddUserSession registers an outer session against the user's limit.
func (s *Service) AddUserSession(userID, sessionID int64) (bool, string) {
	user, err := s.store.FindUserByID(userID)
	if err != nil || user == nil {
		return false, "User not found"
	}

	if !user.AddSession(sessionID) {
		return false, fmt.Sprintf("Cannot add session - limit of %d sessions reached", user.SessionLimit)
	}

	if _, err := s.store.SaveUser(user); err != nil {
		return false, fmt.Sprintf("Failed to add session: %v", err)
	}
	return true, fmt.Sprintf("Session %d added successfully", sessionID)
}

// RemoveUserSession drops an outer session from the user's active set.
func (s *Service) RemoveUserSession(userID, sessionID int64) (bool, string) {
	user, err := s.store.FindUserByID(userID)
	if err != nil || user == nil {
		return false, "User not found"
	}

	user.RemoveSession(sessionID)
	if _, err := s.store.SaveUser(user); err != nil {
		return false, fmt.Sprintf("Failed to remove session: %v", err)
	}
	return true, fmt.Sprintf("Session %d removed successfully", sessionID)
}

// CleanupUserSessions prunes session IDs no longer present in the store.
func (s *Service) CleanupUserSessions(userID int64, activeSessionIDs []int64) (bool, string) {
	if err := s.store.CleanupInactiveSessions(userID, activeSessionIDs); err != nil {
		return false, "Failed to cleanup sessions"
	}
	return true, "Inactive sessions cleaned up successfully"
}

// VerifySessionOwnership reports whether a user owns an outer session.
func (s *Service) VerifySessionOwnership(userID, sessionID int64) bool {
	user, err := s.store.FindUserByID(userID)
	if err != nil || user == nil {
		return false
	}
	return user.HasSession(sessionID)
}

// ListUsers returns all accounts (admin surface).
func (s *Service) ListUsers() ([]*User, error) {
	return s.store.FindAllUsers()
}

// DeleteUser removes an account. The caller must be an admin; rootusr, the
// caller's own account, and other admins are protected.
func (s *Service) DeleteUser(adminUserID int64, targetUsername string) (bool, string) {
	admin, err := s.store.FindUserByID(adminUserID)
	if err != nil || admin == nil || !admin.IsAdmin {
		return false, "Admin permission required"
	}

	target, err := s.store.FindUserByUsername(targetUsername)
	if err != nil || target == nil {
		return false, fmt.Sprintf("User '%s' not found", targetUsername)
	}

	if targetUsername == RootUsername {
		return false, "Cannot delete the root admin user"
	}
	if target.ID == adminUserID {
		return false, "Cannot delete your own account"
	}
	if target.IsAdmin {
		return false, "Cannot delete another admin user"
	}

	if err := s.store.DeleteUser(target.ID); err != nil {
		return false, fmt.Sprintf("Failed to delete user '%s'", targetUsername)
	}

	s.logger.Info("user deleted", "username", targetUsername, "by_user_id", adminUserID)
	return true, fmt.Sprintf("User '%s' deleted successfully", targetUsername)
}
