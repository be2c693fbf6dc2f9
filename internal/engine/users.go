package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/slotbid/gpu-scheduler/internal/auth"
	"github.com/slotbid/gpu-scheduler/internal/models"
)

// Authenticate verifies credentials and records the login time. Returns a
// uniform unauthorized error for unknown, disabled, and wrong-password
// cases alike.
func (e *Engine) Authenticate(username, password string) (*models.UserSummary, error) {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	user, ok := e.doc.Users[username]
	if !ok || !user.Enabled || !auth.VerifyPassword(password, user) {
		return nil, models.NewUnauthorizedError("Invalid credentials")
	}

	snapshot := e.doc.Clone()
	user.LastLogin = e.clk.Now().Format(time.RFC3339)
	if err := e.persistLocked(snapshot); err != nil {
		return nil, err
	}
	return e.userSummaryLocked(user), nil
}

// ChangePassword lets a user rotate their own password after proving the
// old one.
func (e *Engine) ChangePassword(username, oldPassword, newPassword string) error {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	user, err := e.userLocked(username)
	if err != nil {
		return err
	}
	if newPassword == "" {
		return models.NewValidationError("New password is required")
	}
	if !auth.VerifyPassword(oldPassword, user) {
		return models.NewValidationError("Old password is incorrect")
	}
	return e.setPasswordLocked(user, newPassword)
}

// CreateUser provisions a new account (admin operation).
func (e *Engine) CreateUser(username, password string, role models.Role, weeklyBudget int) (*models.UserSummary, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, models.NewValidationError("Username is required")
	}
	if role != models.RoleUser && role != models.RoleAdmin {
		return nil, models.NewValidationError("Role must be 'user' or 'admin'")
	}
	if password == "" {
		password = username
	}
	if weeklyBudget < 0 {
		weeklyBudget = 0
	}

	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	if _, exists := e.doc.Users[username]; exists {
		return nil, models.NewConflictError("Username already exists", models.ErrUserExists).
			WithDetail("username", username)
	}

	salt, hash, err := auth.HashPassword(password, "")
	if err != nil {
		return nil, models.NewInternalError("failed to hash password", err)
	}

	snapshot := e.doc.Clone()
	user := &models.User{
		Username:     username,
		PasswordHash: hash,
		Salt:         salt,
		Role:         role,
		WeeklyBudget: weeklyBudget,
		Balance:      decimal.NewFromInt(int64(weeklyBudget)),
		Enabled:      true,
	}
	e.doc.Users[username] = user
	if err := e.persistLocked(snapshot); err != nil {
		return nil, err
	}

	e.logger.Info("User created",
		zap.String("username", username),
		zap.String("role", string(role)),
		zap.Int("weekly_budget", weeklyBudget),
	)
	return e.userSummaryLocked(user), nil
}

// UserUpdate carries the optional fields of an admin user update.
type UserUpdate struct {
	WeeklyBudget *int  `json:"weekly_budget,omitempty"`
	BalanceDelta *int  `json:"balance_delta,omitempty"`
	Enabled      *bool `json:"enabled,omitempty"`
}

// UpdateUser applies budget, balance, and enablement changes to one user
// (admin operation). The balance never drops below zero.
func (e *Engine) UpdateUser(username string, update UserUpdate) (*models.UserSummary, error) {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	user, ok := e.doc.Users[username]
	if !ok {
		return nil, models.NewNotFoundError("User not found", models.ErrUserNotFound).
			WithDetail("username", username)
	}

	snapshot := e.doc.Clone()
	applyUserUpdate(user, update)
	if err := e.persistLocked(snapshot); err != nil {
		return nil, err
	}
	return e.userSummaryLocked(user), nil
}

// BulkUpdateUsers applies the same update to every account (admin
// operation). Returns the number of users touched.
func (e *Engine) BulkUpdateUsers(update UserUpdate) (int, error) {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	snapshot := e.doc.Clone()
	for _, user := range e.doc.Users {
		applyUserUpdate(user, update)
	}
	if err := e.persistLocked(snapshot); err != nil {
		return 0, err
	}
	return len(e.doc.Users), nil
}

func applyUserUpdate(user *models.User, update UserUpdate) {
	if update.WeeklyBudget != nil {
		budget := *update.WeeklyBudget
		if budget < 0 {
			budget = 0
		}
		user.WeeklyBudget = budget
	}
	if update.BalanceDelta != nil {
		user.Balance = user.Balance.Add(decimal.NewFromInt(int64(*update.BalanceDelta)))
		if user.Balance.IsNegative() {
			user.Balance = decimal.Zero
		}
	}
	if update.Enabled != nil {
		user.Enabled = *update.Enabled
	}
}

// ResetPassword sets a user's password (admin operation).
func (e *Engine) ResetPassword(username, password string) error {
	if password == "" {
		return models.NewValidationError("Password is required")
	}

	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	user, ok := e.doc.Users[username]
	if !ok {
		return models.NewNotFoundError("User not found", models.ErrUserNotFound).
			WithDetail("username", username)
	}
	return e.setPasswordLocked(user, password)
}

// setPasswordLocked rehashes and persists a password change. Callers hold
// the global lock.
func (e *Engine) setPasswordLocked(user *models.User, password string) error {
	salt, hash, err := auth.HashPassword(password, "")
	if err != nil {
		return models.NewInternalError("failed to hash password", err)
	}
	snapshot := e.doc.Clone()
	user.Salt = salt
	user.PasswordHash = hash
	if err := e.persistLocked(snapshot); err != nil {
		return err
	}
	e.logger.Info("Password changed", zap.String("username", user.Username))
	return nil
}

// ListUsers returns the admin view of every account, sorted by username.
func (e *Engine) ListUsers() []models.AdminUserView {
	unlockGlobal := e.locks.Global()
	defer unlockGlobal()

	names := make([]string, 0, len(e.doc.Users))
	for name := range e.doc.Users {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.AdminUserView, 0, len(names))
	for _, name := range names {
		user := e.doc.Users[name]
		out = append(out, models.AdminUserView{
			UserSummary:           *e.userSummaryLocked(user),
			Enabled:               user.Enabled,
			LastLogin:             user.LastLogin,
			RolloverAppliedForDay: user.RolloverAppliedForDay,
		})
	}
	return out
}
