package models

import (
	"github.com/shopspring/decimal"
)

// Role represents a user's privilege level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is a bidder account. Balance is the spendable credit pool; the
// committed portion is derived from open-day slots, never stored.
type User struct {
	Username              string          `json:"username"`
	PasswordHash          string          `json:"password_hash"`
	Salt                  string          `json:"salt"`
	Role                  Role            `json:"role"`
	WeeklyBudget          int             `json:"weekly_budget"`
	Balance               decimal.Decimal `json:"balance"`
	RolloverAppliedForDay string          `json:"rollover_applied_for_day,omitempty"`
	Enabled               bool            `json:"enabled"`
	LastLogin             string          `json:"last_login,omitempty"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Budget returns the weekly budget as a decimal for ledger arithmetic.
func (u *User) Budget() decimal.Decimal {
	return decimal.NewFromInt(int64(u.WeeklyBudget))
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	c := *u
	return &c
}

// UserSummary is the API-facing view of a user.
type UserSummary struct {
	Username     string          `json:"username"`
	Role         Role            `json:"role"`
	Balance      decimal.Decimal `json:"balance"`
	WeeklyBudget int             `json:"weekly_budget"`
	Committed    int             `json:"committed"`
	Available    decimal.Decimal `json:"available"`
}

// AdminUserView extends the summary with account-management fields.
type AdminUserView struct {
	UserSummary
	Enabled               bool   `json:"enabled"`
	LastLogin             string `json:"last_login,omitempty"`
	RolloverAppliedForDay string `json:"rollover_applied_for_day,omitempty"`
}
