package models

import (
	"context"
	"time"
)

// Purpose is the flow an OTP is issued for. An OTP issued for one
// purpose can never be used to verify another.
type Purpose string

// OTP purposes.
const (
	PurposeRegistration         Purpose = "REGISTRATION"
	PurposeLogin                Purpose = "LOGIN"
	PurposeForgotPassword       Purpose = "FORGOT_PASSWORD"
	PurposePhoneVerification    Purpose = "PHONE_VERIFICATION"
	PurposeDeliveryConfirmation Purpose = "DELIVERY_CONFIRMATION"
)

// Valid tells if p is one of the known purposes.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeRegistration, PurposeLogin, PurposeForgotPassword,
		PurposePhoneVerification, PurposeDeliveryConfirmation:
		return true
	}
	return false
}

// OTP is a one-time passcode record as it is persisted in the store.
// There is at most one live record per (phone, purpose).
type OTP struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	Verified  bool      `json:"verified"`
}

// Role is the role of a user account.
type Role string

// User roles.
const (
	RoleCustomer Role = "CUSTOMER"
	RolePharmacy Role = "PHARMACY"
	RoleDelivery Role = "DELIVERY"
	RoleAdmin    Role = "ADMIN"
)

// AccountStatus is the lifecycle status of a user account.
type AccountStatus string

// Account statuses.
const (
	StatusActive    AccountStatus = "ACTIVE"
	StatusInactive  AccountStatus = "INACTIVE"
	StatusSuspended AccountStatus = "SUSPENDED"
	StatusDeleted   AccountStatus = "DELETED"
)

// User is a user account. The auth flows read and conditionally write
// these fields, the rest of the account lifecycle is owned elsewhere.
type User struct {
	ID                  string        `json:"id"`
	PhoneNumber         string        `json:"phone_number"`
	Email               string        `json:"email,omitempty"`
	FullName            string        `json:"full_name"`
	PasswordHash        string        `json:"password_hash,omitempty"`
	Role                Role          `json:"role"`
	AccountStatus       AccountStatus `json:"account_status"`
	EmailVerified       bool          `json:"email_verified"`
	PhoneVerified       bool          `json:"phone_verified"`
	LastLoginAt         *time.Time    `json:"last_login_at,omitempty"`
	FailedLoginAttempts int           `json:"failed_login_attempts"`
	AccountLockedUntil  *time.Time    `json:"account_locked_until,omitempty"`
	RefreshToken        string        `json:"refresh_token,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// IsActive tells if the account is ACTIVE and not currently locked.
func (u User) IsActive(now time.Time) bool {
	if u.AccountStatus != StatusActive {
		return false
	}
	return u.AccountLockedUntil == nil || !u.AccountLockedUntil.After(now)
}

// View returns the sanitized, client-facing representation of the user.
func (u User) View() UserView {
	return UserView{
		UserID:        u.ID,
		PhoneNumber:   u.PhoneNumber,
		Email:         u.Email,
		FullName:      u.FullName,
		Role:          u.Role,
		AccountStatus: u.AccountStatus,
		EmailVerified: u.EmailVerified,
		PhoneVerified: u.PhoneVerified,
		LastLoginAt:   u.LastLoginAt,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

// UserView is the user as exposed to clients. It never carries
// credentials.
type UserView struct {
	UserID        string        `json:"userId"`
	PhoneNumber   string        `json:"phoneNumber"`
	Email         string        `json:"email,omitempty"`
	FullName      string        `json:"fullName"`
	Role          Role          `json:"role"`
	AccountStatus AccountStatus `json:"accountStatus"`
	EmailVerified bool          `json:"emailVerified"`
	PhoneVerified bool          `json:"phoneVerified"`
	LastLoginAt   *time.Time    `json:"lastLoginAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// TokenPair is a freshly issued access and refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Session is returned on every successful login or refresh.
type Session struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	TokenType    string   `json:"tokenType"`
	ExpiresIn    int64    `json:"expiresIn"`
	User         UserView `json:"user"`
	IsNewAccount bool     `json:"isNewAccount"`
}

// Message is an OTP handed off to a Provider for delivery.
type Message struct {
	PhoneNumber string        `json:"phone_number"`
	Purpose     Purpose       `json:"purpose"`
	Code        string        `json:"code"`
	TTL         time.Duration `json:"-"`
	Body        string        `json:"body"`
}

// Provider is an interface for an out-of-band OTP delivery backend,
// for instance, an SMS gateway.
type Provider interface {
	// ID returns the name of the Provider.
	ID() string

	// Push hands over a message for delivery.
	Push(ctx context.Context, m Message) error
}
