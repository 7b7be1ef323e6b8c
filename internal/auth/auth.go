// Package auth implements the phone/OTP and password login flows, token
// refresh and logout on top of the OTP and token managers and a user
// directory.
package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/dawasakhi/authgateway/internal/otp"
	"github.com/dawasakhi/authgateway/internal/providers"
	"github.com/dawasakhi/authgateway/internal/token"
	"github.com/dawasakhi/authgateway/internal/users"
	"github.com/dawasakhi/authgateway/pkg/models"
	"github.com/zerodha/logf"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenTypeBearer = "Bearer"
	newUserName     = "New User"
)

var (
	rePhone = regexp.MustCompile(`^[6-9][0-9]{9}$`)
	reOTP   = regexp.MustCompile(`^[0-9]{6}$`)
)

// Opt represents the auth Service options and collaborators.
type Opt struct {
	OTP      *otp.Manager
	Tokens   *token.Manager
	Users    users.Directory
	Provider models.Provider

	// Template renders the OTP message body handed to the Provider.
	Template *template.Template

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Service implements the auth flows.
type Service struct {
	otp    *otp.Manager
	tokens *token.Manager
	users  users.Directory
	prov   models.Provider
	tpl    *template.Template
	now    func() time.Time
	lo     logf.Logger
}

// OTPReceipt confirms that an OTP was issued.
type OTPReceipt struct {
	PhoneNumber string         `json:"phoneNumber"`
	Purpose     models.Purpose `json:"otpType"`
	ExpiresIn   int64          `json:"expiresIn"`
}

// New returns a new auth Service.
func New(o Opt, lo logf.Logger) (*Service, error) {
	if o.OTP == nil || o.Tokens == nil || o.Users == nil || o.Provider == nil {
		return nil, errors.New("auth: missing OTP, token, users or provider dependency")
	}
	if o.Template == nil {
		tpl, err := providers.NewTemplate("")
		if err != nil {
			return nil, err
		}
		o.Template = tpl
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	return &Service{
		otp:    o.OTP,
		tokens: o.Tokens,
		users:  o.Users,
		prov:   o.Provider,
		tpl:    o.Template,
		now:    o.Now,
		lo:     lo,
	}, nil
}

// SendOTP issues an OTP for the phone number and purpose and hands it to
// the delivery provider. An empty purpose defaults to LOGIN.
func (s *Service) SendOTP(ctx context.Context, phone string, p models.Purpose) (OTPReceipt, error) {
	if !rePhone.MatchString(phone) {
		return OTPReceipt{}, newValidation(CodeInvalidInput, "Invalid phone number.", nil)
	}
	if p == "" {
		p = models.PurposeLogin
	}
	if !p.Valid() {
		return OTPReceipt{}, newValidation(CodeInvalidOTPType, "Invalid OTP type.", nil)
	}

	code, err := s.otp.Request(ctx, phone, p)
	if err != nil {
		if errors.Is(err, otp.ErrThrottled) {
			return OTPReceipt{}, newValidation(CodeThrottled, err.Error(), err)
		}
		s.lo.Error("error generating OTP", "phone", phone, "purpose", p, "error", err)
		return OTPReceipt{}, newValidation(CodeOTPGenerationFailed, "Error generating OTP.", err)
	}

	ttl, err := s.otp.Remaining(ctx, phone, p)
	if err != nil {
		ttl = s.otp.TTL()
	}

	if err := s.push(ctx, models.Message{
		PhoneNumber: phone,
		Purpose:     p,
		Code:        code,
		TTL:         ttl,
	}); err != nil {
		s.lo.Error("error delivering OTP", "phone", phone, "provider", s.prov.ID(), "error", err)

		// Let the user ask again without waiting out the resend interval.
		if err := s.otp.Invalidate(ctx, phone, p); err != nil {
			s.lo.Error("error invalidating OTP", "phone", phone, "error", err)
		}
		return OTPReceipt{}, &Error{Kind: KindExternal, Code: CodeOTPDeliveryFailed,
			Message: "Error sending OTP.", Err: err}
	}

	return OTPReceipt{
		PhoneNumber: phone,
		Purpose:     p,
		ExpiresIn:   int64(ttl / time.Second),
	}, nil
}

// LoginWithOTP verifies a LOGIN OTP and starts a session. A phone number
// that has no account yet gets one.
func (s *Service) LoginWithOTP(ctx context.Context, phone, code string) (models.Session, error) {
	if !rePhone.MatchString(phone) || !reOTP.MatchString(code) {
		return models.Session{}, newValidation(CodeInvalidInput, "Invalid phone number or OTP.", nil)
	}

	if err := s.otp.Verify(ctx, phone, code, models.PurposeLogin); err != nil {
		var e *otp.Error
		if errors.As(err, &e) {
			return models.Session{}, newAuthentication(CodeInvalidOTP, e.Error(), err)
		}
		return models.Session{}, fmt.Errorf("error verifying OTP: %w", err)
	}

	isNew := false
	u, err := s.users.GetByPhone(ctx, phone)
	if err != nil {
		if !errors.Is(err, users.ErrNotExist) {
			return models.Session{}, fmt.Errorf("error fetching user: %w", err)
		}

		isNew = true
		u = models.User{
			PhoneNumber:   phone,
			FullName:      newUserName,
			Role:          models.RoleCustomer,
			AccountStatus: models.StatusActive,
		}
		s.lo.Info("provisioning new user", "phone", phone)
	}

	now := s.now()
	if !u.IsActive(now) {
		return models.Session{}, newAuthentication(CodeAccountInactive, "Account is not active.", nil)
	}

	u.LastLoginAt = &now
	u.FailedLoginAttempts = 0
	u.PhoneVerified = true

	return s.startSession(ctx, u, isNew)
}

// LoginWithPassword authenticates by e-mail (any identifier containing
// an @) or phone number and password, and starts a session.
func (s *Service) LoginWithPassword(ctx context.Context, identifier, password string) (models.Session, error) {
	if identifier == "" || password == "" {
		return models.Session{}, newValidation(CodeInvalidInput, "Identifier and password are required.", nil)
	}

	var (
		u   models.User
		err error
	)
	if strings.Contains(identifier, "@") {
		u, err = s.users.GetByEmail(ctx, identifier)
	} else {
		u, err = s.users.GetByPhone(ctx, identifier)
	}
	if err != nil {
		if errors.Is(err, users.ErrNotExist) {
			return models.Session{}, newAuthentication(CodeUserNotFound, "User not found.", nil)
		}
		return models.Session{}, fmt.Errorf("error fetching user: %w", err)
	}

	if u.PasswordHash == "" {
		return models.Session{}, newAuthentication(CodeInvalidCredentials, "Invalid credentials.", nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return models.Session{}, newAuthentication(CodeInvalidCredentials, "Invalid credentials.", nil)
	}

	now := s.now()
	if !u.IsActive(now) {
		return models.Session{}, newAuthentication(CodeAccountInactive, "Account is not active.", nil)
	}

	u.LastLoginAt = &now
	u.FailedLoginAttempts = 0

	return s.startSession(ctx, u, false)
}

// Refresh exchanges the user's current refresh token for a new session.
// The old refresh token stops working.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (models.Session, error) {
	if refreshToken == "" || !s.tokens.ValidateForRefresh(refreshToken) {
		return models.Session{}, newAuthentication(CodeInvalidRefreshToken, "Invalid refresh token.", nil)
	}

	c, err := s.tokens.Decode(refreshToken)
	if err != nil {
		return models.Session{}, newAuthentication(CodeInvalidRefreshToken, "Invalid refresh token.", err)
	}

	u, err := s.users.GetByID(ctx, c.UserID)
	if err != nil {
		if errors.Is(err, users.ErrNotExist) {
			return models.Session{}, newNotFound(CodeUserNotFound, "User not found.", nil)
		}
		return models.Session{}, fmt.Errorf("error fetching user: %w", err)
	}

	if u.PhoneNumber != c.Subject || u.RefreshToken != refreshToken {
		return models.Session{}, newAuthentication(CodeInvalidRefreshToken, "Invalid refresh token.", nil)
	}

	pair, err := s.tokens.IssuePair(u)
	if err != nil {
		return models.Session{}, err
	}

	// Another refresh with the same token may have won the race.
	if err := s.users.SwapRefreshToken(ctx, u.ID, refreshToken, pair.RefreshToken); err != nil {
		switch {
		case errors.Is(err, users.ErrTokenMismatch):
			return models.Session{}, newAuthentication(CodeInvalidRefreshToken, "Invalid refresh token.", nil)
		case errors.Is(err, users.ErrNotExist):
			return models.Session{}, newNotFound(CodeUserNotFound, "User not found.", nil)
		}
		return models.Session{}, fmt.Errorf("error storing refresh token: %w", err)
	}
	u.RefreshToken = pair.RefreshToken

	return s.session(u, pair, false), nil
}

// Logout revokes the access token and clears the user's stored refresh
// token. Only the revocation is attempted unconditionally. Failures are
// logged and never returned.
func (s *Service) Logout(ctx context.Context, accessToken string) {
	if err := s.tokens.Blacklist(ctx, accessToken); err != nil {
		s.lo.Warn("error blacklisting token", "error", err)
	}

	c, err := s.tokens.Decode(accessToken)
	if err != nil && !errors.Is(err, token.ErrExpired) {
		s.lo.Warn("error decoding token on logout", "error", err)
		return
	}

	u, err := s.users.GetByPhone(ctx, c.Subject)
	if err != nil {
		if !errors.Is(err, users.ErrNotExist) {
			s.lo.Warn("error fetching user on logout", "phone", c.Subject, "error", err)
		}
		return
	}

	u.RefreshToken = ""
	if _, err := s.users.Save(ctx, u); err != nil {
		s.lo.Warn("error clearing refresh token", "phone", c.Subject, "error", err)
		return
	}
	s.lo.Info("user logged out", "phone", c.Subject)
}

// Authenticate validates an access token presented on a request and
// returns its claims.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*token.Claims, error) {
	if accessToken == "" {
		return nil, newAuthentication(CodeInvalidToken, "Missing access token.", nil)
	}

	c, err := s.tokens.Decode(accessToken)
	if err != nil {
		return nil, newAuthentication(CodeInvalidToken, "Invalid or expired access token.", err)
	}
	if c.TokenType != token.TypeAccess {
		return nil, newAuthentication(CodeInvalidToken, "Invalid access token.", nil)
	}

	ok, err := s.tokens.ValidateForRequest(ctx, accessToken, c.Subject)
	if err != nil {
		return nil, fmt.Errorf("error validating token: %w", err)
	}
	if !ok {
		return nil, newAuthentication(CodeInvalidToken, "Invalid or revoked access token.", nil)
	}

	return c, nil
}

// CurrentUser returns the user with the given phone number.
func (s *Service) CurrentUser(ctx context.Context, phone string) (models.UserView, error) {
	u, err := s.users.GetByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, users.ErrNotExist) {
			return models.UserView{}, newNotFound(CodeUserNotFound, "User not found.", nil)
		}
		return models.UserView{}, fmt.Errorf("error fetching user: %w", err)
	}
	return u.View(), nil
}

// HashPassword returns the bcrypt hash of a password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// startSession persists the login, issues a token pair and records the
// new refresh token as the user's only valid one.
func (s *Service) startSession(ctx context.Context, u models.User, isNew bool) (models.Session, error) {
	u, err := s.users.Save(ctx, u)
	if err != nil {
		return models.Session{}, fmt.Errorf("error saving user: %w", err)
	}

	pair, err := s.tokens.IssuePair(u)
	if err != nil {
		return models.Session{}, err
	}

	u.RefreshToken = pair.RefreshToken
	if u, err = s.users.Save(ctx, u); err != nil {
		return models.Session{}, fmt.Errorf("error saving refresh token: %w", err)
	}

	s.lo.Info("user logged in", "user_id", u.ID, "new", isNew)
	return s.session(u, pair, isNew), nil
}

func (s *Service) session(u models.User, pair models.TokenPair, isNew bool) models.Session {
	return models.Session{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(s.tokens.AccessTTL() / time.Second),
		User:         u.View(),
		IsNewAccount: isNew,
	}
}

// push renders the OTP message and hands it to the provider.
func (s *Service) push(ctx context.Context, m models.Message) error {
	body, err := providers.Render(s.tpl, m)
	if err != nil {
		return err
	}
	m.Body = body

	s.lo.Debug("sending otp", "phone", m.PhoneNumber, "purpose", m.Purpose, "provider", s.prov.ID())
	return s.prov.Push(ctx, m)
}
