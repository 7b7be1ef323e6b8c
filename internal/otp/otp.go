// Package otp issues, throttles and verifies numeric one-time passcodes
// per (phone number, purpose) pair on top of an expiring key-value store.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/dawasakhi/authgateway/internal/store"
	"github.com/dawasakhi/authgateway/pkg/models"
)

const (
	numChars = "0123456789"

	// Random bytes >= this are discarded so that every digit is uniform.
	maxUnbiased = 250
)

// Defaults.
const (
	DefaultLength         = 6
	DefaultTTL            = 5 * time.Minute
	DefaultResendInterval = 30 * time.Second
	DefaultMaxAttempts    = 3
)

// Reason is a machine-readable OTP failure reason.
type Reason string

// Failure reasons.
const (
	ReasonThrottled   Reason = "THROTTLED"
	ReasonNotFound    Reason = "NOT_FOUND"
	ReasonAlreadyUsed Reason = "ALREADY_USED"
	ReasonMaxAttempts Reason = "MAX_ATTEMPTS_EXCEEDED"
	ReasonInvalidCode Reason = "INVALID_CODE"
)

// Error is an OTP request or verification failure.
type Error struct {
	Reason Reason

	// WaitSeconds is set on THROTTLED.
	WaitSeconds int

	// AttemptsRemaining is set on INVALID_CODE.
	AttemptsRemaining int
}

// Sentinel errors to compare against with errors.Is. Errors returned
// by the Manager may carry additional detail.
var (
	ErrThrottled   = &Error{Reason: ReasonThrottled}
	ErrNotFound    = &Error{Reason: ReasonNotFound}
	ErrAlreadyUsed = &Error{Reason: ReasonAlreadyUsed}
	ErrMaxAttempts = &Error{Reason: ReasonMaxAttempts}
	ErrInvalidCode = &Error{Reason: ReasonInvalidCode}
)

func (e *Error) Error() string {
	switch e.Reason {
	case ReasonThrottled:
		return fmt.Sprintf("please wait %d seconds before requesting a new OTP", e.WaitSeconds)
	case ReasonNotFound:
		return "OTP not found or expired"
	case ReasonAlreadyUsed:
		return "OTP already used"
	case ReasonMaxAttempts:
		return "maximum verification attempts exceeded"
	case ReasonInvalidCode:
		return fmt.Sprintf("invalid OTP, %d attempts remaining", e.AttemptsRemaining)
	}
	return string(e.Reason)
}

// Is matches errors by reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

// Opt represents the OTP Manager options.
type Opt struct {
	Length         int
	TTL            time.Duration
	ResendInterval time.Duration
	MaxAttempts    int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Rand is the source of random digits. Defaults to crypto/rand.
	Rand io.Reader
}

// Manager issues and verifies OTPs.
type Manager struct {
	opt   Opt
	store store.Store
}

// New returns a new OTP Manager.
func New(o Opt, st store.Store) *Manager {
	if o.Length < 1 {
		o.Length = DefaultLength
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.ResendInterval <= 0 {
		o.ResendInterval = DefaultResendInterval
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}

	return &Manager{opt: o, store: st}
}

// TTL returns the lifetime of a freshly issued OTP.
func (m *Manager) TTL() time.Duration {
	return m.opt.TTL
}

// Request generates a new OTP for the phone number and purpose,
// replacing any previous one, and returns the code. The code has
// to be delivered out-of-band by the caller.
func (m *Manager) Request(ctx context.Context, phone string, p models.Purpose) (string, error) {
	if err := m.CanRequest(ctx, phone, p); err != nil {
		return "", err
	}

	code, err := m.generate()
	if err != nil {
		return "", fmt.Errorf("error generating OTP: %w", err)
	}

	b, err := json.Marshal(models.OTP{
		Code:      code,
		CreatedAt: m.opt.Now(),
	})
	if err != nil {
		return "", err
	}

	if err := m.store.Set(ctx, makeKey(phone, p), b, m.opt.TTL); err != nil {
		return "", fmt.Errorf("error storing OTP: %w", err)
	}

	return code, nil
}

// CanRequest checks the resend throttle. It returns an *Error with
// reason THROTTLED and the seconds left to wait if the last OTP for
// the key was issued less than the resend interval ago.
func (m *Manager) CanRequest(ctx context.Context, phone string, p models.Purpose) error {
	b, err := m.store.Get(ctx, makeKey(phone, p))
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error fetching OTP: %w", err)
	}

	// An unreadable record doesn't block a fresh request.
	var o models.OTP
	if err := json.Unmarshal(b, &o); err != nil {
		return nil
	}

	elapsed := m.opt.Now().Sub(o.CreatedAt)
	if elapsed >= m.opt.ResendInterval {
		return nil
	}

	// Whole seconds, rounded up so that a throttled caller never sees 0.
	var (
		interval = int(math.Ceil(m.opt.ResendInterval.Seconds()))
		wait     = int(math.Ceil((m.opt.ResendInterval - elapsed).Seconds()))
	)
	if wait > interval {
		wait = interval
	}
	return &Error{Reason: ReasonThrottled, WaitSeconds: wait}
}

// Verify checks a code against the live OTP for the phone number and
// purpose. Every call counts as an attempt, and the attempt is
// recorded atomically before the code is compared. Once the attempts
// run out the record is deleted.
func (m *Manager) Verify(ctx context.Context, phone, code string, p models.Purpose) error {
	var res error

	err := m.store.Update(ctx, makeKey(phone, p), func(cur []byte) ([]byte, time.Duration, error) {
		res = nil
		if cur == nil {
			return nil, 0, ErrNotFound
		}

		var o models.OTP
		if err := json.Unmarshal(cur, &o); err != nil {
			return nil, 0, fmt.Errorf("error decoding OTP: %w", err)
		}

		if o.Verified {
			return nil, 0, ErrAlreadyUsed
		}

		// Locked. Delete the record.
		if o.Attempts >= m.opt.MaxAttempts {
			res = ErrMaxAttempts
			return nil, 0, nil
		}

		o.Attempts++
		if subtle.ConstantTimeCompare([]byte(o.Code), []byte(code)) == 1 {
			o.Verified = true
		} else {
			res = &Error{Reason: ReasonInvalidCode, AttemptsRemaining: m.opt.MaxAttempts - o.Attempts}
		}

		b, err := json.Marshal(o)
		if err != nil {
			return nil, 0, err
		}
		return b, m.opt.TTL, nil
	})
	if err != nil {
		return err
	}

	return res
}

// Invalidate deletes the OTP for the phone number and purpose.
func (m *Manager) Invalidate(ctx context.Context, phone string, p models.Purpose) error {
	return m.store.Delete(ctx, makeKey(phone, p))
}

// Remaining returns the remaining lifetime of the live OTP for the
// phone number and purpose.
func (m *Manager) Remaining(ctx context.Context, phone string, p models.Purpose) (time.Duration, error) {
	ttl, err := m.store.TTL(ctx, makeKey(phone, p))
	if errors.Is(err, store.ErrNotExist) {
		return 0, ErrNotFound
	}
	return ttl, err
}

// generate generates a numeric code where every digit is independently
// uniform over 0-9. Leading zeros are kept.
func (m *Manager) generate() (string, error) {
	var (
		out = make([]byte, 0, m.opt.Length)
		buf = make([]byte, m.opt.Length)
	)
	for len(out) < m.opt.Length {
		if _, err := io.ReadFull(m.opt.Rand, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= maxUnbiased {
				continue
			}
			out = append(out, numChars[b%10])
			if len(out) == m.opt.Length {
				break
			}
		}
	}
	return string(out), nil
}

func makeKey(phone string, p models.Purpose) string {
	return fmt.Sprintf("otp:%s:%s", p, phone)
}
