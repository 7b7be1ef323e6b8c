package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dawasakhi/authgateway/internal/auth"
	"github.com/dawasakhi/authgateway/internal/otp"
	"github.com/dawasakhi/authgateway/internal/token"
	"github.com/dawasakhi/authgateway/pkg/models"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/zerodha/logf"
)

const (
	// Max size of a JSON request body.
	maxBodySize = 64 * 1024

	headerTokenExpiring = "X-Token-Expiring"
)

type ctxKey string

const (
	ctxApp    ctxKey = "app"
	ctxClaims ctxKey = "claims"
)

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type errResp struct {
	Code              string `json:"code"`
	WaitSeconds       int    `json:"waitSeconds,omitempty"`
	AttemptsRemaining *int   `json:"attemptsRemaining,omitempty"`
}

type sendOTPReq struct {
	PhoneNumber string         `json:"phoneNumber"`
	OTPType     models.Purpose `json:"otpType"`
}

type loginOTPReq struct {
	PhoneNumber string `json:"phoneNumber"`
	OTP         string `json:"otp"`
}

type loginPasswordReq struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken"`
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value(ctxApp).(*App)
	)

	if err := app.store.Ping(r.Context()); err != nil {
		app.lo.Error("error pinging store", "error", err)
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, "OK")
}

// handleSendOTP issues an OTP and hands it off for delivery.
func handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value(ctxApp).(*App)
		req sendOTPReq
	)
	if !decodeJSON(w, r, &req) {
		return
	}

	out, err := app.auth.SendOTP(r.Context(), req.PhoneNumber, req.OTPType)
	if err != nil {
		sendAuthError(app, w, err)
		return
	}

	sendResponseMsg(w, "OTP sent successfully.", out)
}

func handleLoginWithOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value(ctxApp).(*App)
		req loginOTPReq
	)
	if !decodeJSON(w, r, &req) {
		return
	}

	out, err := app.auth.LoginWithOTP(r.Context(), req.PhoneNumber, req.OTP)
	if err != nil {
		sendAuthError(app, w, err)
		return
	}

	sendResponseMsg(w, "Login successful.", out)
}

func handleLoginWithPassword(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value(ctxApp).(*App)
		req loginPasswordReq
	)
	if !decodeJSON(w, r, &req) {
		return
	}

	out, err := app.auth.LoginWithPassword(r.Context(), req.Identifier, req.Password)
	if err != nil {
		sendAuthError(app, w, err)
		return
	}

	sendResponseMsg(w, "Login successful.", out)
}

func handleRefresh(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value(ctxApp).(*App)
		req refreshReq
	)
	if !decodeJSON(w, r, &req) {
		return
	}

	out, err := app.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		sendAuthError(app, w, err)
		return
	}

	sendResponseMsg(w, "Token refreshed successfully.", out)
}

// handleLogout revokes the bearer token. It doesn't require the token
// to be valid, or even present. Either way the logout succeeds.
func handleLogout(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value(ctxApp).(*App)
		tk  = token.ExtractFromHeader(r.Header.Get("Authorization"))
	)
	if tk != "" {
		app.auth.Logout(r.Context(), tk)
	}

	sendResponseMsg(w, "Logout successful.", nil)
}

// handleGetMe returns the authenticated user.
func handleGetMe(w http.ResponseWriter, r *http.Request) {
	var (
		app    = r.Context().Value(ctxApp).(*App)
		claims = r.Context().Value(ctxClaims).(*token.Claims)
	)

	out, err := app.auth.CurrentUser(r.Context(), claims.Subject)
	if err != nil {
		sendAuthError(app, w, err)
		return
	}

	sendResponse(w, out)
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxApp, app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate is a middleware that requires a valid, unrevoked access
// token in the `Authorization: Bearer` header and injects its claims
// into the request context.
func authenticate(next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			app = r.Context().Value(ctxApp).(*App)
			tk  = token.ExtractFromHeader(r.Header.Get("Authorization"))
		)

		claims, err := app.auth.Authenticate(r.Context(), tk)
		if err != nil {
			sendAuthError(app, w, err)
			return
		}

		if app.tokens.ExpiresWithin(tk, app.constants.ExpiryWarning) {
			w.Header().Set(headerTokenExpiring, "true")
		}

		ctx := context.WithValue(r.Context(), ctxClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logRequests is a middleware that logs every request.
func logRequests(lo logf.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				ww    = middleware.NewWrapResponseWriter(w, r.ProtoMajor)
				start = time.Now()
			)
			next.ServeHTTP(ww, r)

			lo.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start).String(),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

// decodeJSON decodes a JSON request body into out. It writes the error
// response and returns false if the body is invalid.
func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(out); err != nil {
		sendErrorResponse(w, "Invalid JSON request body.", http.StatusBadRequest,
			errResp{Code: auth.CodeInvalidInput})
		return false
	}
	return true
}

// sendAuthError maps an error from the auth flows to an HTTP error response.
func sendAuthError(app *App, w http.ResponseWriter, err error) {
	var e *auth.Error
	if !errors.As(err, &e) {
		app.lo.Error("error processing request", "error", err)
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	var (
		code = http.StatusInternalServerError
		data = errResp{Code: e.Code}
	)
	switch e.Kind {
	case auth.KindValidation:
		code = http.StatusBadRequest
	case auth.KindAuthentication:
		code = http.StatusUnauthorized
	case auth.KindNotFound:
		code = http.StatusNotFound
	case auth.KindExternal:
		code = http.StatusBadGateway
	}

	var oe *otp.Error
	if errors.As(err, &oe) {
		switch oe.Reason {
		case otp.ReasonThrottled:
			code = http.StatusTooManyRequests
			data.WaitSeconds = oe.WaitSeconds
			w.Header().Set("Retry-After", strconv.Itoa(oe.WaitSeconds))
		case otp.ReasonInvalidCode:
			n := oe.AttemptsRemaining
			data.AttemptsRemaining = &n
		}
	}

	sendErrorResponse(w, e.Message, code, data)
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	sendResponseMsg(w, "", data)
}

func sendResponseMsg(w http.ResponseWriter, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Message: message, Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}
