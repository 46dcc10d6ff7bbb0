package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ernie/tapledger/internal/auth"
	"github.com/ernie/tapledger/internal/storage"
)

type claimsKey struct{}

// claimsFrom returns the operator claims attached by requireAuth or requireAdmin
func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims
}

func operatorOf(u *storage.User) auth.Operator {
	return auth.Operator{
		ID:                     u.ID,
		Username:               u.Username,
		IsAdmin:                u.IsAdmin,
		PasswordChangeRequired: u.PasswordChangeRequired,
	}
}

// requireAuth validates the bearer token and attaches its claims
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return r.withClaims(false, next)
}

// requireAdmin is requireAuth plus the admin role
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return r.withClaims(true, next)
}

func (r *Router) withClaims(adminOnly bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		claims := r.getAuthClaims(req)
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if adminOnly && !claims.IsAdmin {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, req.WithContext(context.WithValue(req.Context(), claimsKey{}, claims)))
	}
}

// getAuthClaims extracts and validates the JWT from the Authorization header
func (r *Router) getAuthClaims(req *http.Request) *auth.Claims {
	token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil
	}
	return r.validate(token)
}

func (r *Router) validate(token string) *auth.Claims {
	if token == "" || r.auth == nil {
		return nil
	}
	claims, err := r.auth.ValidateToken(token)
	if err != nil {
		return nil
	}
	return claims
}

// LoginRequest is the request body for login
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the response body for successful login
type LoginResponse struct {
	Token                  string `json:"token"`
	Username               string `json:"username"`
	IsAdmin                bool   `json:"is_admin"`
	PasswordChangeRequired bool   `json:"password_change_required"`
}

// handleLogin exchanges operator credentials for a token
func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var login LoginRequest
	if err := decodeBody(w, req, &login); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if login.Username == "" || login.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := r.store.GetUserByUsername(req.Context(), login.Username)
	if err != nil && !operatorNotFound(err) {
		writeLedgerError(w, req, err)
		return
	}
	if user == nil || !auth.CheckPassword(login.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := r.auth.IssueToken(operatorOf(user))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	r.store.UpdateUserLastLogin(req.Context(), user.ID)

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:                  token,
		Username:               user.Username,
		IsAdmin:                user.IsAdmin,
		PasswordChangeRequired: user.PasswordChangeRequired,
	})
}

// handleLogout is a no-op; tokens are stateless and the client discards them
func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuthCheck reports the caller's token state without failing
func (r *Router) handleAuthCheck(w http.ResponseWriter, req *http.Request) {
	claims := r.getAuthClaims(req)
	if claims == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated":            true,
		"username":                 claims.Username,
		"is_admin":                 claims.IsAdmin,
		"password_change_required": claims.PasswordChangeRequired,
	})
}

// ChangePasswordRequest is the request body for password change
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// handleChangePassword lets an operator replace their own password and
// returns a token without the change-required flag
func (r *Router) handleChangePassword(w http.ResponseWriter, req *http.Request) {
	claims := claimsFrom(req.Context())

	var body ChangePasswordRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := auth.ValidatePassword(body.NewPassword); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := r.store.GetUserByID(req.Context(), claims.UserID)
	if operatorNotFound(err) {
		writeError(w, http.StatusUnauthorized, "operator no longer exists")
		return
	}
	if err != nil {
		writeLedgerError(w, req, err)
		return
	}
	if !auth.CheckPassword(body.CurrentPassword, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}

	hash, err := auth.HashPassword(body.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	if err := r.store.UpdateUserPassword(req.Context(), user.ID, hash); err != nil {
		writeLedgerError(w, req, err)
		return
	}

	op := operatorOf(user)
	op.PasswordChangeRequired = false
	newToken, err := r.auth.IssueToken(op)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate new token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "password changed successfully",
		"token":   newToken,
	})
}

// CreateUserRequest is the request body for creating an operator
type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

// UserResponse is an operator without the password hash
type UserResponse struct {
	ID                     int64      `json:"id"`
	Username               string     `json:"username"`
	IsAdmin                bool       `json:"is_admin"`
	PasswordChangeRequired bool       `json:"password_change_required"`
	CreatedAt              time.Time  `json:"created_at"`
	LastLogin              *time.Time `json:"last_login,omitempty"`
}

func newUserResponse(u storage.User) UserResponse {
	return UserResponse{
		ID:                     u.ID,
		Username:               u.Username,
		IsAdmin:                u.IsAdmin,
		PasswordChangeRequired: u.PasswordChangeRequired,
		CreatedAt:              u.CreatedAt,
		LastLogin:              u.LastLogin,
	}
}

func (r *Router) handleCreateUser(w http.ResponseWriter, req *http.Request) {
	var body CreateUserRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	body.Username = strings.TrimSpace(body.Username)
	if body.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	if err := auth.ValidatePassword(body.Password); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	err = r.store.CreateUser(req.Context(), body.Username, hash, body.IsAdmin)
	if errors.Is(err, storage.ErrUserExists) {
		writeError(w, http.StatusConflict, "username already exists")
		return
	}
	if err != nil {
		writeLedgerError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "user created"})
}

func (r *Router) handleListUsers(w http.ResponseWriter, req *http.Request) {
	users, err := r.store.ListUsers(req.Context())
	if err != nil {
		writeLedgerError(w, req, err)
		return
	}
	response := make([]UserResponse, len(users))
	for i, u := range users {
		response[i] = newUserResponse(u)
	}
	writeJSON(w, http.StatusOK, response)
}

func (r *Router) handleDeleteUser(w http.ResponseWriter, req *http.Request) {
	username := req.PathValue("username")
	if claimsFrom(req.Context()).Username == username {
		writeError(w, http.StatusForbidden, "cannot delete yourself")
		return
	}

	err := r.store.DeleteUser(req.Context(), username)
	if operatorNotFound(err) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeLedgerError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "user deleted"})
}

// ResetPasswordRequest is the request body for admin password reset
type ResetPasswordRequest struct {
	NewPassword string `json:"new_password"`
}

// handleResetUserPassword sets a new password and forces a change on next login
func (r *Router) handleResetUserPassword(w http.ResponseWriter, req *http.Request) {
	userID, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var body ResetPasswordRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := auth.ValidatePassword(body.NewPassword); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := r.store.GetUserByID(req.Context(), userID); err != nil {
		if operatorNotFound(err) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeLedgerError(w, req, err)
		return
	}

	hash, err := auth.HashPassword(body.NewPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	if err := r.store.ResetUserPassword(req.Context(), userID, hash); err != nil {
		writeLedgerError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "password reset"})
}
