package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"family-hub-backend/pkg/config"
	"family-hub-backend/pkg/database"
	"family-hub-backend/pkg/middleware"
	"family-hub-backend/pkg/models"
	"family-hub-backend/pkg/utils"
)

// AuthHandler serves registration, login and token refresh.
type AuthHandler struct {
	config *config.Config
	db     database.DatabaseInterface
	jwt    *utils.JWTService
}

func NewAuthHandler(cfg *config.Config, db database.DatabaseInterface) *AuthHandler {
	return &AuthHandler{
		config: cfg,
		db:     db,
		jwt:    utils.NewJWTService(cfg.JWTSecret),
	}
}

// ensureDefaultGroup makes sure the user belongs to at least one group.
// New accounts get a personal family group with the user as owner.
func (h *AuthHandler) ensureDefaultGroup(user *models.User) (string, error) {
	if user == nil || user.ID == "" {
		return "", fmt.Errorf("invalid user")
	}
	groups, err := h.db.ListUserGroups(user.ID)
	if err == nil && len(groups) > 0 {
		return groups[0].ID, nil
	}

	displayName := user.Name
	if strings.TrimSpace(displayName) == "" {
		parts := strings.Split(user.Email, "@")
		if len(parts) > 0 {
			displayName = parts[0]
		}
	}
	group := &models.Group{
		Name:        fmt.Sprintf("%s's Family", displayName),
		Description: "Default family group",
		OwnerID:     user.ID,
	}
	if err := h.db.CreateGroup(group); err != nil {
		return "", err
	}
	return group.ID, nil
}

// Register creates a new account and its default family group.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.UserRegisterRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		utils.WriteValidationErrorResponse(w, "Invalid email address", "")
		return
	}
	if len(req.Password) < 8 {
		utils.WriteValidationErrorResponse(w, "Password must be at least 8 characters", "")
		return
	}

	if existing, err := h.db.GetUserByEmail(req.Email); err == nil && existing != nil {
		utils.WriteConflictResponse(w, "Email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to process password")
		return
	}

	user := &models.User{
		Email:    req.Email,
		Name:     req.Name,
		Password: string(hash),
	}
	if err := h.db.CreateUser(user); err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to create user")
		return
	}

	groupID, err := h.ensureDefaultGroup(user)
	if err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to create default group")
		return
	}

	accessToken, refreshToken, expiresIn, err := h.jwt.GenerateTokenPair(user.ID, user.Email)
	if err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to issue tokens")
		return
	}

	utils.WriteCreatedResponse(w, models.UserLoginResponse{
		User:         *user,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    expiresIn,
		GroupID:      groupID,
	})
}

// Login verifies credentials and issues a token pair.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.UserLoginRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	user, err := h.db.GetUserByEmail(req.Email)
	if err != nil {
		// same response for unknown email and wrong password
		utils.WriteUnauthorizedResponse(w, "Invalid email or password")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		utils.WriteUnauthorizedResponse(w, "Invalid email or password")
		return
	}

	groupID, err := h.ensureDefaultGroup(user)
	if err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to resolve default group")
		return
	}

	accessToken, refreshToken, expiresIn, err := h.jwt.GenerateTokenPair(user.ID, user.Email)
	if err != nil {
		utils.WriteInternalServerErrorResponse(w, "Failed to issue tokens")
		return
	}

	user.Password = ""
	utils.WriteSuccessResponse(w, models.UserLoginResponse{
		User:         *user,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    expiresIn,
		GroupID:      groupID,
	})
}

// RefreshToken exchanges a refresh token for a new access token.
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshTokenRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	if req.RefreshToken == "" {
		utils.WriteBadRequestResponse(w, "refresh_token is required")
		return
	}

	accessToken, expiresIn, err := h.jwt.RefreshAccessToken(req.RefreshToken)
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Invalid refresh token")
		return
	}

	utils.WriteSuccessResponse(w, map[string]interface{}{
		"access_token": accessToken,
		"expires_in":   expiresIn,
	})
}

// Logout acknowledges the logout. Tokens are stateless; clients drop them.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	utils.WriteSuccessResponse(w, map[string]string{"status": "logged_out"})
}

// GetCurrentUser returns the authenticated user's profile.
func (h *AuthHandler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteUnauthorizedResponse(w, "Authentication required")
		return
	}

	user, err := h.db.GetUserByID(actor.ID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			utils.WriteNotFoundResponse(w, "User not found")
			return
		}
		utils.WriteInternalServerErrorResponse(w, "Failed to load user")
		return
	}

	user.Password = ""
	utils.WriteSuccessResponse(w, user)
}

// HealthCheck reports service and database status.
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbStatus := "ok"
	if err := h.db.HealthCheck(); err != nil {
		status = "degraded"
		dbStatus = err.Error()
	}

	utils.WriteSuccessResponse(w, map[string]interface{}{
		"status":    status,
		"database":  dbStatus,
		"pool":      database.GetConnectionStats(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
