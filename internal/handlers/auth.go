package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inkboard/inkboard/internal/middleware"
	"github.com/inkboard/inkboard/internal/services"
	"github.com/inkboard/inkboard/pkg/errors"
	"github.com/inkboard/inkboard/pkg/response"
)

// AuthHandler exposes the authentication flows over HTTP.
type AuthHandler struct {
	svc *services.AuthService
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(svc *services.AuthService) *AuthHandler {
	return &AuthHandler{svc: svc}
}

type signupRequest struct {
	Email    string `json:"email" validate:"required,email,max=320"`
	Username string `json:"username" validate:"required,min=3,max=32,username"`
	Password string `json:"password" validate:"required,min=6,max=64"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type verifyEmailRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,numeric,min=4,max=8"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Code        string `json:"code" validate:"required,numeric,min=4,max=8"`
	NewPassword string `json:"new_password" validate:"required,min=6,max=64"`
}

// POST /api/v1/auth/signup
func (h *AuthHandler) Signup(c *gin.Context) {
	var req signupRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.svc.Signup(requestContext(c), services.SignupInput{
		Email:    req.Email,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, result)
}

// POST /api/v1/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.svc.Login(requestContext(c), req.Email, req.Password, clientInfo(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}

	pair, err := h.svc.Refresh(requestContext(c), req.RefreshToken, clientInfo(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, pair)
}

// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.svc.Logout(requestContext(c), req.RefreshToken); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// POST /api/v1/auth/logout-all
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	count, err := h.svc.LogoutAll(requestContext(c), identity)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": count})
}

// POST /api/v1/auth/verify-email
func (h *AuthHandler) VerifyEmail(c *gin.Context) {
	var req verifyEmailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.svc.VerifyEmail(requestContext(c), req.Email, req.Code)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"user":    user,
		"message": "Email verified",
	})
}

// POST /api/v1/auth/verify-email/resend
func (h *AuthHandler) ResendVerification(c *gin.Context) {
	var req emailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.svc.ResendVerification(requestContext(c), req.Email); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{
		"message": "If the account exists and is unverified, a new code has been sent",
	})
}

// POST /api/v1/auth/password/forgot
func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var req emailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.svc.ForgotPassword(requestContext(c), req.Email); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{
		"message": "If the account exists, a reset code has been sent",
	})
}

// POST /api/v1/auth/password/reset
func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	err := h.svc.ResetPassword(requestContext(c), services.ResetPasswordInput{
		Email:       req.Email,
		Code:        req.Code,
		NewPassword: req.NewPassword,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Password updated, please sign in again"})
}

// GET /api/v1/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	user, err := h.svc.Me(requestContext(c), identity)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, user)
}

// GET /api/v1/auth/sessions
func (h *AuthHandler) Sessions(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	sessions, err := h.svc.Sessions(requestContext(c), identity)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, sessions)
}

func clientInfo(c *gin.Context) services.ClientInfo {
	info := services.ClientInfo{IPAddress: c.ClientIP()}
	if c.Request != nil {
		info.UserAgent = c.Request.UserAgent()
	}
	return info
}
