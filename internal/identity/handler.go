package identity

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/sheetdash/internal/domain"
	"github.com/bissquit/sheetdash/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const maxRequestBodyBytes = 1 << 20

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrInvalidAdminSecret, Status: http.StatusBadRequest, Code: "invalid_admin_secret", Message: "Invalid Admin Secret Key"},
	{Error: ErrPasswordMismatch, Status: http.StatusBadRequest, Code: httputil.CodeValidation, Message: "Passwords do not match"},
	{Error: ErrValidation, Status: http.StatusBadRequest, Code: httputil.CodeValidation},
	{Error: ErrWrongCurrentPassword, Status: http.StatusBadRequest, Code: httputil.CodeValidation, Message: "Current password is incorrect"},
	{Error: ErrEmailExists, Status: http.StatusConflict, Code: "duplicate_email", Message: "User with given email already exists!"},
	{Error: ErrInvalidCredentials, Status: http.StatusUnauthorized, Code: "invalid_credentials", Message: "Invalid Email or Password"},
	{Error: ErrTooManyAttempts, Status: http.StatusTooManyRequests, Code: httputil.CodeTooManyRequests, Message: "Too many failed login attempts, try again later"},
	{Error: ErrUserNotFound, Status: http.StatusNotFound, Code: httputil.CodeNotFound, Message: "User not found"},
	{Error: ErrForbidden, Status: http.StatusForbidden, Code: httputil.CodeForbidden, Message: "insufficient permissions"},
}

// TokenErrorMappings maps token verification failures for httputil.AuthMiddleware.
var TokenErrorMappings = []httputil.ErrorMapping{
	{Error: ErrExpiredToken, Status: http.StatusUnauthorized, Code: "expired_token", Message: "token expired"},
	{Error: ErrMalformedToken, Status: http.StatusUnauthorized, Code: "malformed_token", Message: "malformed token"},
	{Error: ErrToken, Status: http.StatusUnauthorized, Code: httputil.CodeInvalidToken, Message: "invalid token"},
}

// Handler handles HTTP requests for the identity module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new identity handler.
func NewHandler(service *Service) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(jsonTagName)

	return &Handler{
		service:   service,
		validator: v,
	}
}

// RegisterRoutes registers public identity routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/users", h.Register)
	r.Post("/login", h.Login)
	r.Post("/auth", h.Login)
}

// RegisterProtectedRoutes registers routes that require authentication.
func (h *Handler) RegisterProtectedRoutes(r chi.Router) {
	r.Get("/me", h.Me)
	r.Put("/change-password/{id}", h.ChangePassword)
}

// RegisterAdminRoutes registers user management routes. The caller must
// guard them with httputil.RequireRole(domain.RoleAdmin).
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/users", h.ListUsers)
	r.Get("/users/{id}", h.GetUser)
	r.Patch("/users/{id}", h.UpdateUser)
	r.Delete("/users/{id}", h.DeleteUser)
	r.Post("/users/{id}/restore", h.RestoreUser)
}

// RegisterResponse represents registration response body.
type RegisterResponse struct {
	Message string       `json:"message"`
	User    *domain.User `json:"user"`
}

// Register handles POST /users.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterInput
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.service.Register(r.Context(), req)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.JSON(w, http.StatusCreated, RegisterResponse{
		Message: "User created successfully",
		User:    user,
	})
}

// LoginRequest represents login request body.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,max=255"`
	Password string `json:"password" validate:"required,max=256"`
}

// LoginResponse represents login response body.
type LoginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      *domain.User `json:"user"`
}

// Login handles POST /login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.service.Login(r.Context(), LoginInput(req))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.JSON(w, http.StatusOK, LoginResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
		User:      result.User,
	})
}

// ChangePasswordRequest represents change password request body.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required"`
	ConfirmPassword string `json:"confirmPassword" validate:"required"`
}

// ChangePassword handles PUT /change-password/{id}.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx := r.Context()
	if err := h.service.AuthorizeSelfOrAdmin(httputil.GetUserID(ctx), httputil.GetRole(ctx), id); err != nil {
		httputil.HandleError(ctx, w, err, errorMappings)
		return
	}

	var req ChangePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	err := h.service.ChangePassword(ctx, ChangePasswordInput{
		UserID:          id,
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		httputil.HandleError(ctx, w, err, errorMappings)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]string{"message": "Password changed successfully"})
}

// Me handles GET /me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.GetUserByID(r.Context(), httputil.GetUserID(r.Context()))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, user)
}

// ListMeta describes a page of results.
type ListMeta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ListUsersResponse represents the user listing body.
type ListUsersResponse struct {
	Data []domain.User `json:"data"`
	Meta ListMeta      `json:"meta"`
}

// ListUsers handles GET /users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := UserFilter{
		Search: q.Get("search"),
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		httputil.Error(w, http.StatusBadRequest, httputil.CodeValidation, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		httputil.Error(w, http.StatusBadRequest, httputil.CodeValidation, "offset must be an integer")
		return
	}
	if v := q.Get("include_deleted"); v != "" {
		if filter.IncludeDeleted, err = strconv.ParseBool(v); err != nil {
			httputil.Error(w, http.StatusBadRequest, httputil.CodeValidation, "include_deleted must be a boolean")
			return
		}
	}

	filter = filter.normalize()
	users, total, err := h.service.ListUsers(r.Context(), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.JSON(w, http.StatusOK, ListUsersResponse{
		Data: users,
		Meta: ListMeta{Total: total, Limit: filter.Limit, Offset: filter.Offset},
	})
}

// GetUser handles GET /users/{id}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.GetUserByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, user)
}

// UpdateUser handles PATCH /users/{id}.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req ProfileInput
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, user)
}

// DeleteUser handles DELETE /users/{id}.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	mode := domain.DeleteMode(r.URL.Query().Get("mode"))

	if err := h.service.DeleteUser(r.Context(), chi.URLParam(r, "id"), mode); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RestoreUser handles POST /users/{id}/restore.
func (h *Handler) RestoreUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.RestoreUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, user)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httputil.Error(w, http.StatusBadRequest, httputil.CodeValidation, "invalid json")
		return false
	}
	return true
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
