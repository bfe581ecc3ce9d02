package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/pliu/chatty-dm/internal/auth"
	"github.com/pliu/chatty-dm/internal/models"
	"github.com/pliu/chatty-dm/internal/store"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessage turns validator errors into one client-facing line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	return strings.Join(lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		switch fe.Tag() {
		case "required":
			return fe.Field() + " is required"
		case "email":
			return fe.Field() + " must be a valid email"
		case "min":
			return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
		default:
			return fe.Field() + " is invalid"
		}
	}), "; ")
}

type SignupRequest struct {
	UserName string `json:"userName" validate:"required,min=3,max=32"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	Name     string `json:"name" validate:"max=64"`
}

type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type AuthHandler struct {
	Store  store.UserStore
	Issuer *auth.Issuer
	Logger *slog.Logger
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserName = strings.TrimSpace(req.UserName)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if _, err := h.Store.GetUserByUsername(req.UserName); err == nil {
		writeError(w, http.StatusBadRequest, "userName already exist")
		return
	}
	if _, err := h.Store.GetUserByEmail(req.Email); err == nil {
		writeError(w, http.StatusBadRequest, "email already exist")
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		orDefault(h.Logger).Error("hashing password", "error", err)
		writeError(w, http.StatusInternalServerError, "signup failed")
		return
	}

	user := &models.User{
		UserName: req.UserName,
		Email:    req.Email,
		Password: hashed,
		Name:     strings.TrimSpace(req.Name),
	}
	if err := h.Store.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusBadRequest, "userName or email already exist")
			return
		}
		orDefault(h.Logger).Error("creating user", "error", err)
		writeError(w, http.StatusInternalServerError, "signup failed")
		return
	}

	if !h.startSession(w, user.ID) {
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	creds.Email = strings.ToLower(strings.TrimSpace(creds.Email))
	if err := validate.Struct(creds); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	user, err := h.Store.GetUserByEmail(creds.Email)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "user does not exist")
		return
	}
	if err != nil {
		orDefault(h.Logger).Error("loading user", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	if !auth.CheckPassword(user.Password, creds.Password) {
		writeError(w, http.StatusBadRequest, "incorrect password")
		return
	}

	if !h.startSession(w, user.ID) {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearTokenCookie(w)
	writeJSON(w, http.StatusOK, messageResponse{Message: "log out successfully"})
}

func (h *AuthHandler) startSession(w http.ResponseWriter, id models.Identity) bool {
	token, err := h.Issuer.Issue(id)
	if err != nil {
		orDefault(h.Logger).Error("issuing token", "identity", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not start session")
		return false
	}
	auth.SetTokenCookie(w, token, h.Issuer.TTL())
	return true
}
