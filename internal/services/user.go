package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kitabu/kitabu-gobackend/internal/models"
	"github.com/kitabu/kitabu-gobackend/internal/store"
)

const accessTokenTTL = 24 * time.Hour

// UserService is the slice of the account subsystem payments depend on:
// sign-up and login for the API, and the premium flag.
type UserService struct {
	users     store.UserStore
	jwtSecret []byte
	now       func() time.Time
}

func NewUserService(users store.UserStore, jwtSecret []byte) *UserService {
	return &UserService{users: users, jwtSecret: jwtSecret, now: time.Now}
}

func (s *UserService) Register(ctx context.Context, username, email, phone, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if username == "" {
		return nil, &ValidationError{Field: "username", Message: "username is required"}
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, &ValidationError{Field: "email", Message: "a valid email is required"}
	}
	if len(password) < 8 {
		return nil, &ValidationError{Field: "password", Message: "password must be at least 8 characters"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:        uuid.NewString(),
		Username:  username,
		Email:     email,
		Phone:     strings.TrimSpace(phone),
		HPassword: string(hash),
		CreatedAt: s.now(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return user, nil
}

// Login checks the password and issues an HS256 access token.
func (s *UserService) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.HPassword), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": user.ID,
		"exp":     s.now().Add(accessTokenTTL).Unix(),
	})
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", nil, err
	}
	return signed, user, nil
}

func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	return s.users.GetUser(ctx, id)
}

// ActivatePremium grants the entitlement. It is a plain flag set, so calling
// it again for the same user is harmless.
func (s *UserService) ActivatePremium(ctx context.Context, userID string, at time.Time) error {
	if err := s.users.ActivatePremium(ctx, userID, at); err != nil {
		return err
	}
	slog.Info("Premium activated", "user_id", userID)
	return nil
}
