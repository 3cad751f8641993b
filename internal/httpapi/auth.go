package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"pharmaerp/backend/internal/domain"
	"pharmaerp/backend/internal/store"
)

// ErrInvalidCredentials covers both unknown emails and wrong passwords so
// login responses do not reveal which one failed.
var ErrInvalidCredentials = errors.New("invalid credentials")

type UserStore interface {
	CreateUser(ctx context.Context, user domain.User) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	users    UserStore
}

type pharmaClaims struct {
	jwtlib.RegisteredClaims
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, users UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
	}
}

// Register creates a user account. Callers without an Admin actor always get
// the SalesAgent role regardless of what the request asks for.
func (a *AuthManager) Register(ctx context.Context, req domain.RegisterRequest, actor *domain.Actor) (domain.UserView, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.UserView{}, fmt.Errorf("%w: name is required", store.ErrValidation)
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return domain.UserView{}, fmt.Errorf("%w: a valid email is required", store.ErrValidation)
	}
	if len(req.Password) < 6 {
		return domain.UserView{}, fmt.Errorf("%w: password must be at least 6 characters", store.ErrValidation)
	}

	role := domain.RoleSalesAgent
	if actor != nil && actor.Role == domain.RoleAdmin {
		requested := strings.TrimSpace(req.Role)
		if requested != "" {
			if !domain.ValidRole(requested) {
				return domain.UserView{}, fmt.Errorf("%w: role must be one of Admin, Manager, SalesAgent", store.ErrValidation)
			}
			role = requested
		}
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.UserView{}, fmt.Errorf("failed to hash password")
	}

	user, err := a.users.CreateUser(ctx, domain.User{
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		Active:       true,
	})
	if err != nil {
		return domain.UserView{}, err
	}

	return domain.UserView{ID: user.ID, Name: user.Name, Email: user.Email, Role: user.Role}, nil
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	user, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, ErrInvalidCredentials
		}
		return domain.LoginResponse{}, err
	}
	if !verifyPassword(user.PasswordHash, req.Password) {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if !user.Active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(user, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt.Format(time.RFC3339),
		User:      domain.UserView{ID: user.ID, Name: user.Name, Email: user.Email, Role: user.Role},
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &pharmaClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{ID: sub, Name: claims.Name, Email: claims.Email, Role: claims.Role}, nil
}

func (a *AuthManager) Profile(ctx context.Context, actorID string) (domain.UserView, error) {
	user, err := a.users.GetUserByID(ctx, actorID)
	if err != nil {
		return domain.UserView{}, err
	}
	return domain.UserView{ID: user.ID, Name: user.Name, Email: user.Email, Role: user.Role}, nil
}

func (a *AuthManager) sign(user *domain.User, expiresAt time.Time) (string, error) {
	claims := pharmaClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "pharmaerp",
		},
		Name:  user.Name,
		Email: user.Email,
		Role:  user.Role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
