package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ButyrinIA/storyfeed/internal/models"
	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/ButyrinIA/storyfeed/internal/validate"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrEmailTaken         = errors.New("an account with this email already exists")
	ErrUsernameTaken      = errors.New("this username is already taken")
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrEmptyToken         = errors.New("пустой токен")
	ErrInvalidToken       = errors.New("invalid token")
	ErrNotSignedIn        = errors.New("not signed in")
	ErrNotAdmin           = errors.New("admin role required")
)

const DefaultTTL = 24 * time.Hour

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
var (
	upperRe = regexp.MustCompile(`[A-Z]`)
	lowerRe = regexp.MustCompile(`[a-z]`)
	digitRe = regexp.MustCompile(`[0-9]`)
)

// Session - аутентифицированный пользователь
type Session struct {
	Token     string         `json:"token"`
	UserID    string         `json:"userId"`
	Profile   models.Profile `json:"profile"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

func (s *Session) IsAdmin() bool {
	return s != nil && s.Profile.Role == models.RoleAdmin
}

type SignUpInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// Validate возвращает первую нарушенную проверку
func (in SignUpInput) Validate() error {
	email := strings.TrimSpace(in.Email)
	username := strings.TrimSpace(in.Username)
	displayName := strings.TrimSpace(in.DisplayName)
	return validate.First(
		validate.Email("email", email),
		validate.MaxLen("email", email, 255, "Email too long"),
		validate.MinLen("password", in.Password, 8, "Password must be at least 8 characters"),
		validate.MaxLen("password", in.Password, 72, "Password must not exceed 72 characters"),
		validate.Matches("password", in.Password, upperRe, "Password must contain at least one uppercase letter"),
		validate.Matches("password", in.Password, lowerRe, "Password must contain at least one lowercase letter"),
		validate.Matches("password", in.Password, digitRe, "Password must contain at least one number"),
		validate.MinLen("username", username, 3, "Username must be at least 3 characters"),
		validate.MaxLen("username", username, 30, "Username must not exceed 30 characters"),
		validate.Matches("username", username, usernameRe, "Username can only contain letters, numbers, and underscores"),
		validate.MinLen("displayName", displayName, 2, "Display name must be at least 2 characters"),
		validate.MaxLen("displayName", displayName, 100, "Display name must not exceed 100 characters"),
	)
}

func validateSignIn(email, password string) error {
	return validate.First(
		validate.Email("email", email),
		validate.MinLen("password", password, 1, "Password is required"),
	)
}

// Manager создает учетные записи и выдает токены
type Manager struct {
	store  storage.Storage
	secret []byte
	ttl    time.Duration
	// Admins - адреса, получающие роль admin при регистрации
	Admins map[string]bool
	now    func() time.Time
	log    logrus.FieldLogger
}

func NewManager(store storage.Storage, secret string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store:  store,
		secret: []byte(secret),
		ttl:    ttl,
		Admins: map[string]bool{},
		now:    time.Now,
		log:    logrus.WithField("component", "session"),
	}
}

// SignUp регистрирует пользователя и создает его профиль
func (m *Manager) SignUp(ctx context.Context, in SignUpInput) (*models.Profile, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	email := strings.ToLower(strings.TrimSpace(in.Email))

	if _, err := storage.Get(ctx, m.store, models.CollectionAccounts, storage.Eq{Field: "email", Value: email}); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	role := models.RoleUser
	if m.Admins[email] {
		role = models.RoleAdmin
	}
	rec, err := m.store.Insert(ctx, models.CollectionProfiles, storage.Record{
		"username":     strings.TrimSpace(in.Username),
		"display_name": strings.TrimSpace(in.DisplayName),
		"role":         string(role),
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}

	if _, err := m.store.Insert(ctx, models.CollectionAccounts, storage.Record{
		"id":            rec["id"],
		"email":         email,
		"password_hash": string(hash),
	}); err != nil {
		if _, derr := m.store.Delete(ctx, models.CollectionProfiles, []storage.Eq{{Field: "id", Value: rec["id"]}}); derr != nil {
			m.log.WithError(derr).WithField("profile", rec["id"]).Warn("failed to roll back profile after account error")
		}
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	var profile models.Profile
	if err := models.Decode(rec, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// SignIn проверяет пароль и выдает сессию
func (m *Manager) SignIn(ctx context.Context, email, password string) (*Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validateSignIn(email, password); err != nil {
		return nil, err
	}

	rec, err := storage.Get(ctx, m.store, models.CollectionAccounts, storage.Eq{Field: "email", Value: email})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	var account models.Account
	if err := models.Decode(rec, &account); err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	profile, err := m.Profile(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	expires := m.now().Add(m.ttl)
	token, err := m.GenerateToken(profile.ID, profile.Role, expires)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, UserID: profile.ID, Profile: *profile, ExpiresAt: expires}, nil
}

// Profile загружает профиль пользователя
func (m *Manager) Profile(ctx context.Context, userID string) (*models.Profile, error) {
	rec, err := storage.Get(ctx, m.store, models.CollectionProfiles, storage.Eq{Field: "id", Value: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	var profile models.Profile
	if err := models.Decode(rec, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// Resume восстанавливает сессию по токену
func (m *Manager) Resume(ctx context.Context, token string) (*Session, error) {
	claims, err := m.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	profile, err := m.Profile(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, UserID: profile.ID, Profile: *profile, ExpiresAt: claims.ExpiresAt.Time}, nil
}

type Claims struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

func (m *Manager) GenerateToken(userID string, role models.Role, expires time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(m.now()),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrEmptyToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	return claims, nil
}

// Context - явный контекст текущей сессии. Захватывается при входе,
// очищается при выходе.
type Context struct {
	mu      sync.RWMutex
	current *Session
}

func NewContext() *Context {
	return &Context{}
}

func (c *Context) Acquire(s *Session) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
}

func (c *Context) Clear() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

func (c *Context) Current() (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.current != nil
}

// Require возвращает сессию или ErrNotSignedIn
func (c *Context) Require() (*Session, error) {
	s, ok := c.Current()
	if !ok {
		return nil, ErrNotSignedIn
	}
	return s, nil
}

// RequireAdmin возвращает сессию администратора
func (c *Context) RequireAdmin() (*Session, error) {
	s, err := c.Require()
	if err != nil {
		return nil, err
	}
	if !s.IsAdmin() {
		return nil, ErrNotAdmin
	}
	return s, nil
}

type ctxKey struct{}

// WithSession кладет сессию в context.Context запроса
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext достает сессию запроса
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	return s, ok && s != nil
}
