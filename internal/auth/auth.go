package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatbox/internal/content"
	"chatbox/internal/models"
	"chatbox/internal/storage"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

const (
	DefaultTokenExpiry = 12 * time.Hour

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

var ErrUserExists = errors.New("user already exists")

type Config struct {
	TokenExpiry time.Duration
}

func (c *Config) Validate() error {
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must be positive")
	}
	return nil
}

type MemberCredentials struct {
	Member       models.Member
	PasswordHash string

	// Counter for consecutive failed login attempts to throttle brute
	// force attacks.
	FailedLoginAttempts int64
	LastAttemptTime     int64
}

func (mc *MemberCredentials) ResetFailedLoginAttempts(now time.Time) {
	mc.FailedLoginAttempts = 0
	mc.LastAttemptTime = now.Unix()
}

func (mc *MemberCredentials) IncrementFailedLoginAttempts(now time.Time) {
	mc.FailedLoginAttempts++
	mc.LastAttemptTime = now.Unix()
}

// AuthService resolves identity for both transports: raw tokens live in
// a TTL cache backed by hashed tokens in storage, so a restart does not
// log everyone out.
type AuthService struct {
	Config
	storage    *storage.BboltStorage
	members    *geche.Locker[string, *MemberCredentials]
	liveTokens geche.Geche[string, int64]
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config, st *storage.BboltStorage) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	as := &AuthService{
		Config:     config,
		storage:    st,
		members:    geche.NewLocker[string, *MemberCredentials](geche.NewMapCache[string, *MemberCredentials]()),
		liveTokens: geche.NewMapTTLCache[string, int64](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}

	members, hashes, err := st.ListMembers()
	if err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}
	tx := as.members.Lock()
	for _, m := range members {
		tx.Set(m.Username, &MemberCredentials{Member: m, PasswordHash: hashes[m.ID]})
	}
	tx.Unlock()

	return as, nil
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(key), nil
}

func verifyPassword(hash, password string) bool {
	parts := strings.SplitN(hash, "$", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(want, got) == 1
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// AddMember creates a member in Created status and returns a one-time
// registration token. The member cannot log in until registered.
func (as *AuthService) AddMember(username string) (models.Member, string, error) {
	if err := content.ValidateUsername(username); err != nil {
		return models.Member{}, "", models.ValidationError{Field: "username", Message: err.Error()}
	}

	tx := as.members.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(username); err == nil {
		return models.Member{}, "", ErrUserExists
	}

	id, err := as.storage.NextMemberID()
	if err != nil {
		return models.Member{}, "", err
	}
	member := models.Member{
		ID:       id,
		Username: username,
		Status:   models.MemberStatusCreated,
	}
	if err := as.storage.UpsertMember(member, ""); err != nil {
		return models.Member{}, "", err
	}

	regToken := uuid.NewString()
	if err := as.storage.UpsertRegistrationToken(member.ID, regToken); err != nil {
		return models.Member{}, "", err
	}

	tx.Set(username, &MemberCredentials{Member: member})
	return member, regToken, nil
}

// Register finalizes a created member: checks the registration token
// and sets the password.
func (as *AuthService) Register(username, regToken, password string) error {
	if len(password) < 8 {
		return models.ValidationError{Field: "password", Message: "must be at least 8 characters"}
	}

	tx := as.members.Lock()
	defer tx.Unlock()
	creds, err := tx.Get(username)
	if err != nil {
		return models.ErrNotFound
	}

	stored, err := as.storage.GetRegistrationToken(creds.Member.ID)
	if err != nil || subtle.ConstantTimeCompare([]byte(stored), []byte(regToken)) != 1 {
		return models.ErrUnauthorized
	}

	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	creds.Member.Status = models.MemberStatusActive
	creds.PasswordHash = hash
	if err := as.storage.UpsertMember(creds.Member, hash); err != nil {
		return err
	}
	return as.storage.DeleteRegistrationToken(creds.Member.ID)
}

// Login verifies the password and issues a token. Failures are
// throttled per member with a quadratic backoff.
func (as *AuthService) Login(username, password string) (string, models.Member, error) {
	now := as.now()
	tx := as.members.Lock()
	defer tx.Unlock()
	creds, err := tx.Get(username)
	if err != nil {
		return "", models.Member{}, models.ErrUnauthorized
	}

	if creds.FailedLoginAttempts > 3 {
		nextAttempt := creds.LastAttemptTime + 30*(creds.FailedLoginAttempts*creds.FailedLoginAttempts)
		if now.Unix() < nextAttempt {
			return "", models.Member{}, fmt.Errorf("too many failed login attempts, next attempt in %d seconds: %w",
				nextAttempt-now.Unix(), models.ErrUnauthorized)
		}
	}

	if creds.Member.Status != models.MemberStatusActive || !verifyPassword(creds.PasswordHash, password) {
		creds.IncrementFailedLoginAttempts(now)
		return "", models.Member{}, models.ErrUnauthorized
	}

	token, err := generateToken()
	if err != nil {
		slog.Error("login failed", "member_id", creds.Member.ID, "error", err)
		return "", models.Member{}, err
	}

	tokenHash := hashToken(token)
	if err := as.storage.UpsertToken(creds.Member.ID, tokenHash); err != nil {
		return "", models.Member{}, err
	}
	as.liveTokens.Set(tokenHash, creds.Member.ID)
	creds.ResetFailedLoginAttempts(now)

	creds.Member.LastVisit = now.Unix()
	if err := as.storage.UpsertMember(creds.Member, creds.PasswordHash); err != nil {
		slog.Warn("failed to update last visit", "member_id", creds.Member.ID, "error", err)
	}

	return token, creds.Member, nil
}

// GetMember resolves a connection token to a member.
func (as *AuthService) GetMember(token string) (models.Member, error) {
	if token == "" {
		return models.Member{}, models.ErrUnauthorized
	}
	tokenHash := hashToken(token)

	memberID, err := as.liveTokens.Get(tokenHash)
	if err != nil {
		memberID, err = as.storage.GetToken(tokenHash)
		if err != nil {
			return models.Member{}, models.ErrUnauthorized
		}
		as.liveTokens.Set(tokenHash, memberID)
	}

	member, _, err := as.storage.GetMember(memberID)
	if err != nil {
		return models.Member{}, models.ErrUnauthorized
	}
	return member, nil
}

// Logout invalidates one token.
func (as *AuthService) Logout(token string) error {
	tokenHash := hashToken(token)
	_ = as.liveTokens.Del(tokenHash)
	return as.storage.DeleteToken(tokenHash)
}

// LogoutAll invalidates every token issued to the member.
func (as *AuthService) LogoutAll(memberID int64) error {
	hashes, err := as.storage.ListMemberTokens(memberID)
	if err != nil {
		return err
	}
	for _, h := range hashes {
		_ = as.liveTokens.Del(h)
		if err := as.storage.DeleteToken(h); err != nil {
			return err
		}
	}
	return nil
}

// SetBanned flips a member's banned status. Existing tokens survive but
// both transports reject banned members.
func (as *AuthService) SetBanned(username string, banned bool) error {
	tx := as.members.Lock()
	defer tx.Unlock()
	creds, err := tx.Get(username)
	if err != nil {
		return models.ErrNotFound
	}
	if banned {
		creds.Member.Status = models.MemberStatusBanned
	} else {
		creds.Member.Status = models.MemberStatusActive
	}
	return as.storage.UpsertMember(creds.Member, creds.PasswordHash)
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
