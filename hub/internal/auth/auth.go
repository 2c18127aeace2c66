// Package auth provides device provisioning and connection authentication
// for the hub.
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
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/amurg-ai/relay/hub/internal/config"
	"github.com/amurg-ai/relay/hub/internal/store"
	"github.com/amurg-ai/relay/hub/internal/token"
	"github.com/amurg-ai/relay/pkg/protocol"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrRevoked         = errors.New("device revoked")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidArgument = errors.New("invalid argument")
)

// DeviceTokenPrefix marks raw device credentials.
const DeviceTokenPrefix = "rly_"

// deviceTokenBytes is the entropy of a raw device token.
const deviceTokenBytes = 32

// Identity is the result of a successful connection authentication.
type Identity struct {
	Role     string
	OrgID    string
	DeviceID string // agents only
	Subject  string
}

// Service handles provisioning and authentication.
type Service struct {
	store       store.Store
	codec       *token.Codec
	adminKey    string
	defaultTTL  time.Duration
	maxTTL      time.Duration
	now         func() time.Time
	bcryptCost  int
	randomBytes func([]byte) (int, error)
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for token issuance and
// verification.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBcryptCost sets the cost used when hashing admin keys.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig, opts ...Option) *Service {
	svc := &Service{
		store:       s,
		adminKey:    cfg.AdminKey,
		defaultTTL:  cfg.DashboardTokenTTL,
		maxTTL:      cfg.DashboardTokenMaxTTL,
		now:         time.Now,
		bcryptCost:  bcrypt.DefaultCost,
		randomBytes: rand.Read,
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.codec = token.NewCodec([]byte(cfg.TokenSecret), svc.now)
	return svc
}

// HashToken returns the sha256 hex digest under which a raw device token is stored.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Provision mints a new device credential. The raw token is returned once
// and never persisted.
func (s *Service) Provision(ctx context.Context, orgID, hostname string) (*store.Device, string, error) {
	orgID = strings.TrimSpace(orgID)
	hostname = strings.TrimSpace(hostname)
	if orgID == "" {
		return nil, "", fmt.Errorf("%w: org id is required", ErrInvalidArgument)
	}
	if hostname == "" {
		return nil, "", fmt.Errorf("%w: hostname is required", ErrInvalidArgument)
	}

	buf := make([]byte, deviceTokenBytes)
	if _, err := s.randomBytes(buf); err != nil {
		return nil, "", fmt.Errorf("generate device token: %w", err)
	}
	raw := DeviceTokenPrefix + base64.RawURLEncoding.EncodeToString(buf)

	dev, err := s.store.InsertDevice(ctx, &store.Device{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Hostname:  hostname,
		TokenHash: HashToken(raw),
		CreatedAt: s.now(),
	})
	if err != nil {
		return nil, "", fmt.Errorf("provision device: %w", err)
	}
	return dev, raw, nil
}

// Revoke marks a device credential as revoked. Revoking an already revoked
// device succeeds without changing it. Unknown devices yield store.ErrNotFound.
func (s *Service) Revoke(ctx context.Context, deviceID string) (*store.Device, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidArgument)
	}
	if err := s.store.MarkRevoked(ctx, deviceID, s.now()); err != nil {
		return nil, fmt.Errorf("revoke device: %w", err)
	}
	dev, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if dev == nil {
		return nil, store.ErrNotFound
	}
	return dev, nil
}

// IssueDashboardToken signs a dashboard token for orgID. A non-positive ttl
// selects the configured default; ttl is capped at the configured maximum.
func (s *Service) IssueDashboardToken(orgID string, ttl time.Duration) (string, time.Time, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return "", time.Time{}, fmt.Errorf("%w: org id is required", ErrInvalidArgument)
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if s.maxTTL > 0 && ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	now := s.now()
	exp := now.Add(ttl)
	tok, err := s.codec.Sign(token.Claims{
		OrgID: orgID,
		Role:  protocol.RoleDashboard,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dashboard:" + orgID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue dashboard token: %w", err)
	}
	// exp is carried in whole seconds.
	return tok, exp.Truncate(time.Second), nil
}

// AuthenticateOnConnect validates the credential a connecting socket presents.
func (s *Service) AuthenticateOnConnect(ctx context.Context, role, orgID, credential string) (*Identity, error) {
	if credential == "" || orgID == "" {
		return nil, ErrInvalidToken
	}
	switch role {
	case protocol.RoleAgent:
		return s.authenticateAgent(ctx, orgID, credential)
	case protocol.RoleDashboard:
		return s.authenticateDashboard(orgID, credential)
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}
}

func (s *Service) authenticateAgent(ctx context.Context, orgID, raw string) (*Identity, error) {
	dev, err := s.store.FindDeviceByTokenHash(ctx, HashToken(raw))
	if err != nil {
		return nil, fmt.Errorf("lookup device: %w", err)
	}
	if dev == nil || dev.OrgID != orgID {
		return nil, ErrInvalidToken
	}
	if dev.Revoked() {
		return nil, ErrRevoked
	}
	return &Identity{
		Role:     protocol.RoleAgent,
		OrgID:    dev.OrgID,
		DeviceID: dev.ID,
		Subject:  "device:" + dev.ID,
	}, nil
}

func (s *Service) authenticateDashboard(orgID, tok string) (*Identity, error) {
	claims, err := s.codec.Verify(tok)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Role != protocol.RoleDashboard || claims.OrgID != orgID {
		return nil, ErrInvalidToken
	}
	return &Identity{
		Role:    protocol.RoleDashboard,
		OrgID:   claims.OrgID,
		Subject: claims.Subject,
	}, nil
}

// ListDevices returns the devices provisioned for orgID.
func (s *Service) ListDevices(ctx context.Context, orgID string) ([]store.Device, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, fmt.Errorf("%w: org id is required", ErrInvalidArgument)
	}
	devices, err := s.store.ListDevices(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// VerifyAdminKey checks key against the configured static key, then against
// the named keys in the store.
func (s *Service) VerifyAdminKey(ctx context.Context, key string) error {
	if key == "" {
		return ErrUnauthorized
	}
	if s.adminKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(s.adminKey)) == 1 {
		return nil
	}
	keys, err := s.store.ListAdminKeys(ctx)
	if err != nil {
		return fmt.Errorf("list admin keys: %w", err)
	}
	for _, k := range keys {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(key)) == nil {
			return nil
		}
	}
	return ErrUnauthorized
}

// CreateAdminKey stores a new named admin key and returns it in the clear.
func (s *Service) CreateAdminKey(ctx context.Context, name string) (*store.AdminKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("%w: key name is required", ErrInvalidArgument)
	}

	buf := make([]byte, deviceTokenBytes)
	if _, err := s.randomBytes(buf); err != nil {
		return nil, "", fmt.Errorf("generate admin key: %w", err)
	}
	raw := "rla_" + base64.RawURLEncoding.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), s.bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash admin key: %w", err)
	}

	key := &store.AdminKey{
		ID:        uuid.New().String(),
		Name:      name,
		KeyHash:   string(hash),
		CreatedAt: s.now(),
	}
	if err := s.store.InsertAdminKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("store admin key: %w", err)
	}
	return key, raw, nil
}
