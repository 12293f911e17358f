// Package roomauth mints and verifies room invitation tokens. Whether a
// participant hosts a room is decided exactly once, when the room is
// created, and travels only inside the signed token.
package roomauth

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is how long an invitation stays valid.
const DefaultTTL = 24 * time.Hour

// Claims is the invitation payload.
type Claims struct {
	RoomID string `json:"roomId"`
	Host   bool   `json:"host"`
	jwt.RegisteredClaims
}

// Keeper signs and verifies invitations with a shared HS256 secret.
type Keeper struct {
	secret []byte
	ttl    time.Duration
}

// New creates a Keeper. A non-positive ttl gets the default.
func New(secret []byte, ttl time.Duration) (*Keeper, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("invite secret too short (%d bytes, minimum 16)", len(secret))
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Keeper{secret: secret, ttl: ttl}, nil
}

// Mint issues an invitation for roomID. host marks the room creator; every
// other invitation carries host=false.
func (k *Keeper) Mint(roomID string, host bool) (string, error) {
	now := time.Now()
	claims := Claims{
		RoomID: roomID,
		Host:   host,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(k.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(k.secret)
	if err != nil {
		return "", fmt.Errorf("sign invite: %w", err)
	}
	return signed, nil
}

// MintInvite issues a self-contained guest invitation: the verification
// secret travels in front of the signed token, so the guest needs no prior
// key exchange with the host. Guests minted this way never carry the host
// flag.
func (k *Keeper) MintInvite(roomID string) (string, error) {
	token, err := k.Mint(roomID, false)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(k.secret) + "." + token, nil
}

// ParseInvite unpacks a self-contained invitation: the leading segment is
// the verification secret, the rest the signed token.
func ParseInvite(invite string) (Claims, error) {
	encSecret, token, ok := strings.Cut(invite, ".")
	if !ok {
		return Claims{}, fmt.Errorf("malformed invite")
	}
	secret, err := base64.RawURLEncoding.DecodeString(encSecret)
	if err != nil {
		return Claims{}, fmt.Errorf("malformed invite secret: %w", err)
	}
	k, err := New(secret, 0)
	if err != nil {
		return Claims{}, fmt.Errorf("invite: %w", err)
	}
	return k.Parse(token)
}

// Parse verifies an invitation and returns its claims.
func (k *Keeper) Parse(tokenString string) (Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return k.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("parse invite: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("invalid invite token")
	}
	if claims.RoomID == "" {
		return Claims{}, fmt.Errorf("invite carries no room")
	}
	return *claims, nil
}
