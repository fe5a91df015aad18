package collabserver

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/tempoplan/collab/collab"
)

// Identity claims carried by a connect token.
type ConnectClaims struct {
	UserId      collab.Id
	DisplayName string
	AvatarRef   string
}

// The token authority mints and verifies connect tokens. Tokens are HS256
// with a shared secret: the collab endpoint and the product backend that
// hands tokens to page sessions must agree on it.
type TokenAuthority struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenAuthority(secret []byte, ttl time.Duration) *TokenAuthority {
	return &TokenAuthority{
		secret: secret,
		ttl:    ttl,
	}
}

func (self *TokenAuthority) Mint(claims *ConnectClaims) (string, error) {
	if claims.UserId.IsZero() {
		return "", errors.New("User id is required.")
	}
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":    claims.UserId.String(),
		"name":   claims.DisplayName,
		"avatar": claims.AvatarRef,
		"iat":    now.Unix(),
		"exp":    now.Add(self.ttl).Unix(),
	})
	return token.SignedString(self.secret)
}

func (self *TokenAuthority) Verify(tokenStr string) (*ConnectClaims, error) {
	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
		gojwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("Token claims have an unexpected shape.")
	}

	connectClaims := &ConnectClaims{}

	subStr, ok := claims["sub"].(string)
	if !ok {
		return nil, errors.New("Token is missing sub.")
	}
	userId, err := collab.ParseId(subStr)
	if err != nil {
		return nil, fmt.Errorf("Token sub is not an id: %w", err)
	}
	connectClaims.UserId = userId

	if name, ok := claims["name"].(string); ok {
		connectClaims.DisplayName = name
	}
	if avatar, ok := claims["avatar"].(string); ok {
		connectClaims.AvatarRef = avatar
	}

	return connectClaims, nil
}

type StaticUser struct {
	UserAuth    string
	Password    string
	UserId      collab.Id
	DisplayName string
	AvatarRef   string
}

// StaticCredentialCheck builds a credential check from a fixed user table.
// Users without an id get one assigned, stable for the process lifetime.
// Suited to the reference deployment and tests, not to production.
func StaticCredentialCheck(users []*StaticUser) func(string, string) (*ConnectClaims, error) {
	byAuth := map[string]*StaticUser{}
	for _, user := range users {
		entry := *user
		if entry.UserId.IsZero() {
			entry.UserId = collab.NewId()
		}
		byAuth[entry.UserAuth] = &entry
	}
	return func(userAuth string, password string) (*ConnectClaims, error) {
		user, ok := byAuth[userAuth]
		if !ok || !hmac.Equal([]byte(user.Password), []byte(password)) {
			return nil, errors.New("Invalid credentials.")
		}
		return &ConnectClaims{
			UserId:      user.UserId,
			DisplayName: user.DisplayName,
			AvatarRef:   user.AvatarRef,
		}, nil
	}
}
