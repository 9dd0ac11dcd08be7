package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidLink = errors.New("invalid or expired download link")

type blobClaims struct {
	Bucket string `json:"b"`
	Key    string `json:"k"`
	jwt.RegisteredClaims
}

// Signer issues HMAC-signed tokens naming one blob. The HTTP API serves
// them at {BaseURL}/blobs/{token}.
type Signer struct {
	secret  []byte
	baseURL string
	now     func() time.Time
}

func NewSigner(secret, baseURL string) (*Signer, error) {
	if len(secret) < 16 {
		return nil, errors.New("signing secret must be at least 16 bytes")
	}
	return &Signer{
		secret:  []byte(secret),
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

func (s *Signer) URL(bucket, key string, ttl time.Duration) (string, error) {
	if err := validate(bucket, key, 0); err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}

	now := s.now()
	claims := blobClaims{
		Bucket: bucket,
		Key:    key,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign blob link: %w", err)
	}
	return s.baseURL + "/blobs/" + url.PathEscape(token), nil
}

// Verify returns the bucket and key a token grants access to.
func (s *Signer) Verify(token string) (bucket, key string, err error) {
	var claims blobClaims
	_, err = jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidLink, err)
	}
	if claims.Bucket == "" || claims.Key == "" {
		return "", "", ErrInvalidLink
	}
	return claims.Bucket, claims.Key, nil
}
