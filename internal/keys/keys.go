// keys выпускает пары ключей RSA, которыми подписываются токены одной сессии.
// Каждый вход, регистрация и обновление получают новую пару.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/pribylovaa/stock-dashboard-auth/internal/models"
)

const (
	// DefaultBits — стойкость ключей в проде.
	DefaultBits = 4096
	// MinBits — нижняя граница, ниже которой rsa.GenerateKey отказывается работать.
	MinBits = 1024
)

var (
	// ErrBadPEM — блок PEM отсутствует или имеет неожиданный тип.
	ErrBadPEM = errors.New("bad pem block")
	// ErrNotRSA — ключ разобран, но это не RSA.
	ErrNotRSA = errors.New("key is not rsa")
)

// Issuer генерирует пары ключей фиксированной длины.
type Issuer struct {
	bits int
}

// NewIssuer создаёт Issuer. bits < MinBits заменяется на DefaultBits.
func NewIssuer(bits int) *Issuer {
	if bits < MinBits {
		bits = DefaultBits
	}

	return &Issuer{bits: bits}
}

// Bits возвращает длину модуля.
func (i *Issuer) Bits() int { return i.bits }

// Generate создаёт новую пару и кодирует её в PEM.
func (i *Issuer) Generate() (models.KeyPair, error) {
	const op = "keys.Generate"

	priv, err := rsa.GenerateKey(rand.Reader, i.bits)
	if err != nil {
		return models.KeyPair{}, fmt.Errorf("%s: %w", op, err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return models.KeyPair{}, fmt.Errorf("%s: %w", op, err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return models.KeyPair{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.KeyPair{
		PrivateKey: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		PublicKey:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
	}, nil
}

// ParsePrivateKey разбирает PKCS#8 PEM.
func ParsePrivateKey(data string) (*rsa.PrivateKey, error) {
	const op = "keys.ParsePrivateKey"

	block, _ := pem.Decode([]byte(data))
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("%s: %w", op, ErrBadPEM)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrNotRSA)
	}

	return rsaKey, nil
}

// ParsePublicKey разбирает PKIX PEM.
func ParsePublicKey(data string) (*rsa.PublicKey, error) {
	const op = "keys.ParsePublicKey"

	block, _ := pem.Decode([]byte(data))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%s: %w", op, ErrBadPEM)
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrNotRSA)
	}

	return rsaKey, nil
}
