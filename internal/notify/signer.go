package notify

import (
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// Signer produces detached HS256 JWS signatures over event payloads so the
// delivery service can check where an event came from.
type Signer struct {
	signer jose.Signer
}

func NewSigner(key []byte) (*Signer, error) {
	s, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, nil)
	if err != nil {
		return nil, fmt.Errorf("create event signer: %w", err)
	}
	return &Signer{signer: s}, nil
}

func (s *Signer) Sign(payload []byte) (string, error) {
	obj, err := s.signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign event: %w", err)
	}
	return obj.DetachedCompactSerialize()
}

// Verify checks a detached signature produced by Sign.
func Verify(key []byte, signature string, payload []byte) error {
	obj, err := jose.ParseDetached(signature, payload, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	_, err = obj.Verify(key)
	return err
}
