package acmeclient

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-jose/go-jose/v4"
)

// algorithmFor picks the JWS signing algorithm for an account/order key,
// mirroring restinpieces' parseAcmePrivateKeyAndGetType switch over
// *rsa.PrivateKey / *ecdsa.PrivateKey, generalized to the JOSE algorithm
// name go-jose expects instead of a certcrypto.KeyType.
func algorithmFor(key crypto.PrivateKey) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return jose.ES256, nil
		case 384:
			return jose.ES384, nil
		default:
			return "", fmt.Errorf("acmeclient: unsupported ECDSA curve size %d", k.Curve.Params().BitSize)
		}
	default:
		return "", fmt.Errorf("acmeclient: unsupported private key type %T", key)
	}
}

func publicKeyOf(key crypto.PrivateKey) (crypto.PublicKey, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("acmeclient: key of type %T is not a crypto.Signer", key)
	}
	return signer.Public(), nil
}

// newAccountKey generates the EC P-256 key pair a new ACME account is
// registered with, matching the teacher's AcmeCertRenewal.go choice to
// enforce ECDSA P-256 account keys.
func newAccountKey() (crypto.PrivateKey, error) {
	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: generate account key: %w", err)
	}
	return key, nil
}
