//
// Copyright © 2025-2026 Skiff Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package libsign

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// A SigningKey is the repository key handle. It always carries a public
// half; the private half is present only when loaded from a private key
// file, so verification-only workflows can run without key material.
type SigningKey struct {
	algo Algorithm
	priv crypto.Signer
	pub  crypto.PublicKey
}

// NewSigningKey wraps an in-memory private key, selecting the algorithm
// variant from the key's concrete type
func NewSigningKey(priv crypto.Signer) (*SigningKey, error) {
	algo, err := algorithmOf(priv.Public())
	if err != nil {
		return nil, err
	}
	return &SigningKey{algo: algo, priv: priv, pub: priv.Public()}, nil
}

// NewVerifyingKey wraps an in-memory public key for verification only
func NewVerifyingKey(pub crypto.PublicKey) (*SigningKey, error) {
	algo, err := algorithmOf(pub)
	if err != nil {
		return nil, err
	}
	return &SigningKey{algo: algo, pub: pub}, nil
}

// algorithmOf maps a concrete public key type onto our tagged variant
func algorithmOf(pub crypto.PublicKey) (Algorithm, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return RSA, nil
	case *ecdsa.PublicKey:
		return EC, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// LoadPrivateKey reads a PEM private key file. PKCS#8, PKCS#1 and SEC1
// encodings are all accepted; the algorithm is selected from the parsed
// key, not from the PEM header.
func LoadPrivateKey(path string) (*SigningKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	var parsed interface{}
	if parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes); err != nil {
		if parsed, err = x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
			if parsed, err = x509.ParseECPrivateKey(block.Bytes); err != nil {
				return nil, fmt.Errorf("cannot parse private key %s: %w", path, err)
			}
		}
	}

	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, parsed)
	}
	return NewSigningKey(signer)
}

// LoadPublicKey reads a PEM PKIX public key file for verification-only use
func LoadPublicKey(path string) (*SigningKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cannot parse public key %s: %w", path, err)
	}
	return NewVerifyingKey(pub)
}

// Algorithm returns the tagged algorithm variant for this key
func (k *SigningKey) Algorithm() Algorithm {
	return k.algo
}

// Describe names the key algorithm for reporting
func (k *SigningKey) Describe() string {
	return k.algo.String()
}

// CanSign reports whether the private half is present
func (k *SigningKey) CanSign() bool {
	return k.priv != nil
}
