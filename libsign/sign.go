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
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"
)

// digestPayload streams the payload through SHA-256
func digestPayload(payload io.Reader) ([]byte, error) {
	h := sha256.New()
	if _, err := io.Copy(h, payload); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Sign produces a raw signature over the streamed payload. RSA keys use
// PSS with a salt the length of the hash; EC keys use ASN.1 ECDSA.
func (k *SigningKey) Sign(payload io.Reader) ([]byte, error) {
	if k.priv == nil {
		return nil, ErrNoPrivateKey
	}
	sum, err := digestPayload(payload)
	if err != nil {
		return nil, err
	}

	switch k.algo {
	case RSA:
		return rsa.SignPSS(rand.Reader, k.priv.(*rsa.PrivateKey), crypto.SHA256, sum,
			&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	case EC:
		return ecdsa.SignASN1(rand.Reader, k.priv.(*ecdsa.PrivateKey), sum)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, k.algo)
	}
}

// Verify checks a signature previously produced by Sign over the same
// payload bytes. It accepts exactly the encoding Sign emits.
func (k *SigningKey) Verify(payload io.Reader, signature []byte) error {
	sum, err := digestPayload(payload)
	if err != nil {
		return err
	}

	switch pub := k.pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPSS(pub, crypto.SHA256, sum, signature,
			&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}); err != nil {
			return ErrBadSignature
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, sum, signature) {
			return ErrBadSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, k.pub)
	}
}
