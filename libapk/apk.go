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

package libapk

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/avast/apkparser"
	"go.mozilla.org/pkcs7"
)

// A Package is the identity tuple extracted from a candidate .apk file.
// It is everything the repository needs to know about a package without
// ever looking inside the archive again.
type Package struct {
	Path        string      // Path to the inspected .apk file
	Identity    string      // Reverse-DNS application identity
	Version     VersionCode // Full 64-bit version code
	MinPlatform int         // Minimum supported platform (SDK) version
	Signers     SignerSet   // Certificate fingerprints that signed the package
	Digest      string      // SHA-256 of the whole file, lowercase hex
	Size        int64       // File size in bytes
}

// An Inspector parses candidate package files. It holds no state; it
// exists so the repository core can consume the inspection behaviour
// through an interface.
type Inspector struct{}

// NewInspector returns a ready to use package inspector
func NewInspector() *Inspector {
	return &Inspector{}
}

// Inspect reads the archive at path without mutating it and extracts the
// package identity tuple. Structural problems yield ErrMalformed, a
// missing signature block yields ErrUnsigned, and signature blocks the
// signing adapter cannot represent yield ErrUnsupportedIdentityScheme.
func (i *Inspector) Inspect(p string) (*Package, error) {
	return Inspect(p)
}

// Inspect is the package-level form of Inspector.Inspect
func Inspect(p string) (*Package, error) {
	signers, err := readSignerSet(p)
	if err != nil {
		return nil, err
	}

	identity, version, minPlatform, err := readManifest(p)
	if err != nil {
		return nil, err
	}

	digest, size, err := fileDigest(p)
	if err != nil {
		return nil, err
	}

	return &Package{
		Path:        p,
		Identity:    identity,
		Version:     version,
		MinPlatform: minPlatform,
		Signers:     signers,
		Digest:      digest,
		Size:        size,
	}, nil
}

// readSignerSet pulls the certificate fingerprints out of the JAR
// signature blocks under META-INF. We deliberately do this before touching
// the manifest: an unsigned package is rejected no matter what it claims
// to be.
func readSignerSet(p string) (SignerSet, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer zr.Close()

	var fingerprints []string
	unsupported := false

	for _, f := range zr.File {
		dir, name := path.Split(f.Name)
		if dir != "META-INF/" {
			continue
		}
		ext := strings.ToUpper(path.Ext(name))
		switch ext {
		case ".RSA", ".EC":
		case ".DSA":
			unsupported = true
			continue
		default:
			continue
		}

		certs, err := readSignatureBlock(f)
		if err != nil {
			return nil, err
		}
		for _, cert := range certs {
			sum := sha256.Sum256(cert.Raw)
			fingerprints = append(fingerprints, hex.EncodeToString(sum[:]))
		}
	}

	if len(fingerprints) == 0 {
		if unsupported {
			return nil, ErrUnsupportedIdentityScheme
		}
		return nil, ErrUnsigned
	}
	return NewSignerSet(fingerprints...)
}

// readSignatureBlock parses a single PKCS#7 signature block entry and
// returns the certificates it carries
func readSignatureBlock(f *zip.File) ([]*x509.Certificate, error) {
	r, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	block, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: signature block %s: %v", ErrMalformed, f.Name, err)
	}
	if len(block.Certificates) == 0 {
		return nil, fmt.Errorf("%w: signature block %s carries no certificates", ErrMalformed, f.Name)
	}
	return block.Certificates, nil
}

// readManifest decodes the binary AndroidManifest.xml and extracts the
// identity, full version code and minimum platform version
func readManifest(p string) (string, VersionCode, int, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)

	zipErr, _, manErr := apkparser.ParseApk(p, enc)
	if zipErr != nil {
		return "", 0, 0, fmt.Errorf("%w: %v", ErrMalformed, zipErr)
	}
	if manErr != nil {
		return "", 0, 0, fmt.Errorf("%w: manifest: %v", ErrMalformed, manErr)
	}
	if err := enc.Flush(); err != nil {
		return "", 0, 0, fmt.Errorf("%w: manifest: %v", ErrMalformed, err)
	}

	var (
		identity    string
		major       uint64
		minor       uint64
		minPlatform = 1
		seenVersion bool
	)

	dec := xml.NewDecoder(&buf)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, 0, fmt.Errorf("%w: manifest: %v", ErrMalformed, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "manifest":
			for _, attr := range start.Attr {
				switch attr.Name.Local {
				case "package":
					identity = attr.Value
				case "versionCode":
					minor, err = strconv.ParseUint(attr.Value, 0, 32)
					if err != nil {
						return "", 0, 0, fmt.Errorf("%w: versionCode %q", ErrMalformed, attr.Value)
					}
					seenVersion = true
				case "versionCodeMajor":
					major, err = strconv.ParseUint(attr.Value, 0, 32)
					if err != nil {
						return "", 0, 0, fmt.Errorf("%w: versionCodeMajor %q", ErrMalformed, attr.Value)
					}
				}
			}
		case "uses-sdk":
			for _, attr := range start.Attr {
				if attr.Name.Local != "minSdkVersion" {
					continue
				}
				v, err := strconv.ParseUint(attr.Value, 0, 31)
				if err != nil {
					return "", 0, 0, fmt.Errorf("%w: minSdkVersion %q", ErrMalformed, attr.Value)
				}
				minPlatform = int(v)
			}
		}
	}

	if !ValidIdentity(identity) {
		return "", 0, 0, fmt.Errorf("%w: invalid application identity %q", ErrMalformed, identity)
	}
	if !seenVersion {
		return "", 0, 0, fmt.Errorf("%w: manifest declares no versionCode", ErrMalformed)
	}

	return identity, ComposeVersionCode(uint32(major), uint32(minor)), minPlatform, nil
}

// fileDigest streams the whole file through SHA-256 so large packages
// never need to sit in memory
func fileDigest(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
