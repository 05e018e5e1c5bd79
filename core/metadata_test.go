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

package core

import (
	"strings"
	"testing"

	"github.com/skiff-project/skiff/libapk"
)

func sampleRecord(t *testing.T) *AppRecord {
	t.Helper()
	rec := &AppRecord{
		SchemaVersion: LedgerSchemaVersion,
		Identity:      "com.example.app",
		Label:         "Example App",
		IconDigest:    AbsentDigest,
		Sequence:      3,
		Versions: []VersionEntry{
			{
				Code:        libapk.ComposeVersionCode(1, 0),
				Digest:      strings.Repeat("ab", 32),
				Size:        1024,
				MinPlatform: 21,
				NotesDigest: AbsentDigest,
				Signers:     testSignerSet(t, 0xaa),
			},
			{
				Code:        libapk.ComposeVersionCode(1, 1),
				Digest:      strings.Repeat("cd", 32),
				Size:        2048,
				MinPlatform: 21,
				NotesDigest: strings.Repeat("ef", 32),
				Signers:     testSignerSet(t, 0xaa),
			},
		},
		Deltas: []DeltaEntry{
			{
				From:   libapk.ComposeVersionCode(1, 0),
				To:     libapk.ComposeVersionCode(1, 1),
				Digest: strings.Repeat("12", 32),
				Size:   128,
			},
		},
		Rotations: []RotationEntry{
			{
				Predecessor: testSignerSet(t, 0xaa),
				Successor:   testSignerSet(t, 0xbb),
			},
		},
	}
	return rec
}

func TestAppPayloadRoundTrip(t *testing.T) {
	rec := sampleRecord(t)
	payload, err := EmitAppPayload(rec)
	if err != nil {
		t.Fatalf("Did not expect emit error, found: %v", err)
	}

	man, err := ParseAppPayload(payload)
	if err != nil {
		t.Fatalf("Did not expect parse error, found: %v", err)
	}
	if man.Identity != rec.Identity || man.Label != rec.Label || man.Sequence != rec.Sequence {
		t.Fatalf("Header round trip mismatch: %+v", man)
	}
	if len(man.Versions) != 2 || man.Versions[1].NotesDigest != strings.Repeat("ef", 32) {
		t.Fatalf("Version round trip mismatch: %+v", man.Versions)
	}
	if len(man.Deltas) != 1 || man.Deltas[0].Size != 128 {
		t.Fatalf("Delta round trip mismatch: %+v", man.Deltas)
	}
	if len(man.Rotations) != 1 || !man.Rotations[0].Successor.Equal(testSignerSet(t, 0xbb)) {
		t.Fatalf("Rotation round trip mismatch: %+v", man.Rotations)
	}
}

// Emission is deterministic: same record, same bytes
func TestAppPayloadDeterministic(t *testing.T) {
	rec := sampleRecord(t)
	a, err := EmitAppPayload(rec)
	if err != nil {
		t.Fatalf("Did not expect emit error, found: %v", err)
	}
	b, err := EmitAppPayload(rec)
	if err != nil {
		t.Fatalf("Did not expect emit error, found: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("Emission is not deterministic")
	}
}

func TestParseAppPayloadStrict(t *testing.T) {
	rec := sampleRecord(t)
	payload, _ := EmitAppPayload(rec)
	good := string(payload)

	bad := []string{
		// Unknown record type
		good + "comment\thello\n",
		// Extra field on a version line
		strings.Replace(good, "\t21\t-\n", "\t21\t-\textra\n", 1),
		// Version block after delta block
		good + "version\t9\t" + strings.Repeat("ab", 32) + "\t1\t1\t-\n",
		// Missing trailing newline
		strings.TrimSuffix(good, "\n"),
		// Uppercase digest
		strings.Replace(good, strings.Repeat("ab", 32), strings.Repeat("AB", 32), 1),
		// Empty payload
		"",
	}
	for i, b := range bad {
		if _, err := ParseAppPayload([]byte(b)); err == nil {
			t.Fatalf("Expected strict parser to reject case %d", i)
		}
	}
}

func TestParseAppPayloadRejectsUnsortedVersions(t *testing.T) {
	rec := sampleRecord(t)
	rec.Versions[0], rec.Versions[1] = rec.Versions[1], rec.Versions[0]
	payload, err := EmitAppPayload(rec)
	if err != nil {
		t.Fatalf("Did not expect emit error, found: %v", err)
	}
	if _, err := ParseAppPayload(payload); err == nil {
		t.Fatalf("Expected out-of-order versions to be rejected")
	}
}

func TestEmitRejectsTabbedLabel(t *testing.T) {
	rec := sampleRecord(t)
	rec.Label = "bad\tlabel"
	if _, err := EmitAppPayload(rec); err == nil {
		t.Fatalf("Expected tabbed label to be rejected")
	}
}

func TestIndexPayloadRoundTrip(t *testing.T) {
	st := &RepoState{Sequence: 7, Timestamp: 1700000000}
	entries := []IndexEntry{
		{
			Identity:     "com.example.aardvark",
			Head:         libapk.ComposeVersionCode(1, 2),
			HeadDigest:   strings.Repeat("ab", 32),
			MetaDigest:   strings.Repeat("cd", 32),
			MetaSize:     512,
			MetaSequence: 4,
		},
		{
			Identity:     "com.example.zebra",
			Head:         libapk.ComposeVersionCode(2, 0),
			HeadDigest:   strings.Repeat("ef", 32),
			MetaDigest:   strings.Repeat("12", 32),
			MetaSize:     256,
			MetaSequence: 1,
		},
	}
	payload, err := EmitIndexPayload(st, entries)
	if err != nil {
		t.Fatalf("Did not expect emit error, found: %v", err)
	}

	idx, err := ParseIndexPayload(payload)
	if err != nil {
		t.Fatalf("Did not expect parse error, found: %v", err)
	}
	if idx.Sequence != 7 || idx.Timestamp != 1700000000 {
		t.Fatalf("Header round trip mismatch: %+v", idx)
	}
	if len(idx.Entries) != 2 || idx.Entry("com.example.zebra") == nil {
		t.Fatalf("Entry round trip mismatch: %+v", idx.Entries)
	}
}

func TestEmitIndexRejectsUnsorted(t *testing.T) {
	st := &RepoState{Sequence: 1, Timestamp: 1}
	entries := []IndexEntry{
		{Identity: "com.example.zebra", Head: 1, HeadDigest: strings.Repeat("ab", 32),
			MetaDigest: strings.Repeat("cd", 32), MetaSize: 1, MetaSequence: 1},
		{Identity: "com.example.aardvark", Head: 1, HeadDigest: strings.Repeat("ab", 32),
			MetaDigest: strings.Repeat("cd", 32), MetaSize: 1, MetaSequence: 1},
	}
	if _, err := EmitIndexPayload(st, entries); err == nil {
		t.Fatalf("Expected unsorted entries to be rejected")
	}
}

func TestSignedFileFraming(t *testing.T) {
	signer := newTestSigner(t)
	payload := []byte("skiff-index\t1\t1\t1700000000\n")

	signed, err := EncodeSignedFile(signer, payload)
	if err != nil {
		t.Fatalf("Did not expect encode error, found: %v", err)
	}

	// Line one is base64, remainder is the payload byte for byte
	got, err := VerifySignedFile(signer, signed)
	if err != nil {
		t.Fatalf("Did not expect verify error, found: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("Framing does not preserve the payload")
	}

	// Any payload tampering must fail verification
	tampered := append([]byte{}, signed...)
	tampered[len(tampered)-2] ^= 0xff
	if _, err := VerifySignedFile(signer, tampered); err == nil {
		t.Fatalf("Expected tampered payload to fail verification")
	}

	// A garbage signature line must fail cleanly
	if _, _, err := SplitSignedFile([]byte("!!!not-base64!!!\npayload")); err == nil {
		t.Fatalf("Expected malformed signature line to be rejected")
	}
	if _, _, err := SplitSignedFile([]byte("no newline at all")); err == nil {
		t.Fatalf("Expected missing signature line to be rejected")
	}
}

// Digests render as 64 lowercase hex characters and are stable across calls
func TestDigestIdentity(t *testing.T) {
	data := []byte{0x00, 0x01, 0xfe, 0xff, 0x7f, 0x80}
	sum := Sha256sum(data)
	if len(sum) != 64 || strings.ToLower(sum) != sum {
		t.Fatalf("Digest is not canonical lowercase hex: %q", sum)
	}
	if Sha256sum(data) != sum {
		t.Fatalf("Digest is not stable")
	}
}
