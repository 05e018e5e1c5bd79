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
	"bytes"
	"encoding/gob"
	"io"
)

// GobEncoderLight is a helper for encoding ledger records to gob
type GobEncoderLight struct {
	bytes   *bytes.Buffer
	encoder *gob.Encoder
}

// GobDecoderLight is a helper for decoding ledger records from gob
type GobDecoderLight struct {
	bytes   *bytes.Buffer
	decoder *gob.Decoder
}

// NewGobEncoderLight returns a new lock-free encoder
func NewGobEncoderLight() *GobEncoderLight {
	ret := &GobEncoderLight{
		bytes: &bytes.Buffer{},
	}
	ret.encoder = gob.NewEncoder(ret.bytes)
	return ret
}

// NewGobDecoderLight returns a new lock-free decoder
func NewGobDecoderLight() *GobDecoderLight {
	ret := &GobDecoderLight{
		bytes: &bytes.Buffer{},
	}
	ret.decoder = gob.NewDecoder(ret.bytes)
	return ret
}

// EncodeType will convert the given pointer into a gob encoded byte set.
// The returned slice is a copy, so it stays valid after the encoder is
// reused for the next record.
func (g *GobEncoderLight) EncodeType(t interface{}) ([]byte, error) {
	defer g.bytes.Reset()
	if err := g.encoder.Encode(t); err != nil {
		return nil, err
	}
	out := make([]byte, g.bytes.Len())
	copy(out, g.bytes.Bytes())
	return out, nil
}

// DecodeType will attempt to decode the buffer into the pointer outT
func (g *GobDecoderLight) DecodeType(buf []byte, outT interface{}) error {
	defer g.bytes.Reset()
	if _, err := io.Copy(g.bytes, bytes.NewReader(buf)); err != nil {
		return err
	}
	return g.decoder.Decode(outT)
}
