/*
 * Copyright 2024 The zkDatabase Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package hash

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// mainNetGenesisHash is a fixed test vector.
var mainNetGenesisHash = Hash([HashSize]byte{
	0x6f, 0xe2, 0x8c, 0x0a, 0xb6, 0xf1, 0xb3, 0x72,
	0xc1, 0xa6, 0xa2, 0x46, 0xae, 0x63, 0xf7, 0x4f,
	0x93, 0x1e, 0x83, 0x65, 0xe1, 0x5a, 0x08, 0x9c,
	0x68, 0xd6, 0x19, 0x00, 0x00, 0x00, 0x00, 0x00,
})

func TestHash(t *testing.T) {
	hashStr := "0006e534cd55afca32a8bb92294f7a344dd11218d95845bf76a80726429d883b"
	hash, err := NewHashFromStr(hashStr)
	if err != nil {
		t.Errorf("NewHashFromStr: %v", err)
	}

	buf := hash.CloneBytes()

	h, err := NewHash(buf)
	if err != nil {
		t.Errorf("NewHash: unexpected error %v", err)
	}
	if !h.IsEqual(hash) {
		t.Errorf("NewHash: hash mismatch %v, %v", h, hash)
	}

	if err = h.SetBytes(buf[:HashSize/2]); err == nil {
		t.Error("SetBytes: expected length error")
	}

	if _, err = NewHash(append(buf, 0x00)); err == nil {
		t.Error("NewHash: expected length error")
	}
}

func TestHashString(t *testing.T) {
	hash := HashH([]byte("zkDatabase"))
	restored, err := NewHashFromStr(hash.String())
	if err != nil {
		t.Fatalf("NewHashFromStr: %v", err)
	}
	if !restored.IsEqual(&hash) {
		t.Fatalf("string round trip mismatch: %v != %v", restored, hash)
	}
	if hash.Short(4) != hash.String()[:8] {
		t.Fatalf("unexpected short form: %v", hash.Short(4))
	}
}

func TestHashDecimal(t *testing.T) {
	hash := THashH([]byte("merkle leaf"))
	restored, err := FromDecimal(hash.Decimal())
	if err != nil {
		t.Fatalf("FromDecimal: %v", err)
	}
	if !restored.IsEqual(&hash) {
		t.Fatalf("decimal round trip mismatch: %v != %v", restored, hash)
	}

	var zero Hash
	if zero.Decimal() != "0" {
		t.Fatalf("zero hash decimal: %v", zero.Decimal())
	}
	z, err := FromDecimal("0")
	if err != nil || !z.IsZero() {
		t.Fatalf("FromDecimal zero: %v %v", z, err)
	}

	if _, err = FromDecimal("not-a-number"); err == nil {
		t.Error("FromDecimal: expected parse error")
	}
	if _, err = FromDecimal("-1"); err == nil {
		t.Error("FromDecimal: expected sign error")
	}
	if _, err = FromDecimal(strings.Repeat("9", 100)); err != ErrDecimalOverflow {
		t.Errorf("FromDecimal: expected ErrDecimalOverflow, got %v", err)
	}
}

func TestHashJSONMarshal(t *testing.T) {
	enc, err := json.Marshal(mainNetGenesisHash)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var dec Hash
	if err = json.Unmarshal(enc, &dec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !dec.IsEqual(&mainNetGenesisHash) {
		t.Fatalf("JSON round trip mismatch: %v != %v", dec, mainNetGenesisHash)
	}
}

func TestDecodeErr(t *testing.T) {
	var hash Hash
	if err := Decode(&hash, strings.Repeat("0", MaxHashStringSize+1)); err != ErrHashStrSize {
		t.Errorf("expected ErrHashStrSize, got %v", err)
	}
	if err := Decode(&hash, "banana"); err == nil {
		t.Error("expected hex decode error")
	}
	// Odd-length strings get a leading zero pad.
	if err := Decode(&hash, "f"); err != nil {
		t.Errorf("odd-length decode: %v", err)
	}
	if hash[HashSize-1] != 0x0f {
		t.Errorf("odd-length decode value: %x", hash[HashSize-1])
	}
}

func TestDoubleHash(t *testing.T) {
	b := []byte("double")
	if !bytes.Equal(DoubleHashB(b), HashB(HashB(b))) {
		t.Error("DoubleHashB is not hash(hash(b))")
	}
	dh := DoubleHashH(b)
	th := THashH(b)
	if !dh.IsEqual(&th) {
		t.Error("THashH must equal DoubleHashH")
	}
	if dh.IsZero() {
		t.Error("hash of data must not be zero")
	}
}
