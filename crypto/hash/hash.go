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
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
)

// HashSize of array used to store hashes.  See Hash.
const HashSize = 32

// MaxHashStringSize is the maximum length of a Hash hash string.
const MaxHashStringSize = HashSize * 2

// ErrHashStrSize describes an error that indicates the caller specified a hash
// string that has too many characters.
var ErrHashStrSize = fmt.Errorf("max hash string length is %v bytes", MaxHashStringSize)

// ErrDecimalOverflow describes an error that indicates a decimal hash string
// does not fit in HashSize bytes.
var ErrDecimalOverflow = fmt.Errorf("decimal hash value exceeds %v bytes", HashSize)

// Hash typically represents the double sha256 of data.
type Hash [HashSize]byte

// String returns the Hash as the hexadecimal string of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the hexadecimal string of the first `n` byte(s).
func (h Hash) Short(n int) string {
	var l = HashSize
	if n < l {
		l = n
	}
	return hex.EncodeToString(h[:l])
}

// Decimal returns the decimal string encoding of the hash, reading the hash
// bytes as a big-endian unsigned integer. Merkle proof siblings travel in
// this encoding.
func (h Hash) Decimal() string {
	return new(big.Int).SetBytes(h[:]).String()
}

// AsBytes returns internal bytes of hash.
func (h Hash) AsBytes() []byte {
	return h[:]
}

// CloneBytes returns a copy of the bytes which represent the hash as a byte
// slice.
//
// NOTE: It is generally cheaper to just slice the hash directly thereby reusing
// the same bytes rather than calling this method.
func (h *Hash) CloneBytes() []byte {
	newHash := make([]byte, HashSize)
	copy(newHash, h[:])

	return newHash
}

// SetBytes sets the bytes which represent the hash.  An error is returned if
// the number of bytes passed in is not HashSize.
func (h *Hash) SetBytes(newHash []byte) error {
	nhlen := len(newHash)
	if nhlen != HashSize {
		return fmt.Errorf("invalid hash length of %v, want %v", nhlen,
			HashSize)
	}
	copy(h[:], newHash)

	return nil
}

// IsEqual returns true if target is the same as hash.
func (h *Hash) IsEqual(target *Hash) bool {
	if h == nil && target == nil {
		return true
	}
	if h == nil || target == nil {
		return false
	}
	return *h == *target
}

// IsZero returns true if the hash is all zero bytes.
func (h *Hash) IsZero() bool {
	return h == nil || *h == Hash{}
}

// MarshalJSON implements the json.Marshaler interface.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (h *Hash) UnmarshalJSON(data []byte) (err error) {
	var s string
	if err = json.Unmarshal(data, &s); err != nil {
		return
	}
	if err = Decode(h, s); err != nil {
		return
	}
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface.
func (h Hash) MarshalYAML() (interface{}, error) {
	return h.String(), nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (h *Hash) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	return Decode(h, str)
}

// NewHash returns a new Hash from a byte slice.  An error is returned if
// the number of bytes passed in is not HashSize.
func NewHash(newHash []byte) (*Hash, error) {
	var sh Hash
	err := sh.SetBytes(newHash)
	if err != nil {
		return nil, err
	}
	return &sh, err
}

// NewHashFromStr creates a Hash from a hash string.  The string should be
// the hexadecimal string of the hash; any missing characters result in zero
// padding at the beginning of the Hash.
func NewHashFromStr(hash string) (*Hash, error) {
	ret := new(Hash)
	err := Decode(ret, hash)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// FromDecimal creates a Hash from its decimal string encoding.
func FromDecimal(s string) (*Hash, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid decimal hash string %q", s)
	}
	b := v.Bytes()
	if len(b) > HashSize {
		return nil, ErrDecimalOverflow
	}
	ret := new(Hash)
	copy(ret[HashSize-len(b):], b)
	return ret, nil
}

// Decode decodes the hexadecimal string encoding of a Hash to a destination.
func Decode(dst *Hash, src string) error {
	// Return error if hash string is too long.
	if len(src) > MaxHashStringSize {
		return ErrHashStrSize
	}

	// Hex decoder expects the hash to be a multiple of two.  When not, pad
	// with a leading zero.
	var srcBytes []byte
	if len(src)%2 == 0 {
		srcBytes = []byte(src)
	} else {
		srcBytes = make([]byte, 1+len(src))
		srcBytes[0] = '0'
		copy(srcBytes[1:], src)
	}

	var decoded Hash
	_, err := hex.Decode(decoded[HashSize-hex.DecodedLen(len(srcBytes)):], srcBytes)
	if err != nil {
		return err
	}

	*dst = decoded
	return nil
}
