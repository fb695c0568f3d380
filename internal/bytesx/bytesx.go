// Package bytesx provides functions operating on bytes.
//
// Specifically we implement these operations:
//
// 1. generating random bytes and indices;
//
// 2. wiping key material;
//
// 3. zero padding of transport plaintexts.
package bytesx

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gamavpn/wgtunnel/internal/runtimex"
)

// ErrPadding indicates that a padding error has occurred.
var ErrPadding = errors.New("padding error")

// GenRandomBytes returns an array of bytes with the given size using
// a CSRNG, on success, or an error, in case of failure.
func GenRandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	_, err := rand.Read(b)
	return b, err
}

// GenRandomUint32 returns a random uint32 suitable as a session index.
func GenRandomUint32() (uint32, error) {
	b, err := GenRandomBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Zero overwrites b with zeroes.
func Zero(b []byte) {
	clear(b)
}

// IsZero returns true when every byte of b is zero. It runs in time
// proportional to len(b) regardless of the contents.
func IsZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// PaddedSize returns the size of a plaintext of the given length after
// zero padding it to a multiple of blockSize, without exceeding limit. A
// limit equal or less than zero means no limit.
func PaddedSize(length, blockSize, limit int) int {
	runtimex.PanicIfTrue(blockSize <= 0, "blocksize cannot be negative or zero")
	padded := (length + blockSize - 1) / blockSize * blockSize
	if limit > 0 && padded > limit {
		padded = limit
	}
	if padded < length {
		return length
	}
	return padded
}

// PadZero returns b extended with zero bytes up to the given size.
func PadZero(b []byte, size int) ([]byte, error) {
	if size < len(b) {
		return nil, fmt.Errorf("%w: size %d smaller than %d", ErrPadding, size, len(b))
	}
	return append(b, make([]byte, size-len(b))...), nil
}
