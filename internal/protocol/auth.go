package protocol

import (
	"crypto/rand"
	"crypto/sha1"
)

// GenerateSalt returns a 20-byte random scramble for a handshake,
// with any zero bytes replaced so the salt cannot be mistaken for a
// null terminator when it travels as two null-terminated fields.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 20)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	for i := range salt {
		if salt[i] == 0 {
			salt[i] = 'a'
		}
	}
	return salt, nil
}

// CalcNativePassword computes the mysql_native_password scramble:
//
//	stage1   = SHA1(password)
//	stage2   = SHA1(stage1)
//	scramble = SHA1(salt + stage2) XOR stage1
//
// Returns nil for an empty password (anonymous auth).
func CalcNativePassword(salt, password []byte) []byte {
	if len(password) == 0 {
		return nil
	}
	h := sha1.New()
	h.Write(password)
	stage1 := h.Sum(nil)

	h.Reset()
	h.Write(stage1)
	stage2 := h.Sum(nil)

	h.Reset()
	h.Write(salt)
	h.Write(stage2)
	scramble := h.Sum(nil)

	for i := range scramble {
		scramble[i] ^= stage1[i]
	}
	return scramble
}

// VerifyNativePassword reports whether the scramble token a client
// sent is consistent with password, given the salt the server issued.
func VerifyNativePassword(salt, token, password []byte) bool {
	expected := CalcNativePassword(salt, password)
	if len(expected) != len(token) {
		return len(expected) == 0 && len(token) == 0
	}
	for i := range expected {
		if expected[i] != token[i] {
			return false
		}
	}
	return true
}
