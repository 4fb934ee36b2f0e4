package service

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

const identifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// ComputeRequestHash digests the integrity-checked fields of an initiate
// request: amount|publicKey|reference, with the discount appended when
// present.
func ComputeRequestHash(amount, publicKey, reference, discount string) string {
	hashString := fmt.Sprintf("%s|%s|%s", amount, publicKey, reference)
	if discount != "" {
		hashString += "|" + discount
	}

	sum := sha512.Sum512([]byte(hashString))
	return hex.EncodeToString(sum[:])
}

// ValidateRequestHash checks a submitted hash against the recomputed
// digest in constant time.
func ValidateRequestHash(amount, publicKey, reference, discount, hash string) bool {
	if hash == "" {
		return false
	}
	expected := ComputeRequestHash(amount, publicKey, reference, discount)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) == 1
}

// GenerateHash produces a hex HMAC-SHA512 over data.
func GenerateHash(data, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateIdentifier returns a random alphanumeric identifier of the
// given length.
func GenerateIdentifier(length int) string {
	max := big.NewInt(int64(len(identifierAlphabet)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = identifierAlphabet[n.Int64()]
	}
	return string(b)
}
