package authcode

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// challengeLength is the length of a base64url-encoded SHA-256 digest
// without padding.
const challengeLength = 43

// ComputeChallenge derives the S256 challenge for a verifier.
func ComputeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyChallenge reports whether the verifier hashes to the stored
// challenge. The comparison is constant time so redemption attempts
// cannot probe the challenge byte by byte.
func VerifyChallenge(challenge, verifier string) bool {
	computed := ComputeChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func validChallenge(challenge string) bool {
	if len(challenge) != challengeLength {
		return false
	}
	for _, c := range challenge {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
