package utils

import (
	"crypto/md5"
	"fmt"
)

// HashString returns the hex md5 digest of input. Used for embedding cache
// keys and deterministic record ids, not for anything security sensitive.
func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}
