package model

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
)

const interfaceIDPrefix = "peridio-"

// NewInterfaceID generates an interface identifier: the fixed prefix
// followed by an unpadded base32 encoding of 4 random bytes (nominally
// 7 characters).
func NewInterfaceID() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("model: generating interface id: %w", err)
	}
	suffix := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf[:])
	return interfaceIDPrefix + suffix, nil
}
