package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

const refreshOpaqueByteLength = 32

var refreshTokenRandomSource io.Reader = rand.Reader

// generateRefreshOpaque returns the client-facing token and the hash stores persist.
func generateRefreshOpaque() (string, string, error) {
	opaque, err := randomURLToken(refreshTokenRandomSource, refreshOpaqueByteLength)
	if err != nil {
		return "", "", fmt.Errorf("session_store.random: %w", err)
	}
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomURLToken(source io.Reader, size int) (string, error) {
	buffer := make([]byte, size)
	if _, err := io.ReadFull(source, buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
