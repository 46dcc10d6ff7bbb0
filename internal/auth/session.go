package auth

import "github.com/google/uuid"

// NewSessionToken returns a fresh random opaque session token
func NewSessionToken() string {
	return uuid.NewString()
}
