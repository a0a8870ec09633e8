// Package auth implements the board's single-user login and cookie sessions.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Principal is the identity every successful login maps to.
const Principal = "bull-board"

// Credentials holds the one user allowed onto the board.
type Credentials struct {
	user string
	hash []byte
}

// NewCredentials hashes password for user.
func NewCredentials(user, password string) (*Credentials, error) {
	if user == "" || password == "" {
		return nil, errors.New("user and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return &Credentials{user: user, hash: hash}, nil
}

// NewCredentialsFromHash uses an existing bcrypt hash.
func NewCredentialsFromHash(user, hash string) (*Credentials, error) {
	if user == "" {
		return nil, errors.New("user is required")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid bcrypt hash: %w", err)
	}
	return &Credentials{user: user, hash: []byte(hash)}, nil
}

// Verify checks a login attempt and returns the principal on success.
func (c *Credentials) Verify(user, password string) (string, bool) {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.user)) == 1
	// Always compare the password so a wrong user costs the same.
	passOK := bcrypt.CompareHashAndPassword(c.hash, []byte(password)) == nil
	if !userOK || !passOK {
		return "", false
	}
	return Principal, true
}
