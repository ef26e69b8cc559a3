// Copyright 2024 The rosmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth provides username/password authentication for connecting
// clients. Authenticators are arranged in a chain; the first one that
// reaches a definite verdict (success or failure) decides, and a chain
// where every authenticator abstains denies access.
package auth

import (
	"crypto/sha256"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

// HashAlgorithm selects how stored passwords are hashed.
type HashAlgorithm string

const (
	// HashPlain stores passwords in clear text. Test setups only.
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 stores salted SHA-256 digests.
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt stores bcrypt hashes.
	HashBcrypt HashAlgorithm = "bcrypt"
)

// User is one credential entry.
type User struct {
	Username     string        `json:"username"`
	PasswordHash string        `json:"password_hash"`
	Algorithm    HashAlgorithm `json:"algorithm"`
	Salt         string        `json:"salt,omitempty"`
	Enabled      bool          `json:"enabled"`
}

// Result is an authenticator's verdict.
type Result int

const (
	// Success accepts the credentials.
	Success Result = iota
	// Failure rejects the credentials.
	Failure
	// Error means the authenticator could not decide; the chain moves on.
	Error
	// Ignore means the authenticator abstains; the chain moves on.
	Ignore
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Error:
		return "error"
	case Ignore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Authenticator verifies one credential source.
type Authenticator interface {
	Authenticate(username, password string) Result
	Name() string
	Enabled() bool
}

// Chain runs authenticators in order until one decides.
type Chain struct {
	authenticators []Authenticator
	enabled        bool
}

// NewChain creates an enabled, empty chain.
func NewChain() *Chain {
	return &Chain{enabled: true}
}

// Add appends an authenticator to the chain.
func (c *Chain) Add(a Authenticator) {
	c.authenticators = append(c.authenticators, a)
}

// Authenticate walks the chain. An empty chain accepts everything, so a
// broker with authentication disabled just runs an empty chain.
func (c *Chain) Authenticate(username, password string) Result {
	if !c.enabled {
		return Ignore
	}
	if len(c.authenticators) == 0 {
		return Success
	}

	for _, a := range c.authenticators {
		if !a.Enabled() {
			continue
		}
		switch result := a.Authenticate(username, password); result {
		case Success:
			return Success
		case Failure:
			log.Printf("[WARN] Authentication failed for user %q via %s", username, a.Name())
			return Failure
		case Error:
			log.Printf("[ERROR] Authenticator %s errored for user %q, trying next", a.Name(), username)
		case Ignore:
		}
	}

	log.Printf("[WARN] No authenticator decided for user %q, denying", username)
	return Failure
}

// SetEnabled toggles the whole chain. A disabled chain returns Ignore and
// the caller treats that as acceptance.
func (c *Chain) SetEnabled(enabled bool) {
	c.enabled = enabled
}

// IsEnabled reports whether the chain is active.
func (c *Chain) IsEnabled() bool {
	return c.enabled
}

// Count returns the number of authenticators in the chain.
func (c *Chain) Count() int {
	return len(c.authenticators)
}

func hashPassword(password, salt string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return password, nil
	case HashSHA256:
		digest := sha256.Sum256([]byte(salt + password))
		return fmt.Sprintf("%x", digest), nil
	case HashBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

func verifyPassword(password, hash, salt string, algorithm HashAlgorithm) bool {
	switch algorithm {
	case HashPlain:
		return password == hash
	case HashSHA256:
		expected, err := hashPassword(password, salt, HashSHA256)
		return err == nil && expected == hash
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	default:
		return false
	}
}
