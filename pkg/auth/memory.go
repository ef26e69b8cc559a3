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

package auth

import (
	"fmt"
	"sync"
)

// MemoryAuthenticator verifies credentials against an in-memory user table,
// typically loaded from the broker config at startup.
type MemoryAuthenticator struct {
	mu      sync.RWMutex
	users   map[string]*User
	enabled bool
}

// NewMemoryAuthenticator creates an enabled authenticator with no users.
func NewMemoryAuthenticator() *MemoryAuthenticator {
	return &MemoryAuthenticator{
		users:   make(map[string]*User),
		enabled: true,
	}
}

// Name identifies this authenticator in logs.
func (ma *MemoryAuthenticator) Name() string { return "memory" }

// Enabled reports whether this authenticator participates in the chain.
func (ma *MemoryAuthenticator) Enabled() bool {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return ma.enabled
}

// SetEnabled toggles this authenticator.
func (ma *MemoryAuthenticator) SetEnabled(enabled bool) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.enabled = enabled
}

// AddUser hashes password per algorithm and stores the entry. SHA-256
// entries are salted with the username.
func (ma *MemoryAuthenticator) AddUser(username, password string, algorithm HashAlgorithm) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}

	salt := ""
	if algorithm == HashSHA256 {
		salt = username
	}
	passwordHash, err := hashPassword(password, salt, algorithm)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.users[username] = &User{
		Username:     username,
		PasswordHash: passwordHash,
		Algorithm:    algorithm,
		Salt:         salt,
		Enabled:      true,
	}
	return nil
}

// AddUserHash stores a pre-hashed credential, for configs that carry hashes
// instead of clear-text passwords.
func (ma *MemoryAuthenticator) AddUserHash(username, passwordHash string, algorithm HashAlgorithm) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	salt := ""
	if algorithm == HashSHA256 {
		salt = username
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.users[username] = &User{
		Username:     username,
		PasswordHash: passwordHash,
		Algorithm:    algorithm,
		Salt:         salt,
		Enabled:      true,
	}
	return nil
}

// RemoveUser deletes the entry for username.
func (ma *MemoryAuthenticator) RemoveUser(username string) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if _, ok := ma.users[username]; !ok {
		return fmt.Errorf("user not found: %s", username)
	}
	delete(ma.users, username)
	return nil
}

// SetUserEnabled toggles one user without removing the entry.
func (ma *MemoryAuthenticator) SetUserEnabled(username string, enabled bool) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	user, ok := ma.users[username]
	if !ok {
		return fmt.Errorf("user not found: %s", username)
	}
	user.Enabled = enabled
	return nil
}

// ListUsers returns all usernames.
func (ma *MemoryAuthenticator) ListUsers() []string {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	users := make([]string, 0, len(ma.users))
	for username := range ma.users {
		users = append(users, username)
	}
	return users
}

// Count returns the number of stored users.
func (ma *MemoryAuthenticator) Count() int {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return len(ma.users)
}

// Authenticate checks the credentials. Unknown or anonymous users yield
// Ignore so another authenticator in the chain may claim them; a known but
// disabled user is a hard Failure.
func (ma *MemoryAuthenticator) Authenticate(username, password string) Result {
	ma.mu.RLock()
	defer ma.mu.RUnlock()

	if !ma.enabled || username == "" {
		return Ignore
	}
	user, ok := ma.users[username]
	if !ok {
		return Ignore
	}
	if !user.Enabled {
		return Failure
	}
	if verifyPassword(password, user.PasswordHash, user.Salt, user.Algorithm) {
		return Success
	}
	return Failure
}
