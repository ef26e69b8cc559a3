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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAuthenticatorAlgorithms(t *testing.T) {
	for _, algorithm := range []HashAlgorithm{HashPlain, HashSHA256, HashBcrypt} {
		t.Run(string(algorithm), func(t *testing.T) {
			ma := NewMemoryAuthenticator()
			require.NoError(t, ma.AddUser("alice", "secret", algorithm))

			assert.Equal(t, Success, ma.Authenticate("alice", "secret"))
			assert.Equal(t, Failure, ma.Authenticate("alice", "wrong"))
		})
	}
}

func TestMemoryAuthenticatorUnknownUserIgnores(t *testing.T) {
	ma := NewMemoryAuthenticator()
	require.NoError(t, ma.AddUser("alice", "secret", HashPlain))

	assert.Equal(t, Ignore, ma.Authenticate("bob", "whatever"))
	assert.Equal(t, Ignore, ma.Authenticate("", ""))
}

func TestMemoryAuthenticatorDisabledUserFails(t *testing.T) {
	ma := NewMemoryAuthenticator()
	require.NoError(t, ma.AddUser("alice", "secret", HashPlain))
	require.NoError(t, ma.SetUserEnabled("alice", false))

	assert.Equal(t, Failure, ma.Authenticate("alice", "secret"))
}

func TestMemoryAuthenticatorUserManagement(t *testing.T) {
	ma := NewMemoryAuthenticator()
	require.Error(t, ma.AddUser("", "x", HashPlain))
	require.NoError(t, ma.AddUser("alice", "a", HashPlain))
	require.NoError(t, ma.AddUser("bob", "b", HashPlain))
	assert.Equal(t, 2, ma.Count())
	assert.ElementsMatch(t, []string{"alice", "bob"}, ma.ListUsers())

	require.NoError(t, ma.RemoveUser("bob"))
	assert.Error(t, ma.RemoveUser("bob"))
	assert.Equal(t, 1, ma.Count())
}

func TestMemoryAuthenticatorAddUserHash(t *testing.T) {
	ma := NewMemoryAuthenticator()
	hash, err := hashPassword("secret", "alice", HashSHA256)
	require.NoError(t, err)
	require.NoError(t, ma.AddUserHash("alice", hash, HashSHA256))

	assert.Equal(t, Success, ma.Authenticate("alice", "secret"))
	assert.Equal(t, Failure, ma.Authenticate("alice", "nope"))
}

func TestChainFirstVerdictWins(t *testing.T) {
	chain := NewChain()
	first := NewMemoryAuthenticator()
	second := NewMemoryAuthenticator()
	require.NoError(t, first.AddUser("alice", "secret", HashPlain))
	require.NoError(t, second.AddUser("bob", "hunter2", HashPlain))
	chain.Add(first)
	chain.Add(second)

	// Each user is claimed by the authenticator that knows them.
	assert.Equal(t, Success, chain.Authenticate("alice", "secret"))
	assert.Equal(t, Success, chain.Authenticate("bob", "hunter2"))

	// A wrong password is a hard failure; the chain stops there.
	assert.Equal(t, Failure, chain.Authenticate("alice", "wrong"))

	// Nobody knows carol, so the chain denies.
	assert.Equal(t, Failure, chain.Authenticate("carol", "x"))
}

func TestChainEmptyAcceptsAll(t *testing.T) {
	chain := NewChain()
	assert.Equal(t, Success, chain.Authenticate("anyone", "anything"))
}

func TestChainDisabled(t *testing.T) {
	chain := NewChain()
	ma := NewMemoryAuthenticator()
	require.NoError(t, ma.AddUser("alice", "secret", HashPlain))
	chain.Add(ma)

	chain.SetEnabled(false)
	assert.False(t, chain.IsEnabled())
	assert.Equal(t, Ignore, chain.Authenticate("alice", "wrong"))
}

func TestChainSkipsDisabledAuthenticator(t *testing.T) {
	chain := NewChain()
	ma := NewMemoryAuthenticator()
	require.NoError(t, ma.AddUser("alice", "secret", HashPlain))
	ma.SetEnabled(false)
	chain.Add(ma)

	assert.Equal(t, Failure, chain.Authenticate("alice", "secret"))
}
