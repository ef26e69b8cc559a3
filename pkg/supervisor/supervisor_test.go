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

package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosmq/rosmq/pkg/actor"
)

type mockActor struct {
	startFunc func(ctx context.Context, mb *actor.Mailbox) error
}

func (m *mockActor) Start(ctx context.Context, mb *actor.Mailbox) error {
	if m.startFunc != nil {
		return m.startFunc(ctx, mb)
	}
	<-ctx.Done()
	return nil
}

func fastSupervisor() *OneForOneSupervisor {
	return &OneForOneSupervisor{RestartDelay: 5 * time.Millisecond}
}

func TestStartRejectsEmptySpecs(t *testing.T) {
	sup := NewOneForOneSupervisor()
	err := sup.Start(context.Background(), nil)
	assert.Error(t, err)
}

func TestStartAndShutdown(t *testing.T) {
	sup := fastSupervisor()
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	spec := Spec{
		ID: "writer-1",
		Actor: &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			defer wg.Done()
			<-ctx.Done()
			return nil
		}},
		Restart: RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	}
	require.NoError(t, sup.Start(ctx, []Spec{spec}))

	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()
}

func TestPermanentRestartsOnError(t *testing.T) {
	sup := fastSupervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	starts := 0
	spec := Spec{
		ID: "crasher",
		Actor: &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			mu.Lock()
			starts++
			mu.Unlock()
			return errors.New("boom")
		}},
		Restart: RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	}
	require.NoError(t, sup.Start(ctx, []Spec{spec}))
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, starts, 1)
}

func TestPanicIsRecoveredAndRestarted(t *testing.T) {
	sup := fastSupervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	starts := 0
	spec := Spec{
		ID: "panicker",
		Actor: &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			mu.Lock()
			starts++
			mu.Unlock()
			panic("unexpected state")
		}},
		Restart: RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	}
	require.NoError(t, sup.Start(ctx, []Spec{spec}))
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, starts, 1)
}

func TestTemporaryNeverRestarts(t *testing.T) {
	sup := fastSupervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	starts := 0
	spec := Spec{
		ID: "one-shot",
		Actor: &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			mu.Lock()
			starts++
			mu.Unlock()
			return errors.New("boom")
		}},
		Restart: RestartTemporary,
		Mailbox: actor.NewMailbox(1),
	}
	require.NoError(t, sup.Start(ctx, []Spec{spec}))
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, starts)
}

func TestTransientRestartsOnlyOnError(t *testing.T) {
	t.Run("restart on error", func(t *testing.T) {
		sup := fastSupervisor()
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		var mu sync.Mutex
		starts := 0
		spec := Spec{
			ID: "transient-fail",
			Actor: &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
				mu.Lock()
				starts++
				mu.Unlock()
				return errors.New("boom")
			}},
			Restart: RestartTransient,
			Mailbox: actor.NewMailbox(1),
		}
		require.NoError(t, sup.Start(ctx, []Spec{spec}))
		<-ctx.Done()

		mu.Lock()
		defer mu.Unlock()
		assert.Greater(t, starts, 1)
	})

	t.Run("no restart on normal exit", func(t *testing.T) {
		sup := fastSupervisor()
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		var mu sync.Mutex
		starts := 0
		spec := Spec{
			ID: "transient-ok",
			Actor: &mockActor{startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
				mu.Lock()
				starts++
				mu.Unlock()
				return nil
			}},
			Restart: RestartTransient,
			Mailbox: actor.NewMailbox(1),
		}
		require.NoError(t, sup.Start(ctx, []Spec{spec}))
		<-ctx.Done()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, starts)
	})
}
