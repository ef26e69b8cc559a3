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

// Package supervisor provides an OTP-style one-for-one supervisor for the
// broker's long-running goroutines, chiefly the per-connection writer
// actors. When a child terminates only that child is restarted.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rosmq/rosmq/pkg/actor"
	"github.com/rosmq/rosmq/pkg/metrics"
)

// RestartStrategy controls whether a terminated child comes back.
type RestartStrategy int

const (
	// RestartPermanent restarts the child on any termination.
	RestartPermanent RestartStrategy = iota
	// RestartTransient restarts the child only after an abnormal
	// termination (error or panic).
	RestartTransient
	// RestartTemporary never restarts the child.
	RestartTemporary
)

// Spec describes one supervised child.
type Spec struct {
	// ID identifies the child in logs and metrics.
	ID string
	// Actor is the supervised process.
	Actor actor.Actor
	// Restart selects the restart strategy.
	Restart RestartStrategy
	// Mailbox is handed to the actor's Start.
	Mailbox *actor.Mailbox

	// startFunc overrides Actor.Start in tests.
	startFunc func(context.Context, *actor.Mailbox) error
}

// Supervisor starts and monitors child actors.
type Supervisor interface {
	Start(ctx context.Context, specs []Spec) error
	StartChild(ctx context.Context, spec Spec)
}

// OneForOneSupervisor restarts each failed child independently.
type OneForOneSupervisor struct {
	// RestartDelay is the pause before a restart, to damp crash loops.
	// Zero means the 1s default.
	RestartDelay time.Duration
}

// NewOneForOneSupervisor creates a supervisor with the default restart delay.
func NewOneForOneSupervisor() *OneForOneSupervisor {
	return &OneForOneSupervisor{}
}

// Start launches the initial children. It is non-blocking; each child runs
// in its own monitored goroutine until ctx is cancelled.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors one child dynamically. The broker calls
// this for every accepted connection.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	childCtx, cancel := context.WithCancel(ctx)
	go s.monitorChild(childCtx, cancel, spec)
}

func (s *OneForOneSupervisor) monitorChild(ctx context.Context, cancel context.CancelFunc, spec Spec) {
	defer cancel()

	for {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
				}
			}()
			err = s.startActor(ctx, spec)
		}()

		if err != nil {
			log.Printf("[WARN] Actor %s terminated: %v", spec.ID, err)
		} else {
			log.Printf("[DEBUG] Actor %s terminated normally", spec.ID)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		restart := false
		switch spec.Restart {
		case RestartPermanent:
			restart = true
		case RestartTransient:
			restart = err != nil
		case RestartTemporary:
			restart = false
		}
		if !restart {
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Printf("[INFO] Restarting actor %s", spec.ID)

		delay := s.RestartDelay
		if delay == 0 {
			delay = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *OneForOneSupervisor) startActor(ctx context.Context, spec Spec) error {
	if spec.startFunc != nil {
		return spec.startFunc(ctx, spec.Mailbox)
	}
	return spec.Actor.Start(ctx, spec.Mailbox)
}
