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

package connection

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/rosmq/rosmq/pkg/actor"
)

// writer is the supervised actor draining one client's outbound queue onto
// its transport. All writes to the connection funnel through here, so
// packet frames never interleave.
type writer struct {
	conn     net.Conn
	clientID string
}

// Start drains frames from the mailbox until the context is cancelled or a
// write fails. A failed write is terminal; the connection is dead and the
// read loop tears the session down.
func (w *writer) Start(ctx context.Context, mb *actor.Mailbox) error {
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			return nil
		}
		frame, ok := msg.([]byte)
		if !ok {
			log.Printf("[ERROR] Writer for %s got unexpected message type %T", w.clientID, msg)
			continue
		}
		if _, err := w.conn.Write(frame); err != nil {
			return fmt.Errorf("write to %s failed: %w", w.clientID, err)
		}
	}
}
