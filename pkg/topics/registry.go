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

// Package topics provides the thread-safe registry that tracks exact-topic
// subscriptions, wildcard-pattern subscriptions, and retained messages, and
// resolves the subscriber set for a published message. All topic and pattern
// state is owned by the Registry and mutated only through its API; callers
// receive snapshots, never live maps.
package topics

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

// Handler observes every published message together with the resolved
// subscriber set (client ID -> granted QoS). The broker facade registers one
// to trigger delivery. Handlers run with the registry lock released.
type Handler func(msg *Message, subscribers map[string]byte)

// topic is the per-topic state: subscriber set with granted QoS, at most one
// retained message, and counters. It is only touched under the Registry lock
// so the subscriber set and retained message always change together
// atomically.
type topic struct {
	name        string
	subscribers map[string]byte
	retained    *Message
	msgCount    uint64
	lastMessage time.Time
	createdAt   time.Time
}

// TopicInfo is a point-in-time snapshot of one topic for observability.
type TopicInfo struct {
	Name          string          `json:"name"`
	Subscribers   map[string]byte `json:"subscribers"`
	HasRetained   bool            `json:"has_retained"`
	MessageCount  uint64          `json:"message_count"`
	LastMessageAt time.Time       `json:"last_message_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Stats aggregates registry-wide counts.
type Stats struct {
	Topics           int `json:"topics"`
	Subscribers      int `json:"subscribers"`
	WildcardPatterns int `json:"wildcard_patterns"`
	RetainedMessages int `json:"retained_messages"`
}

// Registry owns the topic map and the wildcard-pattern map.
type Registry struct {
	mu       sync.RWMutex
	topics   map[string]*topic
	patterns map[string]map[string]byte // filter -> clientID -> granted QoS

	hmu      sync.RWMutex
	handlers []Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		topics:   make(map[string]*topic),
		patterns: make(map[string]map[string]byte),
	}
}

// AddHandler registers a message handler invoked on every publish.
func (r *Registry) AddHandler(h Handler) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Subscribe records a subscription for clientID. Wildcard filters go into
// the pattern map; exact filters get-or-create the topic. Re-subscribing
// updates the granted QoS in place.
func (r *Registry) Subscribe(clientID, filter string, qos byte) bool {
	if filter == "" || !validFilter(filter) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if isWildcard(filter) {
		set, ok := r.patterns[filter]
		if !ok {
			set = make(map[string]byte)
			r.patterns[filter] = set
		}
		set[clientID] = qos
		return true
	}

	t := r.getOrCreateLocked(filter)
	t.subscribers[clientID] = qos
	return true
}

// Unsubscribe removes a subscription. Removing the last subscriber keeps a
// topic alive while it still holds a retained message.
func (r *Registry) Unsubscribe(clientID, filter string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.patterns[filter]; ok {
		if _, had := set[clientID]; !had {
			return false
		}
		delete(set, clientID)
		if len(set) == 0 {
			delete(r.patterns, filter)
		}
		return true
	}
	if t, ok := r.topics[filter]; ok {
		if _, had := t.subscribers[clientID]; !had {
			return false
		}
		delete(t.subscribers, clientID)
		return true
	}
	return false
}

// Publish updates retained state and counters for the message's topic,
// resolves the matching subscriber set (exact subscribers plus every
// matching wildcard pattern, de-duplicated; an overlap keeps the highest
// granted QoS), invokes the registered handlers, and returns the resolved
// client IDs.
func (r *Registry) Publish(msg *Message) []string {
	r.mu.Lock()
	t := r.getOrCreateLocked(msg.Topic)
	if msg.Retain {
		if len(msg.Payload) > 0 {
			retained := *msg
			t.retained = &retained
		} else {
			t.retained = nil
		}
	} else {
		t.msgCount++
		t.lastMessage = time.Now()
	}

	subscribers := make(map[string]byte, len(t.subscribers))
	for id, qos := range t.subscribers {
		subscribers[id] = qos
	}
	for filter, set := range r.patterns {
		if !matchFilter(filter, msg.Topic) {
			continue
		}
		for id, qos := range set {
			if granted, ok := subscribers[id]; !ok || qos > granted {
				subscribers[id] = qos
			}
		}
	}
	r.mu.Unlock()

	r.hmu.RLock()
	handlers := make([]Handler, len(r.handlers))
	copy(handlers, r.handlers)
	r.hmu.RUnlock()
	for _, h := range handlers {
		h(msg, subscribers)
	}

	ids := make([]string, 0, len(subscribers))
	for id := range subscribers {
		ids = append(ids, id)
	}
	return ids
}

// RetainedMessage returns a copy of the topic's retained message, or nil.
func (r *Registry) RetainedMessage(topicName string) *Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[topicName]
	if !ok || t.retained == nil {
		return nil
	}
	retained := *t.retained
	return &retained
}

// RetainedMatching returns copies of every retained message whose topic
// matches filter. New subscribers get these replayed after their SUBACK.
func (r *Registry) RetainedMatching(filter string) []*Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*Message
	for name, t := range r.topics {
		if t.retained == nil {
			continue
		}
		if name == filter || (isWildcard(filter) && matchFilter(filter, name)) {
			retained := *t.retained
			matched = append(matched, &retained)
		}
	}
	return matched
}

// SubscriberQoS reports the granted QoS for clientID on an exact topic.
func (r *Registry) SubscriberQoS(topicName, clientID string) (byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.topics[topicName]; ok {
		qos, ok := t.subscribers[clientID]
		return qos, ok
	}
	return 0, false
}

// TopicInfo returns a snapshot of one topic.
func (r *Registry) TopicInfo(name string) (TopicInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[name]
	if !ok {
		return TopicInfo{}, false
	}
	return t.snapshot(), true
}

// AllTopics returns snapshots of every live topic.
func (r *Registry) AllTopics() []TopicInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]TopicInfo, 0, len(r.topics))
	for _, t := range r.topics {
		infos = append(infos, t.snapshot())
	}
	return infos
}

// ClientSubscriptions lists every exact topic and wildcard filter the client
// is subscribed to.
func (r *Registry) ClientSubscriptions(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var subs []string
	for name, t := range r.topics {
		if _, ok := t.subscribers[clientID]; ok {
			subs = append(subs, name)
		}
	}
	for filter, set := range r.patterns {
		if _, ok := set[clientID]; ok {
			subs = append(subs, filter)
		}
	}
	return subs
}

// RemoveClient strips the client from every topic and pattern. Paired with
// session removal so no dangling subscriber entries survive a dead client.
func (r *Registry) RemoveClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.topics {
		delete(t.subscribers, clientID)
	}
	for filter, set := range r.patterns {
		delete(set, clientID)
		if len(set) == 0 {
			delete(r.patterns, filter)
		}
	}
}

// Sweep drops topics with no subscribers and no retained message. Pattern
// entries empty out eagerly on unsubscribe, so only topics need sweeping.
// It returns the number of topics removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for name, t := range r.topics {
		if len(t.subscribers) == 0 && t.retained == nil {
			delete(r.topics, name)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					log.Printf("[DEBUG] Topic sweep removed %d empty topics", n)
				}
			}
		}
	}()
}

// Stats returns registry-wide counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Topics: len(r.topics), WildcardPatterns: len(r.patterns)}
	for _, t := range r.topics {
		s.Subscribers += len(t.subscribers)
		if t.retained != nil {
			s.RetainedMessages++
		}
	}
	for _, set := range r.patterns {
		s.Subscribers += len(set)
	}
	return s
}

func (r *Registry) getOrCreateLocked(name string) *topic {
	t, ok := r.topics[name]
	if !ok {
		t = &topic{
			name:        name,
			subscribers: make(map[string]byte),
			createdAt:   time.Now(),
		}
		r.topics[name] = t
	}
	return t
}

func (t *topic) snapshot() TopicInfo {
	subs := make(map[string]byte, len(t.subscribers))
	for id, qos := range t.subscribers {
		subs[id] = qos
	}
	return TopicInfo{
		Name:          t.name,
		Subscribers:   subs,
		HasRetained:   t.retained != nil,
		MessageCount:  t.msgCount,
		LastMessageAt: t.lastMessage,
		CreatedAt:     t.createdAt,
	}
}

func isWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// validFilter rejects filters that misuse wildcards: '#' anywhere but the
// final segment, or '+'/'#' glued to other characters within a segment.
func validFilter(filter string) bool {
	segments := strings.Split(filter, "/")
	for i, seg := range segments {
		if strings.Contains(seg, "#") {
			if seg != "#" || i != len(segments)-1 {
				return false
			}
		}
		if strings.Contains(seg, "+") && seg != "+" {
			return false
		}
	}
	return true
}

// matchFilter implements MQTT v3.1.1 topic matching: '#' alone matches
// everything, a trailing '/#' matches the shared prefix at a path boundary
// including the parent topic itself, '+' matches exactly one segment, and
// everything else requires equal segment counts with per-segment equality.
func matchFilter(filter, topicName string) bool {
	filterSegs := strings.Split(filter, "/")
	topicSegs := strings.Split(topicName, "/")

	for i, fs := range filterSegs {
		if fs == "#" {
			return i == len(filterSegs)-1
		}
		if i >= len(topicSegs) {
			return false
		}
		if fs != "+" && fs != topicSegs[i] {
			return false
		}
	}
	return len(topicSegs) == len(filterSegs)
}
