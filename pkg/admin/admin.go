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

// Package admin serves the broker's REST management API: stats, client and
// topic inspection, subscription listing, forced disconnects, and
// server-originated publishes.
package admin

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/rosmq/rosmq/pkg/broker"
	"github.com/rosmq/rosmq/pkg/session"
	"github.com/rosmq/rosmq/pkg/topics"
)

// Broker is the query surface the API reads from. *broker.Broker satisfies
// it; tests substitute a mock.
type Broker interface {
	Stats() broker.Stats
	Clients() []session.ClientInfo
	Client(clientID string) (session.ClientInfo, error)
	Topics() []topics.TopicInfo
	Topic(name string) (topics.TopicInfo, bool)
	Subscriptions() map[string][]string
	ClientSubscriptions(clientID string) []string
	DisconnectClient(clientID string) error
	Publish(msg *topics.Message) []string
}

// APIResponse is the envelope for every JSON response.
type APIResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// PublishRequest is the body of POST /api/v1/publish.
type PublishRequest struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain"`
}

// APIServer exposes the management endpoints over one Broker.
type APIServer struct {
	broker Broker
}

// NewAPIServer creates an APIServer bound to b.
func NewAPIServer(b Broker) *APIServer {
	return &APIServer{broker: b}
}

// RegisterRoutes installs all endpoints on mux.
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/clients", s.handleClients)
	mux.HandleFunc("/api/v1/clients/", s.handleClientByID)
	mux.HandleFunc("/api/v1/topics", s.handleTopics)
	mux.HandleFunc("/api/v1/topics/", s.handleTopicByName)
	mux.HandleFunc("/api/v1/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("/api/v1/publish", s.handlePublish)
	mux.HandleFunc("/health", s.handleHealth)
}

// Serve runs the API on addr until ctx is cancelled.
func (s *APIServer) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[INFO] Admin API listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, APIResponse{Code: 0, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, APIResponse{Code: status, Message: message})
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeData(w, s.broker.Stats())
}

func (s *APIServer) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeData(w, s.broker.Clients())
}

func (s *APIServer) handleClientByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/clients/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "client ID required")
		return
	}

	if clientID, ok := strings.CutSuffix(rest, "/subscriptions"); ok {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, err := s.broker.Client(clientID); err != nil {
			writeError(w, http.StatusNotFound, "client not found")
			return
		}
		writeData(w, s.broker.ClientSubscriptions(clientID))
		return
	}

	switch r.Method {
	case http.MethodGet:
		info, err := s.broker.Client(rest)
		if err != nil {
			writeError(w, http.StatusNotFound, "client not found")
			return
		}
		writeData(w, info)
	case http.MethodDelete:
		if err := s.broker.DisconnectClient(rest); err != nil {
			writeError(w, http.StatusNotFound, "client not found")
			return
		}
		writeJSON(w, http.StatusOK, APIResponse{Code: 0, Message: "client disconnected"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *APIServer) handleTopics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeData(w, s.broker.Topics())
}

// handleTopicByName resolves everything after the prefix as the topic name,
// slashes included.
func (s *APIServer) handleTopicByName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/topics/")
	if name == "" {
		writeError(w, http.StatusNotFound, "topic name required")
		return
	}
	info, ok := s.broker.Topic(name)
	if !ok {
		writeError(w, http.StatusNotFound, "topic not found")
		return
	}
	writeData(w, info)
}

func (s *APIServer) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeData(w, s.broker.Subscriptions())
}

func (s *APIServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic required")
		return
	}
	if req.QoS > 2 {
		writeError(w, http.StatusBadRequest, "qos must be 0, 1, or 2")
		return
	}
	ids := s.broker.Publish(topics.NewMessage(req.Topic, []byte(req.Payload), req.QoS, req.Retain, "admin"))
	writeData(w, map[string]any{"delivered_to": ids})
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, map[string]string{"status": "ok"})
}
