// Copyright (c) 2026 John Earle
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

// Package webhook is the inbound HTTP surface: the Graph change-notification
// receiver plus health and admin endpoints. The receiver never ingests
// synchronously; Graph requires a fast ack, and the dedupe layer makes the
// resulting duplicates harmless.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// ChangeNotification is a single Graph change notification.
type ChangeNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ClientState    string `json:"clientState"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// NotificationPayload is the wrapper Graph sends.
type NotificationPayload struct {
	Value []ChangeNotification `json:"value"`
}

// Ingestor consumes message IDs extracted from notifications.
type Ingestor interface {
	Ingest(ctx context.Context, messageID string, folderID int64) error
}

// SubscriptionEnsurer is the admin surface of the subscription manager.
type SubscriptionEnsurer interface {
	Ensure(ctx context.Context, dryRun bool) (any, error)
}

// DeltaTrigger runs an immediate delta pass.
type DeltaTrigger interface {
	Run(ctx context.Context) (any, error)
}

// Handler serves the worker's HTTP endpoints.
type Handler struct {
	ingestor    Ingestor
	subscribers SubscriptionEnsurer
	delta       DeltaTrigger
	clientState string
	adminKey    string
	env         string
}

// NewHandler creates the HTTP handler.
func NewHandler(ingestor Ingestor, subscribers SubscriptionEnsurer, delta DeltaTrigger, clientState, adminKey, env string) *Handler {
	return &Handler{
		ingestor:    ingestor,
		subscribers: subscribers,
		delta:       delta,
		clientState: clientState,
		adminKey:    adminKey,
		env:         env,
	}
}

// ServeHealth answers the liveness probe.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"env":    h.env,
	})
}

// ServeNotification handles GET|POST /graph/webhook.
//
// Validation flow: any request carrying ?validationToken= gets a 200 with
// the token echoed verbatim as text/plain. Notification flow: the JSON body
// is parsed, each notification is authenticated by clientState, and
// accepted message IDs are handed to the pipeline in the background. The
// response is 202 regardless of processing outcome.
func (h *Handler) ServeNotification(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		slog.Info("subscription validation probe received")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(token))
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("failed to read notification body", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var payload NotificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Info("notification body not valid JSON, treating as probe",
			"body_len", len(body))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Ack before doing any work; Graph expects a fast response.
	w.WriteHeader(http.StatusAccepted)

	go h.processNotifications(context.Background(), payload.Value)
}

// ServeEnsureSubscription handles POST /graph/subscription/ensure
// (admin-gated).
func (h *Handler) ServeEnsureSubscription(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(w, r) {
		return
	}
	dryRun := r.URL.Query().Get("dry_run") == "1"
	res, err := h.subscribers.Ensure(r.Context(), dryRun)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ServeDeltaRun handles POST /graph/delta/run (admin-gated).
func (h *Handler) ServeDeltaRun(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(w, r) {
		return
	}
	res, err := h.delta.Run(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return false
	}
	if h.adminKey == "" || r.Header.Get("x-admin-key") != h.adminKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return false
	}
	return true
}

// processNotifications authenticates and ingests each notification.
func (h *Handler) processNotifications(ctx context.Context, notifications []ChangeNotification) {
	for _, n := range notifications {
		if n.ClientState != h.clientState {
			slog.Warn("clientState mismatch, dropping notification",
				"subscription_id", n.SubscriptionID,
				"resource", n.Resource,
			)
			continue
		}

		messageID := n.ResourceData.ID
		if messageID == "" {
			var err error
			messageID, err = parseResourceMessageID(n.Resource)
			if err != nil {
				slog.Warn("failed to extract message id from notification",
					"resource", n.Resource, "error", err)
				continue
			}
		}

		slog.Info("processing change notification",
			"change_type", n.ChangeType,
			"message_id", messageID,
		)

		if err := h.ingestor.Ingest(ctx, messageID, 0); err != nil {
			slog.Error("webhook ingest failed",
				"message_id", messageID, "error", err)
		}
	}
}

// parseResourceMessageID extracts the message ID from a notification
// resource like "Users/{id}/Messages/{messageId}".
func parseResourceMessageID(resource string) (string, error) {
	parts := strings.Split(strings.TrimPrefix(resource, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if strings.EqualFold(parts[i], "messages") {
			return parts[i+1], nil
		}
	}
	return "", fmt.Errorf("unexpected resource format: %s", resource)
}

// Routes registers the handler's endpoints on a mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.ServeHealth)
	mux.HandleFunc("/graph/webhook", h.ServeNotification)
	mux.HandleFunc("/graph/subscription/ensure", h.ServeEnsureSubscription)
	mux.HandleFunc("/graph/delta/run", h.ServeDeltaRun)
}

// Serve starts the HTTP server on host:port. It binds the port immediately
// and signals readiness via the returned channel before accepting
// connections, so subscription creation can wait for the webhook to be
// reachable.
func Serve(ctx context.Context, host string, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	handler.Routes(mux)

	server := &http.Server{Handler: mux}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("bind port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("http server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("http server listening", "host", host, "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return ready, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
