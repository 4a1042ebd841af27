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

// Package subscription manages the lifecycle of the Graph change
// notification subscription for the monitored mailbox: create it when
// missing, renew it before expiry, leave it alone otherwise.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/CortinezO98/icbf-mail-portal/internal/graph"
	"github.com/CortinezO98/icbf-mail-portal/internal/repo"
)

// Actions returned by Ensure.
const (
	ActionCreated = "created"
	ActionRenewed = "renewed"
	ActionOK      = "ok"
	ActionDryRun  = "dry_run"
)

// graphTimeLayout is the expiration format Graph accepts and returns.
const graphTimeLayout = "2006-01-02T15:04:05Z"

// Store is the persistence surface the manager needs.
type Store interface {
	GetSubscription(ctx context.Context, mailboxID int64, resource string) (*repo.SubscriptionRecord, error)
	UpsertSubscription(ctx context.Context, r repo.SubscriptionRecord) error
}

// Result reports what Ensure did.
type Result struct {
	Action         string    `json:"action"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// Manager drives the create/renew state machine for the single
// (mailbox, resource) pair.
type Manager struct {
	graph *graph.Client
	store Store

	mailboxID       int64
	resource        string
	changeType      string
	notificationURL string
	clientState     string
	lifetime        time.Duration
	renewThreshold  time.Duration
}

// Config wires a Manager. Resource and NotificationURL are the fully
// resolved values (mailbox substituted, /graph/webhook appended).
type Config struct {
	Graph           *graph.Client
	Store           Store
	MailboxID       int64
	Resource        string
	ChangeType      string
	NotificationURL string
	ClientState     string
	LifetimeMinutes int
	RenewThreshold  time.Duration
}

// NewManager creates the manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		graph:           cfg.Graph,
		store:           cfg.Store,
		mailboxID:       cfg.MailboxID,
		resource:        cfg.Resource,
		changeType:      cfg.ChangeType,
		notificationURL: cfg.NotificationURL,
		clientState:     cfg.ClientState,
		lifetime:        time.Duration(cfg.LifetimeMinutes) * time.Minute,
		renewThreshold:  cfg.RenewThreshold,
	}
}

// Ensure is idempotent: no subscription means create, one within the renew
// threshold means renew, a healthy one is a no-op. With dryRun the would-be
// action is reported without any side effect.
func (m *Manager) Ensure(ctx context.Context, dryRun bool) (*Result, error) {
	rec, err := m.store.GetSubscription(ctx, m.mailboxID, m.resource)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	switch {
	case rec == nil || rec.Status != repo.SubStatusActive:
		if dryRun {
			return &Result{Action: ActionDryRun + ":" + ActionCreated}, nil
		}
		return m.create(ctx, now)

	case rec.ExpiresAt.Sub(now) <= m.renewThreshold:
		if dryRun {
			return &Result{
				Action:         ActionDryRun + ":" + ActionRenewed,
				SubscriptionID: rec.SubscriptionID,
				ExpiresAt:      rec.ExpiresAt,
			}, nil
		}
		return m.renew(ctx, rec, now)

	default:
		return &Result{
			Action:         ActionOK,
			SubscriptionID: rec.SubscriptionID,
			ExpiresAt:      rec.ExpiresAt,
		}, nil
	}
}

func (m *Manager) create(ctx context.Context, now time.Time) (*Result, error) {
	expiration := now.Add(m.lifetime).Format(graphTimeLayout)

	sub, err := m.graph.CreateSubscription(ctx,
		m.changeType, m.notificationURL, m.resource, expiration, m.clientState)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	expiresAt, err := parseExpiration(sub.ExpirationDateTime)
	if err != nil {
		return nil, err
	}

	err = m.store.UpsertSubscription(ctx, repo.SubscriptionRecord{
		SubscriptionID:  sub.ID,
		MailboxID:       m.mailboxID,
		Resource:        m.resource,
		NotificationURL: m.notificationURL,
		ExpiresAt:       expiresAt,
		Status:          repo.SubStatusActive,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("subscription created",
		"subscription_id", sub.ID,
		"resource", m.resource,
		"expires_at", expiresAt,
	)
	return &Result{Action: ActionCreated, SubscriptionID: sub.ID, ExpiresAt: expiresAt}, nil
}

func (m *Manager) renew(ctx context.Context, rec *repo.SubscriptionRecord, now time.Time) (*Result, error) {
	expiration := now.Add(m.lifetime).Format(graphTimeLayout)

	sub, err := m.graph.RenewSubscription(ctx, rec.SubscriptionID, expiration)
	if err != nil {
		// A 404 means the provider dropped it; the next Ensure re-creates.
		if graph.IsStatus(err, 404) {
			slog.Warn("subscription vanished upstream, marking expired",
				"subscription_id", rec.SubscriptionID)
			rec.Status = repo.SubStatusExpired
			if uerr := m.store.UpsertSubscription(ctx, *rec); uerr != nil {
				return nil, uerr
			}
		}
		return nil, fmt.Errorf("renew subscription: %w", err)
	}

	expiresAt, err := parseExpiration(sub.ExpirationDateTime)
	if err != nil {
		return nil, err
	}

	rec.ExpiresAt = expiresAt
	rec.Status = repo.SubStatusActive
	rec.LastRenewAt = &now
	if err := m.store.UpsertSubscription(ctx, *rec); err != nil {
		return nil, err
	}

	slog.Info("subscription renewed",
		"subscription_id", rec.SubscriptionID,
		"expires_at", expiresAt,
	)
	return &Result{Action: ActionRenewed, SubscriptionID: rec.SubscriptionID, ExpiresAt: expiresAt}, nil
}

// parseExpiration handles the fractional-seconds variants Graph returns.
func parseExpiration(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, graphTimeLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable expirationDateTime %q", s)
}
