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

package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Subscription lifecycle states.
const (
	SubStatusActive  = "ACTIVE"
	SubStatusExpired = "EXPIRED"
	SubStatusRevoked = "REVOKED"
)

// SubscriptionRecord is the persisted state of the provider-side webhook
// subscription for one (mailbox, resource) pair.
type SubscriptionRecord struct {
	ID              int64
	SubscriptionID  string
	MailboxID       int64
	Resource        string
	NotificationURL string
	ExpiresAt       time.Time
	Status          string
	LastRenewAt     *time.Time
}

// GetSubscription returns the subscription for a (mailbox, resource) pair,
// or nil when none exists.
func (s *Store) GetSubscription(ctx context.Context, mailboxID int64, resource string) (*SubscriptionRecord, error) {
	var r SubscriptionRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, subscription_id, mailbox_id, resource, notification_url,
		       expires_at, status, last_renew_at
		FROM graph_subscriptions
		WHERE mailbox_id = $1 AND resource = $2
	`, mailboxID, resource).Scan(
		&r.ID, &r.SubscriptionID, &r.MailboxID, &r.Resource, &r.NotificationURL,
		&r.ExpiresAt, &r.Status, &r.LastRenewAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &r, nil
}

// UpsertSubscription inserts or replaces the subscription keyed on
// (mailbox_id, resource).
func (s *Store) UpsertSubscription(ctx context.Context, r SubscriptionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO graph_subscriptions
			(subscription_id, mailbox_id, resource, notification_url,
			 expires_at, status, last_renew_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (mailbox_id, resource) DO UPDATE SET
			subscription_id  = EXCLUDED.subscription_id,
			notification_url = EXCLUDED.notification_url,
			expires_at       = EXCLUDED.expires_at,
			status           = EXCLUDED.status,
			last_renew_at    = EXCLUDED.last_renew_at,
			updated_at       = (NOW() AT TIME ZONE 'utc')
	`, r.SubscriptionID, r.MailboxID, r.Resource, r.NotificationURL,
		r.ExpiresAt, r.Status, r.LastRenewAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// MarkSubscriptionStatus transitions the persisted lifecycle state.
func (s *Store) MarkSubscriptionStatus(ctx context.Context, subscriptionID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE graph_subscriptions
		SET status = $1, updated_at = (NOW() AT TIME ZONE 'utc')
		WHERE subscription_id = $2
	`, status, subscriptionID)
	if err != nil {
		return fmt.Errorf("mark subscription %s: %w", status, err)
	}
	return nil
}
