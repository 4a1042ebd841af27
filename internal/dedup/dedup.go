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

// Package dedup provides a fast-path seen-message filter using Redis keys
// with TTL. It sits in front of the database dedupe check to cheaply drop
// duplicate webhook deliveries and overlapping delta pages.
//
// The check and the mark are deliberately separate calls: a message is
// marked seen only after the full ingest succeeds, so a crash mid-ingest
// leaves the message eligible for the attachments-recovery path on retry.
// Correctness does not depend on Redis; the unique key on
// (mailbox_id, provider_message_id) is the real dedupe anchor.
package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a processed message ID is remembered. Delta
	// catch-up after an outage never looks back further than this.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces filter keys in Redis.
	keyPrefix = "icbf:seen:"
)

// Filter tracks which provider message IDs have already been ingested.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsDuplicate reports whether the message ID was already marked processed.
// A Redis error is returned so the caller can proceed to the database check.
func (f *Filter) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	n, err := f.rdb.Exists(ctx, keyPrefix+messageID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed records the message ID after a fully successful ingest.
func (f *Filter) MarkProcessed(ctx context.Context, messageID string) error {
	return f.rdb.Set(ctx, keyPrefix+messageID, 1, f.ttl).Err()
}
