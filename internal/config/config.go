// Package config holds the process-wide settings for a litedb instance: the
// revision store's compaction depth and the replicator's batch size,
// fan-out, heartbeat, timeout, and retry budget. Unset fields default ("if
// zero, default to...") before struct-tag validation runs.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is validated once, in NewConfig, rather than scattered across
// call sites.
type Config struct {
	// DBName names the database directory; non-empty, lowercase recommended.
	DBName string `validate:"required"`

	// CompactionDepth bounds how many generations below each leaf a revision
	// tree keeps before Compact prunes it.
	CompactionDepth int `validate:"gte=1"`

	// ReplicatorBatchSize is the maximum number of revisions processed as one
	// replication pipeline batch.
	ReplicatorBatchSize int `validate:"gte=1"`

	// ReplicatorFanOut bounds how many revision fetches the replicator runs
	// concurrently within one batch.
	ReplicatorFanOut int `validate:"gte=1"`

	// ChangeTrackerHeartbeat is the client-enforced interval: if no bytes
	// arrive from a long-poll/continuous feed within this window, the
	// tracker treats the connection as broken.
	ChangeTrackerHeartbeat time.Duration `validate:"gt=0"`

	// HTTPTimeout bounds every individual HTTP request the change tracker
	// and replicator issue, except long-poll change feeds.
	HTTPTimeout time.Duration `validate:"gt=0"`

	// LongPollTimeout bounds a long-poll `_changes` request; must exceed
	// ChangeTrackerHeartbeat (enforced in NewConfig) so the heartbeat check
	// fires before the request itself times out.
	LongPollTimeout time.Duration `validate:"gt=0"`

	// MaxRetries bounds reconnect/retry attempts after a disconnect. Zero
	// means unbounded, appropriate for continuous replication; one-shot
	// replication jobs should set this explicitly (default 3).
	MaxRetries int `validate:"gte=0"`

	// Continuous marks this config as driving a continuous (rather than
	// one-shot) replication or change-tracking session. It picks MaxRetries'
	// default, and the replicator uses it to choose a continuous pull feed
	// and a subscribed push.
	Continuous bool
}

const (
	defaultCompactionDepth        = 1000
	defaultReplicatorBatchSize    = 100
	defaultReplicatorFanOut       = 4
	defaultChangeTrackerHeartbeat = 30 * time.Second
	defaultHTTPTimeout            = 60 * time.Second
	defaultMaxRetriesOneShot      = 3
)

var validate = validator.New()

// NewConfig applies defaults to zero-valued fields and validates the result.
func NewConfig(c Config) (*Config, error) {
	if c.CompactionDepth == 0 {
		c.CompactionDepth = defaultCompactionDepth
	}
	if c.ReplicatorBatchSize == 0 {
		c.ReplicatorBatchSize = defaultReplicatorBatchSize
	}
	if c.ReplicatorFanOut == 0 {
		c.ReplicatorFanOut = defaultReplicatorFanOut
	}
	if c.ChangeTrackerHeartbeat == 0 {
		c.ChangeTrackerHeartbeat = defaultChangeTrackerHeartbeat
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.LongPollTimeout == 0 {
		c.LongPollTimeout = c.ChangeTrackerHeartbeat * 2
	}
	if c.MaxRetries == 0 && !c.Continuous {
		c.MaxRetries = defaultMaxRetriesOneShot
	}

	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if c.LongPollTimeout <= c.ChangeTrackerHeartbeat {
		return nil, fmt.Errorf("invalid config: long-poll timeout (%s) must exceed heartbeat (%s)", c.LongPollTimeout, c.ChangeTrackerHeartbeat)
	}
	return &c, nil
}
