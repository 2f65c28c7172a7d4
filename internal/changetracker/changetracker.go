// Package changetracker connects to a remote peer's change feed and emits
// change records to its client, reconnecting with backoff across transient
// failures. Used by pull replication; push reads the local store's change
// feed directly.
package changetracker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/edirooss/litedb/internal/dberrors"
)

// State is one of the tracker's lifecycle states.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReceiving
	StateDisconnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReceiving:
		return "receiving"
	case StateDisconnected:
		return "disconnected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Feed selects the `_changes` feed mode.
type Feed string

const (
	FeedNormal     Feed = "normal"
	FeedLongPoll   Feed = "longpoll"
	FeedContinuous Feed = "continuous"
)

// Authorizer supplies and refreshes credentials for outbound requests to a
// remote peer, the interface the tracker consults on 401 responses.
type Authorizer interface {
	Authorize(req *http.Request) error
	RefreshCredentials(ctx context.Context) error
}

// ChangeRecord is one entry of a remote `_changes` response.
type ChangeRecord struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
	Deleted bool `json:"deleted,omitempty"`
}

// Options configures one tracking session.
type Options struct {
	BaseURL           string
	Feed              Feed
	Since             json.RawMessage
	FilterName        string
	FilterParams      map[string]string
	DocIDs            []string
	Heartbeat         time.Duration
	HTTPTimeout       time.Duration
	LongPollTimeout   time.Duration
	MaxRetries        int // 0 = unbounded
	Authorizer        Authorizer
}

// Tracker runs one change-tracking session against a remote peer.
type Tracker struct {
	log     *zap.Logger
	opts    Options
	client  *http.Client

	mu    sync.Mutex
	state State

	changes chan ChangeRecord
	errc    chan error
	retries int

	// backoffPolicy persists across disconnects so NextBackOff actually
	// escalates; it's only reset on a successful reconnect (see Run).
	backoffPolicy *backoff.ExponentialBackOff
}

// New constructs a stopped Tracker; call Run to start it.
func New(log *zap.Logger, opts Options) *Tracker {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // the tracker owns its own retry budget, not backoff's

	return &Tracker{
		log:           log.Named("changetracker"),
		opts:          opts,
		client:        &http.Client{}, // per-request deadlines are set in buildRequest
		state:         StateIdle,
		changes:       make(chan ChangeRecord, 256),
		errc:          make(chan error, 1),
		backoffPolicy: b,
	}
}

// Changes returns the channel change records are delivered on.
func (t *Tracker) Changes() <-chan ChangeRecord { return t.changes }

// Err returns the channel a fatal failure is reported on, after which the
// tracker has transitioned to StateStopped and Changes() will not receive
// further values.
func (t *Tracker) Err() <-chan error { return t.errc }

// State returns the tracker's current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Run drives the tracker until ctx is cancelled or a fatal error occurs.
// One-shot and normal feeds return after their single request completes;
// longpoll and continuous feeds loop, restarting from the last-seen
// sequence after every completed request or recoverable disconnect.
func (t *Tracker) Run(ctx context.Context) {
	defer close(t.changes)

	since := t.opts.Since
	for {
		select {
		case <-ctx.Done():
			t.setState(StateStopped)
			return
		default:
		}

		t.setState(StateConnecting)
		lastSeq, fatalErr, refreshed, disconnected := t.fetchOnce(ctx, since)
		if fatalErr != nil {
			t.setState(StateStopped)
			t.errc <- fatalErr
			return
		}
		if lastSeq != nil {
			since = lastSeq
		}
		if disconnected {
			// handleDisconnect already slept for the backoff interval; retry
			// from the same since token.
			continue
		}
		if refreshed {
			// fetchOnce got a 401 and refreshed the authorizer's
			// credentials; loop around to issue the request again with them.
			continue
		}

		if t.opts.Feed == FeedNormal {
			t.setState(StateStopped)
			return
		}

		t.retries = 0
		t.backoffPolicy.Reset()
	}
}

// fetchOnce issues a single `_changes` request, streams records to the
// changes channel, and reports the next `since` token. refreshed reports
// whether a 401 mid-flight triggered a credential refresh (caller should
// retry without counting it against the backoff budget); disconnected
// reports a transient network failure already handled by a backoff sleep.
func (t *Tracker) fetchOnce(ctx context.Context, since json.RawMessage) (nextSince json.RawMessage, fatal error, refreshed, disconnected bool) {
	req, cancel, err := t.buildRequest(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", dberrors.ErrBadRequest, err), false, false
	}
	defer cancel()
	if t.opts.Authorizer != nil {
		if err := t.opts.Authorizer.Authorize(req); err != nil {
			return nil, fmt.Errorf("%w: authorize: %v", dberrors.ErrUpstream, err), false, false
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if dcErr := t.handleDisconnect(ctx); dcErr != nil {
			return nil, dcErr, false, true
		}
		return since, nil, false, true
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if t.opts.Authorizer == nil {
			return nil, fmt.Errorf("%w: 401 unauthorized, no authorizer configured", dberrors.ErrUpstream), false, false
		}
		if t.retries > 0 {
			// Already retried once after a refresh; repeated 401 is fatal.
			return nil, fmt.Errorf("%w: 401 unauthorized after credential refresh", dberrors.ErrUpstream), false, false
		}
		if err := t.opts.Authorizer.RefreshCredentials(ctx); err != nil {
			return nil, fmt.Errorf("%w: refresh credentials: %v", dberrors.ErrUpstream, err), false, false
		}
		t.retries++
		return since, nil, true, false
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: upstream returned %d", dberrors.ErrUpstream, resp.StatusCode), false, false
	}

	t.setState(StateReceiving)
	last, err := t.streamRecords(ctx, resp)
	if err != nil {
		if errors.Is(err, dberrors.ErrIO) {
			// Heartbeat lapsed: treat the connection as broken and retry
			// from the last record delivered.
			resume := since
			if last != nil {
				resume = last
			}
			if dcErr := t.handleDisconnect(ctx); dcErr != nil {
				return nil, dcErr, false, true
			}
			return resume, nil, false, true
		}
		return nil, fmt.Errorf("%w: parse change feed: %v", dberrors.ErrCodec, err), false, false
	}
	if last != nil {
		nextSince = last
	} else {
		nextSince = since
	}
	return nextSince, nil, false, false
}

// streamRecords decodes newline-delimited change records from resp,
// enforcing the heartbeat: if no bytes arrive within Heartbeat, the
// connection is treated as broken.
func (t *Tracker) streamRecords(ctx context.Context, resp *http.Response) (json.RawMessage, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var lastSeq json.RawMessage
	lineCh := make(chan []byte)
	doneCh := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lineCh <- line:
			case <-ctx.Done():
				doneCh <- ctx.Err()
				return
			}
		}
		doneCh <- scanner.Err()
	}()

	heartbeat := t.opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return lastSeq, ctx.Err()
		case line := <-lineCh:
			if len(line) == 0 {
				continue // heartbeat newline
			}
			var rec ChangeRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return lastSeq, err
			}
			lastSeq = rec.Seq
			select {
			case t.changes <- rec:
			case <-ctx.Done():
				return lastSeq, ctx.Err()
			}
		case err := <-doneCh:
			return lastSeq, err
		case <-time.After(heartbeat):
			return lastSeq, fmt.Errorf("%w: no heartbeat within %s", dberrors.ErrIO, heartbeat)
		}
	}
}

// handleDisconnect sleeps for a backoff interval before the next attempt,
// or returns a fatal error if MaxRetries is exceeded.
func (t *Tracker) handleDisconnect(ctx context.Context) error {
	t.setState(StateDisconnected)

	if t.opts.MaxRetries > 0 && t.retries >= t.opts.MaxRetries {
		return fmt.Errorf("%w: exceeded %d retries", dberrors.ErrIO, t.opts.MaxRetries)
	}
	t.retries++

	wait := t.backoffPolicy.NextBackOff()

	t.log.Warn("disconnected, retrying", zap.Duration("backoff", wait), zap.Int("attempt", t.retries))
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *Tracker) buildRequest(ctx context.Context, since json.RawMessage) (*http.Request, context.CancelFunc, error) {
	u, err := url.Parse(t.opts.BaseURL + "/_changes")
	if err != nil {
		return nil, func() {}, err
	}
	q := u.Query()
	if len(since) > 0 {
		q.Set("since", trimQuotes(since))
	}
	q.Set("feed", string(t.opts.Feed))
	if t.opts.Heartbeat > 0 {
		q.Set("heartbeat", strconv.FormatInt(t.opts.Heartbeat.Milliseconds(), 10))
	}
	if t.opts.FilterName != "" {
		q.Set("filter", t.opts.FilterName)
	}
	for k, v := range t.opts.FilterParams {
		q.Set(k, v)
	}
	q.Set("include_conflicts", "true")
	u.RawQuery = q.Encode()

	// Continuous feeds stream indefinitely and must not carry a deadline;
	// normal/longpoll requests get one bounded by HTTPTimeout/LongPollTimeout.
	if t.opts.Feed == FeedContinuous {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		return req, func() {}, err
	}
	timeout := t.opts.HTTPTimeout
	if t.opts.Feed == FeedLongPoll {
		timeout = t.opts.LongPollTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, func() {}, err
	}
	return req, cancel, nil
}

func trimQuotes(raw json.RawMessage) string {
	s := string(raw)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
