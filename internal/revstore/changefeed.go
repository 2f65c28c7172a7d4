package revstore

import "go.uber.org/zap"

// subscriber is one live change-feed listener. Delivery is funneled through
// Store.notify, invoked once per commit regardless of how many revisions
// the commit contained, so a subscriber's channel carries a
// whole commit's changes as a single batch, never single revisions split
// across multiple sends.
type subscriber struct {
	ch     chan []Change
	filter FilterPredicate
	params map[string]string
	conflicts bool
}

// Subscription is a live handle returned by Store.Subscribe; the live
// (subscribe) form of the change feed.
type Subscription struct {
	C chan []Change

	s   *Store
	sub *subscriber
}

// Close unregisters the subscription. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.s.subMu.Lock()
	defer sub.s.subMu.Unlock()
	for i, s := range sub.s.subs {
		if s == sub.sub {
			sub.s.subs = append(sub.s.subs[:i], sub.s.subs[i+1:]...)
			break
		}
	}
}

// Subscribe returns the initial snapshot changesSince(since) plus a live
// Subscription delivering subsequent commits as they land.
func (s *Store) Subscribe(since int64, filter FilterPredicate, params map[string]string, includeConflicts bool) (*Subscription, []Change, error) {
	snapshot, _, err := s.ChangesSince(since, filter, params, 0, includeConflicts)
	if err != nil {
		return nil, nil, err
	}

	sub := &subscriber{
		ch:        make(chan []Change, 64),
		filter:    filter,
		params:    params,
		conflicts: includeConflicts,
	}

	s.subMu.Lock()
	s.subs = append(s.subs, sub)
	s.subMu.Unlock()

	return &Subscription{C: sub.ch, s: s, sub: sub}, snapshot, nil
}

// notify delivers one commit's changes to every live subscriber, filtering
// per-subscriber and collapsing to winners when the subscriber asked for
// includeConflicts=false. Sends are non-blocking: a subscriber that can't
// keep up is warned and the batch is dropped for it rather than stalling
// the single delivery path for every other subscriber.
func (s *Store) notify(committed []Change) {
	s.subMu.Lock()
	subs := make([]*subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, sub := range subs {
		batch := committed
		if !sub.conflicts {
			batch = collapseChangesToWinners(committed)
		}
		if sub.filter != nil {
			filtered := batch[:0:0]
			for _, c := range batch {
				if sub.filter.Include(c.Revision, sub.params) {
					filtered = append(filtered, c)
				}
			}
			batch = filtered
		}
		if len(batch) == 0 {
			continue
		}
		select {
		case sub.ch <- batch:
		default:
			s.log.Warn("change feed subscriber backlogged, dropping batch", zap.Int("batch_size", len(batch)))
		}
	}
}

func collapseChangesToWinners(changes []Change) []Change {
	lastIdx := make(map[string]int, len(changes))
	for i, c := range changes {
		lastIdx[c.DocID] = i
	}
	out := make([]Change, 0, len(lastIdx))
	for i, c := range changes {
		if lastIdx[c.DocID] == i {
			out = append(out, c)
		}
	}
	return out
}
