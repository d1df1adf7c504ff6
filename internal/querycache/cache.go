// Package querycache provides an asynchronous keyed cache of server-derived resources with
// single-flight fetching, version-ordered writes, invalidation groups and change listeners.
//
// All mutation goes through Fetch, Invalidate, InvalidateGroup and Clear. Concurrent fetches
// for one key share a single loader call. A loader result is applied only when no newer call
// for the same key has already settled, so a slow response can never overwrite a newer one.
package querycache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Loader produces the current value of one key.
type Loader func(ctx context.Context) (any, error)

// Listener is invoked after the entry of a subscribed key changes. It runs on the goroutine
// that caused the change and must not block.
type Listener func(Entry)

// ErrDiscard may be returned (or wrapped) by a loader to leave the entry untouched.
var ErrDiscard = errors.New("querycache: result discarded")

// Hooks observes cache activity. Implementations must be safe for concurrent use.
type Hooks interface {
	FetchStarted(key Key)
	FetchJoined(key Key)
	FetchCompleted(key Key, err error, elapsed time.Duration)
	StaleSuppressed(key Key)
	Invalidated(key Key)
}

type noopHooks struct{}

func (noopHooks) FetchStarted(Key)                         {}
func (noopHooks) FetchJoined(Key)                          {}
func (noopHooks) FetchCompleted(Key, error, time.Duration) {}
func (noopHooks) StaleSuppressed(Key)                      {}
func (noopHooks) Invalidated(Key)                          {}

// call is one loader invocation shared by every fetch that joined it.
type call struct {
	ticket uint64
	done   chan struct{}
	val    any
	err    error
}

type subscription struct {
	listener Listener
	loader   Loader
}

type slot struct {
	entry Entry

	// current is the newest in-flight call; concurrent fetches join it.
	current *call

	latestTicket      uint64
	settledTicket     uint64
	invalidatedTicket uint64
	prevStatus        Status

	subs map[uint64]subscription
}

func newSlot(key Key) *slot {
	return &slot{
		entry: Entry{Key: key, Status: StatusIdle},
		subs:  make(map[uint64]subscription),
	}
}

func (s *slot) listeners() []Listener {
	if len(s.subs) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.subs[id].listener)
	}
	return out
}

// refetchLoader returns the loader of the oldest subscription that supplied one.
func (s *slot) refetchLoader() Loader {
	var (
		best   Loader
		bestID uint64
	)
	for id, sub := range s.subs {
		if sub.loader == nil {
			continue
		}
		if best == nil || id < bestID {
			best, bestID = sub.loader, id
		}
	}
	return best
}

type notification struct {
	entry     Entry
	listeners []Listener
}

func (n notification) deliver() {
	for _, l := range n.listeners {
		l(n.entry)
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithHooks registers activity observers.
func WithHooks(hooks Hooks) Option {
	return func(c *Cache) {
		if hooks != nil {
			c.hooks = hooks
		}
	}
}

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSnapshotStore persists values of keys registered with Persist.
func WithSnapshotStore(store SnapshotStore) Option {
	return func(c *Cache) { c.snapshots = store }
}

// Cache holds one entry per key. The zero value is not usable; call New.
type Cache struct {
	mu         sync.Mutex
	slots      map[Key]*slot
	groups     map[string][]Key
	persisted  map[Key]Decoder
	ticket     uint64
	generation uint64
	nextSubID  uint64

	hooks     Hooks
	logger    *slog.Logger
	snapshots SnapshotStore

	refetches sync.WaitGroup
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		slots:     make(map[Key]*slot),
		groups:    make(map[string][]Key),
		persisted: make(map[Key]Decoder),
		hooks:     noopHooks{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// slotLocked returns the slot of key, creating an idle one if absent. c.mu must be held.
func (c *Cache) slotLocked(key Key) *slot {
	s, ok := c.slots[key]
	if !ok {
		s = newSlot(key)
		c.slots[key] = s
	}
	return s
}

// DefineGroup declares the keys refreshed together by InvalidateGroup(name).
func (c *Cache) DefineGroup(name string, keys ...Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[name] = append([]Key(nil), keys...)
}

// Read returns the current entry of key, creating an idle entry if absent. It never blocks on I/O.
func (c *Cache) Read(key Key) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slotLocked(key).entry
}

// Entries returns a snapshot of every entry ordered by key.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.slots))
	for _, s := range c.slots {
		out = append(out, s.entry)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Subscribe registers listener for changes to key. loader, when non-nil, is used to refetch
// the key after invalidation. The returned function deregisters the listener; it is safe to
// call more than once and must be called when the consumer goes away.
func (c *Cache) Subscribe(key Key, listener Listener, loader Loader) (unsubscribe func()) {
	if listener == nil {
		panic("querycache: Subscribe called without a listener")
	}

	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.slotLocked(key).subs[id] = subscription{listener: listener, loader: loader}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if s, ok := c.slots[key]; ok {
				delete(s.subs, id)
			}
		})
	}
}

// SubscriberCount returns the number of live subscriptions on key.
func (c *Cache) SubscriberCount(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[key]; ok {
		return len(s.subs)
	}
	return 0
}

// Fetch returns the value of key loaded by loader. If a load of key is already in flight the
// call joins it instead of invoking loader. The loader runs detached from ctx cancellation so
// joined callers are unaffected when the first caller gives up; ctx only bounds the wait.
//
// Fetch panics when loader is nil.
func (c *Cache) Fetch(ctx context.Context, key Key, loader Loader) (any, error) {
	if loader == nil {
		panic("querycache: Fetch called without a loader for key " + key.String())
	}

	c.mu.Lock()
	s := c.slotLocked(key)
	if cl := s.current; cl != nil {
		c.mu.Unlock()
		c.hooks.FetchJoined(key)
		return wait(ctx, cl)
	}

	c.ticket++
	cl := &call{ticket: c.ticket, done: make(chan struct{})}
	s.current = cl
	s.latestTicket = cl.ticket
	if s.entry.Status != StatusLoading {
		s.prevStatus = s.entry.Status
	}
	s.entry.Status = StatusLoading
	gen := c.generation
	n := notification{entry: s.entry, listeners: s.listeners()}
	c.mu.Unlock()

	c.hooks.FetchStarted(key)
	n.deliver()

	go c.run(context.WithoutCancel(ctx), key, gen, cl, loader)
	return wait(ctx, cl)
}

func wait(ctx context.Context, cl *call) (any, error) {
	select {
	case <-cl.done:
		return cl.val, cl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) run(ctx context.Context, key Key, gen uint64, cl *call, loader Loader) {
	start := time.Now()
	val, err := loader(ctx)
	elapsed := time.Since(start)

	cl.val, cl.err = val, err
	n, persist := c.settle(key, gen, cl)
	c.hooks.FetchCompleted(key, err, elapsed)
	n.deliver()
	close(cl.done)

	if persist {
		c.saveSnapshot(ctx, key, val)
	}
}

// settle applies the result of cl to the entry of key and returns the notification to deliver.
func (c *Cache) settle(key Key, gen uint64, cl *call) (notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[key]
	if !ok || gen != c.generation {
		// Cleared while in flight; the entry it belonged to no longer exists.
		return notification{}, false
	}

	if s.current == cl {
		s.current = nil
	}
	newest := cl.ticket == s.latestTicket

	switch {
	case errors.Is(cl.err, ErrDiscard):
		if s.current == nil && newest && s.entry.Status == StatusLoading {
			s.entry.Status = s.prevStatus
			return notification{entry: s.entry, listeners: s.listeners()}, false
		}
		return notification{}, false

	case cl.err != nil:
		if cl.ticket <= s.settledTicket || s.current != nil {
			c.logger.Debug("discarding superseded fetch error", "key", key.String(), "error", cl.err)
			return notification{}, false
		}
		s.settledTicket = cl.ticket
		s.entry.Status = StatusError
		s.entry.Err = cl.err
		s.entry.LastUpdated = time.Now()
		return notification{entry: s.entry, listeners: s.listeners()}, false

	default:
		if cl.ticket <= s.settledTicket {
			c.hooks.StaleSuppressed(key)
			c.logger.Debug("suppressing stale fetch result",
				"key", key.String(), "ticket", cl.ticket, "settled", s.settledTicket, "version", s.entry.Version)
			cl.val = s.entry.Value
			return notification{}, false
		}
		s.settledTicket = cl.ticket
		preInvalidation := cl.ticket <= s.invalidatedTicket
		s.entry.Value = cl.val
		s.entry.Err = nil
		s.entry.Version++
		s.entry.LastUpdated = time.Now()
		s.entry.Stale = preInvalidation
		switch {
		case s.current != nil:
			s.entry.Status = StatusLoading
		case preInvalidation:
			s.entry.Status = StatusIdle
		default:
			s.entry.Status = StatusSuccess
		}
		_, persist := c.persisted[key]
		return notification{entry: s.entry, listeners: s.listeners()}, persist && c.snapshots != nil && !preInvalidation
	}
}

// Invalidate marks matching entries stale and idle, keeping their last value. A key with an
// empty ID matches every key of that name. Entries with a subscriber that supplied a loader
// are refetched in the background. It returns the number of entries invalidated.
func (c *Cache) Invalidate(target Key) int {
	return c.invalidate([]Key{target})
}

// InvalidateGroup invalidates the keys declared for name with DefineGroup. An undeclared name
// is treated as the key name itself.
func (c *Cache) InvalidateGroup(name string) int {
	c.mu.Lock()
	keys, ok := c.groups[name]
	c.mu.Unlock()
	if !ok {
		keys = []Key{NewKey(name)}
	}
	return c.invalidate(keys)
}

type refetch struct {
	key    Key
	loader Loader
}

func (c *Cache) invalidate(targets []Key) int {
	c.mu.Lock()
	var (
		notifications []notification
		refetches     []refetch
		invalidated   []Key
	)
	for key, s := range c.slots {
		if !matchesAny(targets, key) {
			continue
		}
		s.invalidatedTicket = c.ticket
		s.current = nil
		s.entry.Status = StatusIdle
		s.entry.Stale = true
		s.entry.Err = nil
		invalidated = append(invalidated, key)
		notifications = append(notifications, notification{entry: s.entry, listeners: s.listeners()})
		if loader := s.refetchLoader(); loader != nil {
			refetches = append(refetches, refetch{key: key, loader: loader})
		}
	}
	c.refetches.Add(len(refetches))
	c.mu.Unlock()

	for _, key := range invalidated {
		c.hooks.Invalidated(key)
	}
	for _, n := range notifications {
		n.deliver()
	}
	for _, r := range refetches {
		go func(r refetch) {
			defer c.refetches.Done()
			if _, err := c.Fetch(context.Background(), r.key, r.loader); err != nil {
				c.logger.Debug("refetch after invalidation failed", "key", r.key.String(), "error", err)
			}
		}(r)
	}
	return len(invalidated)
}

func matchesAny(targets []Key, key Key) bool {
	for _, t := range targets {
		if t.matches(key) {
			return true
		}
	}
	return false
}

// Wait blocks until background refetches triggered by invalidation have finished.
func (c *Cache) Wait() {
	c.refetches.Wait()
}

// Clear drops every entry and any persisted snapshots. Subscriptions survive and are notified
// with a fresh idle entry. Results of loads started before Clear are discarded.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.generation++
	old := c.slots
	c.slots = make(map[Key]*slot, len(old))
	var notifications []notification
	for key, s := range old {
		if len(s.subs) == 0 {
			continue
		}
		fresh := newSlot(key)
		fresh.subs = s.subs
		c.slots[key] = fresh
		notifications = append(notifications, notification{entry: fresh.entry, listeners: fresh.listeners()})
	}
	c.mu.Unlock()

	c.logger.Info("query cache cleared", "entries", len(old))
	for _, n := range notifications {
		n.deliver()
	}

	if c.snapshots != nil {
		return c.snapshots.Clear(ctx)
	}
	return nil
}
