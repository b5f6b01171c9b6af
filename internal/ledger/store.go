package ledger

import (
	"fmt"
	"sort"
	"sync"
)

// Store holds every channel owned by one ChannelManager. It is built once
// at process start and passed explicitly; there is no package-level registry.
//
// Lock order: a channel entry lock may be held while taking the index lock,
// never the other way round.
type Store struct {
	mu             sync.RWMutex
	channels       map[string]*entry
	activeByMarket map[string]string // market_id -> channel_id while Open/Finalizing
}

type entry struct {
	mu sync.Mutex
	ch *Channel
}

func NewStore() *Store {
	return &Store{
		channels:       make(map[string]*entry),
		activeByMarket: make(map[string]string),
	}
}

// Insert registers a channel. It fails with ErrAlreadyOpen when the market
// already has an Open or Finalizing channel.
func (s *Store) Insert(ch *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.Status.Active() {
		if existing, ok := s.activeByMarket[ch.MarketID]; ok {
			return fmt.Errorf("market %s has channel %s: %w", ch.MarketID, existing, ErrAlreadyOpen)
		}
	}
	if _, ok := s.channels[ch.ID]; ok {
		return fmt.Errorf("duplicate channel id %s: %w", ch.ID, ErrAlreadyOpen)
	}

	s.channels[ch.ID] = &entry{ch: ch}
	if ch.Status.Active() {
		s.activeByMarket[ch.MarketID] = ch.ID
	}
	return nil
}

func (s *Store) lookup(channelID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.channels[channelID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", channelID, ErrChannelNotFound)
	}
	return e, nil
}

// WithChannel runs fn inside the channel's exclusive critical section. fn may
// mutate the channel in place; it must not block on network I/O. The market
// of a channel that leaves an active status is released after fn returns.
func (s *Store) WithChannel(channelID string, fn func(ch *Channel) error) error {
	e, err := s.lookup(channelID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	wasActive := e.ch.Status.Active()
	if err := fn(e.ch); err != nil {
		return err
	}

	if wasActive && !e.ch.Status.Active() {
		s.mu.Lock()
		if s.activeByMarket[e.ch.MarketID] == e.ch.ID {
			delete(s.activeByMarket, e.ch.MarketID)
		}
		s.mu.Unlock()
	}
	return nil
}

// Snapshot returns a deep copy of the channel.
func (s *Store) Snapshot(channelID string) (*Channel, error) {
	e, err := s.lookup(channelID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch.Clone(), nil
}

// ActiveChannel returns the Open/Finalizing channel id for a market.
func (s *Store) ActiveChannel(marketID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeByMarket[marketID]
	return id, ok
}

// List returns snapshots of every channel ordered by id.
func (s *Store) List() []*Channel {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.channels))
	for _, e := range s.channels {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*Channel, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.ch.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of channels held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// Reset drops every channel. Used on teardown and in tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = make(map[string]*entry)
	s.activeByMarket = make(map[string]string)
}
