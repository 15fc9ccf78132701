// Package mutation applies user actions to the cache speculatively and settles
// them once the server answers.
package mutation

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"kanban/board-client/cache"
)

type State int

const (
	Idle State = iota
	SpeculativeApplied
	Confirmed
	RolledBack
	Superseded
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SpeculativeApplied:
		return "speculative_applied"
	case Confirmed:
		return "confirmed"
	case RolledBack:
		return "rolled_back"
	case Superseded:
		return "superseded"
	}
	return "unknown"
}

// Transaction is the record of one mutation attempt.
type Transaction struct {
	Name     string
	Keys     []cache.Key
	Token    uint64
	State    State
	Snapshot cache.Snapshot
	Err      error
}

// Mutation describes a user action. Apply writes the expected outcome into
// the store; Request performs it on the server.
type Mutation struct {
	Name    string
	Keys    []cache.Key
	Apply   func(s *cache.Store)
	Request func(ctx context.Context) error
}

// Notifier surfaces user-visible failures.
type Notifier interface {
	Notify(msg string)
}

// Pipeline hands out one request token per mutation. The latest token to
// claim a key owns it; only the owner may restore a snapshot into it.
type Pipeline struct {
	store  *cache.Store
	notify Notifier
	log    log.FieldLogger

	mu       sync.Mutex
	seq      uint64
	owner    map[cache.Key]uint64
	inflight map[cache.Key]int
}

func New(store *cache.Store, notifier Notifier, logger log.FieldLogger) *Pipeline {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Pipeline{
		store:    store,
		notify:   notifier,
		log:      logger,
		owner:    make(map[cache.Key]uint64),
		inflight: make(map[cache.Key]int),
	}
}

// Pending is a mutation whose request has not settled yet.
type Pending struct {
	done chan struct{}
	tx   Transaction
}

// Wait blocks until the mutation settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Transaction, error) {
	select {
	case <-p.done:
		return p.tx, nil
	case <-ctx.Done():
		return Transaction{}, ctx.Err()
	}
}

func (p *Pending) Done() <-chan struct{} { return p.done }

// Start snapshots the keys, applies the speculative write synchronously and
// sends the request in the background.
func (p *Pipeline) Start(ctx context.Context, m Mutation) *Pending {
	p.mu.Lock()
	p.seq++
	tx := Transaction{Name: m.Name, Keys: append([]cache.Key(nil), m.Keys...), Token: p.seq, State: Idle}
	tx.Snapshot = p.store.Snapshot(tx.Keys...)
	if m.Apply != nil {
		m.Apply(p.store)
	}
	for _, k := range tx.Keys {
		p.owner[k] = tx.Token
		p.inflight[k]++
	}
	tx.State = SpeculativeApplied
	p.mu.Unlock()

	pending := &Pending{done: make(chan struct{})}
	go func() {
		var err error
		if m.Request != nil {
			err = m.Request(ctx)
		}
		pending.tx = p.settle(tx, err)
		close(pending.done)
	}()
	return pending
}

func (p *Pipeline) settle(tx Transaction, err error) Transaction {
	p.mu.Lock()
	latest := true
	for _, k := range tx.Keys {
		if p.owner[k] != tx.Token {
			latest = false
		}
		if p.inflight[k]--; p.inflight[k] <= 0 {
			delete(p.inflight, k)
		}
	}
	tx.Err = err
	switch {
	case !latest:
		tx.State = Superseded
	case err != nil:
		tx.State = RolledBack
		p.store.Restore(tx.Snapshot)
	default:
		tx.State = Confirmed
	}
	p.mu.Unlock()

	entry := p.log.WithFields(log.Fields{"mutation": tx.Name, "token": tx.Token, "state": tx.State.String()})
	if err != nil {
		entry.WithError(err).Warn("mutation failed")
		if p.notify != nil {
			p.notify.Notify(err.Error())
		}
	} else {
		entry.Debug("mutation settled")
	}
	// A restored snapshot may hold an earlier speculative write, so rolled
	// back keys are refetched too.
	for _, k := range tx.Keys {
		p.store.Invalidate(k)
	}
	return tx
}

// Mark returns a value for Claimed. Take it before starting a refetch.
func (p *Pipeline) Mark() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Claimed reports whether key has a mutation in flight or one started after
// mark. A refetch begun at mark must not overwrite such a key.
func (p *Pipeline) Claimed(key cache.Key, mark uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[key] > 0 || p.owner[key] > mark
}
