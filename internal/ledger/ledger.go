// Package ledger tracks capacity and reservations per cluster.
//
// The ledger is pure bookkeeping: it knows nothing about deployments or
// priorities. Every account has its own lock, so operations on one cluster are
// linearizable while different clusters proceed in parallel.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/me/berth/pkg/model"
)

var (
	// ErrInsufficientCapacity is returned by Reserve when the amount does not fit.
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	// ErrOverRelease is returned by Release when it would drive usage below zero.
	ErrOverRelease = errors.New("release exceeds reservation")
	// ErrUnknownAccount is returned for clusters the ledger has no account for.
	ErrUnknownAccount = errors.New("unknown ledger account")
	// ErrAccountExists is returned by AddAccount for a duplicate cluster.
	ErrAccountExists = errors.New("ledger account already exists")
	// ErrInvalidAmount is returned when an amount has a negative dimension.
	ErrInvalidAmount = errors.New("amount must not be negative")
)

type account struct {
	mu    sync.Mutex
	limit model.Resources
	used  model.Resources
}

// Ledger holds one account per cluster.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{accounts: make(map[string]*account)}
}

// AddAccount opens an account for cluster with the given capacity and
// pre-existing usage. Used must fit inside limit.
func (l *Ledger) AddAccount(cluster string, limit, used model.Resources) error {
	if limit.AnyNegative() || used.AnyNegative() {
		return fmt.Errorf("open account %s: %w", cluster, ErrInvalidAmount)
	}
	if !used.Fits(limit) {
		return fmt.Errorf("open account %s: used %s exceeds limit %s: %w",
			cluster, used, limit, ErrInsufficientCapacity)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[cluster]; ok {
		return fmt.Errorf("open account %s: %w", cluster, ErrAccountExists)
	}
	l.accounts[cluster] = &account{limit: limit, used: used}
	return nil
}

// RemoveAccount closes the account for cluster regardless of its usage.
// Callers release or discard reservations first.
func (l *Ledger) RemoveAccount(cluster string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[cluster]; !ok {
		return fmt.Errorf("close account %s: %w", cluster, ErrUnknownAccount)
	}
	delete(l.accounts, cluster)
	return nil
}

// Clusters returns the ids of all open accounts, sorted.
func (l *Ledger) Clusters() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Ledger) account(cluster string) (*account, error) {
	l.mu.RLock()
	a, ok := l.accounts[cluster]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", cluster, ErrUnknownAccount)
	}
	return a, nil
}

// Reserve debits amount from cluster. All three dimensions are debited
// together or not at all.
func (l *Ledger) Reserve(cluster string, amount model.Resources) error {
	if amount.AnyNegative() {
		return fmt.Errorf("reserve on %s: %w", cluster, ErrInvalidAmount)
	}
	a, err := l.account(cluster)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.used.Add(amount)
	if !next.Fits(a.limit) {
		return fmt.Errorf("reserve %s on %s (used %s, limit %s): %w",
			amount, cluster, a.used, a.limit, ErrInsufficientCapacity)
	}
	a.used = next
	return nil
}

// Release credits amount back to cluster. Releasing more than is reserved in
// any dimension fails without changing the account.
func (l *Ledger) Release(cluster string, amount model.Resources) error {
	if amount.AnyNegative() {
		return fmt.Errorf("release on %s: %w", cluster, ErrInvalidAmount)
	}
	a, err := l.account(cluster)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.used.Sub(amount)
	if next.AnyNegative() {
		return fmt.Errorf("release %s on %s (used %s): %w",
			amount, cluster, a.used, ErrOverRelease)
	}
	a.used = next
	return nil
}

// Available returns limit - used for cluster.
func (l *Ledger) Available(cluster string) (model.Resources, error) {
	u, err := l.Usage(cluster)
	if err != nil {
		return model.Resources{}, err
	}
	return u.Available(), nil
}

// Usage returns a consistent snapshot of limit and used for cluster.
func (l *Ledger) Usage(cluster string) (model.Usage, error) {
	a, err := l.account(cluster)
	if err != nil {
		return model.Usage{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return model.Usage{Limit: a.limit, Used: a.used}, nil
}
