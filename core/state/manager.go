package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"grantpool/core/types"
	"grantpool/native/strategy"
	"grantpool/storage"
)

// Key prefixes. Records are JSON-encoded; every getter decodes into a fresh
// value, so callers always receive an independent copy.
const (
	prefixProject   = "strategy/project/"
	prefixRecipient = "strategy/recipient/"
	prefixRole      = "roles/"
	prefixProfile   = "profiles/id/"
	prefixAnchor    = "profiles/anchor/"
	prefixMember    = "profiles/member/"
	prefixPool      = "pools/"
	prefixAccount   = "accounts/"
)

var (
	errPoolNotFound = errors.New("state: pool not found")
	// ErrInsufficientPool is returned when a transfer exceeds the pool balance.
	ErrInsufficientPool = errors.New("state: insufficient pool balance")
)

// Manager persists strategy projects, role grants, profiles and pool
// balances on a key-value backend. It implements the engine's state,
// RoleOracle, PoolLedger and ProfileDirectory interfaces.
type Manager struct {
	mu sync.RWMutex
	db storage.Database
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func (m *Manager) getJSON(key string, out interface{}) (bool, error) {
	raw, err := m.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

func (m *Manager) putJSON(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return m.db.Put([]byte(key), raw)
}

func projectKey(id [32]byte) string {
	return prefixProject + hex.EncodeToString(id[:])
}

func recipientKey(projectID, recipientID [32]byte) string {
	return prefixRecipient + hex.EncodeToString(projectID[:]) + "/" + hex.EncodeToString(recipientID[:])
}

// --- strategy state ---

func (m *Manager) ProjectPut(p *strategy.Project) error {
	if p == nil {
		return fmt.Errorf("state: nil project")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putJSON(projectKey(p.ID), p)
}

func (m *Manager) ProjectGet(id [32]byte) (*strategy.Project, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	project := &strategy.Project{}
	ok, err := m.getJSON(projectKey(id), project)
	if err != nil || !ok {
		return nil, false, err
	}
	return project, true, nil
}

func (m *Manager) RecipientPut(projectID [32]byte, r *strategy.Recipient) error {
	if r == nil {
		return fmt.Errorf("state: nil recipient")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putJSON(recipientKey(projectID, r.ID), r)
}

func (m *Manager) RecipientGet(projectID, recipientID [32]byte) (*strategy.Recipient, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recipient := &strategy.Recipient{}
	ok, err := m.getJSON(recipientKey(projectID, recipientID), recipient)
	if err != nil || !ok {
		return nil, false, err
	}
	return recipient, true, nil
}

func (m *Manager) RecipientDelete(projectID, recipientID [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Delete([]byte(recipientKey(projectID, recipientID)))
}

// --- role oracle ---

type roleRecord struct {
	Active bool `json:"active"`
}

func roleKey(capability [32]byte, identity [20]byte) string {
	return prefixRole + hex.EncodeToString(capability[:]) + "/" + hex.EncodeToString(identity[:])
}

func (m *Manager) HasCapability(identity [20]byte, capability [32]byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record := &roleRecord{}
	ok, err := m.getJSON(roleKey(capability, identity), record)
	if err != nil || !ok {
		return false, err
	}
	return record.Active, nil
}

func (m *Manager) GrantCapability(capability [32]byte, identity [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putJSON(roleKey(capability, identity), &roleRecord{Active: true})
}

func (m *Manager) SetCapabilityStatus(capability [32]byte, identity [20]byte, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putJSON(roleKey(capability, identity), &roleRecord{Active: active})
}

// --- profile directory ---

type profileRecord struct {
	ID    [32]byte `json:"id"`
	Owner [20]byte `json:"owner"`
}

// PutProfile registers a profile under its anchor address.
func (m *Manager) PutProfile(profile strategy.Profile, anchor [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := &profileRecord{ID: profile.ID, Owner: profile.Owner}
	if err := m.putJSON(prefixProfile+hex.EncodeToString(profile.ID[:]), record); err != nil {
		return err
	}
	return m.putJSON(prefixAnchor+hex.EncodeToString(anchor[:]), record)
}

// AddProfileMember authorizes an additional identity to act for the profile.
func (m *Manager) AddProfileMember(profileID [32]byte, identity [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := prefixMember + hex.EncodeToString(profileID[:]) + "/" + hex.EncodeToString(identity[:])
	return m.putJSON(key, &roleRecord{Active: true})
}

func (m *Manager) ProfileByAnchor(anchor [20]byte) (*strategy.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record := &profileRecord{}
	ok, err := m.getJSON(prefixAnchor+hex.EncodeToString(anchor[:]), record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &strategy.Profile{ID: record.ID, Owner: record.Owner}, nil
}

func (m *Manager) IsOwnerOrMember(profileID [32]byte, identity [20]byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record := &profileRecord{}
	ok, err := m.getJSON(prefixProfile+hex.EncodeToString(profileID[:]), record)
	if err != nil {
		return false, err
	}
	if ok && record.Owner == identity {
		return true, nil
	}
	member := &roleRecord{}
	key := prefixMember + hex.EncodeToString(profileID[:]) + "/" + hex.EncodeToString(identity[:])
	ok, err = m.getJSON(key, member)
	if err != nil || !ok {
		return false, err
	}
	return member.Active, nil
}

// --- pool ledger ---

type poolRecord struct {
	Token   string   `json:"token"`
	Balance *big.Int `json:"balance"`
}

func poolKey(id [32]byte) string {
	return prefixPool + hex.EncodeToString(id[:])
}

func accountKey(addr [20]byte) string {
	return prefixAccount + hex.EncodeToString(addr[:])
}

// CreatePool seeds a pool with its asset symbol and starting balance.
func (m *Manager) CreatePool(id [32]byte, token string, balance *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	amount := big.NewInt(0)
	if balance != nil {
		if balance.Sign() < 0 {
			return fmt.Errorf("state: pool balance must not be negative")
		}
		amount.Set(balance)
	}
	return m.putJSON(poolKey(id), &poolRecord{Token: token, Balance: amount})
}

func (m *Manager) PoolInfo(poolID [32]byte) (strategy.PoolInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record := &poolRecord{}
	ok, err := m.getJSON(poolKey(poolID), record)
	if err != nil {
		return strategy.PoolInfo{}, err
	}
	if !ok {
		return strategy.PoolInfo{}, errPoolNotFound
	}
	if record.Balance == nil {
		record.Balance = big.NewInt(0)
	}
	return strategy.PoolInfo{Token: record.Token, Balance: record.Balance}, nil
}

// Transfer debits the pool and credits the destination account. The debit and
// credit are applied under one lock so observers never see a partial move.
func (m *Manager) Transfer(poolID [32]byte, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: transfer amount must not be negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pool := &poolRecord{}
	ok, err := m.getJSON(poolKey(poolID), pool)
	if err != nil {
		return err
	}
	if !ok {
		return errPoolNotFound
	}
	if pool.Balance == nil || pool.Balance.Cmp(amount) < 0 {
		return ErrInsufficientPool
	}
	account := &types.Account{}
	if _, err := m.getJSON(accountKey(to), account); err != nil {
		return err
	}
	pool.Balance = new(big.Int).Sub(pool.Balance, amount)
	account.SetBalance(pool.Token, new(big.Int).Add(account.Balance(pool.Token), amount))
	if err := m.putJSON(poolKey(poolID), pool); err != nil {
		return err
	}
	return m.putJSON(accountKey(to), account)
}

// GetAccount returns the stored account for the address, empty when absent.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account := &types.Account{}
	if _, err := m.getJSON(accountKey(addr), account); err != nil {
		return nil, err
	}
	return account, nil
}
