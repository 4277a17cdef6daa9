package state

import (
	"errors"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"rainchain/core/types"
	"rainchain/native/escrow"
	"rainchain/native/liquidation"
	"rainchain/native/market"
	"rainchain/native/vault"
	"rainchain/storage"
)

// ErrStaleRecord indicates a write carried a version that no longer matches
// the stored record. The caller reloads and resubmits.
var ErrStaleRecord = errors.New("state: record version is stale")

var (
	vaultPrefix       = []byte("vault:")
	custodyPrefix     = []byte("custody:")
	authPrefix        = []byte("auth:")
	borrowOrderPrefix = []byte("order:borrow:")
	lendOrderPrefix   = []byte("order:lend:")
	positionPrefix    = []byte("position:")
	fillPrefix        = []byte("fill:")
	seizurePrefix     = []byte("seizure:")
	deficitPrefix     = []byte("deficit:")
	accountPrefix     = []byte("account:")

	vaultOwnerPrefix    = []byte("index:vaults:owner:")
	positionOwnerPrefix = []byte("index:positions:owner:")
	authOwnerPrefix     = []byte("index:auths:owner:")
	eventAddrPrefix     = []byte("index:events:addr:")

	sequenceKey        = ethcrypto.Keccak256([]byte("sequence"))
	openBorrowOrderKey = ethcrypto.Keccak256([]byte("index:orders:borrow:open"))
	openLendOrderKey   = ethcrypto.Keccak256([]byte("index:orders:lend:open"))
	eventLogKey        = ethcrypto.Keccak256([]byte("events"))
)

func prefixedKey(prefix, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return ethcrypto.Keccak256(buf)
}

// Manager is the ledger's persistence layer: RLP-encoded records behind
// keccak-derived keys, staged in a write buffer until Commit. Every engine
// state interface is satisfied by this one type. Reads inside a transaction
// observe the buffer over the committed store, so a transaction always sees
// its own writes.
type Manager struct {
	db     storage.Database
	buffer map[string]*bufferedWrite
}

type bufferedWrite struct {
	value   []byte
	deleted bool
}

// NewManager creates a state manager over the provided key-value store.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, buffer: make(map[string]*bufferedWrite)}
}

// Commit flushes all staged writes to the underlying store and resets the
// buffer. Writes are applied in one pass; the underlying store is assumed to
// be exclusively owned by this manager.
func (m *Manager) Commit() error {
	for key, write := range m.buffer {
		if write.deleted {
			if err := m.db.Delete([]byte(key)); err != nil {
				return err
			}
			continue
		}
		if err := m.db.Put([]byte(key), write.value); err != nil {
			return err
		}
	}
	m.buffer = make(map[string]*bufferedWrite)
	return nil
}

// Discard drops all staged writes.
func (m *Manager) Discard() {
	m.buffer = make(map[string]*bufferedWrite)
}

func (m *Manager) get(key []byte) ([]byte, error) {
	if write, ok := m.buffer[string(key)]; ok {
		if write.deleted {
			return nil, nil
		}
		return write.value, nil
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (m *Manager) stage(key, value []byte) {
	m.buffer[string(key)] = &bufferedWrite{value: value}
}

func (m *Manager) stageDelete(key []byte) {
	m.buffer[string(key)] = &bufferedWrite{deleted: true}
}

func (m *Manager) load(key []byte, out interface{}) (bool, error) {
	data, err := m.get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) store(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.stage(key, encoded)
	return nil
}

// NextSequence returns the next value of the global monotonic sequence used
// for identifier derivation.
func (m *Manager) NextSequence() (uint64, error) {
	var seq uint64
	if _, err := m.load(sequenceKey, &seq); err != nil {
		return 0, err
	}
	seq++
	if err := m.store(sequenceKey, seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// checkVersion enforces the optimistic concurrency contract: the incoming
// version must match the stored one. Returns the version to persist.
func checkVersion(storedOK bool, stored, incoming uint64) (uint64, error) {
	if !storedOK {
		if incoming != 0 {
			return 0, ErrStaleRecord
		}
		return 1, nil
	}
	if stored != incoming {
		return 0, ErrStaleRecord
	}
	return stored + 1, nil
}

func (m *Manager) idList(key []byte) ([][32]byte, error) {
	var list [][32]byte
	if _, err := m.load(key, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) appendID(key []byte, id [32]byte) error {
	list, err := m.idList(key)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if existing == id {
			return nil
		}
	}
	return m.store(key, append(list, id))
}

func (m *Manager) removeID(key []byte, id [32]byte) error {
	list, err := m.idList(key)
	if err != nil {
		return err
	}
	filtered := list[:0]
	for _, existing := range list {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	if len(filtered) == len(list) {
		return nil
	}
	return m.store(key, filtered)
}

// VaultGet returns the user vault record, or nil when absent.
func (m *Manager) VaultGet(id [32]byte) (*vault.UserVault, error) {
	record := new(vault.UserVault)
	ok, err := m.load(prefixedKey(vaultPrefix, id[:]), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

// VaultPut persists the user vault, maintaining the per-owner index.
func (m *Manager) VaultPut(v *vault.UserVault) error {
	key := prefixedKey(vaultPrefix, v.ID[:])
	existing := new(vault.UserVault)
	ok, err := m.load(key, existing)
	if err != nil {
		return err
	}
	storedVersion := uint64(0)
	if ok {
		storedVersion = existing.Version
	}
	next, err := checkVersion(ok, storedVersion, v.Version)
	if err != nil {
		return err
	}
	stored := v.Clone()
	stored.Version = next
	if err := m.store(key, stored); err != nil {
		return err
	}
	if !ok {
		return m.appendID(prefixedKey(vaultOwnerPrefix, v.Owner[:]), v.ID)
	}
	return nil
}

// VaultsByOwner returns all vaults created by the owner.
func (m *Manager) VaultsByOwner(owner [20]byte) ([]*vault.UserVault, error) {
	ids, err := m.idList(prefixedKey(vaultOwnerPrefix, owner[:]))
	if err != nil {
		return nil, err
	}
	out := make([]*vault.UserVault, 0, len(ids))
	for _, id := range ids {
		record, err := m.VaultGet(id)
		if err != nil {
			return nil, err
		}
		if record != nil {
			out = append(out, record)
		}
	}
	return out, nil
}

// CustodyGet returns the custody vault record, or nil when absent.
func (m *Manager) CustodyGet(id [32]byte) (*vault.CustodyVault, error) {
	record := new(vault.CustodyVault)
	ok, err := m.load(prefixedKey(custodyPrefix, id[:]), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

// CustodyPut persists the custody vault.
func (m *Manager) CustodyPut(c *vault.CustodyVault) error {
	key := prefixedKey(custodyPrefix, c.ID[:])
	existing := new(vault.CustodyVault)
	ok, err := m.load(key, existing)
	if err != nil {
		return err
	}
	storedVersion := uint64(0)
	if ok {
		storedVersion = existing.Version
	}
	next, err := checkVersion(ok, storedVersion, c.Version)
	if err != nil {
		return err
	}
	stored := c.Clone()
	stored.Version = next
	return m.store(key, stored)
}

// AuthGet returns the repayment authorization, or nil when absent or already
// consumed.
func (m *Manager) AuthGet(id [32]byte) (*vault.RepaymentAuthorization, error) {
	record := new(vault.RepaymentAuthorization)
	ok, err := m.load(prefixedKey(authPrefix, id[:]), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

// AuthPut persists the authorization, indexed under its vault's owner.
func (m *Manager) AuthPut(a *vault.RepaymentAuthorization) error {
	key := prefixedKey(authPrefix, a.ID[:])
	existing := new(vault.RepaymentAuthorization)
	ok, err := m.load(key, existing)
	if err != nil {
		return err
	}
	storedVersion := uint64(0)
	if ok {
		storedVersion = existing.Version
	}
	next, err := checkVersion(ok, storedVersion, a.Version)
	if err != nil {
		return err
	}
	stored := a.Clone()
	stored.Version = next
	if err := m.store(key, stored); err != nil {
		return err
	}
	owner, err := m.vaultOwner(a.VaultID)
	if err != nil {
		return err
	}
	return m.appendID(prefixedKey(authOwnerPrefix, owner[:]), a.ID)
}

// AuthDelete consumes the authorization record.
func (m *Manager) AuthDelete(id [32]byte) error {
	record, err := m.AuthGet(id)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	m.stageDelete(prefixedKey(authPrefix, id[:]))
	owner, err := m.vaultOwner(record.VaultID)
	if err != nil {
		return err
	}
	return m.removeID(prefixedKey(authOwnerPrefix, owner[:]), id)
}

// AuthsByOwner returns the outstanding authorizations issued for the owner's
// vaults.
func (m *Manager) AuthsByOwner(owner [20]byte) ([]*vault.RepaymentAuthorization, error) {
	ids, err := m.idList(prefixedKey(authOwnerPrefix, owner[:]))
	if err != nil {
		return nil, err
	}
	out := make([]*vault.RepaymentAuthorization, 0, len(ids))
	for _, id := range ids {
		record, err := m.AuthGet(id)
		if err != nil {
			return nil, err
		}
		if record != nil {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *Manager) vaultOwner(vaultID [32]byte) ([20]byte, error) {
	record, err := m.VaultGet(vaultID)
	if err != nil || record == nil {
		return [20]byte{}, err
	}
	return record.Owner, nil
}

// BorrowOrderGet returns the borrow order, or nil when absent.
func (m *Manager) BorrowOrderGet(id [32]byte) (*market.BorrowOrder, error) {
	record := new(market.BorrowOrder)
	ok, err := m.load(prefixedKey(borrowOrderPrefix, id[:]), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

// BorrowOrderPut persists the borrow order and keeps the open-order index
// current: orders with no remaining capacity leave the index.
func (m *Manager) BorrowOrderPut(o *market.BorrowOrder) error {
	key := prefixedKey(borrowOrderPrefix, o.ID[:])
	existing := new(market.BorrowOrder)
	ok, err := m.load(key, existing)
	if err != nil {
		return err
	}
	storedVersion := uint64(0)
	if ok {
		storedVersion = existing.Version
	}
	next, err := checkVersion(ok, storedVersion, o.Version)
	if err != nil {
		return err
	}
	stored := o.Clone()
	stored.Version = next
	if err := m.store(key, stored); err != nil {
		return err
	}
	if stored.Remaining().Sign() > 0 {
		return m.appendID(openBorrowOrderKey, o.ID)
	}
	return m.removeID(openBorrowOrderKey, o.ID)
}

// OpenBorrowOrders enumerates borrow orders with remaining capacity.
func (m *Manager) OpenBorrowOrders() ([]*market.BorrowOrder, error) {
	ids, err := m.idList(openBorrowOrderKey)
	if err != nil {
		return nil, err
	}
	out := make([]*market.BorrowOrder, 0, len(ids))
	for _, id := range ids {
		record, err := m.BorrowOrderGet(id)
		if err != nil {
			return nil, err
		}
		if record != nil {
			out = append(out, record)
		}
	}
	return out, nil
}

// LendOrderGet returns the lend order, or nil when absent.
func (m *Manager) LendOrderGet(id [32]byte) (*market.LendOrder, error) {
	record := new(market.LendOrder)
	ok, err := m.load(prefixedKey(lendOrderPrefix, id[:]), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

// LendOrderPut persists the lend order, mirroring BorrowOrderPut.
func (m *Manager) LendOrderPut(o *market.LendOrder) error {
	key := prefixedKey(lendOrderPrefix, o.ID[:])
	existing := new(market.LendOrder)
	ok, err := m.load(key, existing)
	if err != nil {
		return err
	}
	storedVersion := uint64(0)
	if ok {
		storedVersion = existing.Version
	}
	next, err := checkVersion(ok, storedVersion, o.Version)
	if err != nil {
		return err
	}
	stored := o.Clone()
	stored.Version = next
	if err := m.store(key, stored); err != nil {
		return err
	}
	if stored.Remaining().Sign() > 0 {
		return m.appendID(openLendOrderKey, o.ID)
	}
	return m.removeID(openLendOrderKey, o.ID)
}

// OpenLendOrders enumerates lend orders with remaining capacity.
func (m *Manager) OpenLendOrders() ([]*market.LendOrder, error) {
	ids, err := m.idList(openLendOrderKey)
	if err != nil {
		return nil, err
	}
	out := make([]*market.LendOrder, 0, len(ids))
	for _, id := range ids {
		record, err := m.LendOrderGet(id)
		if err != nil {
			return nil, err
		}
		if record != nil {
			out = append(out, record)
		}
	}
	return out, nil
}

// PositionGet returns the loan position, or nil when absent.
func (m *Manager) PositionGet(id [32]byte) (*market.LoanPosition, error) {
	record := new(market.LoanPosition)
	ok, err := m.load(prefixedKey(positionPrefix, id[:]), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

// PositionPut persists the loan position, indexed under the borrower.
func (m *Manager) PositionPut(p *market.LoanPosition) error {
	key := prefixedKey(positionPrefix, p.ID[:])
	existing := new(market.LoanPosition)
	ok, err := m.load(key, existing)
	if err != nil {
		return err
	}
	storedVersion := uint64(0)
	if ok {
		storedVersion = existing.Version
	}
	next, err := checkVersion(ok, storedVersion, p.Version)
	if err != nil {
		return err
	}
	stored := p.Clone()
	stored.Version = next
	if err := m.store(key, stored); err != nil {
		return err
	}
	if !ok {
		return m.appendID(prefixedKey(positionOwnerPrefix, p.Borrower[:]), p.ID)
	}
	return nil
}

// PositionsByBorrower returns all positions drawn against the borrower's
// vaults, settled ones included.
func (m *Manager) PositionsByBorrower(borrower [20]byte) ([]*market.LoanPosition, error) {
	ids, err := m.idList(prefixedKey(positionOwnerPrefix, borrower[:]))
	if err != nil {
		return nil, err
	}
	out := make([]*market.LoanPosition, 0, len(ids))
	for _, id := range ids {
		record, err := m.PositionGet(id)
		if err != nil {
			return nil, err
		}
		if record != nil {
			out = append(out, record)
		}
	}
	return out, nil
}

// FillRequestGet returns the fill request, or nil when absent.
func (m *Manager) FillRequestGet(id [32]byte) (*escrow.FillRequest, error) {
	record := new(escrow.FillRequest)
	ok, err := m.load(prefixedKey(fillPrefix, id[:]), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

// FillRequestPut persists the fill request.
func (m *Manager) FillRequestPut(f *escrow.FillRequest) error {
	key := prefixedKey(fillPrefix, f.ID[:])
	existing := new(escrow.FillRequest)
	ok, err := m.load(key, existing)
	if err != nil {
		return err
	}
	storedVersion := uint64(0)
	if ok {
		storedVersion = existing.Version
	}
	next, err := checkVersion(ok, storedVersion, f.Version)
	if err != nil {
		return err
	}
	stored := f.Clone()
	stored.Version = next
	return m.store(key, stored)
}

// SeizureGet returns the pending seizure for a vault, or nil when absent.
func (m *Manager) SeizureGet(vaultID [32]byte) (*liquidation.Seizure, error) {
	record := new(liquidation.Seizure)
	ok, err := m.load(prefixedKey(seizurePrefix, vaultID[:]), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

// SeizurePut persists the pending seizure, keyed by vault.
func (m *Manager) SeizurePut(s *liquidation.Seizure) error {
	key := prefixedKey(seizurePrefix, s.VaultID[:])
	existing := new(liquidation.Seizure)
	ok, err := m.load(key, existing)
	if err != nil {
		return err
	}
	storedVersion := uint64(0)
	if ok {
		storedVersion = existing.Version
	}
	next, err := checkVersion(ok, storedVersion, s.Version)
	if err != nil {
		return err
	}
	stored := s.Clone()
	stored.Version = next
	return m.store(key, stored)
}

// SeizureDelete consumes the pending seizure after settlement.
func (m *Manager) SeizureDelete(vaultID [32]byte) error {
	m.stageDelete(prefixedKey(seizurePrefix, vaultID[:]))
	return nil
}

// DeficitGet returns the accumulated deficit for a vault, or nil when none
// has been booked.
func (m *Manager) DeficitGet(vaultID [32]byte) (*liquidation.Deficit, error) {
	record := new(liquidation.Deficit)
	ok, err := m.load(prefixedKey(deficitPrefix, vaultID[:]), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

// DeficitPut persists the deficit record.
func (m *Manager) DeficitPut(d *liquidation.Deficit) error {
	key := prefixedKey(deficitPrefix, d.VaultID[:])
	existing := new(liquidation.Deficit)
	ok, err := m.load(key, existing)
	if err != nil {
		return err
	}
	storedVersion := uint64(0)
	if ok {
		storedVersion = existing.Version
	}
	next, err := checkVersion(ok, storedVersion, d.Version)
	if err != nil {
		return err
	}
	stored := d.Clone()
	stored.Version = next
	return m.store(key, stored)
}

// GetAccount returns the balance record for an address, or nil when the
// address has never been touched.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	record := new(types.Account)
	ok, err := m.load(prefixedKey(accountPrefix, addr[:]), record)
	if err != nil || !ok {
		return nil, err
	}
	return record, nil
}

// PutAccount persists the balance record. Accounts are not versioned; they
// only change inside the ledger's transaction boundary.
func (m *Manager) PutAccount(addr [20]byte, acc *types.Account) error {
	return m.store(prefixedKey(accountPrefix, addr[:]), acc)
}
