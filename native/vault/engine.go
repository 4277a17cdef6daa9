package vault

import (
	"errors"
	"math/big"
	"time"

	"rainchain/core/events"
	"rainchain/core/types"
	nativecommon "rainchain/native/common"
)

var (
	errNilState = errors.New("vault engine: state not configured")

	// ErrThresholdOutOfRange rejects liquidation thresholds outside
	// [1000, 10000] basis points.
	ErrThresholdOutOfRange = errors.New("vault engine: liquidation threshold out of range")
	// ErrInvalidAmount rejects zero or negative amounts before any state read.
	ErrInvalidAmount = errors.New("vault engine: amount must be positive")
	// ErrAmountOverflow rejects deposits that would push a balance outside
	// the ledger's amount range.
	ErrAmountOverflow = errors.New("vault engine: amount exceeds ledger range")
	// ErrVaultNotFound indicates the referenced user vault does not exist.
	ErrVaultNotFound = errors.New("vault engine: vault not found")
	// ErrCustodyNotFound indicates the referenced custody vault does not exist.
	ErrCustodyNotFound = errors.New("vault engine: custody vault not found")
	// ErrNotOwner indicates the caller does not own the referenced vault.
	ErrNotOwner = errors.New("vault engine: caller does not own vault")
	// ErrCustodyMismatch indicates the vault and custody records are not
	// linked to each other.
	ErrCustodyMismatch = errors.New("vault engine: custody not linked to vault")
	// ErrDebtOutstanding blocks authorization and release while debt remains.
	ErrDebtOutstanding = errors.New("vault engine: debt outstanding")
	// ErrAuthConsumed indicates the repayment authorization does not exist,
	// typically because it was already consumed by a release.
	ErrAuthConsumed = errors.New("vault engine: repayment authorization unknown or consumed")
	// ErrAuthMismatch indicates the authorization references another vault.
	ErrAuthMismatch = errors.New("vault engine: authorization does not match custody")
	// ErrInsufficientBalance indicates the depositor does not hold the
	// collateral amount being locked.
	ErrInsufficientBalance = errors.New("vault engine: insufficient balance")
)

const (
	moduleName = "vault"

	minThresholdBps = 1_000
	maxThresholdBps = 10_000
)

type engineState interface {
	NextSequence() (uint64, error)
	VaultGet(id [32]byte) (*UserVault, error)
	VaultPut(v *UserVault) error
	CustodyGet(id [32]byte) (*CustodyVault, error)
	CustodyPut(c *CustodyVault) error
	AuthGet(id [32]byte) (*RepaymentAuthorization, error)
	AuthPut(a *RepaymentAuthorization) error
	AuthDelete(id [32]byte) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, acc *types.Account) error
}

type vaultEvent struct {
	evt *types.Event
}

func (e vaultEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e vaultEvent) Event() *types.Event { return e.evt }

// Engine owns vault and custody accounting: creation, deposits, the one-shot
// repayment authorization and the final release back to the owner.
type Engine struct {
	state          engineState
	custodyAddress [20]byte
	emitter        events.Emitter
	pauses         nativecommon.PauseView
	nowFn          func() int64
}

// NewEngine constructs a vault engine. custodyAddr is the module treasury
// account that physically holds all locked collateral.
func NewEngine(custodyAddr [20]byte) *Engine {
	return &Engine{
		custodyAddress: custodyAddr,
		emitter:        events.NoopEmitter{},
		nowFn:          func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPauses wires the administrative pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(vaultEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// CreateVault creates a user vault and its linked custody vault for the
// caller. The liquidation threshold is fixed at creation time.
func (e *Engine) CreateVault(owner [20]byte, liquidationThresholdBps uint64) (*UserVault, *CustodyVault, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	if liquidationThresholdBps < minThresholdBps || liquidationThresholdBps > maxThresholdBps {
		return nil, nil, ErrThresholdOutOfRange
	}

	vaultSeq, err := e.state.NextSequence()
	if err != nil {
		return nil, nil, err
	}
	custodySeq, err := e.state.NextSequence()
	if err != nil {
		return nil, nil, err
	}

	userVault := &UserVault{
		ID:                      nativecommon.DeriveID("rain/vault", owner, vaultSeq),
		Owner:                   owner,
		CollateralBalance:       big.NewInt(0),
		Debt:                    big.NewInt(0),
		LiquidationThresholdBps: liquidationThresholdBps,
	}
	custody := &CustodyVault{
		ID:            nativecommon.DeriveID("rain/custody", owner, custodySeq),
		Owner:         owner,
		VaultID:       userVault.ID,
		LockedBalance: big.NewInt(0),
	}
	userVault.CustodyID = custody.ID

	if err := e.state.VaultPut(userVault); err != nil {
		return nil, nil, err
	}
	if err := e.state.CustodyPut(custody); err != nil {
		return nil, nil, err
	}
	e.emit(NewCreatedEvent(userVault, custody))
	return userVault.Clone(), custody.Clone(), nil
}

// DepositCollateral locks collateral into the custody vault and mirrors the
// new balance on the user vault. Only the vault owner may deposit.
func (e *Engine) DepositCollateral(caller [20]byte, vaultID, custodyID [32]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !nativecommon.FitsAmount(amount) {
		return ErrAmountOverflow
	}

	userVault, custody, err := e.loadLinked(vaultID, custodyID)
	if err != nil {
		return err
	}
	if userVault.Owner != caller {
		return ErrNotOwner
	}

	newLocked := new(big.Int).Add(custody.LockedBalance, amount)
	if !nativecommon.FitsAmount(newLocked) {
		return ErrAmountOverflow
	}

	ownerAcc, err := e.loadAccount(caller)
	if err != nil {
		return err
	}
	if ownerAcc.BalanceRAIN.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	custodyAcc, err := e.loadAccount(e.custodyAddress)
	if err != nil {
		return err
	}

	ownerAcc.BalanceRAIN = new(big.Int).Sub(ownerAcc.BalanceRAIN, amount)
	custodyAcc.BalanceRAIN = new(big.Int).Add(custodyAcc.BalanceRAIN, amount)

	if err := e.state.PutAccount(caller, ownerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.custodyAddress, custodyAcc); err != nil {
		return err
	}

	custody.LockedBalance = newLocked
	userVault.CollateralBalance = new(big.Int).Set(newLocked)

	if err := e.state.CustodyPut(custody); err != nil {
		return err
	}
	if err := e.state.VaultPut(userVault); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(userVault, amount.String()))
	return nil
}

// RequestRepaymentAuth issues a one-shot repayment authorization for a vault
// whose debt has been verified to be zero.
func (e *Engine) RequestRepaymentAuth(caller [20]byte, vaultID [32]byte) (*RepaymentAuthorization, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	userVault, err := e.state.VaultGet(vaultID)
	if err != nil {
		return nil, err
	}
	if userVault == nil {
		return nil, ErrVaultNotFound
	}
	if userVault.Owner != caller {
		return nil, ErrNotOwner
	}
	if userVault.Debt.Sign() != 0 {
		return nil, ErrDebtOutstanding
	}

	seq, err := e.state.NextSequence()
	if err != nil {
		return nil, err
	}
	auth := &RepaymentAuthorization{
		ID:       nativecommon.DeriveID("rain/repayauth", caller, seq),
		VaultID:  userVault.ID,
		IssuedAt: uint64(e.now()),
	}
	if err := e.state.AuthPut(auth); err != nil {
		return nil, err
	}
	e.emit(NewAuthIssuedEvent(auth, caller))
	return auth.Clone(), nil
}

// ReleaseToOwner consumes a repayment authorization and returns the full
// locked balance to the vault owner. The authorization record is deleted,
// making the capability strictly single-use.
func (e *Engine) ReleaseToOwner(caller [20]byte, custodyID, authID [32]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	custody, err := e.state.CustodyGet(custodyID)
	if err != nil {
		return nil, err
	}
	if custody == nil {
		return nil, ErrCustodyNotFound
	}
	auth, err := e.state.AuthGet(authID)
	if err != nil {
		return nil, err
	}
	if auth == nil {
		return nil, ErrAuthConsumed
	}
	if auth.VaultID != custody.VaultID {
		return nil, ErrAuthMismatch
	}
	userVault, err := e.state.VaultGet(custody.VaultID)
	if err != nil {
		return nil, err
	}
	if userVault == nil {
		return nil, ErrVaultNotFound
	}
	if userVault.Owner != caller {
		return nil, ErrNotOwner
	}
	// Debt taken on after the authorization was issued voids it for this
	// withdrawal cycle.
	if userVault.Debt.Sign() != 0 {
		return nil, ErrDebtOutstanding
	}

	released := new(big.Int).Set(custody.LockedBalance)
	if released.Sign() > 0 {
		custodyAcc, err := e.loadAccount(e.custodyAddress)
		if err != nil {
			return nil, err
		}
		if custodyAcc.BalanceRAIN.Cmp(released) < 0 {
			return nil, ErrInsufficientBalance
		}
		ownerAcc, err := e.loadAccount(caller)
		if err != nil {
			return nil, err
		}
		custodyAcc.BalanceRAIN = new(big.Int).Sub(custodyAcc.BalanceRAIN, released)
		ownerAcc.BalanceRAIN = new(big.Int).Add(ownerAcc.BalanceRAIN, released)
		if err := e.state.PutAccount(e.custodyAddress, custodyAcc); err != nil {
			return nil, err
		}
		if err := e.state.PutAccount(caller, ownerAcc); err != nil {
			return nil, err
		}
	}

	custody.LockedBalance = big.NewInt(0)
	userVault.CollateralBalance = big.NewInt(0)

	if err := e.state.CustodyPut(custody); err != nil {
		return nil, err
	}
	if err := e.state.VaultPut(userVault); err != nil {
		return nil, err
	}
	if err := e.state.AuthDelete(authID); err != nil {
		return nil, err
	}
	e.emit(NewReleasedEvent(userVault, released.String()))
	return released, nil
}

func (e *Engine) loadLinked(vaultID, custodyID [32]byte) (*UserVault, *CustodyVault, error) {
	userVault, err := e.state.VaultGet(vaultID)
	if err != nil {
		return nil, nil, err
	}
	if userVault == nil {
		return nil, nil, ErrVaultNotFound
	}
	custody, err := e.state.CustodyGet(custodyID)
	if err != nil {
		return nil, nil, err
	}
	if custody == nil {
		return nil, nil, ErrCustodyNotFound
	}
	if userVault.CustodyID != custody.ID || custody.VaultID != userVault.ID {
		return nil, nil, ErrCustodyMismatch
	}
	return userVault, custody, nil
}

func (e *Engine) loadAccount(addr [20]byte) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return types.EnsureAccount(acc), nil
}
