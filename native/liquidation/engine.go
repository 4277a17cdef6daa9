package liquidation

import (
	"errors"
	"math/big"
	"time"

	"rainchain/core/events"
	"rainchain/core/types"
	nativecommon "rainchain/native/common"
	"rainchain/native/market"
	"rainchain/native/oracle"
	"rainchain/native/vault"
)

var (
	errNilState = errors.New("liquidation engine: state not configured")
	errNilFeed  = errors.New("liquidation engine: oracle feed not configured")
	errNilVenue = errors.New("liquidation engine: venue not configured")

	// ErrVaultNotFound indicates the referenced vault is unknown.
	ErrVaultNotFound = errors.New("liquidation engine: vault not found")
	// ErrCustodyNotFound indicates the referenced custody vault is unknown.
	ErrCustodyNotFound = errors.New("liquidation engine: custody vault not found")
	// ErrCustodyMismatch indicates the custody vault does not back the
	// referenced user vault.
	ErrCustodyMismatch = errors.New("liquidation engine: custody does not back vault")
	// ErrNoDebt indicates the vault has nothing to liquidate against.
	ErrNoDebt = errors.New("liquidation engine: vault has no debt")
	// ErrNotLiquidatable indicates the vault is still within its threshold.
	ErrNotLiquidatable = errors.New("liquidation engine: vault within liquidation threshold")
	// ErrSeizureExists blocks a second seizure while one awaits settlement.
	ErrSeizureExists = errors.New("liquidation engine: seizure pending settlement")
	// ErrSeizureNotFound indicates no pending seizure for the vault.
	ErrSeizureNotFound = errors.New("liquidation engine: no pending seizure")
	// ErrNotLiquidator indicates the caller did not perform the seizure.
	ErrNotLiquidator = errors.New("liquidation engine: caller is not the seizing liquidator")
	// ErrSlippageExceeded indicates the venue returned less than minOut.
	ErrSlippageExceeded = errors.New("liquidation engine: proceeds below minimum")
	// ErrInvalidBonus rejects bonus settings above 10000 basis points.
	ErrInvalidBonus = errors.New("liquidation engine: bonus out of range")
	// ErrInvalidPolicy rejects unsupported shortfall modes.
	ErrInvalidPolicy = errors.New("liquidation engine: unknown shortfall policy")
)

const moduleName = "liquidation"

var basisPoints = big.NewInt(10_000)

type engineState interface {
	VaultGet(id [32]byte) (*vault.UserVault, error)
	VaultPut(v *vault.UserVault) error
	CustodyGet(id [32]byte) (*vault.CustodyVault, error)
	CustodyPut(c *vault.CustodyVault) error
	SeizureGet(vaultID [32]byte) (*Seizure, error)
	SeizurePut(s *Seizure) error
	SeizureDelete(vaultID [32]byte) error
	DeficitGet(vaultID [32]byte) (*Deficit, error)
	DeficitPut(d *Deficit) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, acc *types.Account) error
}

type liquidationEvent struct {
	evt *types.Event
}

func (e liquidationEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e liquidationEvent) Event() *types.Event { return e.evt }

// Engine seizes undercollateralized vaults and settles the seized lots
// through an external venue. Seizure and sale are separate steps: the seized
// collateral parks on the module account and the vault debt stays recorded
// until the sale splits the proceeds.
type Engine struct {
	state       engineState
	feed        oracle.Feed
	venue       Venue
	custodyAddr [20]byte
	moduleAddr  [20]byte
	bonusBps    uint64
	shortfall   ShortfallPolicy
	emitter     events.Emitter
	pauses      nativecommon.PauseView
}

// NewEngine constructs a liquidation engine. custodyAddr holds locked
// deposits, moduleAddr holds seized lots and sale proceeds.
func NewEngine(custodyAddr, moduleAddr [20]byte) *Engine {
	return &Engine{
		custodyAddr: custodyAddr,
		moduleAddr:  moduleAddr,
		shortfall:   ShortfallCarry,
		emitter:     events.NoopEmitter{},
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetFeed wires the oracle consulted before seizure.
func (e *Engine) SetFeed(feed oracle.Feed) { e.feed = feed }

// SetVenue wires the external matching venue used for settlement.
func (e *Engine) SetVenue(v Venue) { e.venue = v }

// SetBonusBps sets the liquidator bonus taken off the sale proceeds.
func (e *Engine) SetBonusBps(bps uint64) error {
	if bps > 10_000 {
		return ErrInvalidBonus
	}
	e.bonusBps = bps
	return nil
}

// SetShortfallPolicy selects what happens to uncovered debt after a sale.
func (e *Engine) SetShortfallPolicy(p ShortfallPolicy) error {
	if !p.Valid() {
		return ErrInvalidPolicy
	}
	e.shortfall = p
	return nil
}

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

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(liquidationEvent{evt: event})
}

// Liquidate seizes the full custody balance of a vault whose loan-to-value
// has reached the liquidation threshold. Any caller may trigger it; the
// caller is recorded as the liquidator and earns the settlement bonus. The
// vault debt is left in place until settlement.
func (e *Engine) Liquidate(liquidator [20]byte, vaultID, custodyID [32]byte, feedID []byte, maxAge time.Duration, now time.Time) (*Seizure, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.feed == nil {
		return nil, errNilFeed
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
	custody, err := e.state.CustodyGet(custodyID)
	if err != nil {
		return nil, err
	}
	if custody == nil {
		return nil, ErrCustodyNotFound
	}
	if custody.VaultID != userVault.ID || userVault.CustodyID != custody.ID {
		return nil, ErrCustodyMismatch
	}
	if userVault.Debt == nil || userVault.Debt.Sign() == 0 {
		return nil, ErrNoDebt
	}
	existing, err := e.state.SeizureGet(vaultID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrSeizureExists
	}

	price, err := e.feed.Price(feedID)
	if err != nil {
		return nil, err
	}
	if err := oracle.Fresh(price, now, maxAge); err != nil {
		return nil, err
	}
	if market.PositionHealthy(userVault, userVault.Debt, price) {
		return nil, ErrNotLiquidatable
	}

	seized := new(big.Int).Set(custody.LockedBalance)

	custodyAcc, err := e.loadAccount(e.custodyAddr)
	if err != nil {
		return nil, err
	}
	moduleAcc, err := e.loadAccount(e.moduleAddr)
	if err != nil {
		return nil, err
	}
	custodyAcc.BalanceRAIN = new(big.Int).Sub(custodyAcc.BalanceRAIN, seized)
	moduleAcc.BalanceRAIN = new(big.Int).Add(moduleAcc.BalanceRAIN, seized)
	if err := e.state.PutAccount(e.custodyAddr, custodyAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.moduleAddr, moduleAcc); err != nil {
		return nil, err
	}

	custody.LockedBalance = big.NewInt(0)
	userVault.CollateralBalance = big.NewInt(0)
	if err := e.state.CustodyPut(custody); err != nil {
		return nil, err
	}
	if err := e.state.VaultPut(userVault); err != nil {
		return nil, err
	}

	seizure := &Seizure{
		VaultID:       userVault.ID,
		CustodyID:     custody.ID,
		Owner:         userVault.Owner,
		Liquidator:    liquidator,
		Collateral:    seized,
		DebtAtSeizure: new(big.Int).Set(userVault.Debt),
		SeizedAtMs:    uint64(now.UnixMilli()),
	}
	if err := e.state.SeizurePut(seizure); err != nil {
		return nil, err
	}
	e.emit(NewSeizedEvent(seizure))
	return seizure.Clone(), nil
}

// SellCollateralAndSettle sells a pending seizure through the venue and
// splits the proceeds: the liquidator bonus first, then debt repayment, then
// any surplus back to the vault owner. The repaid-debt share stays on the
// module account as the settlement pool. Uncovered debt follows the
// configured shortfall policy.
func (e *Engine) SellCollateralAndSettle(liquidator [20]byte, vaultID, poolRef [32]byte, feeBudget, minQuoteOut *big.Int) (*Settlement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.venue == nil {
		return nil, errNilVenue
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}

	seizure, err := e.state.SeizureGet(vaultID)
	if err != nil {
		return nil, err
	}
	if seizure == nil {
		return nil, ErrSeizureNotFound
	}
	if seizure.Liquidator != liquidator {
		return nil, ErrNotLiquidator
	}
	userVault, err := e.state.VaultGet(vaultID)
	if err != nil {
		return nil, err
	}
	if userVault == nil {
		return nil, ErrVaultNotFound
	}

	proceeds, err := e.venue.Swap(poolRef, seizure.Collateral, feeBudget, minQuoteOut)
	if err != nil {
		return nil, err
	}
	if minQuoteOut != nil && proceeds.Cmp(minQuoteOut) < 0 {
		return nil, ErrSlippageExceeded
	}

	moduleAcc, err := e.loadAccount(e.moduleAddr)
	if err != nil {
		return nil, err
	}
	moduleAcc.BalanceRAIN = new(big.Int).Sub(moduleAcc.BalanceRAIN, seizure.Collateral)
	moduleAcc.BalanceRUSD = new(big.Int).Add(moduleAcc.BalanceRUSD, proceeds)

	bonus := new(big.Int).Mul(proceeds, new(big.Int).SetUint64(e.bonusBps))
	bonus.Quo(bonus, basisPoints)
	available := new(big.Int).Sub(proceeds, bonus)

	debtRepaid := new(big.Int).Set(userVault.Debt)
	if debtRepaid.Cmp(available) > 0 {
		debtRepaid.Set(available)
	}
	surplus := new(big.Int).Sub(available, debtRepaid)

	moduleAcc.BalanceRUSD = new(big.Int).Sub(moduleAcc.BalanceRUSD, bonus)
	moduleAcc.BalanceRUSD = new(big.Int).Sub(moduleAcc.BalanceRUSD, surplus)
	if err := e.state.PutAccount(e.moduleAddr, moduleAcc); err != nil {
		return nil, err
	}
	if bonus.Sign() > 0 {
		liquidatorAcc, err := e.loadAccount(liquidator)
		if err != nil {
			return nil, err
		}
		liquidatorAcc.BalanceRUSD = new(big.Int).Add(liquidatorAcc.BalanceRUSD, bonus)
		if err := e.state.PutAccount(liquidator, liquidatorAcc); err != nil {
			return nil, err
		}
	}
	if surplus.Sign() > 0 {
		ownerAcc, err := e.loadAccount(seizure.Owner)
		if err != nil {
			return nil, err
		}
		ownerAcc.BalanceRUSD = new(big.Int).Add(ownerAcc.BalanceRUSD, surplus)
		if err := e.state.PutAccount(seizure.Owner, ownerAcc); err != nil {
			return nil, err
		}
	}

	remaining := new(big.Int).Sub(userVault.Debt, debtRepaid)
	shortfall := big.NewInt(0)
	switch e.shortfall {
	case ShortfallAbsorb:
		if remaining.Sign() > 0 {
			shortfall = remaining
			if err := e.recordDeficit(vaultID, remaining); err != nil {
				return nil, err
			}
		}
		userVault.Debt = big.NewInt(0)
	default:
		// carry: the uncovered debt stays on the vault.
		userVault.Debt = remaining
		if remaining.Sign() > 0 {
			shortfall = new(big.Int).Set(remaining)
		}
	}
	if err := e.state.VaultPut(userVault); err != nil {
		return nil, err
	}
	if err := e.state.SeizureDelete(vaultID); err != nil {
		return nil, err
	}

	settlement := &Settlement{
		VaultID:    vaultID,
		Liquidator: liquidator,
		Proceeds:   proceeds,
		Bonus:      bonus,
		DebtRepaid: debtRepaid,
		Surplus:    surplus,
		Shortfall:  shortfall,
	}
	e.emit(NewSettledEvent(settlement))
	return settlement, nil
}

func (e *Engine) recordDeficit(vaultID [32]byte, amount *big.Int) error {
	deficit, err := e.state.DeficitGet(vaultID)
	if err != nil {
		return err
	}
	if deficit == nil {
		deficit = &Deficit{VaultID: vaultID, Amount: big.NewInt(0)}
	}
	deficit.Amount = new(big.Int).Add(deficit.Amount, amount)
	return e.state.DeficitPut(deficit)
}

func (e *Engine) loadAccount(addr [20]byte) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return types.EnsureAccount(acc), nil
}
