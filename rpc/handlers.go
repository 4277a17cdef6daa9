package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"

	"rainchain/core/types"
	"rainchain/crypto"
	"rainchain/native/escrow"
	"rainchain/native/liquidation"
	"rainchain/native/market"
	"rainchain/native/vault"
)

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected exactly one params object, got %d", len(req.Params))
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAddr(s string) ([20]byte, error) {
	var out [20]byte
	addr, err := crypto.DecodeAddress(s)
	if err != nil {
		return out, err
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

func parseHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("invalid hex identifier: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("identifier must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func parseAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", s)
	}
	return amount, nil
}

func encodeHash(id [32]byte) string { return hex.EncodeToString(id[:]) }

func encodeAddr(addr [20]byte) string {
	return crypto.NewAddress(crypto.RainPrefix, addr[:]).String()
}

func (s *Server) writeLedgerError(w http.ResponseWriter, id interface{}, err error) {
	s.logger.Warn("rpc operation rejected", "error", err)
	writeError(w, http.StatusOK, id, codeServerError, err.Error(), nil)
}

type vaultResult struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	CustodyID    string `json:"custodyId"`
	Collateral   string `json:"collateral"`
	Debt         string `json:"debt"`
	ThresholdBps uint64 `json:"liquidationThresholdBps"`
	Version      uint64 `json:"version"`
}

func renderVault(v *vault.UserVault) vaultResult {
	return vaultResult{
		ID:           encodeHash(v.ID),
		Owner:        encodeAddr(v.Owner),
		CustodyID:    encodeHash(v.CustodyID),
		Collateral:   v.CollateralBalance.String(),
		Debt:         v.Debt.String(),
		ThresholdBps: v.LiquidationThresholdBps,
		Version:      v.Version,
	}
}

type custodyResult struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	VaultID string `json:"vaultId"`
	Locked  string `json:"lockedBalance"`
	Version uint64 `json:"version"`
}

func renderCustody(c *vault.CustodyVault) custodyResult {
	return custodyResult{
		ID:      encodeHash(c.ID),
		Owner:   encodeAddr(c.Owner),
		VaultID: encodeHash(c.VaultID),
		Locked:  c.LockedBalance.String(),
		Version: c.Version,
	}
}

type authResult struct {
	ID       string `json:"id"`
	VaultID  string `json:"vaultId"`
	IssuedAt uint64 `json:"issuedAt"`
}

func renderAuth(a *vault.RepaymentAuthorization) authResult {
	return authResult{ID: encodeHash(a.ID), VaultID: encodeHash(a.VaultID), IssuedAt: a.IssuedAt}
}

type orderResult struct {
	ID           string `json:"id"`
	Side         string `json:"side"`
	Party        string `json:"party"`
	VaultID      string `json:"vaultId,omitempty"`
	Amount       string `json:"amount"`
	Filled       string `json:"filledAmount"`
	Remaining    string `json:"remaining"`
	RateBps      uint64 `json:"rateBps"`
	DurationSecs uint64 `json:"durationSecs"`
	Version      uint64 `json:"version"`
}

func renderBorrowOrder(o *market.BorrowOrder) orderResult {
	return orderResult{
		ID:           encodeHash(o.ID),
		Side:         "borrow",
		Party:        encodeAddr(o.Borrower),
		VaultID:      encodeHash(o.VaultID),
		Amount:       o.Amount.String(),
		Filled:       o.FilledAmount.String(),
		Remaining:    o.Remaining().String(),
		RateBps:      o.MaxInterestBps,
		DurationSecs: o.DurationSecs,
		Version:      o.Version,
	}
}

func renderLendOrder(o *market.LendOrder) orderResult {
	return orderResult{
		ID:           encodeHash(o.ID),
		Side:         "lend",
		Party:        encodeAddr(o.Lender),
		Amount:       o.Amount.String(),
		Filled:       o.FilledAmount.String(),
		Remaining:    o.Remaining().String(),
		RateBps:      o.MinInterestBps,
		DurationSecs: o.DurationSecs,
		Version:      o.Version,
	}
}

type positionResult struct {
	ID          string `json:"id"`
	Borrower    string `json:"borrower"`
	Lender      string `json:"lender"`
	Holder      string `json:"holder"`
	VaultID     string `json:"vaultId"`
	Principal   string `json:"principal"`
	Outstanding string `json:"outstanding"`
	RateBps     uint64 `json:"rateBps"`
	TermSecs    uint64 `json:"termSecs"`
	Settled     bool   `json:"settled"`
	Version     uint64 `json:"version"`
}

func renderPosition(p *market.LoanPosition) positionResult {
	return positionResult{
		ID:          encodeHash(p.ID),
		Borrower:    encodeAddr(p.Borrower),
		Lender:      encodeAddr(p.Lender),
		Holder:      encodeAddr(p.Holder),
		VaultID:     encodeHash(p.VaultID),
		Principal:   p.Principal.String(),
		Outstanding: p.Outstanding.String(),
		RateBps:     p.RateBps,
		TermSecs:    p.TermSecs,
		Settled:     p.Settled,
		Version:     p.Version,
	}
}

type fillRequestResult struct {
	ID            string `json:"id"`
	BorrowOrderID string `json:"borrowOrderId"`
	LendOrderID   string `json:"lendOrderId"`
	Lender        string `json:"lender"`
	Borrower      string `json:"borrower"`
	VaultID       string `json:"vaultId"`
	FillAmount    string `json:"fillAmount"`
	LockedAmount  string `json:"lockedAmount"`
	RateBps       uint64 `json:"rateBps"`
	TermSecs      uint64 `json:"termSecs"`
	ExpiryMs      uint64 `json:"expiryMs"`
	Status        string `json:"status"`
	Version       uint64 `json:"version"`
}

func renderFillRequest(f *escrow.FillRequest) fillRequestResult {
	return fillRequestResult{
		ID:            encodeHash(f.ID),
		BorrowOrderID: encodeHash(f.BorrowOrderID),
		LendOrderID:   encodeHash(f.LendOrderID),
		Lender:        encodeAddr(f.Lender),
		Borrower:      encodeAddr(f.Borrower),
		VaultID:       encodeHash(f.VaultID),
		FillAmount:    f.FillAmount.String(),
		LockedAmount:  f.LockedAmount.String(),
		RateBps:       f.RateBps,
		TermSecs:      f.TermSecs,
		ExpiryMs:      f.ExpiryMs,
		Status:        f.Status.String(),
		Version:       f.Version,
	}
}

type seizureResult struct {
	VaultID       string `json:"vaultId"`
	CustodyID     string `json:"custodyId"`
	Owner         string `json:"owner"`
	Liquidator    string `json:"liquidator"`
	Collateral    string `json:"collateral"`
	DebtAtSeizure string `json:"debtAtSeizure"`
	SeizedAtMs    uint64 `json:"seizedAtMs"`
}

func renderSeizure(s *liquidation.Seizure) seizureResult {
	return seizureResult{
		VaultID:       encodeHash(s.VaultID),
		CustodyID:     encodeHash(s.CustodyID),
		Owner:         encodeAddr(s.Owner),
		Liquidator:    encodeAddr(s.Liquidator),
		Collateral:    s.Collateral.String(),
		DebtAtSeizure: s.DebtAtSeizure.String(),
		SeizedAtMs:    s.SeizedAtMs,
	}
}

type settlementResult struct {
	VaultID    string `json:"vaultId"`
	Liquidator string `json:"liquidator"`
	Proceeds   string `json:"proceeds"`
	Bonus      string `json:"bonus"`
	DebtRepaid string `json:"debtRepaid"`
	Surplus    string `json:"surplus"`
	Shortfall  string `json:"shortfall"`
}

func renderSettlement(s *liquidation.Settlement) settlementResult {
	return settlementResult{
		VaultID:    encodeHash(s.VaultID),
		Liquidator: encodeAddr(s.Liquidator),
		Proceeds:   s.Proceeds.String(),
		Bonus:      s.Bonus.String(),
		DebtRepaid: s.DebtRepaid.String(),
		Surplus:    s.Surplus.String(),
		Shortfall:  s.Shortfall.String(),
	}
}

func (s *Server) handleCreateVault(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Owner        string `json:"owner"`
		ThresholdBps uint64 `json:"liquidationThresholdBps"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	owner, err := parseAddr(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid owner address", err.Error())
		return
	}
	userVault, custody, err := s.ledger.CreateVault(owner, params.ThresholdBps)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"vault":   renderVault(userVault),
		"custody": renderCustody(custody),
	})
}

func (s *Server) handleDepositCollateral(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Owner     string `json:"owner"`
		VaultID   string `json:"vaultId"`
		CustodyID string `json:"custodyId"`
		Amount    string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	owner, err := parseAddr(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid owner address", err.Error())
		return
	}
	vaultID, err := parseHash(params.VaultID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid vault id", err.Error())
		return
	}
	custodyID, err := parseHash(params.CustodyID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid custody id", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	if err := s.ledger.DepositCollateral(owner, vaultID, custodyID, amount); err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "ok"})
}

func (s *Server) handleRequestRepaymentAuth(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Owner   string `json:"owner"`
		VaultID string `json:"vaultId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	owner, err := parseAddr(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid owner address", err.Error())
		return
	}
	vaultID, err := parseHash(params.VaultID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid vault id", err.Error())
		return
	}
	auth, err := s.ledger.RequestRepaymentAuth(owner, vaultID)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, renderAuth(auth))
}

func (s *Server) handleReleaseToOwner(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Owner     string `json:"owner"`
		CustodyID string `json:"custodyId"`
		AuthID    string `json:"authId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	owner, err := parseAddr(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid owner address", err.Error())
		return
	}
	custodyID, err := parseHash(params.CustodyID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid custody id", err.Error())
		return
	}
	authID, err := parseHash(params.AuthID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid auth id", err.Error())
		return
	}
	released, err := s.ledger.ReleaseToOwner(owner, custodyID, authID)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"released": released.String()})
}

func (s *Server) handleSubmitBorrowOrder(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Borrower       string `json:"borrower"`
		VaultID        string `json:"vaultId"`
		Amount         string `json:"amount"`
		MaxInterestBps uint64 `json:"maxInterestBps"`
		DurationSecs   uint64 `json:"durationSecs"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	borrower, err := parseAddr(params.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid borrower address", err.Error())
		return
	}
	vaultID, err := parseHash(params.VaultID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid vault id", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	order, err := s.ledger.SubmitBorrowOrder(borrower, vaultID, amount, params.MaxInterestBps, params.DurationSecs)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, renderBorrowOrder(order))
}

func (s *Server) handleSubmitLendOrder(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Lender         string `json:"lender"`
		Amount         string `json:"amount"`
		MinInterestBps uint64 `json:"minInterestBps"`
		DurationSecs   uint64 `json:"durationSecs"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	lender, err := parseAddr(params.Lender)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid lender address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	order, err := s.ledger.SubmitLendOrder(lender, amount, params.MinInterestBps, params.DurationSecs)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, renderLendOrder(order))
}

func (s *Server) handleFillOrder(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Filler        string `json:"filler"`
		BorrowOrderID string `json:"borrowOrderId"`
		LendOrderID   string `json:"lendOrderId"`
		VaultID       string `json:"vaultId"`
		Amount        string `json:"amount"`
		FeedID        string `json:"feedId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	filler, err := parseAddr(params.Filler)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid filler address", err.Error())
		return
	}
	borrowOrderID, err := parseHash(params.BorrowOrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid borrow order id", err.Error())
		return
	}
	lendOrderID, err := parseHash(params.LendOrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid lend order id", err.Error())
		return
	}
	vaultID, err := parseHash(params.VaultID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid vault id", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	position, err := s.ledger.FillOrder(filler, borrowOrderID, lendOrderID, vaultID, amount, []byte(params.FeedID))
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, renderPosition(position))
}

func (s *Server) handleLenderCommitFill(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Lender        string `json:"lender"`
		BorrowOrderID string `json:"borrowOrderId"`
		LendOrderID   string `json:"lendOrderId"`
		Amount        string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	lender, err := parseAddr(params.Lender)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid lender address", err.Error())
		return
	}
	borrowOrderID, err := parseHash(params.BorrowOrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid borrow order id", err.Error())
		return
	}
	lendOrderID, err := parseHash(params.LendOrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid lend order id", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	request, err := s.ledger.LenderCommitFill(lender, borrowOrderID, lendOrderID, amount)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, renderFillRequest(request))
}

func (s *Server) handleBorrowerCompleteFill(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Borrower      string `json:"borrower"`
		FillRequestID string `json:"fillRequestId"`
		VaultID       string `json:"vaultId"`
		FeedID        string `json:"feedId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	borrower, err := parseAddr(params.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid borrower address", err.Error())
		return
	}
	fillRequestID, err := parseHash(params.FillRequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid fill request id", err.Error())
		return
	}
	vaultID, err := parseHash(params.VaultID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid vault id", err.Error())
		return
	}
	position, err := s.ledger.BorrowerCompleteFill(borrower, fillRequestID, vaultID, []byte(params.FeedID))
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, renderPosition(position))
}

func (s *Server) handleLenderCancelFill(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Lender        string `json:"lender"`
		FillRequestID string `json:"fillRequestId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	lender, err := parseAddr(params.Lender)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid lender address", err.Error())
		return
	}
	fillRequestID, err := parseHash(params.FillRequestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid fill request id", err.Error())
		return
	}
	if err := s.ledger.LenderCancelFill(lender, fillRequestID); err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRepayPosition(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Caller     string `json:"caller"`
		VaultID    string `json:"vaultId"`
		PositionID string `json:"positionId"`
		Amount     string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	caller, err := parseAddr(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	vaultID, err := parseHash(params.VaultID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid vault id", err.Error())
		return
	}
	positionID, err := parseHash(params.PositionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid position id", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	if err := s.ledger.RepayPosition(caller, vaultID, positionID, amount); err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "ok"})
}

func (s *Server) handleTransferPosition(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Holder     string `json:"holder"`
		PositionID string `json:"positionId"`
		Recipient  string `json:"recipient"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	holder, err := parseAddr(params.Holder)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid holder address", err.Error())
		return
	}
	positionID, err := parseHash(params.PositionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid position id", err.Error())
		return
	}
	recipient, err := parseAddr(params.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid recipient address", err.Error())
		return
	}
	if err := s.ledger.TransferPosition(holder, positionID, recipient); err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": "ok"})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Liquidator string `json:"liquidator"`
		VaultID    string `json:"vaultId"`
		CustodyID  string `json:"custodyId"`
		FeedID     string `json:"feedId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	liquidator, err := parseAddr(params.Liquidator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid liquidator address", err.Error())
		return
	}
	vaultID, err := parseHash(params.VaultID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid vault id", err.Error())
		return
	}
	custodyID, err := parseHash(params.CustodyID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid custody id", err.Error())
		return
	}
	seizure, err := s.ledger.Liquidate(liquidator, vaultID, custodyID, []byte(params.FeedID))
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, renderSeizure(seizure))
}

func (s *Server) handleSellCollateralAndSettle(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Liquidator  string `json:"liquidator"`
		VaultID     string `json:"vaultId"`
		PoolRef     string `json:"poolRef"`
		FeeBudget   string `json:"feeBudget"`
		MinQuoteOut string `json:"minQuoteOut"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	liquidator, err := parseAddr(params.Liquidator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid liquidator address", err.Error())
		return
	}
	vaultID, err := parseHash(params.VaultID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid vault id", err.Error())
		return
	}
	poolRef, err := parseHash(params.PoolRef)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid pool reference", err.Error())
		return
	}
	feeBudget, err := parseAmount(params.FeeBudget)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid fee budget", err.Error())
		return
	}
	minQuoteOut, err := parseAmount(params.MinQuoteOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid minimum quote", err.Error())
		return
	}
	settlement, err := s.ledger.SellCollateralAndSettle(liquidator, vaultID, poolRef, feeBudget, minQuoteOut)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, renderSettlement(settlement))
}

func (s *Server) handleGetVault(w http.ResponseWriter, req *RPCRequest) {
	id, ok := s.decodeIDParam(w, req, "vaultId")
	if !ok {
		return
	}
	record, err := s.ledger.Vault(id)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	if record == nil {
		writeResult(w, req.ID, nil)
		return
	}
	writeResult(w, req.ID, renderVault(record))
}

func (s *Server) handleGetCustody(w http.ResponseWriter, req *RPCRequest) {
	id, ok := s.decodeIDParam(w, req, "custodyId")
	if !ok {
		return
	}
	record, err := s.ledger.Custody(id)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	if record == nil {
		writeResult(w, req.ID, nil)
		return
	}
	writeResult(w, req.ID, renderCustody(record))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, req *RPCRequest) {
	addr, ok := s.decodeAddrParam(w, req)
	if !ok {
		return
	}
	acc, err := s.ledger.Account(addr)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, renderAccount(acc))
}

func renderAccount(acc *types.Account) map[string]string {
	return map[string]string{
		"rusd": acc.BalanceRUSD.String(),
		"rain": acc.BalanceRAIN.String(),
	}
}

func (s *Server) handleGetOrder(w http.ResponseWriter, req *RPCRequest) {
	id, ok := s.decodeIDParam(w, req, "orderId")
	if !ok {
		return
	}
	borrow, err := s.ledger.BorrowOrder(id)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	if borrow != nil {
		writeResult(w, req.ID, renderBorrowOrder(borrow))
		return
	}
	lend, err := s.ledger.LendOrder(id)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	if lend != nil {
		writeResult(w, req.ID, renderLendOrder(lend))
		return
	}
	writeResult(w, req.ID, nil)
}

func (s *Server) handleListOpenOrders(w http.ResponseWriter, req *RPCRequest) {
	borrows, lends, err := s.ledger.OpenOrders()
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	out := make([]orderResult, 0, len(borrows)+len(lends))
	for _, o := range borrows {
		out = append(out, renderBorrowOrder(o))
	}
	for _, o := range lends {
		out = append(out, renderLendOrder(o))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, req *RPCRequest) {
	id, ok := s.decodeIDParam(w, req, "positionId")
	if !ok {
		return
	}
	record, err := s.ledger.Position(id)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	if record == nil {
		writeResult(w, req.ID, nil)
		return
	}
	writeResult(w, req.ID, renderPosition(record))
}

func (s *Server) handleListPositions(w http.ResponseWriter, req *RPCRequest) {
	addr, ok := s.decodeAddrParam(w, req)
	if !ok {
		return
	}
	records, err := s.ledger.PositionsByBorrower(addr)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	out := make([]positionResult, 0, len(records))
	for _, p := range records {
		out = append(out, renderPosition(p))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleGetFillRequest(w http.ResponseWriter, req *RPCRequest) {
	id, ok := s.decodeIDParam(w, req, "fillRequestId")
	if !ok {
		return
	}
	record, err := s.ledger.FillRequest(id)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	if record == nil {
		writeResult(w, req.ID, nil)
		return
	}
	writeResult(w, req.ID, renderFillRequest(record))
}

// handleListFillRequests resolves fill requests for a participant through
// the event log: the commit event is the discovery record.
func (s *Server) handleListFillRequests(w http.ResponseWriter, req *RPCRequest) {
	var params struct {
		Address string `json:"address"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	if _, err := crypto.DecodeAddress(params.Address); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	evts, err := s.ledger.EventsByParticipant(params.Address)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	seen := make(map[[32]byte]bool)
	out := make([]fillRequestResult, 0)
	for _, evt := range evts {
		if evt.Type != escrow.EventTypeFillCommitted {
			continue
		}
		id, err := parseHash(evt.Attributes["id"])
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		record, err := s.ledger.FillRequest(id)
		if err != nil {
			s.writeLedgerError(w, req.ID, err)
			return
		}
		if record != nil {
			out = append(out, renderFillRequest(record))
		}
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleListVaults(w http.ResponseWriter, req *RPCRequest) {
	addr, ok := s.decodeAddrParam(w, req)
	if !ok {
		return
	}
	records, err := s.ledger.VaultsByOwner(addr)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	out := make([]vaultResult, 0, len(records))
	for _, v := range records {
		out = append(out, renderVault(v))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleListAuths(w http.ResponseWriter, req *RPCRequest) {
	addr, ok := s.decodeAddrParam(w, req)
	if !ok {
		return
	}
	records, err := s.ledger.AuthsByOwner(addr)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	out := make([]authResult, 0, len(records))
	for _, a := range records {
		out = append(out, renderAuth(a))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleFundAccount(w http.ResponseWriter, req *RPCRequest) {
	if !s.faucetEnabled {
		writeError(w, http.StatusForbidden, req.ID, codeServerError, "faucet disabled", nil)
		return
	}
	var params struct {
		Address string `json:"address"`
		Asset   string `json:"asset"`
		Amount  string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return
	}
	addr, err := parseAddr(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	if err := s.ledger.FundAccount(addr, params.Asset, amount); err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	acc, err := s.ledger.Account(addr)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, renderAccount(acc))
}

func (s *Server) decodeIDParam(w http.ResponseWriter, req *RPCRequest, field string) ([32]byte, bool) {
	var raw map[string]string
	if err := decodeParams(req, &raw); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return [32]byte{}, false
	}
	id, err := parseHash(raw[field])
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid "+field, err.Error())
		return [32]byte{}, false
	}
	return id, true
}

func (s *Server) decodeAddrParam(w http.ResponseWriter, req *RPCRequest) ([20]byte, bool) {
	var params struct {
		Address string `json:"address"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", err.Error())
		return [20]byte{}, false
	}
	addr, err := parseAddr(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return [20]byte{}, false
	}
	return addr, true
}
