package rpc

import (
	"encoding/hex"
	"net/http"

	"rampledger/native/ramp"
)

type createDepositParams struct {
	Depositor        string `json:"depositor"`
	Supplied         string `json:"supplied"`
	RequestedReceive string `json:"requestedReceive"`
}

type depositIDParams struct {
	ID uint64 `json:"id"`
}

type depositorParams struct {
	Depositor string `json:"depositor"`
}

type signalIntentParams struct {
	Buyer     string `json:"buyer"`
	DepositID uint64 `json:"depositId"`
	Amount    string `json:"amount"`
	PayoutTo  string `json:"payoutTo"`
}

type intentKeyParams struct {
	Key string `json:"key"`
}

type intentActorParams struct {
	Caller string `json:"caller"`
	Key    string `json:"key"`
}

type withdrawParams struct {
	Depositor  string   `json:"depositor"`
	DepositIDs []uint64 `json:"depositIds"`
}

type identityHashParams struct {
	Identity string `json:"identity"`
}

type denylistParams struct {
	Caller   string `json:"caller"`
	Identity string `json:"identity"`
}

type depositJSON struct {
	ID          uint64   `json:"id"`
	Depositor   string   `json:"depositor"`
	Supplied    string   `json:"supplied"`
	Remaining   string   `json:"remaining"`
	Reserved    string   `json:"reserved"`
	Rate        string   `json:"rate"`
	OpenIntents []string `json:"openIntents"`
	CreatedAt   int64    `json:"createdAt"`
}

type intentJSON struct {
	Key           string `json:"key"`
	DepositID     uint64 `json:"depositId"`
	Buyer         string `json:"buyer"`
	BuyerIdentity string `json:"buyerIdentity"`
	PayoutTo      string `json:"payoutTo"`
	Amount        string `json:"amount"`
	CreatedAt     int64  `json:"createdAt"`
}

type identityStateJSON struct {
	Identity       string   `json:"identity"`
	CurrentIntent  string   `json:"currentIntent,omitempty"`
	LastSettlement int64    `json:"lastSettlement"`
	Denylist       []string `json:"denylist"`
}

type withdrawResult struct {
	Depositor string `json:"depositor"`
	Total     string `json:"total"`
}

func depositToJSON(d *ramp.Deposit) depositJSON {
	open := make([]string, len(d.OpenIntents))
	for i, key := range d.OpenIntents {
		open[i] = hex.EncodeToString(key[:])
	}
	return depositJSON{
		ID:          d.ID,
		Depositor:   addressString(d.Depositor),
		Supplied:    d.Supplied.String(),
		Remaining:   d.Remaining.String(),
		Reserved:    d.Reserved.String(),
		Rate:        d.Rate.String(),
		OpenIntents: open,
		CreatedAt:   d.CreatedAt,
	}
}

func intentToJSON(i *ramp.Intent) intentJSON {
	return intentJSON{
		Key:           hex.EncodeToString(i.Key[:]),
		DepositID:     i.DepositID,
		Buyer:         addressString(i.Buyer),
		BuyerIdentity: hex.EncodeToString(i.BuyerIdentity[:]),
		PayoutTo:      addressString(i.PayoutTo),
		Amount:        i.Amount.String(),
		CreatedAt:     i.CreatedAt,
	}
}

func (s *Server) handleCreateDeposit(w http.ResponseWriter, req *RPCRequest) {
	var params createDepositParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	depositor, err := parseAddress(params.Depositor)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid depositor address", err.Error())
		return
	}
	supplied, err := parseAmount(params.Supplied)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRampInvalidParams, "invalid supplied amount", err.Error())
		return
	}
	requested, err := parseAmount(params.RequestedReceive)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRampInvalidParams, "invalid requested receive amount", err.Error())
		return
	}
	deposit, err := s.node.OpenDeposit(depositor, supplied, requested)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, depositToJSON(deposit))
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, req *RPCRequest) {
	var params depositIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	deposit, found, err := s.node.GetDeposit(params.ID)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, req.ID, codeRampNotFound, "deposit not found", params.ID)
		return
	}
	writeResult(w, req.ID, depositToJSON(deposit))
}

func (s *Server) handleListDeposits(w http.ResponseWriter, req *RPCRequest) {
	var params depositorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	depositor, err := parseAddress(params.Depositor)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid depositor address", err.Error())
		return
	}
	deposits, err := s.node.ListDeposits(depositor)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	out := make([]depositJSON, len(deposits))
	for i, deposit := range deposits {
		out[i] = depositToJSON(deposit)
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleSignalIntent(w http.ResponseWriter, req *RPCRequest) {
	var params signalIntentParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid buyer address", err.Error())
		return
	}
	payoutTo, err := parseAddress(params.PayoutTo)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid payout address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRampInvalidParams, "invalid amount", err.Error())
		return
	}
	intent, err := s.node.SignalIntent(buyer, params.DepositID, amount, payoutTo)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, intentToJSON(intent))
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, req *RPCRequest) {
	var params intentActorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	key, err := parseHash32(params.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRampInvalidParams, "invalid intent key", err.Error())
		return
	}
	if err := s.node.CancelIntent(caller, key); err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"cancelled": true})
}

func (s *Server) handleCompleteIntent(w http.ResponseWriter, req *RPCRequest) {
	var params intentKeyParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	key, err := parseHash32(params.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRampInvalidParams, "invalid intent key", err.Error())
		return
	}
	intent, err := s.node.CompleteIntent(key)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, intentToJSON(intent))
}

func (s *Server) handleReleaseIntent(w http.ResponseWriter, req *RPCRequest) {
	var params intentActorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	key, err := parseHash32(params.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRampInvalidParams, "invalid intent key", err.Error())
		return
	}
	intent, err := s.node.ReleaseIntent(caller, key)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, intentToJSON(intent))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, req *RPCRequest) {
	var params withdrawParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	depositor, err := parseAddress(params.Depositor)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid depositor address", err.Error())
		return
	}
	if len(params.DepositIDs) == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeRampInvalidParams, "at least one deposit id required", nil)
		return
	}
	total, err := s.node.Withdraw(depositor, params.DepositIDs)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, withdrawResult{Depositor: params.Depositor, Total: total.String()})
}

func (s *Server) handleGetIntent(w http.ResponseWriter, req *RPCRequest) {
	var params intentKeyParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	key, err := parseHash32(params.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRampInvalidParams, "invalid intent key", err.Error())
		return
	}
	intent, found, err := s.node.GetIntent(key)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, req.ID, codeRampNotFound, "intent not found", params.Key)
		return
	}
	writeResult(w, req.ID, intentToJSON(intent))
}

func (s *Server) handleIdentityState(w http.ResponseWriter, req *RPCRequest) {
	var params identityHashParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	identity, err := parseHash32(params.Identity)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRampInvalidParams, "invalid identity hash", err.Error())
		return
	}
	identityState, err := s.node.IdentityState(identity)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	denylist := make([]string, len(identityState.Denylist))
	for i, barred := range identityState.Denylist {
		denylist[i] = hex.EncodeToString(barred[:])
	}
	result := identityStateJSON{
		Identity:       hex.EncodeToString(identity[:]),
		LastSettlement: identityState.LastSettlement,
		Denylist:       denylist,
	}
	if identityState.HasCurrentIntent() {
		result.CurrentIntent = hex.EncodeToString(identityState.CurrentIntent[:])
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleDenylistAdd(w http.ResponseWriter, req *RPCRequest) {
	s.handleDenylistChange(w, req, true)
}

func (s *Server) handleDenylistRemove(w http.ResponseWriter, req *RPCRequest) {
	s.handleDenylistChange(w, req, false)
}

func (s *Server) handleDenylistChange(w http.ResponseWriter, req *RPCRequest, add bool) {
	var params denylistParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	barred, err := parseHash32(params.Identity)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRampInvalidParams, "invalid identity hash", err.Error())
		return
	}
	if add {
		err = s.node.DenylistAdd(caller, barred)
	} else {
		err = s.node.DenylistRemove(caller, barred)
	}
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"updated": true})
}
