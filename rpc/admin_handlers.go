package rpc

import (
	"net/http"

	"rampledger/config"
	"rampledger/core/types"
)

type paramsSetParams struct {
	Caller string             `json:"caller"`
	Ramp   *config.RampParams `json:"ramp,omitempty"`
	Pauses *config.Pauses     `json:"pauses,omitempty"`
}

type paramsResult struct {
	Version uint64            `json:"version"`
	Ramp    config.RampParams `json:"ramp"`
	Pauses  config.Pauses     `json:"pauses"`
}

type bankBalanceParams struct {
	Address string `json:"address"`
}

type bankBalanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type bankMintParams struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type syncEventsParams struct {
	Cursor uint64 `json:"cursor"`
	Limit  int    `json:"limit"`
}

type syncEventsResult struct {
	Events     []types.EventRecord `json:"events"`
	NextCursor uint64              `json:"nextCursor"`
}

func (s *Server) handleParamsGet(w http.ResponseWriter, req *RPCRequest) {
	current, version, err := s.node.RampParams()
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	pauses, err := s.node.Pauses()
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, paramsResult{Version: version, Ramp: current, Pauses: pauses})
}

func (s *Server) handleParamsSet(w http.ResponseWriter, req *RPCRequest) {
	var params paramsSetParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	if params.Ramp == nil && params.Pauses == nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "nothing to set", nil)
		return
	}
	if params.Ramp != nil {
		if err := s.node.SetRampParams(caller, *params.Ramp); err != nil {
			writeModuleError(w, req.ID, err)
			return
		}
	}
	if params.Pauses != nil {
		if err := s.node.SetPauses(caller, *params.Pauses); err != nil {
			writeModuleError(w, req.ID, err)
			return
		}
	}
	current, version, err := s.node.RampParams()
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	pauses, err := s.node.Pauses()
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, paramsResult{Version: version, Ramp: current, Pauses: pauses})
}

func (s *Server) handleBankBalance(w http.ResponseWriter, req *RPCRequest) {
	var params bankBalanceParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	balance, err := s.node.Balance(addr)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bankBalanceResult{Address: params.Address, Balance: balance.String()})
}

func (s *Server) handleBankMint(w http.ResponseWriter, req *RPCRequest) {
	var params bankMintParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	to, err := parseAddress(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid recipient address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRampInvalidParams, "invalid amount", err.Error())
		return
	}
	if err := s.node.Mint(caller, to, amount); err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	balance, err := s.node.Balance(to)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bankBalanceResult{Address: params.To, Balance: balance.String()})
}

const maxSyncEventsBatch = 500

func (s *Server) handleSyncEvents(w http.ResponseWriter, req *RPCRequest) {
	params := syncEventsParams{Limit: maxSyncEventsBatch}
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
			return
		}
	}
	if params.Limit <= 0 || params.Limit > maxSyncEventsBatch {
		params.Limit = maxSyncEventsBatch
	}
	records, err := s.node.EventsSince(params.Cursor, params.Limit)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	next := params.Cursor
	if len(records) > 0 {
		next = records[len(records)-1].Sequence
	}
	writeResult(w, req.ID, syncEventsResult{Events: records, NextCursor: next})
}
