package rpc

import (
	"encoding/hex"
	"net/http"
)

type identityAddressParams struct {
	Address string `json:"address"`
}

type identityAliasParams struct {
	Address string `json:"address"`
	Alias   string `json:"alias"`
}

type identityResolveAliasParams struct {
	Alias string `json:"alias"`
}

type identityResult struct {
	Address  string `json:"address"`
	Identity string `json:"identity"`
}

type aliasResult struct {
	Address string `json:"address"`
	Alias   string `json:"alias"`
}

func (s *Server) handleIdentityRegister(w http.ResponseWriter, req *RPCRequest) {
	var params identityAddressParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	principal, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	identity, err := s.node.Register(principal)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, identityResult{
		Address:  params.Address,
		Identity: hex.EncodeToString(identity[:]),
	})
}

func (s *Server) handleIdentityResolve(w http.ResponseWriter, req *RPCRequest) {
	var params identityAddressParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	principal, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	identity, err := s.node.IdentityOf(principal)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, identityResult{
		Address:  params.Address,
		Identity: hex.EncodeToString(identity[:]),
	})
}

func (s *Server) handleIdentitySetAlias(w http.ResponseWriter, req *RPCRequest) {
	var params identityAliasParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	principal, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	normalized, err := s.node.SetAlias(principal, params.Alias)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, aliasResult{Address: params.Address, Alias: normalized})
}

func (s *Server) handleIdentityResolveAlias(w http.ResponseWriter, req *RPCRequest) {
	var params identityResolveAliasParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
		return
	}
	principal, found, err := s.node.ResolveAlias(params.Alias)
	if err != nil {
		writeModuleError(w, req.ID, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, req.ID, codeRampNotFound, "alias not registered", params.Alias)
		return
	}
	writeResult(w, req.ID, aliasResult{Address: addressString(principal), Alias: params.Alias})
}
