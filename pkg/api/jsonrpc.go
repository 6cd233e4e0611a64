// Package api exposes the position ledger over JSON-RPC 2.0.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/perp/pkg/vault"
)

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	vault    *vault.Vault
	valuator *vault.Valuator
	logger   log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(v *vault.Vault, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		vault:    v,
		valuator: vault.NewValuator(v),
		logger:   logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

type positionParams struct {
	Account         string `json:"account"`
	CollateralAsset string `json:"collateralAsset"`
	IndexAsset      string `json:"indexAsset"`
	IsLong          bool   `json:"isLong"`
}

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		s.sendError(w, req.ID, err.(*RPCError).Code, err.(*RPCError).Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Position methods
	case "perp_getPosition":
		return s.getPosition(params)
	case "perp_validateLiquidation":
		return s.validateLiquidation(params)

	// Pool methods
	case "perp_getPoolState":
		return s.getPoolState(params)
	case "perp_getPoolValue":
		return s.getPoolValue(params)
	case "perp_getGlobalShortDelta":
		return s.getGlobalShortDelta(params)

	// Info methods
	case "perp_getInfo":
		return s.getInfo(params)
	case "perp_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// Get position by key
func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	pos := s.vault.Position(vault.PositionKey{
		Account:         p.Account,
		CollateralAsset: p.CollateralAsset,
		IndexAsset:      p.IndexAsset,
		IsLong:          p.IsLong,
	})

	return map[string]interface{}{
		"size":              pos.Size.String(),
		"collateral":        pos.Collateral.String(),
		"averagePrice":      pos.AveragePrice.String(),
		"entryFundingRate":  pos.EntryFundingRate.String(),
		"reserveAmount":     pos.ReserveAmount.String(),
		"realisedPnl":       pos.RealisedPnl.String(),
		"lastIncreasedTime": pos.LastIncreasedTime.Unix(),
		"exists":            !pos.IsEmpty(),
	}, nil
}

// Liquidation check without side effects
func (s *JSONRPCServer) validateLiquidation(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	state, marginFees, err := s.vault.ValidateLiquidation(
		p.Account, p.CollateralAsset, p.IndexAsset, p.IsLong, false)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"state":      int(state),
		"marginFees": marginFees.String(),
	}, nil
}

// Get per-asset pool accounting
func (s *JSONRPCServer) getPoolState(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset string `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if _, ok := s.vault.AssetConfig(p.Asset); !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "Unknown asset"}
	}

	return map[string]interface{}{
		"poolAmount":            s.vault.PoolAmount(p.Asset).String(),
		"reservedAmount":        s.vault.ReservedAmount(p.Asset).String(),
		"feeReserve":            s.vault.FeeReserve(p.Asset).String(),
		"guaranteedUsd":         s.vault.GuaranteedUsd(p.Asset).String(),
		"cumulativeFundingRate": s.vault.CumulativeFundingRate(p.Asset).String(),
		"tokenBalance":          s.vault.TokenBalance(p.Asset).String(),
	}, nil
}

// Get pool value at both price bounds
func (s *JSONRPCServer) getPoolValue(params json.RawMessage) (interface{}, error) {
	floor, ceil, err := s.valuator.PoolValueRange()
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	return map[string]interface{}{
		"min": floor.String(),
		"max": ceil.String(),
	}, nil
}

// Get the aggregate short delta for an asset
func (s *JSONRPCServer) getGlobalShortDelta(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset string `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	price, err := s.vault.Oracle().MaxPrice(p.Asset)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	hasProfit, delta := s.vault.Shorts().GetGlobalShortDelta(p.Asset, price)

	return map[string]interface{}{
		"size":         s.vault.GlobalShortSize(p.Asset).String(),
		"averagePrice": s.vault.GlobalShortAveragePrice(p.Asset).String(),
		"hasProfit":    hasProfit,
		"delta":        delta.String(),
	}, nil
}

// Get node info
func (s *JSONRPCServer) getInfo(params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"version":       "1.0.0",
		"timestamp":     time.Now().Unix(),
		"assets":        s.vault.Assets(),
		"positionCount": len(s.vault.PositionKeys()),
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer starts the JSON-RPC server
func StartJSONRPCServer(ctx context.Context, port int, v *vault.Vault, logger log.Logger) error {
	server := NewJSONRPCServer(v, logger)

	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	return httpServer.ListenAndServe()
}
