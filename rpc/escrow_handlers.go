package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"tendervault/native/escrow"
	"tendervault/observability"
)

// termsParam is the wire form of the escrow derivation tuple shared by every
// escrow method.
type termsParam struct {
	SellerProceeds string `json:"sellerProceeds"`
	Receiver       string `json:"receiver"`
	AssetToken     string `json:"assetToken"`
	PaymentToken   string `json:"paymentToken"`
	Depositor      string `json:"depositor"`
}

type tenderParams struct {
	Terms  termsParam `json:"terms"`
	Caller string     `json:"caller"`
	Proof  uint8      `json:"proof"`
	Cost   string     `json:"cost"`
	Qty    string     `json:"qty"`
}

type tenderFromMintParams struct {
	Terms         termsParam `json:"terms"`
	Payer         string     `json:"payer"`
	MintAuthority string     `json:"mintAuthority"`
	Cosigners     []string   `json:"cosigners,omitempty"`
	Proof         uint8      `json:"proof"`
	Cost          string     `json:"cost"`
	Qty           string     `json:"qty"`
}

type purchaseParams struct {
	Terms termsParam `json:"terms"`
	Buyer string     `json:"buyer"`
	Proof uint8      `json:"proof"`
	Qty   string     `json:"qty,omitempty"`
}

type cancelParams struct {
	Terms  termsParam `json:"terms"`
	Caller string     `json:"caller"`
	Proof  uint8      `json:"proof"`
}

type burnParams struct {
	Terms  termsParam `json:"terms"`
	Caller string     `json:"caller"`
	Proof  uint8      `json:"proof"`
	Qty    string     `json:"qty"`
}

type deriveParams struct {
	Terms termsParam `json:"terms"`
	Proof uint8      `json:"proof"`
}

type balanceParams struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

type recordResult struct {
	RecordAddress     string `json:"recordAddress"`
	VaultAddress      string `json:"vaultAddress"`
	TotalPurchaseCost string `json:"totalPurchaseCost"`
	AuthorityProof    uint8  `json:"authorityProof"`
}

type statusResult struct {
	recordResult
	VaultBalance string `json:"vaultBalance"`
}

func parseAddressParam(field, value string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil || len(raw) != 20 {
		return addr, fmt.Errorf("%s must be a 20-byte hex address", field)
	}
	copy(addr[:], raw)
	return addr, nil
}

func parseAmountParam(field, value string) (uint64, error) {
	amount, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an unsigned decimal string", field)
	}
	return amount, nil
}

func (p termsParam) toTerms() (escrow.Terms, error) {
	var terms escrow.Terms
	var err error
	if terms.SellerProceeds, err = parseAddressParam("terms.sellerProceeds", p.SellerProceeds); err != nil {
		return terms, err
	}
	if terms.Receiver, err = parseAddressParam("terms.receiver", p.Receiver); err != nil {
		return terms, err
	}
	if terms.Depositor, err = parseAddressParam("terms.depositor", p.Depositor); err != nil {
		return terms, err
	}
	terms.AssetToken = p.AssetToken
	terms.PaymentToken = p.PaymentToken
	return terms.Normalize()
}

func hexAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func recordToResult(terms escrow.Terms, proof uint8, rec *escrow.Record) recordResult {
	record := escrow.RecordAddress(terms, proof)
	return recordResult{
		RecordAddress:     hexAddress(record),
		VaultAddress:      hexAddress(escrow.VaultAddress(record, terms.AssetToken)),
		TotalPurchaseCost: strconv.FormatUint(rec.TotalPurchaseCost, 10),
		AuthorityProof:    rec.AuthorityProof,
	}
}

// writeEscrowError maps engine sentinels onto the module error code block.
func writeEscrowError(w http.ResponseWriter, req *RPCRequest, err error) {
	code := codeEscrowInternal
	message := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrInvalidArgument):
		code = codeEscrowInvalidParams
		message = "invalid_params"
	case errors.Is(err, escrow.ErrNotFound):
		code = codeEscrowNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		code = codeEscrowForbidden
		message = "forbidden"
	case errors.Is(err, escrow.ErrInsufficientFunds):
		code = codeEscrowConflict
		message = "insufficient_funds"
	}
	observability.ModuleMetrics().CountError(req.Method, strconv.Itoa(code))
	writeError(w, http.StatusBadRequest, req.ID, code, message, err.Error())
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected a single params object")
	}
	decoder := json.NewDecoder(strings.NewReader(string(req.Params[0])))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func (s *Server) handleEscrowTender(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params tenderParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	terms, err := params.Terms.toTerms()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddressParam("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	cost, err := parseAmountParam("cost", params.Cost)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	qty, err := parseAmountParam("qty", params.Qty)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	rec, err := s.node.EscrowTender(terms, caller, params.Proof, cost, qty)
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, recordToResult(terms, params.Proof, rec))
}

func (s *Server) handleEscrowTenderFromMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params tenderFromMintParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	terms, err := params.Terms.toTerms()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	payer, err := parseAddressParam("payer", params.Payer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	mintAuthority, err := parseAddressParam("mintAuthority", params.MintAuthority)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	cosigners := make([][20]byte, 0, len(params.Cosigners))
	for i, raw := range params.Cosigners {
		signer, err := parseAddressParam(fmt.Sprintf("cosigners[%d]", i), raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
		cosigners = append(cosigners, signer)
	}
	cost, err := parseAmountParam("cost", params.Cost)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	qty, err := parseAmountParam("qty", params.Qty)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	rec, err := s.node.EscrowTenderFromMint(terms, payer, mintAuthority, cosigners, params.Proof, cost, qty)
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, recordToResult(terms, params.Proof, rec))
}

func (s *Server) handleEscrowPurchase(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params purchaseParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	terms, err := params.Terms.toTerms()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseAddressParam("buyer", params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	var rec *escrow.Record
	if strings.TrimSpace(params.Qty) == "" {
		rec, err = s.node.EscrowPurchase(terms, buyer, params.Proof)
	} else {
		var qty uint64
		qty, err = parseAmountParam("qty", params.Qty)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
		rec, err = s.node.EscrowPurchasePartial(terms, buyer, params.Proof, qty)
	}
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, recordToResult(terms, params.Proof, rec))
}

func (s *Server) handleEscrowCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params cancelParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	terms, err := params.Terms.toTerms()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddressParam("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.EscrowCancel(terms, caller, params.Proof); err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"cancelled": true})
}

func (s *Server) handleEscrowBurn(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params burnParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	terms, err := params.Terms.toTerms()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddressParam("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	qty, err := parseAmountParam("qty", params.Qty)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.EscrowBurn(terms, caller, params.Proof, qty); err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"burned": true})
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, req *RPCRequest) {
	var params deriveParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	terms, err := params.Terms.toTerms()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	status, err := s.node.EscrowGet(terms, params.Proof)
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, statusResult{
		recordResult: recordResult{
			RecordAddress:     hexAddress(status.RecordAddress),
			VaultAddress:      hexAddress(status.VaultAddress),
			TotalPurchaseCost: strconv.FormatUint(status.TotalPurchaseCost, 10),
			AuthorityProof:    status.AuthorityProof,
		},
		VaultBalance: status.VaultBalance.String(),
	})
}

// handleEscrowDerive reports the record and vault addresses implied by a terms
// tuple without touching state. Clients use it to discover where to look
// before any deposit exists.
func (s *Server) handleEscrowDerive(w http.ResponseWriter, req *RPCRequest) {
	var params deriveParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	terms, err := params.Terms.toTerms()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	record := escrow.RecordAddress(terms, params.Proof)
	writeResult(w, req.ID, map[string]string{
		"recordAddress": hexAddress(record),
		"vaultAddress":  hexAddress(escrow.VaultAddress(record, terms.AssetToken)),
	})
}

func (s *Server) handleBankBalance(w http.ResponseWriter, req *RPCRequest) {
	var params balanceParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddressParam("address", params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.Balance(addr, params.Token)
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"address": hexAddress(addr),
		"token":   strings.ToUpper(strings.TrimSpace(params.Token)),
		"balance": balance.String(),
	})
}
