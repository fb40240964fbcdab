package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/vadiminshakov/custodian/internal/domain"
	"github.com/vadiminshakov/custodian/internal/ledger"
)

var errBadRequest = errors.New("bad request")

type depositRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type withdrawRequest struct {
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

type quoteRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// FeedSpec is the price feed part of an asset configuration request.
type FeedSpec = domain.FeedSpec

type configureRequest struct {
	Precision uint8     `json:"precision"`
	Feed      *FeedSpec `json:"feed,omitempty"`
}

type receiptResponse struct {
	OperationID string          `json:"operation_id"`
	Kind        string          `json:"kind"`
	Asset       string          `json:"asset"`
	Holder      string          `json:"holder"`
	Raw         string          `json:"raw"`
	Normalized  string          `json:"normalized"`
	Balance     balanceResponse `json:"balance"`
	Aggregate   string          `json:"aggregate"`
	Counters    domain.Counters `json:"counters"`
	Time        time.Time       `json:"time"`
}

type balanceResponse struct {
	Asset      string `json:"asset"`
	Holder     string `json:"holder"`
	Raw        string `json:"raw"`
	Normalized string `json:"normalized"`
}

type assetResponse struct {
	Asset     string `json:"asset"`
	Precision uint8  `json:"precision"`
	SourceRef string `json:"source_ref,omitempty"`
	Priced    bool   `json:"priced"`
}

type statsResponse struct {
	CommonPrecision uint8             `json:"common_precision"`
	Counters        domain.Counters   `json:"counters"`
	Aggregates      map[string]string `json:"aggregates"`
	Limits          limitsResponse    `json:"limits"`
}

type limitsResponse struct {
	PerTransaction string `json:"per_transaction"`
	Aggregate      string `json:"aggregate"`
}

type quoteResponse struct {
	Asset      string `json:"asset"`
	Raw        string `json:"raw"`
	Normalized string `json:"normalized"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

func (s *Server) handleAssets(w http.ResponseWriter, _ *http.Request) {
	descs := s.reads.Assets()
	out := make([]assetResponse, 0, len(descs))
	for _, d := range descs {
		out = append(out, assetResponse{
			Asset:     d.Asset.Hex(),
			Precision: d.Precision,
			SourceRef: d.SourceRef,
			Priced:    d.HasPriceSource(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfigureAsset(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	asset, err := parseAddress("asset", r.PathValue("asset"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req configureRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	var (
		source domain.PriceSource
		ref    string
	)
	if req.Feed != nil {
		if s.feeds == nil {
			s.writeError(w, fmt.Errorf("%w: price feeds cannot be configured on this server", errBadRequest))
			return
		}
		source, ref, err = s.feeds(*req.Feed)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}

	transition, err := s.ops.ConfigureAsset(r.Context(), caller, asset, req.Precision, source, ref)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transition)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress("asset", r.PathValue("asset"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	holder, err := parseAddress("holder", r.PathValue("holder"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	entry, err := s.reads.QuoteBalance(asset, holder)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBalanceResponse(asset, holder, entry))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.reads.Stats()
	limits := s.reads.Limits()

	aggregates := make(map[string]string, len(stats.Aggregates))
	for asset, agg := range stats.Aggregates {
		aggregates[asset.Hex()] = agg.Dec()
	}
	s.writeJSON(w, http.StatusOK, statsResponse{
		CommonPrecision: stats.CommonPrecision,
		Counters:        stats.Counters,
		Aggregates:      aggregates,
		Limits: limitsResponse{
			PerTransaction: limits.PerTransaction.Dec(),
			Aggregate:      limits.Aggregate.Dec(),
		},
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}

	receipt, err := s.ops.Deposit(r.Context(), asset, amount, caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	recipient, err := parseAddress("recipient", req.Recipient)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}

	receipt, err := s.ops.Withdraw(r.Context(), caller, asset, amount, recipient)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}

	normalized, err := s.reads.Quote(r.Context(), asset, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, quoteResponse{Asset: asset.Hex(), Raw: amount.Dec(), Normalized: normalized.Dec()})
}

func (s *Server) handleObservationStream(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "observation feed not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := s.feed.Subscribe()
	defer s.feed.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// send a comment heartbeat so proxies keep connection
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case record, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(record)
			if err != nil {
				s.logger.Error("failed to marshal observation", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "id: %s\n", record.ID)
			fmt.Fprintf(w, "event: %s\n", record.Kind)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// authenticate resolves the caller address from the API key header.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	key := r.Header.Get(APIKeyHeader)
	caller, ok := s.callers[key]
	if key == "" || !ok {
		s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing or unknown API key", Category: string(domain.CategoryAuthorization)})
		return common.Address{}, false
	}
	return caller, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, category := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Category: category})
}

// statusFor maps ledger error categories to HTTP statuses.
func statusFor(err error) (int, string) {
	if errors.Is(err, errBadRequest) {
		return http.StatusBadRequest, string(domain.CategoryInput)
	}
	if errors.Is(err, ledger.ErrExecutorClosed) {
		return http.StatusServiceUnavailable, string(domain.CategoryInternal)
	}

	category := domain.Category(err)
	switch category {
	case domain.CategoryInput:
		return http.StatusBadRequest, string(category)
	case domain.CategoryAuthorization:
		return http.StatusForbidden, string(category)
	case domain.CategoryBalance, domain.CategoryPolicy, domain.CategoryArithmetic:
		return http.StatusUnprocessableEntity, string(category)
	case domain.CategoryConcurrency:
		return http.StatusConflict, string(category)
	case domain.CategoryOracle:
		return http.StatusServiceUnavailable, string(category)
	case domain.CategoryTransfer:
		return http.StatusBadGateway, string(category)
	default:
		return http.StatusInternalServerError, string(domain.CategoryInternal)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func parseAddress(name, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%w: %s must be a hex address", errBadRequest, name)
	}
	return common.HexToAddress(value), nil
}

func parseAmount(value string) (*uint256.Int, error) {
	amount, err := domain.ParseAmount(value)
	if err != nil {
		return nil, fmt.Errorf("%w: amount must be a base-10 integer in native units", errBadRequest)
	}
	return amount, nil
}

func newBalanceResponse(asset, holder common.Address, entry domain.BalanceEntry) balanceResponse {
	return balanceResponse{
		Asset:      asset.Hex(),
		Holder:     holder.Hex(),
		Raw:        entry.Raw.Dec(),
		Normalized: entry.Normalized.Dec(),
	}
}

func newReceiptResponse(r ledger.Receipt) receiptResponse {
	op, st := r.Operation, r.Settlement
	return receiptResponse{
		OperationID: op.ID,
		Kind:        string(op.Kind),
		Asset:       op.Asset.Hex(),
		Holder:      op.Holder.Hex(),
		Raw:         op.Raw.Dec(),
		Normalized:  op.Normalized.Dec(),
		Balance:     newBalanceResponse(st.Asset, st.Holder, st.Entry),
		Aggregate:   st.Aggregate.Dec(),
		Counters:    st.Counters,
		Time:        op.Time,
	}
}
