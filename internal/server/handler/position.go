package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// PositionAPI defines the methods that the position handler requires from the
// service layer.
type PositionAPI interface {
	CreateSafe(ctx context.Context, owner common.Address, inputs []domain.CollateralInput, debtAsset common.Address, factor uint64) (domain.Position, error)
	CreateDegen(ctx context.Context, owner common.Address, input domain.CollateralInput, debtAsset common.Address, factor uint64) (domain.Position, error)
	AddCollateral(ctx context.Context, id string, caller, asset common.Address, amount *big.Int) error
	RepayDebt(ctx context.Context, id string, caller common.Address, amount *big.Int) error
	ClosePosition(ctx context.Context, id string, caller common.Address) error
	Get(ctx context.Context, id string) (domain.Position, error)
	ListByOwner(ctx context.Context, owner common.Address) []domain.Position
}

// PositionHandler serves position lifecycle HTTP endpoints.
type PositionHandler struct {
	positions PositionAPI
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionAPI, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// collateralInput is a single collateral leg in a create request.
type collateralInput struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// createPositionRequest is the JSON body for POST /api/positions.
type createPositionRequest struct {
	Owner       string            `json:"owner"`
	Mode        string            `json:"mode"`
	Collateral  []collateralInput `json:"collateral"`
	DebtAsset   string            `json:"debt_asset"`
	LeverageBps uint64            `json:"leverage_bps"`
}

// amountRequest is the JSON body for collateral and repay mutations.
type amountRequest struct {
	Caller string `json:"caller"`
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount"`
}

// closeRequest is the JSON body for POST /api/positions/{id}/close.
type closeRequest struct {
	Caller string `json:"caller"`
}

// positionView is the JSON representation of a position.
type positionView struct {
	ID                string   `json:"id"`
	Owner             string   `json:"owner"`
	Account           string   `json:"account"`
	Mode              string   `json:"mode"`
	CollateralAssets  []string `json:"collateral_assets"`
	CollateralAmounts []string `json:"collateral_amounts"`
	DebtAsset         string   `json:"debt_asset"`
	DebtAmount        string   `json:"debt_amount"`
	Open              bool     `json:"open"`
	CreatedAt         string   `json:"created_at"`
	ClosedAt          string   `json:"closed_at,omitempty"`
}

func toView(pos domain.Position) positionView {
	assets := make([]string, len(pos.CollateralAssets))
	for i, a := range pos.CollateralAssets {
		assets[i] = a.Hex()
	}
	amounts := make([]string, len(pos.CollateralAmounts))
	for i, n := range pos.CollateralAmounts {
		amounts[i] = n.String()
	}

	v := positionView{
		ID:                pos.ID,
		Owner:             pos.Owner.Hex(),
		Account:           pos.Account.Hex(),
		Mode:              string(pos.Mode),
		CollateralAssets:  assets,
		CollateralAmounts: amounts,
		DebtAsset:         pos.DebtAsset.Hex(),
		DebtAmount:        pos.DebtAmount.String(),
		Open:              pos.IsOpen(),
		CreatedAt:         pos.CreatedAt.UTC().Format(time.RFC3339),
	}
	if pos.ClosedAt != nil {
		v.ClosedAt = pos.ClosedAt.UTC().Format(time.RFC3339)
	}
	return v
}

// CreatePosition builds a new leveraged position.
// POST /api/positions
func (h *PositionHandler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req createPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	owner, ok := parseAddress(req.Owner)
	if !ok {
		writeError(w, http.StatusBadRequest, "owner must be a hex address")
		return
	}
	debtAsset, ok := parseAddress(req.DebtAsset)
	if !ok {
		writeError(w, http.StatusBadRequest, "debt_asset must be a hex address")
		return
	}
	if len(req.Collateral) == 0 {
		writeError(w, http.StatusBadRequest, "collateral must not be empty")
		return
	}

	inputs := make([]domain.CollateralInput, 0, len(req.Collateral))
	for _, c := range req.Collateral {
		asset, ok := parseAddress(c.Asset)
		if !ok {
			writeError(w, http.StatusBadRequest, "collateral asset must be a hex address")
			return
		}
		amount, ok := parseAmount(c.Amount)
		if !ok {
			writeError(w, http.StatusBadRequest, "collateral amount must be a positive integer")
			return
		}
		inputs = append(inputs, domain.CollateralInput{Asset: asset, Amount: amount})
	}

	var (
		pos domain.Position
		err error
	)
	switch domain.Mode(req.Mode) {
	case domain.ModeSafe:
		pos, err = h.positions.CreateSafe(r.Context(), owner, inputs, debtAsset, req.LeverageBps)
	case domain.ModeDegen:
		if len(inputs) != 1 {
			writeError(w, http.StatusBadRequest, "degen mode takes exactly one collateral input")
			return
		}
		pos, err = h.positions.CreateDegen(r.Context(), owner, inputs[0], debtAsset, req.LeverageBps)
	default:
		writeError(w, http.StatusBadRequest, "mode must be \"safe\" or \"degen\"")
		return
	}

	if err != nil {
		h.writeDomainError(w, r, "create position", err)
		return
	}

	writeJSON(w, http.StatusCreated, toView(pos))
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

// ListPositions returns the positions held by an owner.
// GET /api/positions?owner=0x...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(r.URL.Query().Get("owner"))
	if !ok {
		writeError(w, http.StatusBadRequest, "owner query parameter must be a hex address")
		return
	}

	positions := h.positions.ListByOwner(r.Context(), owner)
	views := make([]positionView, 0, len(positions))
	for _, pos := range positions {
		views = append(views, toView(pos))
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: views})
}

// GetPosition returns a single position by ID.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing position id")
		return
	}

	pos, err := h.positions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.writeDomainError(w, r, "get position", err)
		return
	}

	writeJSON(w, http.StatusOK, toView(pos))
}

// AddCollateral supplies additional collateral to an open position.
// POST /api/positions/{id}/collateral
func (h *PositionHandler) AddCollateral(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing position id")
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "caller must be a hex address")
		return
	}
	asset, ok := parseAddress(req.Asset)
	if !ok {
		writeError(w, http.StatusBadRequest, "asset must be a hex address")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}

	if err := h.positions.AddCollateral(r.Context(), id, caller, asset, amount); err != nil {
		h.writeDomainError(w, r, "add collateral", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "collateral_added",
		"position_id": id,
	})
}

// RepayDebt repays part of a position's debt from the caller's wallet.
// POST /api/positions/{id}/repay
func (h *PositionHandler) RepayDebt(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing position id")
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "caller must be a hex address")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}

	if err := h.positions.RepayDebt(r.Context(), id, caller, amount); err != nil {
		h.writeDomainError(w, r, "repay debt", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "debt_repaid",
		"position_id": id,
	})
}

// ClosePosition repays all debt and returns the collateral to the owner.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing position id")
		return
	}

	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "caller must be a hex address")
		return
	}

	if err := h.positions.ClosePosition(r.Context(), id, caller); err != nil {
		h.writeDomainError(w, r, "close position", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "closed",
		"position_id": id,
	})
}

// writeDomainError maps domain sentinel errors onto HTTP status codes and
// logs anything unexpected.
func (h *PositionHandler) writeDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "position not found")
	case errors.Is(err, domain.ErrNotOwner):
		writeError(w, http.StatusForbidden, "caller is not the position owner")
	case errors.Is(err, domain.ErrPositionClosed):
		writeError(w, http.StatusConflict, "position is closed")
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, "position is busy, retry later")
	case errors.Is(err, domain.ErrInvalidLeverage),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrUnsupportedAsset),
		errors.Is(err, domain.ErrSameAsset),
		errors.Is(err, domain.ErrDuplicateAsset),
		errors.Is(err, domain.ErrCollateralCount),
		errors.Is(err, domain.ErrTooManyAssets),
		errors.Is(err, domain.ErrExcessiveRepay):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrLeverageTooHigh),
		errors.Is(err, domain.ErrBorrowCapExceeded),
		errors.Is(err, domain.ErrTargetNotReached):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
