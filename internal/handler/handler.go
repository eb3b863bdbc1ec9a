package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tarikibrahimovic/NLB-Payments/internal/model"
	"github.com/tarikibrahimovic/NLB-Payments/internal/repository"
	"github.com/tarikibrahimovic/NLB-Payments/internal/service"
	"github.com/tarikibrahimovic/NLB-Payments/pkg/response"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type TransferExecutor interface {
	Execute(ctx context.Context, req *service.TransferRequest) (*service.TransferResult, error)
}

type AccountManager interface {
	Create(ctx context.Context, ownerID uuid.UUID) (*model.Account, error)
	List(ctx context.Context, ownerID uuid.UUID) ([]*model.Account, error)
	Deposit(ctx context.Context, userID, accountID uuid.UUID, amount decimal.Decimal) (*model.Account, error)
	Withdraw(ctx context.Context, userID, accountID uuid.UUID, amount decimal.Decimal) (*model.Account, error)
	Deactivate(ctx context.Context, userID, accountID uuid.UUID) (*model.Account, error)
}

type Reporter interface {
	OrdersForUser(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]*model.PaymentOrder, int64, error)
	OrderDetails(ctx context.Context, userID, orderID uuid.UUID) (*model.PaymentOrder, error)
	TransactionsForAccount(ctx context.Context, userID, accountID uuid.UUID, page, pageSize int) ([]*model.Transaction, int64, error)
	Failures(ctx context.Context, page, pageSize int) ([]*model.IntegrationFailure, int64, error)
}

// Handler holds every service the HTTP API calls into.
type Handler struct {
	transfers TransferExecutor
	accounts  AccountManager
	reports   Reporter
}

func NewHandler(transfers TransferExecutor, accounts AccountManager, reports Reporter) *Handler {
	return &Handler{
		transfers: transfers,
		accounts:  accounts,
		reports:   reports,
	}
}

// ============================================================
// Transfers
// ============================================================

type BatchTransferItem struct {
	DestinationAccountID uuid.UUID       `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
}

type BatchTransferRequest struct {
	SourceAccountID uuid.UUID           `json:"source_account_id"`
	Items           []BatchTransferItem `json:"items"`
}

// BatchTransfer moves money from one source account to many destinations,
// all or nothing.
// POST /api/v1/transfers/batch
func (h *Handler) BatchTransfer(c *gin.Context) {
	key := c.GetHeader(IdempotencyKeyHeader)
	if key == "" {
		response.ParamError(c, "Idempotency-Key header is required")
		return
	}

	var req BatchTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request body: "+err.Error())
		return
	}

	transfer := &service.TransferRequest{
		IdempotencyKey:   key,
		InitiatingUserID: currentUser(c),
		SourceAccountID:  req.SourceAccountID,
		Items:            make([]service.TransferItem, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		transfer.Items = append(transfer.Items, service.TransferItem{
			DestinationAccountID: item.DestinationAccountID,
			Amount:               item.Amount,
		})
	}

	result, err := h.transfers.Execute(c.Request.Context(), transfer)
	if err != nil {
		writeError(c, err)
		return
	}

	switch result.Status {
	case model.OrderStatusCompleted:
		response.JSON(c, http.StatusOK, response.CodeSuccess, result.Message, result)
	case model.OrderStatusFailed:
		response.JSON(c, http.StatusUnprocessableEntity, response.CodeTransferFailed, result.Message, result)
	default:
		// an earlier attempt with this key is still unresolved
		response.JSON(c, http.StatusAccepted, response.CodeTransferPending, result.Message, result)
	}
}

// ============================================================
// Accounts
// ============================================================

type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CreateAccount opens an empty account for the caller.
// POST /api/v1/accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	account, err := h.accounts.Create(c.Request.Context(), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Created(c, account)
}

// ListAccounts returns the caller's accounts.
// GET /api/v1/accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.accounts.List(c.Request.Context(), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, accounts)
}

// POST /api/v1/accounts/:id/deposit
func (h *Handler) Deposit(c *gin.Context) {
	h.changeBalance(c, h.accounts.Deposit)
}

// POST /api/v1/accounts/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	h.changeBalance(c, h.accounts.Withdraw)
}

func (h *Handler) changeBalance(c *gin.Context, fn func(ctx context.Context, userID, accountID uuid.UUID, amount decimal.Decimal) (*model.Account, error)) {
	accountID, ok := pathID(c)
	if !ok {
		return
	}
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request body: "+err.Error())
		return
	}

	account, err := fn(c.Request.Context(), currentUser(c), accountID, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, account)
}

// Deactivate closes an empty account.
// POST /api/v1/accounts/:id/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	accountID, ok := pathID(c)
	if !ok {
		return
	}
	account, err := h.accounts.Deactivate(c.Request.Context(), currentUser(c), accountID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, account)
}

// AccountTransactions lists ledger entries touching an owned account.
// GET /api/v1/accounts/:id/transactions?page=1&page_size=20
func (h *Handler) AccountTransactions(c *gin.Context) {
	accountID, ok := pathID(c)
	if !ok {
		return
	}
	page, pageSize := pagination(c)

	entries, total, err := h.reports.TransactionsForAccount(c.Request.Context(), currentUser(c), accountID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, response.Page{List: entries, Total: total, Page: page, PageSize: pageSize})
}

// ============================================================
// Orders
// ============================================================

// ListOrders returns the caller's orders, newest first.
// GET /api/v1/orders?page=1&page_size=20
func (h *Handler) ListOrders(c *gin.Context) {
	page, pageSize := pagination(c)

	orders, total, err := h.reports.OrdersForUser(c.Request.Context(), currentUser(c), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, response.Page{List: orders, Total: total, Page: page, PageSize: pageSize})
}

// GET /api/v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}
	order, err := h.reports.OrderDetails(c.Request.Context(), currentUser(c), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, order)
}

// ============================================================
// Admin
// ============================================================

// ListFailures returns the Failure Queue, newest first.
// GET /api/v1/admin/failures?page=1&page_size=20
func (h *Handler) ListFailures(c *gin.Context) {
	page, pageSize := pagination(c)

	failures, total, err := h.reports.Failures(c.Request.Context(), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, response.Page{List: failures, Total: total, Page: page, PageSize: pageSize})
}

// ============================================================
// helpers
// ============================================================

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ParamError(c, "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrMalformedAmount):
		response.Error(c, http.StatusBadRequest, response.CodeMalformedAmount, err.Error())
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, model.ErrInvalidAmount):
		response.ParamError(c, err.Error())
	case errors.Is(err, repository.ErrAccountNotFound):
		response.NotFound(c, response.CodeAccountNotFound, "account not found")
	case errors.Is(err, repository.ErrOrderNotFound):
		response.NotFound(c, response.CodeOrderNotFound, "order not found")
	case errors.Is(err, service.ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, model.ErrInsufficientFunds):
		response.BusinessError(c, response.CodeBalanceNotEnough, err.Error())
	case errors.Is(err, model.ErrBalanceOverflow):
		response.BusinessError(c, response.CodeBalanceOverflow, err.Error())
	case errors.Is(err, service.ErrAccountNotActive), errors.Is(err, service.ErrAccountAlreadyClosed):
		response.BusinessError(c, response.CodeAccountNotActive, err.Error())
	case errors.Is(err, service.ErrAccountHasBalance):
		response.BusinessError(c, response.CodeAccountHasBalance, err.Error())
	case errors.Is(err, service.ErrCurrencyMismatch):
		response.BusinessError(c, response.CodeCurrencyMismatch, err.Error())
	case errors.Is(err, repository.ErrOptimisticLock):
		response.Error(c, http.StatusConflict, response.CodeConcurrentConflict, err.Error())
	case errors.Is(err, service.ErrSystemFault):
		log.Printf("[HTTP] %s %s: %v", c.Request.Method, c.FullPath(), err)
		response.ServerError(c, service.ErrSystemFault.Error())
	default:
		log.Printf("[HTTP] %s %s: unexpected error: %v", c.Request.Method, c.FullPath(), err)
		response.ServerError(c, "internal server error")
	}
}
