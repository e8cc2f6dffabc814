// Package httpapi exposes the checkout, wallet, and plan-config services over
// HTTP. Handlers translate between JSON payloads and domain calls; every
// domain decision lives below this layer.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arkahealth/opdwallet/internal/adjudication"
	"github.com/arkahealth/opdwallet/internal/checkout"
	"github.com/arkahealth/opdwallet/internal/planconfig"
	"github.com/arkahealth/opdwallet/pkg/wallet"
)

// Config carries the HTTP layer settings.
type Config struct {
	ListenAddr        string
	SessionSigningKey string
	AllowedOrigins    []string
}

// Server bundles the services behind the HTTP routes.
type Server struct {
	logger   *zap.Logger
	checkout *checkout.Service
	wallet   *wallet.Service
	resolver *planconfig.Resolver
	cfg      Config
}

// NewServer wires a Server.
func NewServer(cfg Config, checkoutService *checkout.Service, walletService *wallet.Service, resolver *planconfig.Resolver, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:   logger,
		checkout: checkoutService,
		wallet:   walletService,
		resolver: resolver,
		cfg:      cfg,
	}
}

// Router builds the gin engine with auth, CORS, and all routes attached.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(authMiddleware([]byte(server.cfg.SessionSigningKey)))

	api.POST("/checkout", server.handleCheckout)
	api.GET("/payments", server.handleListPayments)
	api.GET("/payments/:id", server.handleGetPayment)
	api.POST("/payments/:id/mark-paid", server.handleMarkPaid)
	api.POST("/payments/:id/cancel", server.handleCancelPayment)

	api.GET("/wallet/balance", server.handleWalletBalance)
	api.GET("/wallet/entries", server.handleWalletEntries)

	api.GET("/transactions", server.handleListTransactions)
	api.GET("/transactions/summary", server.handleTransactionSummary)

	operations := api.Group("")
	operations.Use(requireRole(RoleOperations))
	operations.POST("/wallet/topup", server.handleWalletTopUp)
	operations.POST("/wallet/allocate", server.handleWalletAllocate)
	operations.POST("/transactions/:id/refund", server.handleRefund)
	operations.GET("/plan-config/:policyId/:category", server.handlePlanConfig)

	return router
}

type checkoutRequest struct {
	CategoryCode       string `json:"categoryCode"`
	ServiceType        string `json:"serviceType"`
	ServiceCode        string `json:"serviceCode"`
	ServiceReferenceID string `json:"serviceReferenceId"`
	Description        string `json:"description"`
	BillAmountCents    int64  `json:"billAmountCents"`
}

func (server *Server) handleCheckout(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	payment, err := server.checkout.Initiate(ctx.Request.Context(), checkout.InitiateRequest{
		MemberID:           claims.UserID,
		CategoryCode:       request.CategoryCode,
		ServiceType:        checkout.ServiceType(request.ServiceType),
		ServiceCode:        request.ServiceCode,
		ServiceReferenceID: request.ServiceReferenceID,
		Description:        request.Description,
		BillAmountCents:    request.BillAmountCents,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"payment": paymentPayload(payment)})
}

func (server *Server) handleGetPayment(ctx *gin.Context) {
	claims := getClaims(ctx)
	payment, err := server.checkout.Payment(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if payment.MemberID != claims.UserID && claims.Role != RoleOperations {
		server.respondError(ctx, checkout.ErrNotPaymentOwner)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"payment": paymentPayload(payment)})
}

func (server *Server) handleListPayments(ctx *gin.Context) {
	claims := getClaims(ctx)
	filter := checkout.PaymentFilter{
		Status:      checkout.PaymentStatus(ctx.Query("status")),
		ServiceType: checkout.ServiceType(ctx.Query("serviceType")),
	}
	payments, err := server.checkout.Payments(ctx.Request.Context(), claims.UserID, filter)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payloads := make([]gin.H, 0, len(payments))
	for _, payment := range payments {
		payloads = append(payloads, paymentPayload(payment))
	}
	ctx.JSON(http.StatusOK, gin.H{"payments": payloads})
}

func (server *Server) handleMarkPaid(ctx *gin.Context) {
	claims := getClaims(ctx)
	payment, err := server.checkout.Confirm(ctx.Request.Context(), ctx.Param("id"), claims.UserID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"payment": paymentPayload(payment)})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (server *Server) handleCancelPayment(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request cancelRequest
	_ = ctx.ShouldBindJSON(&request)
	payment, err := server.checkout.Cancel(ctx.Request.Context(), ctx.Param("id"), claims.UserID, request.Reason)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"payment": paymentPayload(payment)})
}

func (server *Server) handleWalletBalance(ctx *gin.Context) {
	claims := getClaims(ctx)
	memberID, err := wallet.NewMemberID(claims.UserID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	balances, err := server.wallet.Balances(ctx.Request.Context(), memberID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payloads := make([]gin.H, 0, len(balances))
	for _, balance := range balances {
		payloads = append(payloads, gin.H{
			"categoryCode":   balance.CategoryCode.String(),
			"policyYear":     int(balance.PolicyYear),
			"allocatedCents": balance.Allocated.Int64(),
			"consumedCents":  balance.Consumed.Int64(),
			"currentCents":   balance.Current().Int64(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"balances": payloads})
}

func (server *Server) handleWalletEntries(ctx *gin.Context) {
	claims := getClaims(ctx)
	memberID, err := wallet.NewMemberID(claims.UserID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	filter := wallet.EntryFilter{}
	if raw := ctx.Query("type"); raw != "" {
		entryType, err := wallet.ParseEntryType(raw)
		if err != nil {
			server.respondError(ctx, err)
			return
		}
		filter.Types = []wallet.EntryType{entryType}
	}
	if raw := ctx.Query("category"); raw != "" {
		category, err := wallet.NewCategoryCode(raw)
		if err != nil {
			server.respondError(ctx, err)
			return
		}
		filter.CategoryCodes = []wallet.CategoryCode{category}
	}
	entries, err := server.wallet.Entries(ctx.Request.Context(), memberID, filter)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payloads := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, gin.H{
			"entryId":        entry.EntryID,
			"categoryCode":   entry.CategoryCode.String(),
			"type":           entry.Type.String(),
			"amountCents":    entry.AmountCents.Int64(),
			"reference":      entry.Reference,
			"createdUnixUtc": entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payloads})
}

type walletCreditRequest struct {
	MemberID     string `json:"memberId"`
	CategoryCode string `json:"categoryCode"`
	AmountCents  int64  `json:"amountCents"`
	PolicyYear   int    `json:"policyYear"`
	Reference    string `json:"reference"`
}

func (server *Server) handleWalletTopUp(ctx *gin.Context) {
	var request walletCreditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	memberID, category, amount, err := parseWalletCredit(request)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	reference := request.Reference
	if reference == "" {
		reference = "operations-topup"
	}
	if err := server.wallet.TopUp(ctx.Request.Context(), memberID, category, amount, reference); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) handleWalletAllocate(ctx *gin.Context) {
	var request walletCreditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	memberID, category, amount, err := parseWalletCredit(request)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	year := server.wallet.PolicyYear()
	if request.PolicyYear != 0 {
		year, err = wallet.NewPolicyYear(request.PolicyYear)
		if err != nil {
			server.respondError(ctx, err)
			return
		}
	}
	if err := server.wallet.Allocate(ctx.Request.Context(), memberID, year, category, amount); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"status": "ok"})
}

func parseWalletCredit(request walletCreditRequest) (wallet.MemberID, wallet.CategoryCode, wallet.AmountCents, error) {
	memberID, err := wallet.NewMemberID(request.MemberID)
	if err != nil {
		return wallet.MemberID{}, wallet.CategoryCode{}, 0, err
	}
	category, err := wallet.NewCategoryCode(request.CategoryCode)
	if err != nil {
		return wallet.MemberID{}, wallet.CategoryCode{}, 0, err
	}
	amount, err := wallet.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		return wallet.MemberID{}, wallet.CategoryCode{}, 0, err
	}
	return memberID, category, amount, nil
}

func (server *Server) handleListTransactions(ctx *gin.Context) {
	claims := getClaims(ctx)
	filter := checkout.TransactionFilter{
		Status:      checkout.TransactionStatus(ctx.Query("status")),
		ServiceType: checkout.ServiceType(ctx.Query("serviceType")),
	}
	transactions, err := server.checkout.Transactions(ctx.Request.Context(), claims.UserID, filter)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payloads := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payloads})
}

func (server *Server) handleTransactionSummary(ctx *gin.Context) {
	claims := getClaims(ctx)
	summary, err := server.checkout.Summary(ctx.Request.Context(), claims.UserID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	byMethod := make(map[string]gin.H, len(summary.ByPaymentMethod))
	for method, totals := range summary.ByPaymentMethod {
		byMethod[string(method)] = gin.H{"count": totals.Count, "amountCents": totals.Amount}
	}
	byService := make(map[string]gin.H, len(summary.ByServiceType))
	for serviceType, totals := range summary.ByServiceType {
		byService[string(serviceType)] = gin.H{"count": totals.Count, "amountCents": totals.Amount}
	}
	ctx.JSON(http.StatusOK, gin.H{
		"totalTransactions":    summary.TotalTransactions,
		"totalSpentCents":      summary.TotalSpent,
		"totalFromWalletCents": summary.TotalFromWallet,
		"totalSelfPaidCents":   summary.TotalSelfPaid,
		"totalCopayCents":      summary.TotalCopay,
		"byPaymentMethod":      byMethod,
		"byServiceType":        byService,
	})
}

type refundRequest struct {
	Reason string `json:"reason"`
}

func (server *Server) handleRefund(ctx *gin.Context) {
	var request refundRequest
	_ = ctx.ShouldBindJSON(&request)
	if request.Reason == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "refund reason required"))
		return
	}
	compensating, err := server.checkout.Refund(ctx.Request.Context(), ctx.Param("id"), request.Reason)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayload(compensating)})
}

func (server *Server) handlePlanConfig(ctx *gin.Context) {
	rule, err := server.resolver.Resolve(ctx.Request.Context(), ctx.Param("policyId"), ctx.Param("category"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payload := gin.H{
		"categoryCode":    rule.CategoryCode,
		"enabled":         rule.Enabled,
		"copayPercent":    rule.CopayPercent,
		"allowedServices": rule.AllowedServices,
	}
	if rule.ServiceTransactionLimit != nil {
		payload["serviceTransactionLimitCents"] = *rule.ServiceTransactionLimit
	}
	if rule.AnnualCategoryCap != nil {
		payload["annualCategoryCapCents"] = *rule.AnnualCategoryCap
	}
	ctx.JSON(http.StatusOK, gin.H{"rule": payload})
}

func paymentPayload(payment checkout.Payment) gin.H {
	payload := gin.H{
		"paymentId":          payment.PaymentID,
		"memberId":           payment.MemberID,
		"policyId":           payment.PolicyID,
		"categoryCode":       payment.CategoryCode,
		"serviceType":        string(payment.ServiceType),
		"serviceCode":        payment.ServiceCode,
		"serviceReferenceId": payment.ServiceReferenceID,
		"description":        payment.Description,
		"amountCents":        payment.AmountCents,
		"breakdown":          payment.Breakdown,
		"status":             string(payment.Status),
		"createdUnixUtc":     payment.CreatedUnixUTC,
	}
	if payment.FailureReason != "" {
		payload["failureReason"] = payment.FailureReason
	}
	if payment.PaidAtUnixUTC != 0 {
		payload["paidAtUnixUtc"] = payment.PaidAtUnixUTC
	}
	return payload
}

func transactionPayload(transaction checkout.Transaction) gin.H {
	payload := gin.H{
		"transactionId":      transaction.TransactionID,
		"memberId":           transaction.MemberID,
		"paymentId":          transaction.PaymentID,
		"categoryCode":       transaction.CategoryCode,
		"serviceType":        string(transaction.ServiceType),
		"serviceReferenceId": transaction.ServiceReferenceID,
		"totalCents":         transaction.TotalCents,
		"walletCents":        transaction.WalletCents,
		"selfPaidCents":      transaction.SelfPaidCents,
		"copayCents":         transaction.CopayCents,
		"paymentMethod":      string(transaction.PaymentMethod),
		"status":             string(transaction.Status),
		"createdUnixUtc":     transaction.CreatedUnixUTC,
	}
	if transaction.RefundReason != "" {
		payload["refundReason"] = transaction.RefundReason
	}
	if transaction.RefundedUnixUTC != 0 {
		payload["refundedUnixUtc"] = transaction.RefundedUnixUTC
	}
	return payload
}

// respondError maps domain sentinels onto HTTP statuses with stable codes.
func (server *Server) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, checkout.ErrPaymentNotFound),
		errors.Is(err, checkout.ErrTransactionNotFound),
		errors.Is(err, checkout.ErrBookingNotFound),
		errors.Is(err, wallet.ErrBalanceNotFound),
		errors.Is(err, wallet.ErrUnknownReservation),
		errors.Is(err, planconfig.ErrConfigNotFound),
		errors.Is(err, planconfig.ErrNoAssignment):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, wallet.ErrInsufficientFunds),
		errors.Is(err, checkout.ErrReservationFailed):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_funds", err.Error()))
	case errors.Is(err, planconfig.ErrCategoryDisabled):
		ctx.JSON(http.StatusConflict, errorResponse("category_disabled", err.Error()))
	case errors.Is(err, planconfig.ErrIneligibleService),
		errors.Is(err, adjudication.ErrBenefitNotEligible):
		ctx.JSON(http.StatusConflict, errorResponse("ineligible_service", err.Error()))
	case errors.Is(err, checkout.ErrAlreadyResolved),
		errors.Is(err, checkout.ErrNotRefundable),
		errors.Is(err, checkout.ErrSlotFull),
		errors.Is(err, wallet.ErrBalanceExists),
		errors.Is(err, wallet.ErrReservationClosed):
		ctx.JSON(http.StatusConflict, errorResponse("conflict", err.Error()))
	case errors.Is(err, checkout.ErrNotPaymentOwner):
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", err.Error()))
	case errors.Is(err, checkout.ErrInvalidRequest),
		errors.Is(err, checkout.ErrInvalidServiceType),
		errors.Is(err, wallet.ErrInvalidMemberID),
		errors.Is(err, wallet.ErrInvalidCategoryCode),
		errors.Is(err, wallet.ErrInvalidPolicyYear),
		errors.Is(err, wallet.ErrInvalidAmountCents),
		errors.Is(err, wallet.ErrInvalidEntryType):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
