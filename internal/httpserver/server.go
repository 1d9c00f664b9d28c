package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/classpoints/ledger/pkg/points"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger is the slice of the points service the facade calls.
// (*points.Service implements it.)
type Ledger interface {
	Balance(ctx context.Context, owner points.OwnerID) (points.Balance, error)
	Redeem(ctx context.Context, code points.CardCode, redeemer points.OwnerID) (points.PointAmount, error)
	Transfer(ctx context.Context, sender points.OwnerID, recipient points.OwnerID, amount points.PointAmount, reason points.Reason) (points.TransferID, error)
	Award(ctx context.Context, owner points.OwnerID, sign points.EntrySign, amount points.PointAmount, category points.Category, reason points.Reason, actor points.ActorID, reference points.ReferenceKey, metadata points.MetadataJSON) error
	IssueCards(ctx context.Context, value points.PointAmount, count int) ([]points.Card, error)
	DisableCard(ctx context.Context, code points.CardCode) error
	Statement(ctx context.Context, owner points.OwnerID, beforeUnixUTC int64, limit int) ([]points.Entry, error)
	Reconcile(ctx context.Context, limit int) (points.ReconcileReport, error)
}

// Run boots the HTTP facade and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config, ledger Ledger, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{
		logger: logger,
		ledger: ledger,
		cfg:    cfg,
	}

	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("points api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(sessionMiddleware(cfg))

	api.GET("/balance", handler.handleOwnBalance)
	api.POST("/redemptions", handler.handleRedeem)
	api.POST("/transfers", handler.handleTransfer)
	api.GET("/entries", handler.handleStatement)

	staff := api.Group("")
	staff.Use(requireRole(RoleTeacher, RoleAdmin))
	staff.GET("/owners/:owner/balance", handler.handleOwnerBalance)
	staff.POST("/awards", handler.handleAward)

	admin := api.Group("")
	admin.Use(requireRole(RoleAdmin))
	admin.POST("/cards", handler.handleIssueCards)
	admin.POST("/cards/:code/disable", handler.handleDisableCard)
	admin.POST("/reconcile", handler.handleReconcile)

	return router
}

type httpHandler struct {
	logger *zap.Logger
	ledger Ledger
	cfg    Config
}

func (handler *httpHandler) handleOwnBalance(ctx *gin.Context) {
	claims := getClaims(ctx)
	owner, err := points.NewOwnerID(claims.Subject)
	if err != nil {
		respondError(ctx, err)
		return
	}
	handler.respondWithBalance(ctx, owner)
}

func (handler *httpHandler) handleOwnerBalance(ctx *gin.Context) {
	owner, err := points.NewOwnerID(ctx.Param("owner"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	handler.respondWithBalance(ctx, owner)
}

func (handler *httpHandler) handleRedeem(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request redeemRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	code, err := points.NewCardCode(request.Code)
	if err != nil {
		respondError(ctx, err)
		return
	}
	redeemer, err := points.NewOwnerID(claims.Subject)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	granted, err := handler.ledger.Redeem(requestCtx, code, redeemer)
	if err != nil {
		handler.logOperationError(ctx, "redeem", err)
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"granted": granted.Int64()})
}

func (handler *httpHandler) handleTransfer(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request transferRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	sender, err := points.NewOwnerID(claims.Subject)
	if err != nil {
		respondError(ctx, err)
		return
	}
	recipient, err := points.NewOwnerID(request.Recipient)
	if err != nil {
		respondError(ctx, err)
		return
	}
	amount, err := points.NewPointAmount(request.Amount)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	transferID, err := handler.ledger.Transfer(requestCtx, sender, recipient, amount, points.NewReason(request.Reason))
	if err != nil {
		handler.logOperationError(ctx, "transfer", err)
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transfer_id": transferID.String()})
}

func (handler *httpHandler) handleStatement(ctx *gin.Context) {
	claims := getClaims(ctx)
	owner, err := points.NewOwnerID(claims.Subject)
	if err != nil {
		respondError(ctx, err)
		return
	}
	before := parseInt64Query(ctx, "before", 0)
	limit := int(parseInt64Query(ctx, "limit", defaultStatementLimit))
	if limit <= 0 {
		limit = defaultStatementLimit
	}
	if limit > maxStatementLimit {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit exceeds maximum"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	entries, err := handler.ledger.Statement(requestCtx, owner, before, limit)
	if err != nil {
		respondError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, toEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleAward(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request awardRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	owner, err := points.NewOwnerID(request.Owner)
	if err != nil {
		respondError(ctx, err)
		return
	}
	sign, err := points.ParseEntrySign(request.Sign)
	if err != nil {
		respondError(ctx, err)
		return
	}
	amount, err := points.NewPointAmount(request.Amount)
	if err != nil {
		respondError(ctx, err)
		return
	}
	actor, err := points.NewActorID(claims.Subject)
	if err != nil {
		respondError(ctx, err)
		return
	}
	referenceToken := request.Reference
	if referenceToken == "" {
		referenceToken = uuid.NewString()
	}
	reference, err := points.AwardReferenceKey(referenceToken)
	if err != nil {
		respondError(ctx, err)
		return
	}
	metadata, err := points.NewMetadataJSON("")
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	err = handler.ledger.Award(requestCtx, owner, sign, amount, points.NewCategory(request.Category), points.NewReason(request.Reason), actor, reference, metadata)
	if err != nil {
		handler.logOperationError(ctx, "award", err)
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok", "reference": reference.String()})
}

func (handler *httpHandler) handleIssueCards(ctx *gin.Context) {
	var request issueCardsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	value, err := points.NewPointAmount(request.Value)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	cards, err := handler.ledger.IssueCards(requestCtx, value, request.Count)
	if err != nil {
		handler.logOperationError(ctx, "issue_cards", err)
		respondError(ctx, err)
		return
	}
	codes := make([]string, 0, len(cards))
	for _, card := range cards {
		codes = append(codes, card.Code.String())
	}
	ctx.JSON(http.StatusOK, gin.H{"value": value.Int64(), "codes": codes})
}

func (handler *httpHandler) handleDisableCard(ctx *gin.Context) {
	code, err := points.NewCardCode(ctx.Param("code"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	if err := handler.ledger.DisableCard(requestCtx, code); err != nil {
		handler.logOperationError(ctx, "disable_card", err)
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	report, err := handler.ledger.Reconcile(requestCtx, reconcileScanLimit)
	if err != nil {
		handler.logOperationError(ctx, "reconcile", err)
		respondError(ctx, err)
		return
	}
	repaired := make([]string, 0, len(report.Repaired))
	for _, code := range report.Repaired {
		repaired = append(repaired, code.String())
	}
	ctx.JSON(http.StatusOK, gin.H{"scanned": report.Scanned, "repaired": repaired})
}

func (handler *httpHandler) respondWithBalance(ctx *gin.Context, owner points.OwnerID) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.ledger.Balance(requestCtx, owner)
	if err != nil {
		handler.logOperationError(ctx, "balance", err)
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"owner":   owner.String(),
		"balance": balance.Points.Int64(),
		"entries": balance.EntryCount,
	})
}

func (handler *httpHandler) logOperationError(ctx *gin.Context, operation string, err error) {
	handler.logger.Warn("ledger call failed",
		zap.String("operation", operation),
		zap.String("path", ctx.FullPath()),
		zap.Error(err),
	)
}

func parseInt64Query(ctx *gin.Context, name string, fallback int64) int64 {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func respondError(ctx *gin.Context, err error) {
	status, code := mapDomainError(err)
	ctx.JSON(status, errorResponse(code, err.Error()))
}

// mapDomainError translates domain errors into HTTP statuses with stable
// codes. Store unavailability is retryable and is never reported as an
// empty or zeroed result.
func mapDomainError(err error) (int, string) {
	switch {
	case errors.Is(err, points.ErrInvalidOwnerID):
		return http.StatusBadRequest, "invalid_owner_id"
	case errors.Is(err, points.ErrInvalidCardCode):
		return http.StatusBadRequest, "invalid_card_code"
	case errors.Is(err, points.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, points.ErrInvalidEntrySign):
		return http.StatusBadRequest, "invalid_sign"
	case errors.Is(err, points.ErrInvalidReferenceKey):
		return http.StatusBadRequest, "invalid_reference"
	case errors.Is(err, points.ErrSelfTransfer):
		return http.StatusBadRequest, "self_transfer"
	case errors.Is(err, points.ErrCardNotFound):
		return http.StatusNotFound, "card_not_found"
	case errors.Is(err, points.ErrUnknownOwner):
		return http.StatusNotFound, "recipient_not_found"
	case errors.Is(err, points.ErrCardConsumed):
		return http.StatusConflict, "card_already_consumed"
	case errors.Is(err, points.ErrCardDisabled):
		return http.StatusConflict, "card_disabled"
	case errors.Is(err, points.ErrCardExists):
		return http.StatusConflict, "card_exists"
	case errors.Is(err, points.ErrDuplicateReference):
		return http.StatusConflict, "duplicate_reference"
	case errors.Is(err, points.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, points.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, points.ErrPartialCommit):
		return http.StatusInternalServerError, "partial_commit"
	default:
		return http.StatusInternalServerError, "internal"
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

type redeemRequest struct {
	Code string `json:"code"`
}

type transferRequest struct {
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

type awardRequest struct {
	Owner     string `json:"owner"`
	Sign      string `json:"sign"`
	Amount    int64  `json:"amount"`
	Category  string `json:"category"`
	Reason    string `json:"reason"`
	Reference string `json:"reference"`
}

type issueCardsRequest struct {
	Value int64 `json:"value"`
	Count int   `json:"count"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Sign           string `json:"sign"`
	Amount         int64  `json:"amount"`
	Category       string `json:"category,omitempty"`
	Reason         string `json:"reason"`
	Actor          string `json:"actor"`
	TransferID     string `json:"transfer_id,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func toEntryPayload(entry points.Entry) entryPayload {
	transferID := ""
	if entry.TransferID != nil {
		transferID = entry.TransferID.String()
	}
	return entryPayload{
		EntryID:        entry.EntryID,
		Sign:           entry.Sign.String(),
		Amount:         entry.Amount.Int64(),
		Category:       entry.Category.String(),
		Reason:         entry.Reason.String(),
		Actor:          entry.Actor.String(),
		TransferID:     transferID,
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
}
