package handlers

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"lending/internal/services"
)

type LendingHandler struct {
	carts  *services.CartStore
	copies *services.CopyAllocator
	engine *services.Engine
}

func NewLendingHandler(carts *services.CartStore, copies *services.CopyAllocator, engine *services.Engine) *LendingHandler {
	return &LendingHandler{carts: carts, copies: copies, engine: engine}
}

// RouterConfig holds the HTTP concerns that sit outside the lending operations.
type RouterConfig struct {
	CORSOrigins []string
	// ScanRate limits staff scan endpoints, in requests per second.
	ScanRate float64
}

// NewRouter builds the gin engine with middleware and every lending route.
func NewRouter(cfg RouterConfig, h *LendingHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	var limiter *rate.Limiter
	if cfg.ScanRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ScanRate), int(cfg.ScanRate)+1)
	}
	RegisterRoutes(r, h, limiter)
	return r
}

// RegisterRoutes mounts the lending routes. A nil scanLimiter disables throttling.
func RegisterRoutes(r gin.IRouter, h *LendingHandler, scanLimiter *rate.Limiter) {
	scan := throttle(scanLimiter)

	// Member endpoints
	r.POST("/members/:id/cart", h.addToCart)
	r.GET("/members/:id/cart", h.listCart)
	r.DELETE("/members/:id/cart", h.clearCart)
	r.DELETE("/members/:id/cart/:bookId", h.removeFromCart)
	r.POST("/members/:id/requests", h.createMemberRequest)
	r.GET("/members/:id/requests", h.listMemberRequests)
	r.POST("/requests/:id/cancel", h.cancelRequest)

	// Staff endpoints
	r.POST("/requests", h.createRequest)
	r.POST("/requests/:id/confirm", scan, h.confirmItem)
	r.POST("/requests/:id/finalize", h.finalizeRequest)
	r.POST("/requests/:id/reject", h.rejectRequest)
	r.POST("/returns", scan, h.returnCopy)
	r.POST("/books/:id/copies", h.registerCopy)
	r.GET("/copies/:id", h.getCopy)

	// General endpoints
	r.GET("/requests/:id", h.getRequest)
	r.GET("/requests/:id/history", h.requestHistory)
	r.GET("/tickets/:ticket", h.resolveTicket)
	r.GET("/stats/requests", h.requestStats)
}

func throttle(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l != nil && !l.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many scans, slow down"})
			return
		}
		c.Next()
	}
}

// writeError maps the service error taxonomy onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	kind := services.KindOf(err)
	switch kind {
	case services.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": kind.String()})
	case services.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "kind": kind.String()})
	case services.KindConflict, services.KindInvalidState:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "kind": kind.String()})
	case services.KindInfrastructure:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, please retry", "kind": kind.String()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseID(c *gin.Context, param, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + what + " id"})
		return uuid.Nil, false
	}
	return id, true
}

// ─── Cart ─────────────────────────────────────────────────────────────────────

type addToCartRequest struct {
	BookID string `json:"book_id" binding:"required,uuid"`
}

func (h *LendingHandler) addToCart(c *gin.Context) {
	memberID, ok := parseID(c, "id", "member")
	if !ok {
		return
	}
	var req addToCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := h.carts.Add(c.Request.Context(), memberID, uuid.MustParse(req.BookID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *LendingHandler) listCart(c *gin.Context) {
	memberID, ok := parseID(c, "id", "member")
	if !ok {
		return
	}
	entries, err := h.carts.List(c.Request.Context(), memberID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *LendingHandler) removeFromCart(c *gin.Context) {
	memberID, ok := parseID(c, "id", "member")
	if !ok {
		return
	}
	bookID, ok := parseID(c, "bookId", "book")
	if !ok {
		return
	}
	if err := h.carts.Remove(c.Request.Context(), memberID, bookID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *LendingHandler) clearCart(c *gin.Context) {
	memberID, ok := parseID(c, "id", "member")
	if !ok {
		return
	}
	if err := h.carts.Clear(c.Request.Context(), memberID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ─── Requests ─────────────────────────────────────────────────────────────────

type createRequestBody struct {
	MemberID string      `json:"member_id"`
	BookIDs  []uuid.UUID `json:"book_ids"`
	Notes    string      `json:"notes"`
}

// createMemberRequest turns the listed books, or the whole cart when none are
// listed, into a pending request.
func (h *LendingHandler) createMemberRequest(c *gin.Context) {
	memberID, ok := parseID(c, "id", "member")
	if !ok {
		return
	}
	var body createRequestBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	bookIDs := body.BookIDs
	if len(bookIDs) == 0 {
		entries, err := h.carts.List(c.Request.Context(), memberID)
		if err != nil {
			writeError(c, err)
			return
		}
		for _, e := range entries {
			bookIDs = append(bookIDs, e.BookID)
		}
	}
	h.create(c, memberID, bookIDs, body.Notes)
}

// createRequest is the staff path that opens a request for a member directly.
func (h *LendingHandler) createRequest(c *gin.Context) {
	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	memberID, err := uuid.Parse(body.MemberID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid member id"})
		return
	}
	h.create(c, memberID, body.BookIDs, body.Notes)
}

func (h *LendingHandler) create(c *gin.Context, memberID uuid.UUID, bookIDs []uuid.UUID, notes string) {
	req, err := h.engine.CreateRequest(c.Request.Context(), memberID, bookIDs, notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (h *LendingHandler) listMemberRequests(c *gin.Context) {
	memberID, ok := parseID(c, "id", "member")
	if !ok {
		return
	}
	reqs, err := h.engine.ListMemberRequests(c.Request.Context(), memberID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reqs)
}

func (h *LendingHandler) getRequest(c *gin.Context) {
	id, ok := parseID(c, "id", "request")
	if !ok {
		return
	}
	req, err := h.engine.GetRequest(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *LendingHandler) requestHistory(c *gin.Context) {
	id, ok := parseID(c, "id", "request")
	if !ok {
		return
	}
	ts, err := h.engine.History(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ts)
}

func (h *LendingHandler) resolveTicket(c *gin.Context) {
	req, err := h.engine.ResolveTicket(c.Request.Context(), c.Param("ticket"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *LendingHandler) requestStats(c *gin.Context) {
	counts, err := h.engine.CountByStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

// ─── Staff Actions ────────────────────────────────────────────────────────────

type confirmItemRequest struct {
	BookID  string `json:"book_id" binding:"required,uuid"`
	Scan    string `json:"scan" binding:"required"`
	StaffID string `json:"staff_id" binding:"required,uuid"`
}

func (h *LendingHandler) confirmItem(c *gin.Context) {
	requestID, ok := parseID(c, "id", "request")
	if !ok {
		return
	}
	var req confirmItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	copyID, err := services.ParseCopyScan(req.Scan)
	if err != nil {
		writeError(c, err)
		return
	}

	item, err := h.engine.ConfirmItem(c.Request.Context(), requestID,
		uuid.MustParse(req.BookID), copyID, uuid.MustParse(req.StaffID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *LendingHandler) finalizeRequest(c *gin.Context) {
	id, ok := parseID(c, "id", "request")
	if !ok {
		return
	}
	req, err := h.engine.FinalizeConfirmation(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

type rejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *LendingHandler) rejectRequest(c *gin.Context) {
	id, ok := parseID(c, "id", "request")
	if !ok {
		return
	}
	var body rejectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := h.engine.Reject(c.Request.Context(), id, body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *LendingHandler) cancelRequest(c *gin.Context) {
	id, ok := parseID(c, "id", "request")
	if !ok {
		return
	}
	req, err := h.engine.Cancel(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

type returnCopyRequest struct {
	Scan string `json:"scan" binding:"required"`
}

func (h *LendingHandler) returnCopy(c *gin.Context) {
	var body returnCopyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	copyID, err := services.ParseCopyScan(body.Scan)
	if err != nil {
		writeError(c, err)
		return
	}
	req, err := h.engine.ReturnCopy(c.Request.Context(), copyID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// ─── Copies ───────────────────────────────────────────────────────────────────

type copyResponse struct {
	ID     string `json:"id"`
	BookID string `json:"book_id"`
	State  string `json:"state"`
	Label  string `json:"label"`
}

func (h *LendingHandler) registerCopy(c *gin.Context) {
	bookID, ok := parseID(c, "id", "book")
	if !ok {
		return
	}
	copy, err := h.copies.RegisterCopy(c.Request.Context(), bookID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, copyResponse{
		ID:     copy.ID.String(),
		BookID: copy.BookID.String(),
		State:  string(copy.State),
		Label:  services.FormatCopyScan(copy.ID),
	})
}

func (h *LendingHandler) getCopy(c *gin.Context) {
	copyID, ok := parseID(c, "id", "copy")
	if !ok {
		return
	}
	copy, err := h.copies.Get(c.Request.Context(), copyID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, copyResponse{
		ID:     copy.ID.String(),
		BookID: copy.BookID.String(),
		State:  string(copy.State),
		Label:  services.FormatCopyScan(copy.ID),
	})
}
