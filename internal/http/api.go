package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"piquante-api/internal/auth"
	"piquante-api/internal/domain"
	"piquante-api/internal/service"
)

const (
	defaultRequestTimeout = 5 * time.Second
	defaultMaxUploadBytes = 5 << 20
	defaultImagePath      = "/images"
)

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Authenticate(token string) (string, error)
}

// Options carries everything the HTTP layer depends on.
type Options struct {
	Sauces service.SauceService
	Votes  service.VoteService
	Users  service.UserService
	Tokens TokenVerifier
	Logger *logrus.Logger

	Limiter RateLimiter
	// RateLimit caps requests per client address, UserRateLimit requests
	// per account on authenticated routes. Both share RateWindow.
	RateLimit     int
	UserRateLimit int
	RateWindow    time.Duration

	RequestTimeout time.Duration
	MaxUploadBytes int64
	AllowOrigins   []string

	// ImageDir is served under ImagePath when images live on local disk.
	ImageDir  string
	ImagePath string
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	sauces service.SauceService
	votes  service.VoteService
	users  service.UserService
	tokens TokenVerifier
	log    *logrus.Logger

	limiter       RateLimiter
	ipRateLimit   int
	userRateLimit int
	rateWindow    time.Duration

	timeout      time.Duration
	maxUpload    int64
	allowOrigins []string
	imageDir     string
	imagePath    string
}

func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.ImagePath == "" {
		opts.ImagePath = defaultImagePath
	}
	return &Handler{
		sauces:        opts.Sauces,
		votes:         opts.Votes,
		users:         opts.Users,
		tokens:        opts.Tokens,
		log:           opts.Logger,
		limiter:       opts.Limiter,
		ipRateLimit:   opts.RateLimit,
		userRateLimit: opts.UserRateLimit,
		rateWindow:    opts.RateWindow,
		timeout:       opts.RequestTimeout,
		maxUpload:     opts.MaxUploadBytes,
		allowOrigins:  opts.AllowOrigins,
		imageDir:      opts.ImageDir,
		imagePath:     opts.ImagePath,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(h.accessLog(), securityHeaders(), cors.New(corsConfig(h.allowOrigins)), h.rateLimit(h.ipRateLimit, clientIPKey))

	if h.imageDir != "" {
		router.Static(h.imagePath, h.imageDir)
	}

	api := router.Group("/api", requestTimeout(h.timeout))
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		accounts := api.Group("/auth")
		accounts.POST("/signup", h.signup)
		accounts.POST("/login", h.login)

		sauces := api.Group("/sauces")
		sauces.GET("", h.listSauces)
		sauces.GET("/:id", h.getSauce)

		protected := sauces.Group("", h.requireAuth(), h.rateLimit(h.userRateLimit, userKey))
		protected.POST("", h.createSauce)
		protected.PUT("/:id", h.updateSauce)
		protected.DELETE("/:id", h.deleteSauce)
		protected.POST("/:id/like", h.voteSauce)
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "X-Requested-With", "Content", "Accept", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:        12 * time.Hour,
	}
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type voteRequest struct {
	UserID string `json:"userId"`
	Like   *int   `json:"like" binding:"required"`
}

func (h *Handler) signup(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	if _, err := h.users.Signup(c.Request.Context(), req.Email, req.Password); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "user created"})
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	res, err := h.users.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"userId": res.UserID, "token": res.Token})
}

func (h *Handler) listSauces(c *gin.Context) {
	sauces, err := h.sauces.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := make([]SauceResponse, len(sauces))
	for i := range sauces {
		resp[i] = sauceToResponse(c, &sauces[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getSauce(c *gin.Context) {
	sauce, err := h.sauces.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sauceToResponse(c, sauce))
}

func (h *Handler) createSauce(c *gin.Context) {
	userID := currentUserID(c)

	req, image, err := h.parseSauceForm(c, true)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer image.Close()

	if err := auth.CheckSubject(userID, req.UserID); err != nil {
		h.writeError(c, err)
		return
	}

	sauce, err := h.sauces.Create(c.Request.Context(), userID, req.input(), image.attachment())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "sauce saved", "sauce": sauceToResponse(c, sauce)})
}

func (h *Handler) updateSauce(c *gin.Context) {
	userID := currentUserID(c)

	var (
		req   sauceRequest
		image *upload
		err   error
	)
	if isMultipart(c) {
		req, image, err = h.parseSauceForm(c, false)
		if err != nil {
			h.writeError(c, err)
			return
		}
		defer image.Close()
	} else if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	if err := auth.CheckSubject(userID, req.UserID); err != nil {
		h.writeError(c, err)
		return
	}

	var attachment *service.Attachment
	if image != nil {
		a := image.attachment()
		attachment = &a
	}

	sauce, err := h.sauces.Update(c.Request.Context(), c.Param("id"), userID, req.input(), attachment)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "sauce updated", "sauce": sauceToResponse(c, sauce)})
}

func (h *Handler) deleteSauce(c *gin.Context) {
	if err := h.sauces.Delete(c.Request.Context(), c.Param("id"), currentUserID(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "sauce deleted"})
}

func (h *Handler) voteSauce(c *gin.Context) {
	userID := currentUserID(c)

	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := auth.CheckSubject(userID, req.UserID); err != nil {
		h.writeError(c, err)
		return
	}

	res, err := h.votes.ApplyVote(c.Request.Context(), c.Param("id"), userID, domain.Vote(*req.Like))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  voteMessage(domain.Vote(*req.Like), res.Outcome),
		"likes":    res.Sauce.Likes(),
		"dislikes": res.Sauce.Dislikes(),
	})
}

func voteMessage(vote domain.Vote, outcome domain.VoteOutcome) string {
	switch outcome {
	case domain.VoteRecorded:
		return vote.String() + " recorded"
	case domain.VoteSwitched:
		return "vote switched to " + vote.String()
	case domain.VoteRetracted:
		return "vote withdrawn"
	default:
		return "vote unchanged"
	}
}
