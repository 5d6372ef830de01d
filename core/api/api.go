// Package api exposes the engine over HTTP with gin.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Pindano/chamagov/core"
	"github.com/Pindano/chamagov/core/intake"
	"github.com/Pindano/chamagov/core/lifecycle"
	"github.com/Pindano/chamagov/core/types"
	"github.com/Pindano/chamagov/core/voting"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Engine is the part of *core.Engine the API serves.
type Engine interface {
	SubmitProposal(ctx context.Context, chamaID, creatorID string, t intake.Template) (*core.ProposalResult, error)
	CastVote(ctx context.Context, req voting.Request) (*voting.Result, error)
	ExecuteProposal(ctx context.Context, proposalID, memberID string) (*core.ProposalResult, error)
	ProposalStatus(ctx context.Context, proposalID string) (*lifecycle.Result, error)
	Backlog(ctx context.Context) (*core.Backlog, error)
	RetryBacklog(ctx context.Context) (int, error)
}

var _ Engine = (*core.Engine)(nil)

type Server struct {
	engine   Engine
	gatherer prometheus.Gatherer
	logger   logrus.FieldLogger
	router   *gin.Engine
}

func NewServer(engine Engine, gatherer prometheus.Gatherer, logger logrus.FieldLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:   engine,
		gatherer: gatherer,
		logger:   logger,
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery(), s.logRequests)
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.router
	r.POST("/chamas/:id/proposals", s.submitProposal)
	r.GET("/proposals/:id", s.proposalStatus)
	r.POST("/proposals/:id/votes", s.castVote)
	r.POST("/proposals/:id/execute", s.executeProposal)
	r.GET("/backlog", s.backlog)
	r.POST("/backlog/retry", s.retryBacklog)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Infof("api listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.WithFields(logrus.Fields{
		"method":  c.Request.Method,
		"path":    c.FullPath(),
		"status":  c.Writer.Status(),
		"elapsed": time.Since(start).String(),
	}).Debug("http request")
}

type proposalReq struct {
	CreatorID   string             `json:"creator_id" binding:"required"`
	Type        types.ProposalType `json:"type" binding:"required"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Fields      map[string]string  `json:"fields"`
}

func (s *Server) submitProposal(c *gin.Context) {
	var req proposalReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.engine.SubmitProposal(c.Request.Context(), c.Param("id"), req.CreatorID, intake.Template{
		Type:        req.Type,
		Title:       req.Title,
		Description: req.Description,
		Fields:      req.Fields,
	})
	if err != nil {
		s.fail(c, err, partial(res))
		return
	}
	c.JSON(http.StatusCreated, res)
}

type voteReq struct {
	MemberID string           `json:"member_id" binding:"required"`
	Choice   types.VoteChoice `json:"choice" binding:"required"`
}

func (s *Server) castVote(c *gin.Context) {
	var req voteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.engine.CastVote(c.Request.Context(), voting.Request{
		ProposalID: c.Param("id"),
		MemberID:   req.MemberID,
		Choice:     req.Choice,
	})
	if err != nil {
		s.fail(c, err, partial(res))
		return
	}
	c.JSON(http.StatusOK, res)
}

type executeReq struct {
	MemberID string `json:"member_id" binding:"required"`
}

func (s *Server) executeProposal(c *gin.Context) {
	var req executeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.engine.ExecuteProposal(c.Request.Context(), c.Param("id"), req.MemberID)
	if err != nil {
		s.fail(c, err, partial(res))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) proposalStatus(c *gin.Context) {
	res, err := s.engine.ProposalStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) backlog(c *gin.Context) {
	res, err := s.engine.Backlog(c.Request.Context())
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) retryBacklog(c *gin.Context) {
	n, err := s.engine.RetryBacklog(c.Request.Context())
	body := gin.H{"completed": n}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// StatusCode maps an engine error to the HTTP status returned for it.
func StatusCode(err error) int {
	switch types.KindOf(err) {
	case types.KindValidation:
		return http.StatusUnprocessableEntity
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConfirmationTimeout:
		return http.StatusAccepted
	case types.KindSubmissionRejected, types.KindTransactionReverted, types.KindNotYetConfirmed,
		types.KindWrongState, types.KindAlreadyVoted, types.KindNoVotingPower, types.KindConflictingWrite:
		return http.StatusConflict
	case types.KindBlobStore:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func partial[T any](r *T) any {
	if r == nil {
		return nil
	}
	return r
}

// fail writes err along with whatever partial result the engine returned, so
// a timed out submission still reports its transaction hash.
func (s *Server) fail(c *gin.Context, err error, result any) {
	code := StatusCode(err)
	body := gin.H{
		"error": err.Error(),
		"kind":  types.KindOf(err).String(),
	}
	var e *types.Error
	if errors.As(err, &e) && len(e.Fields) > 0 {
		body["fields"] = e.Fields
	}
	if ws, ok := voting.WrongState(err); ok {
		body["ledger_state"] = ws.State.String()
		body["reason"] = ws.Reason
		if ws.OpensAtBlock != 0 {
			body["opens_at_block"] = ws.OpensAtBlock
		}
	}
	if result != nil {
		body["result"] = result
	}
	if code == http.StatusInternalServerError {
		s.logger.WithField("path", c.FullPath()).Errorf("request failed: %s", err)
	}
	c.JSON(code, body)
}
