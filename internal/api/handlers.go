package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/store"
	"github.com/nhle/mailmirror/internal/syncback"
)

// status reports the worker identity and the accounts it currently
// holds.
func (s *Server) status(c *gin.Context) {
	accounts, err := s.scheduler.Assignments(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if accounts == nil {
		accounts = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"worker":   s.scheduler.WorkerID(),
		"accounts": accounts,
	})
}

func (s *Server) listAccounts(c *gin.Context) {
	accts, err := s.shared.ListAccounts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accts})
}

func (s *Server) getAccount(c *gin.Context) {
	acct, err := s.shared.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

type createAccountRequest struct {
	ID            string            `json:"id"`
	Email         string            `json:"email" binding:"required"`
	IMAPHost      string            `json:"imapHost" binding:"required"`
	IMAPPort      string            `json:"imapPort"`
	TLS           *bool             `json:"tls"`
	CredentialKey string            `json:"credentialKey"`
	Password      string            `json:"password"`
	SyncPolicy    *model.SyncPolicy `json:"syncPolicy"`
}

func (s *Server) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct := model.Account{
		ID:            req.ID,
		Email:         req.Email,
		IMAPHost:      req.IMAPHost,
		IMAPPort:      req.IMAPPort,
		TLS:           true,
		CredentialKey: req.CredentialKey,
		SyncPolicy:    model.DefaultSyncPolicy(),
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.IMAPPort == "" {
		acct.IMAPPort = "993"
	}
	if req.TLS != nil {
		acct.TLS = *req.TLS
	}
	if acct.CredentialKey == "" {
		acct.CredentialKey = acct.Email
	}
	if req.SyncPolicy != nil {
		acct.SyncPolicy = *req.SyncPolicy
	}
	// Store the secret first: an account row without a usable credential
	// would fail every dial.
	if req.Password != "" {
		if err := s.creds.Set(acct.CredentialKey, req.Password); err != nil {
			writeError(c, err)
			return
		}
	}
	if err := s.shared.CreateAccount(c.Request.Context(), &acct); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, acct)
}

// deleteAccount tears the account down: its worker stops, the claim and
// shared row go away, and the mirror database file is removed.
func (s *Server) deleteAccount(c *gin.Context) {
	id := c.Param("id")
	acct, err := s.shared.GetAccount(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	s.scheduler.StopAccount(id)
	if err := s.mirrors.Drop(id); err != nil {
		s.logger.WithError(err).WithField("account", id).Warn("closing mirror on teardown")
	}
	if err := s.shared.DeleteAccount(c.Request.Context(), id, s.mirrors.Path(id)); err != nil {
		writeError(c, err)
		return
	}
	if err := s.creds.Delete(acct.CredentialKey); err != nil {
		s.logger.WithError(err).WithField("account", id).Warn("removing credential on teardown")
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getSyncPolicy(c *gin.Context) {
	acct, err := s.shared.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct.SyncPolicy)
}

func (s *Server) putSyncPolicy(c *gin.Context) {
	var policy model.SyncPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.shared.UpdateSyncPolicy(c.Request.Context(), c.Param("id"), policy); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (s *Server) putAllSyncPolicies(c *gin.Context) {
	var policy model.SyncPolicy
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.shared.UpdateAllSyncPolicies(c.Request.Context(), policy); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

type markActiveRequest struct {
	Seconds int `json:"seconds"`
}

// markActive opens (or extends) the account's active window so the worker
// polls at the fast interval while a client is in the foreground.
func (s *Server) markActive(c *gin.Context) {
	var req markActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Seconds <= 0 {
		req.Seconds = 300
	}
	until := time.Now().Add(time.Duration(req.Seconds) * time.Second)
	if err := s.shared.MarkAccountActive(c.Request.Context(), c.Param("id"), until); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activeUntil": until.UTC().Format(time.RFC3339)})
}

type createSyncbackRequest struct {
	Type  string          `json:"type" binding:"required"`
	Props json.RawMessage `json:"props" binding:"required"`
}

func (s *Server) createSyncback(c *gin.Context) {
	mirror, ok := s.mirror(c)
	if !ok {
		return
	}
	var body createSyncbackRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := model.SyncbackRequest{
		ID:     uuid.NewString(),
		Type:   body.Type,
		Props:  body.Props,
		Status: model.SyncbackNew,
	}
	// Reject unknown types and malformed props before queueing.
	if _, err := syncback.NewTask(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := mirror.WithTx(c.Request.Context(), func(tx *store.Tx) error {
		return tx.CreateSyncbackRequest(req)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": req.ID, "status": req.Status})
}

func (s *Server) getSyncback(c *gin.Context) {
	mirror, ok := s.mirror(c)
	if !ok {
		return
	}
	req, err := mirror.GetSyncbackRequest(c.Request.Context(), c.Param("reqID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// cancelSyncback cancels a still-queued request. Requests already picked
// up or finished respond 409.
func (s *Server) cancelSyncback(c *gin.Context) {
	mirror, ok := s.mirror(c)
	if !ok {
		return
	}
	err := mirror.WithTx(c.Request.Context(), func(tx *store.Tx) error {
		return tx.CancelSyncbackRequest(c.Param("reqID"))
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("reqID"), "status": model.SyncbackCancelled})
}
