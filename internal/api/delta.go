package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nhle/mailmirror/internal/feed"
)

const (
	deltaPageSize       = 200
	defaultDeltaTimeout = 30 * time.Second
	maxDeltaTimeout     = 10 * time.Minute
)

func (s *Server) latestDelta(c *gin.Context) {
	mirror, ok := s.mirror(c)
	if !ok {
		return
	}
	cursor, err := feed.New(mirror).Latest(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cursor": cursor})
}

// streamDelta replays committed changes after the client's cursor as
// NDJSON, then keeps the connection open long-polling for more until the
// timeout elapses or the client goes away. Each line carries its cursor,
// so a dropped connection resumes exactly where it left off.
func (s *Server) streamDelta(c *gin.Context) {
	mirror, ok := s.mirror(c)
	if !ok {
		return
	}
	f := feed.New(mirror)

	cursor, err := s.resolveCursor(c, f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timeout := defaultDeltaTimeout
	if raw := c.Query("timeout"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timeout must be a positive integer of seconds"})
			return
		}
		timeout = time.Duration(secs) * time.Second
		if timeout > maxDeltaTimeout {
			timeout = maxDeltaTimeout
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	flusher, _ := c.Writer.(http.Flusher)

	for {
		txns, err := f.Next(ctx, cursor, deltaPageSize)
		if err != nil {
			// Timeout and client disconnect both end the stream cleanly.
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			s.logger.WithError(err).Warn("delta stream aborted")
			return
		}
		for _, txn := range txns {
			if err := enc.Encode(txn); err != nil {
				return
			}
			cursor = txn.Cursor
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// resolveCursor reads the starting position from ?cursor=N, or resolves
// ?since=<RFC3339> for first-time consumers. No parameter means replay
// from the beginning.
func (s *Server) resolveCursor(c *gin.Context, f *feed.Feed) (int64, error) {
	if raw := c.Query("cursor"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor < 0 {
			return 0, errors.New("cursor must be a non-negative integer")
		}
		return cursor, nil
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return 0, errors.New("since must be an RFC 3339 timestamp")
		}
		return f.CursorAt(c.Request.Context(), since)
	}
	return 0, nil
}
