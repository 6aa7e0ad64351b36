package api

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shineum/smtp-sink-lite/internal/ingest"
	"github.com/shineum/smtp-sink-lite/internal/message"
	"github.com/shineum/smtp-sink-lite/internal/store"
)

// keepAliveInterval is how often an idle event stream gets a comment line.
const keepAliveInterval = 30 * time.Second

func (h *handler) health(c *gin.Context) {
	if h.redis != nil {
		if err := h.redis.Ping(c.Request.Context()); err != nil {
			slog.Warn("health check: redis unreachable", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) listMessages(c *gin.Context) {
	msgs, err := h.store.List(c.Request.Context())
	if err != nil {
		slog.Error("failed to list messages", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if msgs == nil {
		msgs = []*message.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *handler) createMessage(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	msg, err := h.ingester.Ingest(c.Request.Context(), raw)
	if err != nil {
		if errors.Is(err, ingest.ErrRejected) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *handler) deleteAll(c *gin.Context) {
	if err := h.store.DeleteAll(c.Request.Context()); err != nil {
		slog.Error("failed to delete messages", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// lookup resolves the :id parameter. It writes the error response and
// returns false when the message cannot be served.
func (h *handler) lookup(c *gin.Context) (*message.Message, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return nil, false
	}

	msg, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return nil, false
		}
		slog.Error("failed to load message", "message_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return msg, true
}

func (h *handler) getMessage(c *gin.Context) {
	msg, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *handler) getSource(c *gin.Context) {
	msg, ok := h.lookup(c)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "message/rfc822", msg.Source)
}

func (h *handler) getHTML(c *gin.Context) {
	msg, ok := h.lookup(c)
	if !ok {
		return
	}
	if msg.HTML == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "message has no html part"})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(*msg.HTML))
}

func (h *handler) getPlain(c *gin.Context) {
	msg, ok := h.lookup(c)
	if !ok {
		return
	}
	if msg.Plain == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "message has no plain part"})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(*msg.Plain))
}

func (h *handler) getPart(c *gin.Context) {
	msg, ok := h.lookup(c)
	if !ok {
		return
	}
	att, ok := msg.Attachment(c.Param("cid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))
	c.Data(http.StatusOK, att.ContentType(), att.Body)
}

func (h *handler) deleteMessage(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		slog.Error("failed to delete message", "message_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type releaseRequest struct {
	To []string `json:"to"`
}

func (h *handler) release(c *gin.Context) {
	if h.relay == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no relay provider configured"})
		return
	}

	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.To) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one recipient is required"})
		return
	}

	msg, ok := h.lookup(c)
	if !ok {
		return
	}

	if err := h.relay.Send(c.Request.Context(), msg, req.To); err != nil {
		slog.Error("failed to release message",
			"message_id", *msg.ID,
			"provider", h.relay.Name(),
			"error", err,
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	slog.Info("message released",
		"message_id", *msg.ID,
		"provider", h.relay.Name(),
		"recipients", req.To,
	)
	c.JSON(http.StatusOK, gin.H{"status": "released", "provider": h.relay.Name()})
}

// events streams every MessageEvent to the client as Server-Sent Events.
// A "ready" event confirms the subscription.
func (h *handler) events(c *gin.Context) {
	if h.broker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream disabled"})
		return
	}

	events, cancel := h.broker.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"subscribers": h.broker.Subscribers()})
	c.Writer.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return true
		case <-ticker.C:
			io.WriteString(w, ": keep-alive\n\n")
			return true
		}
	})
}
