package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"creatorhub-settlement/pkg/errutil"
	"creatorhub-settlement/services/settlement"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxBodyBytes bounds webhook payload size. Processor events are small; a
// larger body is not one of ours.
const maxBodyBytes = 1 << 20

// Processor is the settlement entry point the handler hands verified events
// to.
type Processor interface {
	Process(ctx context.Context, ev settlement.ProcessorEvent, payload []byte) error
}

type Handler struct {
	verifier   *Verifier
	settlement Processor
}

func NewHandler(verifier *Verifier, processor Processor) *Handler {
	return &Handler{verifier: verifier, settlement: processor}
}

// HandleWebhook is the single ingress endpoint. Responses tell the processor
// gateway what to do with the delivery: 2xx stops redelivery, 400 rejects a
// request that will never verify, and 5xx asks for another attempt.
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, errJSON(errutil.BadRequest("failed to read request body", err)))
		return
	}
	if len(body) > maxBodyBytes {
		c.JSON(http.StatusBadRequest, errJSON(errutil.BadRequest("request body too large", nil)))
		return
	}

	if err := h.verifier.Verify(body, c.GetHeader(SignatureHeader)); err != nil {
		zap.L().Warn("rejected webhook delivery",
			zap.String("remote_addr", c.ClientIP()),
			zap.Error(err))
		c.JSON(http.StatusBadRequest, errJSON(errutil.BadRequest("invalid webhook signature", err)))
		return
	}

	ev, err := ParseEvent(body)
	if err != nil {
		if errors.Is(err, ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		c.JSON(http.StatusBadRequest, errJSON(errutil.ValidationFailed("malformed event payload", err)))
		return
	}

	if err := h.settlement.Process(c.Request.Context(), ev, body); err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) {
			c.JSON(be.Code.HTTPStatus(), be.JSON())
			return
		}
		c.JSON(http.StatusServiceUnavailable, errJSON(errutil.ServiceUnavailable("settlement failed", err)))
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func errJSON(err error) any {
	var be errutil.BaseError
	if errors.As(err, &be) {
		return be.JSON()
	}
	return gin.H{"error": gin.H{"message": err.Error()}}
}
