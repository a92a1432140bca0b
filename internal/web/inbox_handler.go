package web

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kodenet/fedicore/internal/apperr"
	"github.com/kodenet/fedicore/internal/inbox"
	"github.com/kodenet/fedicore/internal/model"
	"github.com/kodenet/fedicore/internal/sig"
)

// SignatureResolver is the subset of resolver.Resolver the HTTP layer
// needs to look up a signer's public key before verification.
type SignatureResolver interface {
	ResolveByURI(ctx context.Context, actorID string) (*model.Actor, error)
}

// Processor runs the verified activity through the state machine.
type Processor interface {
	Handle(ctx context.Context, req inbox.VerifiedRequest, now time.Time) error
}

// defaultVerifyConcurrency bounds how many RSA/ECDSA/Ed25519 signature
// verifications run at once across all inbound requests, so a burst of
// deliveries cannot let the most CPU-expensive algorithm (RSA) starve
// every other inbox-handling goroutine of CPU time.
const defaultVerifyConcurrency = 16

// InboxHandler wires net/http concerns (body limits, header
// extraction, RFC 9421 verification against the real *http.Request)
// in front of internal/inbox.Processor, whose Handle is HTTP-agnostic
// by design. Grounded on the teacher's HandleInbox call sites in
// web/router.go (POST /users/:actor/inbox and the shared POST /inbox).
type InboxHandler struct {
	resolver  SignatureResolver
	processor Processor
	log       zerolog.Logger
	maxAge    time.Duration
	verify    *sig.VerifyPool
}

func NewInboxHandler(resolver SignatureResolver, processor Processor, log zerolog.Logger, maxAge time.Duration) *InboxHandler {
	return &InboxHandler{resolver: resolver, processor: processor, log: log, maxAge: maxAge, verify: sig.NewVerifyPool(defaultVerifyConcurrency)}
}

// Handle serves POST /users/:actor/inbox and the shared POST /inbox.
// targetActorID identifies the local inbox owner (empty for the
// shared inbox, where internal/inbox derives routing from addressing).
func (h *InboxHandler) Handle(targetActorID func(c *gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}

		sigInput := c.GetHeader("Signature-Input")
		sigHeader := c.GetHeader("Signature")
		if sigInput == "" || sigHeader == "" {
			c.Status(http.StatusUnauthorized)
			return
		}

		keyID, err := sig.KeyIDFromHeader(sigInput)
		if err != nil {
			c.Status(http.StatusUnauthorized)
			return
		}
		algo, err := sig.AlgorithmFromHeader(sigInput)
		if err != nil {
			c.Status(http.StatusUnauthorized)
			return
		}

		ctx := c.Request.Context()
		signerActorID := strings.SplitN(keyID, "#", 2)[0]
		signer, err := h.resolver.ResolveByURI(ctx, signerActorID)
		if err != nil {
			h.log.Warn().Err(err).Str("actor", signerActorID).Msg("inbox: could not resolve signer")
			c.Status(http.StatusUnauthorized)
			return
		}

		pub, err := sig.ParsePublicKey([]byte(signer.PublicKeyPem))
		if err != nil {
			c.Status(http.StatusUnauthorized)
			return
		}

		c.Request.Body = io.NopCloser(strings.NewReader(string(body)))
		c.Request.URL.Scheme = "https"
		if c.Request.URL.Host == "" {
			c.Request.URL.Host = c.Request.Host
		}
		now := time.Now().UTC()
		if err := h.verify.Verify(ctx, c.Request, body, pub, algo, now, sig.RequiredComponents); err != nil {
			h.log.Warn().Err(err).Msg("inbox: signature verification failed")
			status := http.StatusUnauthorized
			if apperr.Is(err, apperr.SignatureExpired) {
				status = http.StatusUnauthorized
			}
			c.Status(status)
			return
		}

		err = h.processor.Handle(ctx, inbox.VerifiedRequest{
			Body:            body,
			SignatureInput:  sigInput,
			Signature:       sigHeader,
			TargetActorID:   targetActorID(c),
			SignatureMaxAge: h.maxAge,
		}, now)
		if err != nil {
			h.log.Error().Err(err).Msg("inbox: processing failed")
			c.Status(httpStatus(err))
			return
		}
		c.Status(http.StatusAccepted)
	}
}

// httpStatus maps the apperr taxonomy to the HTTP status code the
// public surface returns, the generalized counterpart of the
// teacher's ad-hoc c.Status(4xx) calls scattered through router.go.
func httpStatus(err error) int {
	switch apperr.KindOf(err) {
	case apperr.MalformedRequest:
		return http.StatusBadRequest
	case apperr.SignatureMissing, apperr.SignatureInvalid, apperr.SignatureExpired, apperr.SignatureReplay, apperr.ActorMismatch, apperr.NotAuthorized:
		return http.StatusUnauthorized
	case apperr.ActorNotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.RemoteFetchFailed, apperr.StoreUnavailable, apperr.BrokerUnavailable:
		return http.StatusServiceUnavailable
	case apperr.Idempotent:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}
