// Package app wires together the federation core's components and
// owns their lifecycle, generalizing the teacher's App
// (app/app.go): New/Initialize/Start/Shutdown, minus the SSH+TUI
// server (there is no per-process operator console anymore; the
// admin HTTP API in internal/web replaces it) and plus the delivery
// engine's background loop and the multi-domain resolver/outbox/inbox
// wiring the teacher's single-tenant app never needed.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/kodenet/fedicore/internal/apperr"
	"github.com/kodenet/fedicore/internal/broker"
	"github.com/kodenet/fedicore/internal/config"
	"github.com/kodenet/fedicore/internal/delivery"
	"github.com/kodenet/fedicore/internal/inbox"
	"github.com/kodenet/fedicore/internal/logging"
	"github.com/kodenet/fedicore/internal/model"
	"github.com/kodenet/fedicore/internal/outbox"
	"github.com/kodenet/fedicore/internal/resolver"
	"github.com/kodenet/fedicore/internal/sig"
	"github.com/kodenet/fedicore/internal/store"
	"github.com/kodenet/fedicore/internal/web"
)

// App holds every constructed component and the two HTTP servers
// built from them, mirroring the teacher's App struct shape
// (config/sshServer/httpServer/done) with the SSH server dropped and
// a second (admin) HTTP server added.
type App struct {
	cfg    *config.Config
	log    zerolog.Logger
	store  *store.Store
	broker *broker.InProcess

	delivery *delivery.Engine

	publicServer *http.Server
	adminServer  *http.Server

	deliveryCtx    context.Context
	deliveryCancel context.CancelFunc

	unsubscribeDelivery func()
}

// New constructs an App from cfg without opening any resource yet,
// matching the teacher's App.New/Initialize split.
func New(cfg *config.Config) *App {
	return &App{cfg: cfg, log: logging.New(cfg.LogLevel)}
}

// newHTTPClient returns the default outbound client every network-facing
// component shares, matching the teacher's NewDefaultHTTPClient
// timeout convention.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// signerAdapter implements resolver.Signer by reusing internal/sig
// directly, so the resolver needs no crypto of its own. The delivery
// engine does not use it; it signs with the identity keyLookup returns.
type signerAdapter struct {
	store *store.Store
}

// SignGET signs an authorized-fetch GET as the domain's instance
// actor, looking up its key by instanceActorID's PublicKeyID.
func (s signerAdapter) SignGET(req *http.Request, instanceActorID string) error {
	actor, err := s.store.GetActorByID(req.Context(), instanceActorID)
	if err != nil {
		return err
	}
	key, err := s.store.GetKey(req.Context(), actor.PublicKeyID)
	if err != nil {
		return err
	}
	priv, err := sig.ParsePrivateKey([]byte(key.PrivateKeyPem))
	if err != nil {
		return err
	}
	return sig.SignRequest(req, sig.SignParams{
		KeyID:      key.KeyID,
		Algorithm:  key.Algorithm,
		PrivateKey: priv,
		Components: []string{"@method", "@target-uri", "host", "date"},
	})
}

// deliveryNotifier implements outbox.Notifier by publishing onto the
// broker's activitypub.publish exchange, the bridge between
// internal/outbox's "a delivery row now exists" event and
// internal/delivery's wake channel.
type deliveryNotifier struct {
	br *broker.InProcess
}

func (n deliveryNotifier) Notify(ctx context.Context) {
	if err := n.br.Publish(ctx, broker.Message{Exchange: broker.ExchangeActivityPubPublish}); err != nil {
		_ = err // best-effort wake-up; the delivery engine's ticker is the correctness backstop
	}
}

// wakeFromBroker adapts a broker.Message stream into the bare
// struct{} signal channel delivery.Engine.SetWake expects, so
// internal/delivery stays free of any internal/broker dependency.
func wakeFromBroker(msgs <-chan broker.Message) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		for range msgs {
			select {
			case out <- struct{}{}:
			default:
			}
		}
		close(out)
	}()
	return out
}

// keyLookup resolves the SigningIdentity the delivery engine signs
// one queued item with, tracing activityID -> activity -> actor ->
// key the way the teacher's SendActivityWithDeps looks up its own
// signing key inline before every POST.
func keyLookup(st *store.Store) delivery.KeyLookup {
	return func(ctx context.Context, activityID string) (delivery.SigningIdentity, error) {
		act, err := st.GetActivityByURI(ctx, activityID)
		if err != nil {
			return delivery.SigningIdentity{}, err
		}
		actor, err := st.GetActorByID(ctx, act.ActorURI)
		if err != nil {
			return delivery.SigningIdentity{}, err
		}
		key, err := st.GetKey(ctx, actor.PublicKeyID)
		if err != nil {
			return delivery.SigningIdentity{}, err
		}
		priv, err := sig.ParsePrivateKey([]byte(key.PrivateKeyPem))
		if err != nil {
			return delivery.SigningIdentity{}, apperr.Wrap(apperr.MalformedRequest, "parsing signing key", err)
		}
		return delivery.SigningIdentity{KeyID: key.KeyID, Algorithm: key.Algorithm, PrivateKey: priv}, nil
	}
}

// Initialize opens the store, runs schema migration, and constructs
// every component plus both HTTP servers, matching the teacher's
// Initialize (migrations, then server construction) minus the SSH
// server and the PKCS#1/duplicate-follows/reply-count one-off data
// migrations, which have no equivalent in a freshly-modeled schema.
func (a *App) Initialize() error {
	st, err := store.Open(a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	a.store = st

	client := newHTTPClient()
	signer := signerAdapter{store: st}

	res := resolver.New(st, client, signer, "")

	prod := outbox.New(st, res)
	proc := inbox.New(st, res, prod)

	br := broker.NewInProcess(256, a.log.With().Str("component", "broker").Logger())
	a.broker = br
	prod.SetNotifier(deliveryNotifier{br: br})

	engCfg := delivery.DefaultConfig()
	engCfg.Workers = a.cfg.WorkerCount
	engCfg.MaxAttempts = a.cfg.RetryAttempts
	engCfg.BaseBackoff = time.Duration(a.cfg.RetryBaseMs) * time.Millisecond
	a.delivery = delivery.New(st, client, keyLookup(st), engCfg, a.log.With().Str("component", "delivery").Logger())

	wakeMsgs, unsubscribe := br.Subscribe(broker.ExchangeActivityPubPublish)
	a.unsubscribeDelivery = unsubscribe
	a.delivery.SetWake(wakeFromBroker(wakeMsgs))

	inboxHandler := web.NewInboxHandler(res, proc, a.log.With().Str("component", "inbox").Logger(), a.cfg.SignatureMaxAge)
	router := web.NewRouter(st, inboxHandler, prod, a.log.With().Str("component", "web").Logger())

	a.publicServer = &http.Server{Addr: a.cfg.BindAddress, Handler: router.Public()}
	a.adminServer = &http.Server{Addr: a.cfg.AdminBindAddress, Handler: router.Admin()}

	for _, d := range a.cfg.Domains {
		if err := st.UpsertDomain(context.Background(), &model.Domain{
			Name:                      d.Name,
			DisplayName:               d.DisplayName,
			ManuallyApprovesFollowers: d.ManuallyApprovesFollowers,
			CreatedAt:                 time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("seeding domain %s: %w", d.Name, err)
		}
	}

	return nil
}

// Start runs the delivery engine and both HTTP servers until ctx is
// cancelled, then shuts everything down gracefully. Grounded on the
// teacher's Start (goroutines for each server, blocking on a signal
// channel), generalized to a caller-supplied context instead of a
// package-level os/signal channel so cmd/fedicored owns signal
// handling.
func (a *App) Start(ctx context.Context) error {
	a.deliveryCtx, a.deliveryCancel = context.WithCancel(ctx)

	go func() {
		if err := a.delivery.Run(a.deliveryCtx); err != nil {
			a.log.Error().Err(err).Msg("delivery engine stopped with error")
		}
	}()

	errCh := make(chan error, 2)
	go func() {
		a.log.Info().Str("addr", a.cfg.BindAddress).Msg("starting public HTTP server")
		if err := a.publicServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("public server: %w", err)
		}
	}()
	go func() {
		a.log.Info().Str("addr", a.cfg.AdminBindAddress).Msg("starting admin HTTP server")
		if err := a.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.log.Error().Err(err).Msg("server error, shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops both HTTP servers, the delivery engine,
// and the broker, with a 30 second timeout matching the teacher's own
// Shutdown budget.
func (a *App) Shutdown() error {
	a.log.Info().Msg("initiating graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if err := a.publicServer.Shutdown(ctx); err != nil {
		a.log.Error().Err(err).Msg("public server shutdown error")
		shutdownErr = err
	}
	if err := a.adminServer.Shutdown(ctx); err != nil {
		a.log.Error().Err(err).Msg("admin server shutdown error")
		if shutdownErr == nil {
			shutdownErr = err
		}
	}
	if a.deliveryCancel != nil {
		a.deliveryCancel()
	}
	if a.unsubscribeDelivery != nil {
		a.unsubscribeDelivery()
	}
	if err := a.broker.Close(); err != nil {
		a.log.Error().Err(err).Msg("broker close error")
		if shutdownErr == nil {
			shutdownErr = err
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Error().Err(err).Msg("store close error")
		if shutdownErr == nil {
			shutdownErr = err
		}
	}

	a.log.Info().Msg("shutdown complete")
	return shutdownErr
}
