package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"refit/pkg/apperr"
	"refit/pkg/auth"
	"refit/pkg/eventbus"
	"refit/pkg/httpx"
	"refit/pkg/lockout"
	"refit/pkg/logging"
	"refit/pkg/metrics"
	"refit/pkg/order"
	"refit/pkg/payout"
	"refit/pkg/quote"
	"refit/pkg/ratelimit"
	"refit/pkg/stream"
	"refit/pkg/telemetry"
)

// Server holds everything the HTTP surface needs. Fields are wired in
// runSettled and replaced with memory-backed equivalents in tests.
type Server struct {
	Orders   *order.Service
	Issuer   *quote.Issuer
	Signer   *quote.Signer
	Nonces   *auth.NonceStore
	Wallets  *auth.WalletAuth
	Lockouts lockout.Guard
	Limits   *ratelimit.Policy
	Admin    *auth.AdminGate
	Identity *ratelimit.IdentityResolver
	Metrics  *metrics.Registry
	Events   *stream.Hub
	Bus      eventbus.Publisher

	CORSAllowedOrigins  httpx.Origins
	StreamOrigins       []string
	MaxRequestBodyBytes int64
	IdentitySalt        string
	BusTimeout          time.Duration
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORS(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeaders)
	r.Use(s.Metrics.Middleware)
	r.Use(telemetry.HTTPMiddleware("settled"))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "settled"})
	})
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.Limits.Middleware(ratelimit.ClassAuth)).Post("/auth/challenge", s.handleChallenge)
		r.With(s.Limits.Middleware(ratelimit.ClassAuth)).Post("/auth/verify", s.handleWalletVerify)

		r.With(s.Limits.Middleware(ratelimit.ClassQuote)).Post("/quotes", s.handleIssueQuote)
		r.With(s.Limits.Middleware(ratelimit.ClassQuote)).Post("/quotes/verify", s.handleVerifyQuote)

		r.With(s.Limits.Middleware(ratelimit.ClassStandard)).Post("/orders", s.handleCreateOrder)
		r.With(s.Limits.Middleware(ratelimit.ClassStandard)).Get("/orders/{id}", s.handleGetOrder)
		r.With(s.Limits.Middleware(ratelimit.ClassPayout)).Post("/orders/{id}/deposit", s.handleDeposit)

		r.Route("/shipping/orders/{id}", func(r chi.Router) {
			r.Use(s.Limits.Middleware(ratelimit.ClassWebhook))
			r.Use(s.Admin.Middleware)
			r.Post("/pending", s.handleShippingPending)
			r.Post("/shipped", s.handleShippingShipped)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.Admin.Middleware)
			r.Post("/orders/{id}/receive", s.handleReceive)
			r.Post("/orders/{id}/inspect", s.handleInspect)
			r.Post("/orders/{id}/approve", s.handleApprove)
			r.Post("/orders/{id}/reject", s.handleReject)
			r.With(s.Limits.Middleware(ratelimit.ClassPayout)).Post("/orders/{id}/pay", s.handlePay)
			r.Post("/unlock", s.handleUnlock)
			r.Method(http.MethodGet, "/stream", &stream.Handler{Hub: s.Events, OriginPatterns: s.StreamOrigins})
		})
	})
	return r
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// publishEvent fans a history entry out to stream subscribers and metrics.
func (s *Server) publishEvent(ev order.Event) {
	if s.Metrics != nil {
		s.Metrics.Transition(string(ev.From), string(ev.To))
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypeTransition, ev.OrderID, ev))
	}
}

// publishSettled is called off the request path after a payout completes.
// Delivery is best-effort; the order record is already final.
func (s *Server) publishSettled(st order.Settled) {
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypeSettled, st.OrderID, st))
	}
	if s.Bus == nil {
		return
	}
	msg, err := eventbus.SettledMessage(st)
	if err != nil {
		slog.Error("encode settled event", "order_id", st.OrderID, "error", err)
		return
	}
	timeout := s.BusTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Bus.Publish(ctx, msg); err != nil {
		slog.Error("publish settled event", "order_id", st.OrderID, "tx_signature", st.TxSignature, "error", err)
	}
}

func (s *Server) actor(r *http.Request, fallback string) order.Actor {
	addr := s.Identity.Resolve(r)
	id := fallback
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.Subject != "" {
		id = p.Subject
	}
	return order.Actor{ID: id, Addr: addr}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("body_too_large", "request body too large")
		}
		if errors.Is(err, io.EOF) {
			return apperr.Validation("empty_body", "request body required")
		}
		return apperr.Validation("invalid_body", "invalid request body")
	}
	return nil
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	c, err := s.Nonces.Issue(r.Context())
	if err != nil {
		httpx.WriteError(w, apperr.Upstream("issue challenge", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleWalletVerify(w http.ResponseWriter, r *http.Request) {
	var req auth.VerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	actor := s.Identity.Resolve(r)
	p, err := s.Wallets.Verify(r.Context(), actor, req)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindAuth:
			s.Metrics.AuthFailed("wallet")
		case apperr.KindLocked:
			s.Metrics.Locked("wallet")
		}
		slog.Warn("wallet verification failed", "actor", logging.HashIdentity(s.IdentitySalt, actor), "error", err)
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"verified": true, "walletAddress": p.Subject})
}

type quoteResponse struct {
	quote.Quote
	Signature string             `json:"signature"`
	Breakdown []quote.Adjustment `json:"breakdown"`
}

func (s *Server) handleIssueQuote(w http.ResponseWriter, r *http.Request) {
	var req quote.PriceRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	issued, err := s.Issuer.Issue(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, quoteResponse{Quote: issued.Quote, Signature: issued.Signature, Breakdown: issued.Breakdown})
}

func (s *Server) handleVerifyQuote(w http.ResponseWriter, r *http.Request) {
	var req quote.SignedQuote
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := s.Signer.VerifyComplete(req.Quote, req.Signature); err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"valid": true, "expiresAt": req.Quote.ExpiresAt})
}

type createOrderRequest struct {
	Quote         quote.Quote `json:"quote"`
	Signature     string      `json:"signature"`
	WalletAddress string      `json:"walletAddress"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	o, err := s.Orders.Create(r.Context(), order.CreateRequest{
		Quote:         req.Quote,
		Signature:     req.Signature,
		WalletAddress: req.WalletAddress,
		Actor:         s.actor(r, "customer"),
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

type depositRequest struct {
	TxSignature   string          `json:"txSignature"`
	ClaimedAmount decimal.Decimal `json:"claimedAmount"`
	SenderWallet  string          `json:"senderWallet"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	actor := s.actor(r, strings.TrimSpace(req.SenderWallet))
	o, res, err := s.Orders.AdmitDeposit(r.Context(), chi.URLParam(r, "id"), order.DepositClaim{
		TxSignature:   req.TxSignature,
		ClaimedAmount: req.ClaimedAmount,
		SenderWallet:  req.SenderWallet,
	}, actor)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"order": o, "verification": res})
}

type notesRequest struct {
	Notes string `json:"notes"`
}

// decodeOptional accepts an empty body for endpoints whose payload is
// entirely optional.
func decodeOptional(r *http.Request, v any) error {
	err := decodeJSON(r, v)
	if e, ok := apperr.As(err); ok && e.Code == "empty_body" {
		return nil
	}
	return err
}

func (s *Server) transition(fn func(ctx context.Context, id string, actor order.Actor, notes string) (*order.Order, error), actorID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req notesRequest
		if err := decodeOptional(r, &req); err != nil {
			httpx.WriteError(w, err)
			return
		}
		o, err := fn(r.Context(), chi.URLParam(r, "id"), s.actor(r, actorID), req.Notes)
		if err != nil {
			httpx.WriteError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, o)
	}
}

func (s *Server) handleShippingPending(w http.ResponseWriter, r *http.Request) {
	s.transition(s.Orders.MarkPendingShipment, "shipping")(w, r)
}

func (s *Server) handleShippingShipped(w http.ResponseWriter, r *http.Request) {
	s.transition(s.Orders.MarkShipped, "shipping")(w, r)
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	s.transition(s.Orders.MarkReceived, "admin")(w, r)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.transition(s.Orders.ApprovePayment, "admin")(w, r)
}

type inspectRequest struct {
	Condition string `json:"condition"`
	Notes     string `json:"notes"`
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req inspectRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	o, err := s.Orders.MarkInspected(r.Context(), chi.URLParam(r, "id"), req.Condition, s.actor(r, "admin"), req.Notes)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	o, err := s.Orders.Reject(r.Context(), chi.URLParam(r, "id"), s.actor(r, "admin"), req.Reason)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	o, res, err := s.Orders.Pay(r.Context(), chi.URLParam(r, "id"), s.actor(r, "admin"))
	if err != nil {
		if res.Signature != "" {
			w.Header().Set("X-Payout-Signature", res.Signature)
		}
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"signature":   res.Signature,
		"explorerUrl": res.ExplorerURL,
		"order":       o,
	})
}

type unlockRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	target := strings.TrimSpace(req.Actor)
	if target == "" {
		httpx.WriteError(w, apperr.Validation("actor_required", "actor is required"))
		return
	}
	if err := s.Lockouts.Unlock(r.Context(), target); err != nil {
		httpx.WriteError(w, apperr.Upstream("unlock actor", err))
		return
	}
	slog.Info("actor unlocked", "actor", logging.HashIdentity(s.IdentitySalt, target))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"unlocked": true})
}

// payoutsDisabled stands in for the executor when no custody key is
// configured. Pay releases its claim on this error.
type payoutsDisabled struct{}

func (payoutsDisabled) Payout(context.Context, payout.Request) (payout.Result, error) {
	return payout.Result{}, apperr.Upstream("payouts disabled", errors.New("no custody key configured"))
}
