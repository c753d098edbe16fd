// Package router orchestrates one user turn: session resolution, rate
// limiting, intent classification, response-cache lookup, handler dispatch
// and auditing. It always returns a valid response and never panics through.
package router

import (
	"context"
	"time"

	"github.com/chatbuddy-io/chatbuddy/internal/agents"
	"github.com/chatbuddy-io/chatbuddy/internal/audit"
	"github.com/chatbuddy-io/chatbuddy/internal/cache"
	"github.com/chatbuddy-io/chatbuddy/internal/intent"
	. "github.com/chatbuddy-io/chatbuddy/internal/logging"
	"github.com/chatbuddy-io/chatbuddy/internal/ratelimit"
	"github.com/chatbuddy-io/chatbuddy/internal/respcache"
	"github.com/chatbuddy-io/chatbuddy/internal/session"
	"github.com/chatbuddy-io/chatbuddy/internal/webshop"
)

// Canned user-facing texts.
const (
	refusalText = "Túl sok kérést küldött rövid idő alatt. Kérjük, próbálja újra egy perc múlva."
	timeoutText = "Sajnálom, a válasz elkészítése túl sokáig tartott. Kérjük, próbálja újra."
)

// DefaultHandlerTimeout is the per-turn handler budget.
const DefaultHandlerTimeout = 30 * time.Second

// Options configures a Router.
type Options struct {
	HandlerTimeout time.Duration
}

// Router wires the turn pipeline together. All collaborators are injected;
// the router owns no background goroutines.
type Router struct {
	sessions   *session.Store
	limiter    *ratelimit.Limiter
	classifier *intent.Classifier
	responses  *respcache.Cache
	registry   *agents.Registry
	store      cache.Store
	shop       webshop.Client
	auditor    *audit.Logger
	timeout    time.Duration
}

// New builds a router.
func New(sessions *session.Store, limiter *ratelimit.Limiter, classifier *intent.Classifier,
	responses *respcache.Cache, registry *agents.Registry, store cache.Store,
	shop webshop.Client, auditor *audit.Logger, opts Options) *Router {

	timeout := opts.HandlerTimeout
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	return &Router{
		sessions:   sessions,
		limiter:    limiter,
		classifier: classifier,
		responses:  responses,
		registry:   registry,
		store:      store,
		shop:       shop,
		auditor:    auditor,
		timeout:    timeout,
	}
}

// Route processes one inbound turn. Exactly one handler sees the message,
// the returned handler kind always equals the classifier's decision, and
// exactly one audit record is written per exit path.
func (r *Router) Route(ctx context.Context, message, userID, sessionID string, userContext map[string]any) agents.Response {
	start := time.Now()

	sessionID = r.resolveSession(ctx, userID, sessionID)

	// Rate limit before any work is done on the turn.
	res, err := r.limiter.Check(ctx, userID, ratelimit.ScopeUser)
	if err != nil {
		// Limiter transport failure fails open.
		L_warn("router: rate limiter unavailable", "user", userID, "error", err)
	} else if !res.Allowed {
		resp := agents.Response{
			Text:        refusalText,
			Confidence:  0,
			HandlerKind: agents.KindGeneral,
			Metadata:    map[string]any{"error_type": "rate_limit_exceeded", "reset_in_seconds": int(res.ResetIn.Seconds())},
		}
		r.auditTurn(userID, sessionID, resp, start, false, "rate_limit_exceeded")
		return resp
	}

	decision := r.classifier.Classify(message)

	fingerprint := respcache.Fingerprint(decision.HandlerKind, message, userID, userContext)
	if cached, ok := r.responses.GetCachedAgentResponse(ctx, fingerprint); ok {
		r.auditTurn(userID, sessionID, cached, start, true, "")
		return cached
	}

	msg := agents.Message{
		Text:      message,
		UserID:    userID,
		SessionID: sessionID,
		Entities:  decision.Entities,
		Context:   userContext,
	}
	deps := agents.Deps{
		UserContext: userContext,
		Persistence: r.store,
		Webshop:     r.shop,
		Security:    agents.SecurityContext{UserID: userID, Authenticated: userID != ""},
		Audit:       r.auditor,
	}

	resp := r.dispatch(ctx, decision.HandlerKind, msg, deps)

	if resp.Confidence > 0 {
		if err := r.responses.CacheAgentResponse(ctx, fingerprint, resp); err != nil {
			L_warn("router: response cache store failed", "error", err)
		}
	}

	errType := ""
	if et, ok := resp.Metadata["error_type"].(string); ok {
		errType = et
	}
	r.auditTurn(userID, sessionID, resp, start, false, errType)
	return resp
}

// dispatch invokes the handler under the per-turn budget. Deadline expiry
// yields the canned timeout response with the classifier's kind preserved.
func (r *Router) dispatch(ctx context.Context, kind agents.Kind, msg agents.Message, deps agents.Deps) agents.Response {
	hctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan agents.Response, 1)
	go func() {
		done <- r.registry.Dispatch(hctx, kind, msg, deps)
	}()

	select {
	case resp := <-done:
		return resp
	case <-hctx.Done():
		L_warn("router: handler timeout", "kind", string(kind), "budget", r.timeout.String())
		return agents.Response{
			Text:        timeoutText,
			Confidence:  0,
			HandlerKind: kind,
			Metadata:    map[string]any{"error_type": "handler_timeout"},
		}
	}
}

// resolveSession loads the session or creates one for a first contact.
// Cache failures degrade to a sessionless turn.
func (r *Router) resolveSession(ctx context.Context, userID, sessionID string) string {
	if sessionID != "" {
		sess, err := r.sessions.GetSession(ctx, sessionID)
		if err != nil {
			L_warn("router: session lookup failed", "session", sessionID, "error", err)
			return sessionID
		}
		if sess != nil {
			return sessionID
		}
	}
	created, err := r.sessions.CreateSession(ctx, userID, "", "", "")
	if err != nil {
		L_warn("router: session create failed", "user", userID, "error", err)
		return sessionID
	}
	return created
}

func (r *Router) auditTurn(userID, sessionID string, resp agents.Response, start time.Time, cacheHit bool, errType string) {
	payload := map[string]any{
		"handler_kind": string(resp.HandlerKind),
		"confidence":   resp.Confidence,
		"latency_ms":   time.Since(start).Milliseconds(),
		"cache_hit":    cacheHit,
	}
	severity := audit.SeverityInfo
	kind := "turn_completed"
	if errType != "" {
		payload["error_type"] = errType
		severity = audit.SeverityWarning
		kind = "turn_degraded"
	}
	r.auditor.LogEvent(kind, severity, userID, sessionID, "router", payload)
}
