// Package proxy is the relay's request orchestrator.
//
// The Gateway receives an Anthropic Messages request, collapses concurrent
// duplicates, resolves the candidate providers for the requested model, and
// forwards the request — translating to the OpenAI chat format where the
// target requires it and failing over to the next candidate on qualifying
// failures.
//
// Key design constraints:
//   - No blocking I/O before the provider call on the hot path.
//   - Metrics, request logger, dedup and OAuth are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
//   - Streaming bodies are produced by a detached goroutine that survives
//     the owner's disconnect while subscribers remain.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/claude-relay/internal/cache"
	"github.com/nulpointcorp/claude-relay/internal/config"
	"github.com/nulpointcorp/claude-relay/internal/dedup"
	"github.com/nulpointcorp/claude-relay/internal/logger"
	"github.com/nulpointcorp/claude-relay/internal/metrics"
	"github.com/nulpointcorp/claude-relay/internal/oauth"
	"github.com/nulpointcorp/claude-relay/internal/translate"
	"github.com/nulpointcorp/claude-relay/internal/upstream"
	"github.com/nulpointcorp/claude-relay/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const routeMessages = "messages"

// Options holds the Gateway's collaborators. Store is required; everything
// else has a working default or is optional.
type Options struct {
	Health   *upstream.Health
	Selector *upstream.Selector
	Caller   *upstream.Caller
	Limiter  *upstream.Limiter

	// OAuth resolves credentials for providers with auth_value "oauth".
	OAuth *oauth.Manager

	// Dedup collapses concurrent identical requests; Results retains their
	// terminal payloads for the remainder of the dedup window.
	Dedup   *dedup.Registry
	Results cache.Store

	Logger        *slog.Logger
	Metrics       *metrics.Registry
	RequestLogger *logger.Logger
}

// Gateway is the orchestrator — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	store    *config.Store
	health   *upstream.Health
	selector *upstream.Selector
	caller   *upstream.Caller
	limiter  *upstream.Limiter
	tokens   *oauth.Manager
	registry *dedup.Registry
	results  cache.Store
	log      *slog.Logger
	metrics  *metrics.Registry
	reqLog   *logger.Logger

	// cls caches the failure classifier compiled for the current snapshot.
	cls atomic.Pointer[classifierCache]
}

type classifierCache struct {
	snap *config.Snapshot
	cls  *upstream.Classifier
}

// NewGateway creates a Gateway over the given config store.
func NewGateway(store *config.Store, opts Options) *Gateway {
	if store == nil {
		panic("proxy: config store must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	health := opts.Health
	if health == nil {
		health = upstream.NewHealth()
	}
	selector := opts.Selector
	if selector == nil {
		selector = upstream.NewSelector(health)
	}
	caller := opts.Caller
	if caller == nil {
		caller = upstream.NewCaller()
	}

	health.Sync(store.Snapshot())

	return &Gateway{
		store:    store,
		health:   health,
		selector: selector,
		caller:   caller,
		limiter:  opts.Limiter,
		tokens:   opts.OAuth,
		registry: opts.Dedup,
		results:  opts.Results,
		log:      log,
		metrics:  opts.Metrics,
		reqLog:   opts.RequestLogger,
	}
}

// classifier returns the failure classifier for snap, compiling it once per
// snapshot.
func (g *Gateway) classifier(snap *config.Snapshot) *upstream.Classifier {
	if cached := g.cls.Load(); cached != nil && cached.snap == snap {
		return cached.cls
	}
	cls := upstream.NewClassifier(&snap.Settings)
	g.cls.Store(&classifierCache{snap: snap, cls: cls})
	return cls
}

// ── POST /v1/messages ─────────────────────────────────────────────────────────

func (g *Gateway) handleMessages(fctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := fctx.UserValue("request_id").(string)

	// The body must outlive the handler for streaming: fasthttp reuses its
	// buffers once the handler returns.
	body := append([]byte(nil), fctx.PostBody()...)

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	streamDetached := false
	defer func() {
		if g.metrics == nil || streamDetached {
			return // the stream writer finalises its own metrics
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeMessages, fctx.Response.StatusCode(), time.Since(start),
			len(body), len(fctx.Response.Body()))
	}()

	// 1. Parse request body.
	req, err := translate.ParseRequest(body)
	if err != nil {
		apierr.Write(fctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, err.Error())
		return
	}

	snap := g.store.Snapshot()
	set := &snap.Settings

	g.log.InfoContext(fctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	// 2. Deduplication: replay a stored terminal result, join an in-flight
	// owner, or claim ownership.
	var handle *dedup.Handle
	fp := ""
	if g.registry != nil && set.DeduplicationEnabled {
		fp, handle = g.beginDedup(fctx, body, set)
		if fp != "" && handle == nil {
			// Served from the terminal-result window.
			g.logRequest(reqID, req, "", "replay", fctx.Response.StatusCode(),
				logger.RoleReplay, 0, 0, 0, start)
			return
		}
		if handle != nil && handle.Role() == dedup.RoleSubscriber {
			g.recordDedup(logger.RoleSubscriber)
			if req.Stream {
				streamDetached = g.serveStreamSubscriber(fctx, handle, set, reqID, req, start, len(body))
			} else {
				g.serveSubscriber(fctx, handle, set, reqID, req, start)
			}
			return
		}
		if handle != nil {
			g.recordDedup(logger.RoleOwner)
		}
	}

	// 3. Resolve candidates for the requested model.
	candidates, err := g.selector.Select(req.Model, snap)
	if err != nil {
		g.failDedup(handle, err)
		writeSelectError(fctx, err)
		g.logRequest(reqID, req, "", "no_provider", fctx.Response.StatusCode(),
			roleOf(handle), 0, 0, 0, start)
		return
	}

	// 4. Forward, streaming or buffered.
	if req.Stream {
		streamDetached = g.serveStreamOwner(fctx, snap, req, body, candidates, handle, fp, reqID, start)
		return
	}

	result, served, failovers, uerr := g.forward(fctx, snap, req, body, candidates, clientCredential(fctx), betaHeader(fctx))
	if uerr != nil {
		g.failDedup(handle, uerr)
		uerr.write(fctx)
		g.logRequest(reqID, req, served, "upstream_error", uerr.status,
			roleOf(handle), failovers, 0, 0, start)
		return
	}

	g.completeDedup(fctx, handle, fp, result, set)
	fctx.SetStatusCode(result.Status)
	fctx.SetContentType(result.ContentType)
	fctx.SetBody(result.Body)

	in, out := usageOf(result.Body)
	if g.metrics != nil {
		g.metrics.AddTokens(served, in, out)
	}
	g.logRequest(reqID, req, served, "ok", result.Status, roleOf(handle), failovers, in, out, start)
}

// beginDedup checks the terminal-result window and claims or joins the
// in-flight entry. Returns ("", nil) when the body cannot be fingerprinted,
// (fp, nil) when the request was served from the window, and (fp, handle)
// otherwise.
func (g *Gateway) beginDedup(fctx *fasthttp.RequestCtx, body []byte, set *config.Settings) (string, *dedup.Handle) {
	fp, err := dedup.Fingerprint(body, set.IncludeMaxTokensInSignature)
	if err != nil {
		return "", nil
	}

	if g.results != nil {
		if raw, ok := g.results.Get(fctx, fp); ok {
			if g.metrics != nil {
				g.metrics.DedupStoreGetHit()
				g.metrics.RecordDedup(logger.RoleReplay)
			}
			var stored storedResult
			if jsonErr := json.Unmarshal(raw, &stored); jsonErr == nil {
				fctx.SetStatusCode(stored.Status)
				fctx.SetContentType(stored.ContentType)
				fctx.SetBody(stored.Body)
				return fp, nil
			}
		} else if g.metrics != nil {
			g.metrics.DedupStoreGetMiss()
		}
	}

	return fp, g.registry.Begin(fp)
}

// serveSubscriber delivers the owner's terminal result to a buffered
// duplicate.
func (g *Gateway) serveSubscriber(fctx *fasthttp.RequestCtx, h *dedup.Handle, set *config.Settings, reqID string, req *translate.MessagesRequest, start time.Time) {
	waitCtx, cancel := context.WithTimeout(fctx, set.RequestTimeout)
	defer cancel()

	result, err := h.Await(waitCtx)
	if err != nil {
		status := fasthttp.StatusBadGateway
		var uerr *upstreamError
		if errors.As(err, &uerr) {
			uerr.write(fctx)
		} else if errors.Is(err, context.DeadlineExceeded) {
			apierr.WriteTimeout(fctx, "timed out waiting for the in-flight duplicate")
			status = fasthttp.StatusGatewayTimeout
		} else {
			apierr.Write(fctx, status, apierr.TypeAPIError, err.Error())
		}
		g.logRequest(reqID, req, "", "dedup_error", status, logger.RoleSubscriber, 0, 0, 0, start)
		return
	}

	fctx.SetStatusCode(result.Status)
	fctx.SetContentType(result.ContentType)
	fctx.SetBody(result.Body)
	in, out := usageOf(result.Body)
	g.logRequest(reqID, req, "", "ok", result.Status, logger.RoleSubscriber, 0, in, out, start)
}

// ── Upstream walk ─────────────────────────────────────────────────────────────

// upstreamError is a provider failure mapped for the client. For Anthropic
// providers the body is the upstream payload verbatim; otherwise an
// Anthropic error envelope is synthesised.
type upstreamError struct {
	status      int
	contentType string
	body        []byte
	message     string
}

func (e *upstreamError) Error() string { return e.message }

func (e *upstreamError) write(fctx *fasthttp.RequestCtx) {
	if len(e.body) > 0 {
		fctx.SetStatusCode(e.status)
		fctx.SetContentType(e.contentType)
		fctx.SetBody(e.body)
		return
	}
	apierr.Write(fctx, e.status, apierr.TypeForStatus(e.status), e.message)
}

// forward walks the candidate list until one attempt succeeds or a
// non-qualifying failure must be surfaced verbatim.
func (g *Gateway) forward(
	ctx context.Context,
	snap *config.Snapshot,
	req *translate.MessagesRequest,
	body []byte,
	candidates []upstream.Candidate,
	inboundCred, beta string,
) (result *dedup.Result, served string, failovers int, uerr *upstreamError) {
	cls := g.classifier(snap)
	var last *upstreamError

	for i, cand := range candidates {
		result, reason, attemptErr := g.attempt(ctx, &snap.Settings, req, body, cand, cls, inboundCred, beta)
		if attemptErr == nil {
			g.health.RecordSuccess(cand.Provider.Name)
			g.selector.MarkSuccess(cand.Provider.Name)
			g.publishHealth(snap)
			return result, cand.Provider.Name, i, nil
		}

		last = attemptErr
		served = cand.Provider.Name
		if reason == "" {
			// Non-qualifying: auth, validation, client cancel. Retrying
			// another provider cannot help.
			return nil, served, i, attemptErr
		}

		unhealthy := g.health.RecordFailure(cand.Provider.Name, &snap.Settings)
		g.publishHealth(snap)
		if g.metrics != nil {
			g.metrics.RecordError(cand.Provider.Name, reason)
		}
		g.log.WarnContext(ctx, "upstream_failure",
			slog.String("provider", cand.Provider.Name),
			slog.String("reason", reason),
			slog.Bool("unhealthy", unhealthy),
			slog.Int("attempt", i+1),
		)
		if i+1 < len(candidates) && g.metrics != nil {
			g.metrics.RecordFailover(cand.Provider.Name, candidates[i+1].Provider.Name, reason)
		}
	}

	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(routeMessages)
	}
	if last == nil {
		last = &upstreamError{status: fasthttp.StatusBadGateway, message: "no candidate providers"}
	}
	return nil, served, len(candidates) - 1, last
}

// attempt issues one buffered upstream call. reason is non-empty when the
// failure qualifies for health counting and failover.
func (g *Gateway) attempt(
	ctx context.Context,
	set *config.Settings,
	req *translate.MessagesRequest,
	body []byte,
	cand upstream.Candidate,
	cls *upstream.Classifier,
	inboundCred, beta string,
) (*dedup.Result, string, *upstreamError) {
	outBody, cred, uerr := g.prepare(req, body, cand, inboundCred, false)
	if uerr != nil {
		return nil, "", uerr
	}

	release, err := g.acquire(ctx, cand.Provider.Name)
	if err != nil {
		return nil, "", &upstreamError{status: fasthttp.StatusServiceUnavailable, message: err.Error()}
	}
	defer release()

	upCtx, cancel := context.WithTimeout(ctx, set.RequestTimeout)
	defer cancel()

	attemptStart := time.Now()
	resp, err := g.caller.Do(upCtx, &upstream.Request{
		Provider:   cand.Provider,
		Path:       upstream.EndpointPath(cand.Provider.Type, false),
		Body:       outBody,
		Credential: cred,
		BetaHeader: beta,
	})
	if err != nil {
		reason, qualifies := cls.Transport(err)
		g.observeAttempt(cand.Provider.Name, orOutcome(reason, "client_cancel"), attemptStart)
		uerr := &upstreamError{status: fasthttp.StatusBadGateway, message: err.Error()}
		if errors.Is(err, context.DeadlineExceeded) {
			uerr.status = fasthttp.StatusGatewayTimeout
		}
		if !qualifies {
			reason = ""
		}
		return nil, reason, uerr
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		reason, qualifies := cls.Transport(err)
		g.observeAttempt(cand.Provider.Name, orOutcome(reason, "client_cancel"), attemptStart)
		if !qualifies {
			reason = ""
		}
		return nil, reason, &upstreamError{status: fasthttp.StatusBadGateway, message: err.Error()}
	}

	if resp.StatusCode != fasthttp.StatusOK {
		reason, qualifies := cls.Status(resp.StatusCode)
		g.observeAttempt(cand.Provider.Name, orOutcome(reason, fmt.Sprintf("http_%d", resp.StatusCode)), attemptStart)
		if !qualifies {
			reason = ""
		}
		return nil, reason, upstreamErrorFrom(cand, resp.StatusCode, respBody)
	}

	// A 200 whose body matches a failure pattern still counts against the
	// provider.
	if reason, bad := cls.Body(respBody); bad {
		g.observeAttempt(cand.Provider.Name, reason, attemptStart)
		return nil, reason, &upstreamError{
			status:  fasthttp.StatusBadGateway,
			message: fmt.Sprintf("provider %s returned an error payload", cand.Provider.Name),
		}
	}

	g.observeAttempt(cand.Provider.Name, "success", attemptStart)

	if cand.Provider.Type == config.ProviderTypeAnthropic {
		return &dedup.Result{Status: fasthttp.StatusOK, ContentType: "application/json", Body: respBody}, "", nil
	}

	parsed, err := translate.ParseOpenAIResponse(respBody)
	if err != nil {
		return nil, "", &upstreamError{
			status:  fasthttp.StatusBadGateway,
			message: fmt.Sprintf("provider %s: %s", cand.Provider.Name, err.Error()),
		}
	}
	out, err := json.Marshal(translate.FromOpenAIResponse(parsed, req.Model))
	if err != nil {
		return nil, "", &upstreamError{status: fasthttp.StatusInternalServerError, message: "failed to serialize response"}
	}
	return &dedup.Result{Status: fasthttp.StatusOK, ContentType: "application/json", Body: out}, "", nil
}

// prepare builds the outbound body and resolves the credential for one
// candidate.
func (g *Gateway) prepare(req *translate.MessagesRequest, body []byte, cand upstream.Candidate, inboundCred string, stream bool) ([]byte, string, *upstreamError) {
	cred, err := g.credential(cand.Provider, inboundCred)
	if err != nil {
		return nil, "", &upstreamError{status: fasthttp.StatusServiceUnavailable, message: err.Error()}
	}

	if cand.Provider.Type == config.ProviderTypeAnthropic {
		out := body
		if cand.Model != req.Model {
			out = rewriteModel(body, cand.Model)
		}
		return out, cred, nil
	}

	chatReq, err := translate.ToOpenAIRequest(req, cand.Model)
	if err != nil {
		return nil, "", &upstreamError{status: fasthttp.StatusBadRequest, message: err.Error()}
	}
	chatReq.Stream = stream
	if stream {
		chatReq.StreamOptions = &translate.StreamOptions{IncludeUsage: true}
	}
	out, err := json.Marshal(chatReq)
	if err != nil {
		return nil, "", &upstreamError{status: fasthttp.StatusInternalServerError, message: "failed to serialize upstream request"}
	}
	return out, cred, nil
}

// credential resolves the auth value for one provider, honouring the
// "oauth" and "passthrough" sentinels.
func (g *Gateway) credential(spec config.ProviderSpec, inboundCred string) (string, error) {
	switch spec.AuthValue {
	case config.AuthValueOAuth:
		if g.tokens == nil {
			return "", fmt.Errorf("provider %s requires OAuth but no token manager is configured", spec.Name)
		}
		token, _, err := g.tokens.IssueToken()
		if err != nil {
			return "", fmt.Errorf("provider %s: %w", spec.Name, err)
		}
		return token, nil
	case config.AuthValuePassthrough:
		if inboundCred == "" {
			return "", fmt.Errorf("provider %s forwards the client credential but none was sent", spec.Name)
		}
		return inboundCred, nil
	default:
		return spec.AuthValue, nil
	}
}

func (g *Gateway) acquire(ctx context.Context, provider string) (func(), error) {
	if g.limiter == nil {
		return func() {}, nil
	}
	return g.limiter.Acquire(ctx, provider)
}

// upstreamErrorFrom maps a non-200 upstream response for the client.
// Anthropic payloads pass through verbatim; everything else is wrapped in an
// Anthropic error envelope.
func upstreamErrorFrom(cand upstream.Candidate, status int, body []byte) *upstreamError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	e := &upstreamError{
		status:  status,
		message: fmt.Sprintf("provider %s returned %d: %s", cand.Provider.Name, status, msg),
	}
	if cand.Provider.Type == config.ProviderTypeAnthropic && json.Valid(body) {
		e.contentType = "application/json"
		e.body = body
	}
	return e
}

// ── Dedup bookkeeping ─────────────────────────────────────────────────────────

// storedResult is the JSON document kept in the terminal-result store for
// the remainder of the dedup window.
type storedResult struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

func (g *Gateway) completeDedup(ctx context.Context, h *dedup.Handle, fp string, result *dedup.Result, set *config.Settings) {
	if h != nil {
		g.registry.Complete(h, result)
	}
	g.storeResult(ctx, fp, result, set)
}

func (g *Gateway) storeResult(ctx context.Context, fp string, result *dedup.Result, set *config.Settings) {
	if g.results == nil || fp == "" {
		return
	}
	raw, err := json.Marshal(storedResult{
		Status:      result.Status,
		ContentType: result.ContentType,
		Body:        result.Body,
	})
	if err != nil {
		return
	}
	if err := g.results.Set(ctx, fp, raw, set.DeduplicationTTL); err != nil {
		if g.metrics != nil {
			g.metrics.DedupStoreSetError()
		}
		return
	}
	if g.metrics != nil {
		g.metrics.DedupStoreSetOK()
	}
}

func (g *Gateway) failDedup(h *dedup.Handle, err error) {
	if h != nil {
		g.registry.Fail(h, err)
	}
}

func (g *Gateway) recordDedup(role string) {
	if g.metrics != nil {
		g.metrics.RecordDedup(role)
	}
}

func roleOf(h *dedup.Handle) string {
	if h == nil {
		return logger.RoleNone
	}
	return h.Role().String()
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func writeSelectError(fctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, upstream.ErrNoRoute):
		apierr.Write(fctx, fasthttp.StatusNotFound, apierr.TypeNotFound, err.Error())
	case errors.Is(err, upstream.ErrAllUnhealthy):
		apierr.Write(fctx, fasthttp.StatusServiceUnavailable, apierr.TypeOverloadedError, err.Error())
	default:
		apierr.Write(fctx, fasthttp.StatusBadGateway, apierr.TypeAPIError, err.Error())
	}
}

// clientCredential extracts the inbound credential: x-api-key first, then
// the Authorization bearer token.
func clientCredential(fctx *fasthttp.RequestCtx) string {
	if v := fctx.Request.Header.Peek("x-api-key"); len(v) > 0 {
		return string(v)
	}
	return parseBearerToken(string(fctx.Request.Header.Peek("Authorization")))
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func betaHeader(fctx *fasthttp.RequestCtx) string {
	return string(fctx.Request.Header.Peek("anthropic-beta"))
}

// rewriteModel replaces the model field in a raw request body. On any parse
// failure the body is forwarded unchanged.
func rewriteModel(body []byte, model string) []byte {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return body
	}
	enc, err := json.Marshal(model)
	if err != nil {
		return body
	}
	raw["model"] = enc
	out, err := json.Marshal(raw)
	if err != nil {
		return body
	}
	return out
}

// usageOf extracts token usage from a response payload, best effort.
func usageOf(body []byte) (in, out int) {
	var partial struct {
		Usage translate.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &partial); err != nil {
		return 0, 0
	}
	return partial.Usage.InputTokens, partial.Usage.OutputTokens
}

func (g *Gateway) observeAttempt(provider, outcome string, start time.Time) {
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(provider, outcome, time.Since(start))
	}
}

func orOutcome(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

func (g *Gateway) publishHealth(snap *config.Snapshot) {
	if g.metrics == nil {
		return
	}
	for _, st := range g.health.Status(snap) {
		g.metrics.SetProviderHealth(st.Name, st.Healthy, st.ErrorCount)
	}
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	reqID string,
	req *translate.MessagesRequest,
	provider, outcome string,
	status int,
	role string,
	failovers, inputTokens, outputTokens int,
	start time.Time,
) {
	if g.reqLog == nil {
		return
	}

	id, err := uuid.Parse(reqID)
	if err != nil {
		id = uuid.New()
	}
	latency := time.Since(start).Milliseconds()
	if latency > int64(^uint32(0)) {
		latency = int64(^uint32(0))
	}

	g.reqLog.Log(logger.RequestLog{
		ID:           id,
		ClientModel:  req.Model,
		Provider:     provider,
		Outcome:      outcome,
		Status:       uint16(status),
		Streaming:    req.Stream,
		DedupRole:    role,
		Failovers:    uint8(min(failovers, 255)),
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    uint32(latency),
		CreatedAt:    time.Now(),
	})
}
