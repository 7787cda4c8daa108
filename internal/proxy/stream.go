package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nulpointcorp/claude-relay/internal/broadcast"
	"github.com/nulpointcorp/claude-relay/internal/config"
	"github.com/nulpointcorp/claude-relay/internal/dedup"
	"github.com/nulpointcorp/claude-relay/internal/logger"
	"github.com/nulpointcorp/claude-relay/internal/translate"
	"github.com/nulpointcorp/claude-relay/internal/upstream"
	"github.com/nulpointcorp/claude-relay/pkg/apierr"
	"github.com/valyala/fasthttp"
)

var (
	errStreamIdle  = errors.New("stream idle timeout: no upstream data")
	errStreamTotal = errors.New("stream total timeout exceeded")
)

// serveStreamOwner walks the candidates, committing to the first one whose
// stream survives the lookahead. Before the first byte is flushed a failing
// candidate is handled like any other failover; after the commit the
// producer goroutine owns the upstream and errors become inline SSE error
// events. Returns true when a stream writer has taken over the response.
func (g *Gateway) serveStreamOwner(
	fctx *fasthttp.RequestCtx,
	snap *config.Snapshot,
	req *translate.MessagesRequest,
	body []byte,
	candidates []upstream.Candidate,
	h *dedup.Handle,
	fp, reqID string,
	start time.Time,
) bool {
	set := &snap.Settings
	cls := g.classifier(snap)
	inboundCred := clientCredential(fctx)
	beta := betaHeader(fctx)

	var last *upstreamError
	for i, cand := range candidates {
		outBody, cred, uerr := g.prepare(req, body, cand, inboundCred, true)
		if uerr != nil {
			last = uerr
			break
		}

		release, err := g.acquire(fctx, cand.Provider.Name)
		if err != nil {
			last = &upstreamError{status: fasthttp.StatusServiceUnavailable, message: err.Error()}
			break
		}

		// The upstream context is detached from the client so the stream
		// survives an owner disconnect while subscribers remain. The
		// broadcaster cancels it once nobody is listening.
		upCtx, cancelUpstream := context.WithCancel(context.Background())

		attemptStart := time.Now()
		resp, err := g.caller.Do(upCtx, &upstream.Request{
			Provider:   cand.Provider,
			Path:       upstream.EndpointPath(cand.Provider.Type, false),
			Body:       outBody,
			Credential: cred,
			BetaHeader: beta,
			Stream:     true,
		})
		if err != nil {
			cancelUpstream()
			release()
			reason, qualifies := cls.Transport(err)
			g.observeAttempt(cand.Provider.Name, orOutcome(reason, "client_cancel"), attemptStart)
			last = &upstreamError{status: fasthttp.StatusBadGateway, message: err.Error()}
			if !qualifies {
				break
			}
			g.recordStreamFailure(fctx, snap, cand, candidates, i, reason)
			continue
		}

		if resp.StatusCode != fasthttp.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			resp.Body.Close()
			cancelUpstream()
			release()
			reason, qualifies := cls.Status(resp.StatusCode)
			g.observeAttempt(cand.Provider.Name, orOutcome(reason, fmt.Sprintf("http_%d", resp.StatusCode)), attemptStart)
			last = upstreamErrorFrom(cand, resp.StatusCode, respBody)
			if !qualifies {
				break
			}
			g.recordStreamFailure(fctx, snap, cand, candidates, i, reason)
			continue
		}

		// Lookahead: read the first event before flushing anything to the
		// client. An upstream that errors before its first byte is still a
		// failover candidate, not a client-visible failure.
		br := bufio.NewReader(resp.Body)
		first, ferr := awaitFirstEvent(br, set.StreamingIdleTimeout)
		if ferr != nil || streamEventIsError(first) {
			resp.Body.Close()
			cancelUpstream()
			release()
			g.observeAttempt(cand.Provider.Name, "stream_lookahead", attemptStart)
			last = &upstreamError{
				status:  fasthttp.StatusBadGateway,
				message: fmt.Sprintf("provider %s failed before the first stream event", cand.Provider.Name),
			}
			g.recordStreamFailure(fctx, snap, cand, candidates, i, "stream_lookahead")
			continue
		}

		g.observeAttempt(cand.Provider.Name, "success", attemptStart)

		b := broadcast.New(set.SubscriberBacklogMax, cancelUpstream)
		if h != nil {
			g.registry.AttachStream(h, b)
		}

		prod := &producer{
			g:           g,
			ctx:         upCtx,
			body:        resp.Body,
			br:          br,
			bcast:       b,
			cand:        cand,
			snap:        snap,
			set:         set,
			release:     release,
			handle:      h,
			fp:          fp,
			reqID:       reqID,
			req:         req,
			failovers:   i,
			start:       start,
			clientModel: req.Model,
		}
		go prod.run(first)

		return g.serveStream(fctx, b, true, start, len(body))
	}

	if last == nil {
		last = &upstreamError{status: fasthttp.StatusBadGateway, message: "no candidate providers"}
	}
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(routeMessages)
	}
	g.failDedup(h, last)
	last.write(fctx)
	g.logRequest(reqID, req, "", "upstream_error", last.status, roleOf(h), len(candidates)-1, 0, 0, start)
	return false
}

func (g *Gateway) recordStreamFailure(ctx context.Context, snap *config.Snapshot, cand upstream.Candidate, candidates []upstream.Candidate, i int, reason string) {
	unhealthy := g.health.RecordFailure(cand.Provider.Name, &snap.Settings)
	g.publishHealth(snap)
	if g.metrics != nil {
		g.metrics.RecordError(cand.Provider.Name, reason)
		if i+1 < len(candidates) {
			g.metrics.RecordFailover(cand.Provider.Name, candidates[i+1].Provider.Name, reason)
		}
	}
	g.log.WarnContext(ctx, "upstream_failure",
		slog.String("provider", cand.Provider.Name),
		slog.String("reason", reason),
		slog.Bool("unhealthy", unhealthy),
		slog.Int("attempt", i+1),
	)
}

// serveStreamSubscriber attaches a duplicate to the owner's broadcaster.
func (g *Gateway) serveStreamSubscriber(
	fctx *fasthttp.RequestCtx,
	h *dedup.Handle,
	set *config.Settings,
	reqID string,
	req *translate.MessagesRequest,
	start time.Time,
	reqBytes int,
) bool {
	waitCtx, cancel := context.WithTimeout(fctx, set.RequestTimeout)
	defer cancel()

	stream, result, err := h.AwaitStream(waitCtx)
	if err != nil {
		var uerr *upstreamError
		if errors.As(err, &uerr) {
			uerr.write(fctx)
		} else if errors.Is(err, context.DeadlineExceeded) {
			apierr.WriteTimeout(fctx, "timed out waiting for the in-flight duplicate stream")
		} else {
			apierr.Write(fctx, fasthttp.StatusBadGateway, apierr.TypeAPIError, err.Error())
		}
		g.logRequest(reqID, req, "", "dedup_error", fctx.Response.StatusCode(), logger.RoleSubscriber, 0, 0, 0, start)
		return false
	}

	if stream == nil {
		// Owner reached a terminal state without ever attaching a stream.
		if result != nil {
			fctx.SetStatusCode(result.Status)
			fctx.SetContentType(result.ContentType)
			fctx.SetBody(result.Body)
		} else {
			apierr.Write(fctx, fasthttp.StatusBadGateway, apierr.TypeAPIError, "duplicate owner finished without a result")
		}
		g.logRequest(reqID, req, "", "ok", fctx.Response.StatusCode(), logger.RoleSubscriber, 0, 0, 0, start)
		return false
	}

	b, ok := stream.(*broadcast.Broadcaster)
	if !ok {
		apierr.Write(fctx, fasthttp.StatusInternalServerError, apierr.TypeAPIError, "unexpected stream handle")
		return false
	}

	attached := g.serveStream(fctx, b, false, start, reqBytes)
	if attached {
		g.logRequest(reqID, req, "", "ok", fasthttp.StatusOK, logger.RoleSubscriber, 0, 0, 0, start)
	}
	return attached
}

// serveStream subscribes to the broadcaster and pumps chunks to the client.
// Errors that arrive after the first flush are emitted as an inline SSE
// error event; the HTTP status is already committed at that point.
func (g *Gateway) serveStream(fctx *fasthttp.RequestCtx, b *broadcast.Broadcaster, primary bool, start time.Time, reqBytes int) bool {
	sub, err := b.Subscribe()
	if err != nil {
		apierr.Write(fctx, fasthttp.StatusServiceUnavailable, apierr.TypeOverloadedError,
			"stream can no longer be joined from the start")
		if primary {
			b.PrimaryDone()
		}
		return false
	}

	if g.metrics != nil {
		g.metrics.SubscriberAttached()
	}

	fctx.SetStatusCode(fasthttp.StatusOK)
	fctx.SetContentType("text/event-stream")
	fctx.Response.Header.Set("Cache-Control", "no-cache")
	fctx.Response.Header.Set("Connection", "keep-alive")

	fctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer func() {
			sub.Close()
			if primary {
				b.PrimaryDone()
			}
			if g.metrics != nil {
				g.metrics.SubscriberDetached(sub.Reason())
				g.metrics.DecInFlight()
				g.metrics.ObserveHTTP(routeMessages, fasthttp.StatusOK, time.Since(start), reqBytes, 0)
			}
		}()

		for {
			chunk, err := sub.Next(context.Background())
			if err != nil {
				if !errors.Is(err, io.EOF) {
					writeStreamError(w, err)
				}
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return // client gone
			}
		}
	})
	return true
}

func writeStreamError(w *bufio.Writer, err error) {
	errType := apierr.TypeAPIError
	switch {
	case errors.Is(err, errStreamIdle), errors.Is(err, errStreamTotal):
		errType = apierr.TypeTimeoutError
	case errors.Is(err, broadcast.ErrSlowSubscriber):
		errType = apierr.TypeOverloadedError
	}
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", apierr.Body(errType, err.Error()))
	w.Flush() //nolint:errcheck
}

// ── Producer ──────────────────────────────────────────────────────────────────

// producer owns one committed upstream stream: it reads event blocks,
// translates them when the provider speaks the OpenAI chat format, publishes
// through the broadcaster and enforces the idle and total timeouts.
type producer struct {
	g           *Gateway
	ctx         context.Context
	body        io.ReadCloser
	br          *bufio.Reader
	bcast       *broadcast.Broadcaster
	cand        upstream.Candidate
	snap        *config.Snapshot
	set         *config.Settings
	release     func()
	handle      *dedup.Handle
	fp          string
	reqID       string
	req         *translate.MessagesRequest
	failovers   int
	start       time.Time
	clientModel string
}

func (p *producer) run(first []byte) {
	defer p.release()
	defer p.body.Close()

	var tr *translate.StreamTranslator
	if p.cand.Provider.Type != config.ProviderTypeAnthropic {
		tr = translate.NewStreamTranslator(p.clientModel)
	}

	// The reader delivers every block before its terminal error: it records
	// the error, then closes blocks. Receivers drain all buffered blocks
	// first, so the final events of a stream are never lost to the shutdown.
	blocks := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			block, err := readEventBlock(p.br)
			if len(block) > 0 {
				select {
				case blocks <- block:
				case <-p.ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				close(blocks)
				return
			}
		}
	}()

	idle := time.NewTimer(p.set.StreamingIdleTimeout)
	total := time.NewTimer(p.set.StreamingTotalTimeout)
	defer idle.Stop()
	defer total.Stop()

	var termErr error
	done := p.handleBlock(tr, first)
	for !done && termErr == nil {
		select {
		case block, ok := <-blocks:
			if !ok {
				if err := <-readErr; errors.Is(err, io.EOF) {
					done = true
				} else {
					termErr = err
				}
				continue
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.set.StreamingIdleTimeout)
			done = p.handleBlock(tr, block)
		case <-idle.C:
			termErr = errStreamIdle
		case <-total.C:
			termErr = errStreamTotal
		case <-p.ctx.Done():
			// Nobody is listening anymore.
			termErr = p.ctx.Err()
		}
	}

	// An OpenAI upstream that closes without [DONE] still gets a proper
	// Anthropic terminal sequence.
	if termErr == nil && tr != nil && !tr.Finished() {
		for _, ev := range tr.Finish() {
			p.bcast.Publish(ev.Encode())
		}
	}

	p.settle(termErr)
}

// handleBlock publishes one upstream event block and reports whether the
// stream reached its terminal event.
func (p *producer) handleBlock(tr *translate.StreamTranslator, block []byte) bool {
	if len(block) == 0 {
		return false
	}
	if tr == nil {
		// Anthropic upstream: pass-through.
		p.bcast.Publish(block)
		return bytes.Contains(block, []byte("event: message_stop"))
	}

	done := false
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if bytes.Equal(payload, []byte("[DONE]")) {
			for _, ev := range tr.Finish() {
				p.bcast.Publish(ev.Encode())
			}
			done = true
			continue
		}
		chunk, err := translate.ParseChunk(payload)
		if err != nil {
			continue // tolerate keep-alives and vendor extensions
		}
		for _, ev := range tr.Next(chunk) {
			p.bcast.Publish(ev.Encode())
		}
	}
	return done
}

// settle records the terminal outcome: health, dedup, the terminal-result
// window and the request log.
func (p *producer) settle(termErr error) {
	name := p.cand.Provider.Name
	ctx := context.Background()

	if termErr == nil {
		p.bcast.Finish(nil)
		p.g.health.RecordSuccess(name)
		p.g.selector.MarkSuccess(name)
		p.g.publishHealth(p.snap)

		result := &dedup.Result{Status: fasthttp.StatusOK, ContentType: "text/event-stream"}
		if backlog := p.bcast.Backlog(); backlog != nil {
			result.Body = bytes.Join(backlog, nil)
			p.g.storeResult(ctx, p.fp, result, p.set)
		}
		if p.handle != nil {
			p.g.registry.Complete(p.handle, result)
		}
		p.g.logRequest(p.reqID, p.req, name, "ok", fasthttp.StatusOK,
			roleOf(p.handle), p.failovers, 0, 0, p.start)
		return
	}

	p.bcast.Finish(termErr)
	if p.handle != nil {
		p.g.registry.Fail(p.handle, termErr)
	}

	// Timeouts and mid-stream transport failures count against the
	// provider; a cancel because every listener left does not.
	if !errors.Is(termErr, context.Canceled) {
		p.g.health.RecordFailure(name, p.set)
		p.g.publishHealth(p.snap)
		if p.g.metrics != nil {
			p.g.metrics.RecordError(name, streamFailureReason(termErr))
		}
	}

	p.g.log.Warn("stream_terminated",
		slog.String("provider", name),
		slog.String("error", termErr.Error()),
	)
	p.g.logRequest(p.reqID, p.req, name, "stream_error", fasthttp.StatusOK,
		roleOf(p.handle), p.failovers, 0, 0, p.start)
}

func streamFailureReason(err error) string {
	switch {
	case errors.Is(err, errStreamIdle):
		return "stream_idle_timeout"
	case errors.Is(err, errStreamTotal):
		return "stream_total_timeout"
	default:
		return "stream_transport"
	}
}

// ── SSE framing ───────────────────────────────────────────────────────────────

// readEventBlock reads one SSE event (up to and including its blank-line
// terminator) from the upstream. Leading blank lines are skipped.
func readEventBlock(br *bufio.Reader) ([]byte, error) {
	var block []byte
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if len(bytes.TrimRight(line, "\r\n")) == 0 {
				if len(block) > 0 {
					return append(block, '\n'), nil
				}
			} else {
				block = append(block, line...)
			}
		}
		if err != nil {
			if len(block) > 0 && errors.Is(err, io.EOF) {
				return append(block, '\n'), nil
			}
			return nil, err
		}
	}
}

// awaitFirstEvent reads the first event block with a deadline. On timeout
// the reader goroutine unblocks when the caller closes the response body.
func awaitFirstEvent(br *bufio.Reader, timeout time.Duration) ([]byte, error) {
	type outcome struct {
		block []byte
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		block, err := readEventBlock(br)
		ch <- outcome{block, err}
	}()
	select {
	case out := <-ch:
		return out.block, out.err
	case <-time.After(timeout):
		return nil, errStreamIdle
	}
}

// streamEventIsError reports whether the first upstream event is an error:
// an Anthropic "event: error" frame, or an OpenAI data payload carrying a
// top-level error object.
func streamEventIsError(block []byte) bool {
	if bytes.Contains(block, []byte("event: error")) {
		return true
	}
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		var probe struct {
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(payload, &probe); err == nil && probe.Error != nil {
			return true
		}
	}
	return false
}
