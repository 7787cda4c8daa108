package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/nulpointcorp/claude-relay/internal/config"
	"github.com/nulpointcorp/claude-relay/internal/oauth"
	"github.com/nulpointcorp/claude-relay/internal/translate"
	"github.com/nulpointcorp/claude-relay/internal/upstream"
	"github.com/nulpointcorp/claude-relay/pkg/apierr"
	"github.com/valyala/fasthttp"
)

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// ── GET /health ───────────────────────────────────────────────────────────────

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := g.store.Snapshot()
	out := map[string]any{
		"status":    "ok",
		"providers": len(snap.Providers),
	}
	if g.tokens != nil {
		out["oauth_accounts"] = g.tokens.Len()
	}
	writeJSON(ctx, out)
}

// ── GET /providers ────────────────────────────────────────────────────────────

func (g *Gateway) handleProviders(ctx *fasthttp.RequestCtx) {
	snap := g.store.Snapshot()
	writeJSON(ctx, map[string]any{
		"providers": g.health.Status(snap),
		"strategy":  snap.Settings.SelectionStrategy,
	})
}

// ── POST /providers/reload ────────────────────────────────────────────────────

func (g *Gateway) handleReload(ctx *fasthttp.RequestCtx) {
	if _, err := g.store.Reload(); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest,
			"config reload failed: "+err.Error())
		return
	}
	snap := g.store.Snapshot()
	g.health.Sync(snap)
	g.publishHealth(snap)

	g.log.Info("config_reloaded",
		slog.Int("providers", len(snap.Providers)),
		slog.Int("routes", len(snap.Routes)),
	)
	writeJSON(ctx, map[string]any{
		"status":    "reloaded",
		"providers": len(snap.Providers),
		"routes":    len(snap.Routes),
	})
}

// ── POST /v1/messages/count_tokens ────────────────────────────────────────────

// handleCountTokens forwards the count to an Anthropic-type candidate when
// one is selectable; otherwise it falls back to a character-based estimate.
func (g *Gateway) handleCountTokens(fctx *fasthttp.RequestCtx) {
	body := fctx.PostBody()
	req, err := translate.ParseRequest(body)
	if err != nil {
		apierr.Write(fctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, err.Error())
		return
	}

	snap := g.store.Snapshot()
	candidates, selErr := g.selector.Select(req.Model, snap)
	if selErr == nil {
		inboundCred := clientCredential(fctx)
		for _, cand := range candidates {
			if cand.Provider.Type != config.ProviderTypeAnthropic {
				continue
			}
			if out, ok := g.countUpstream(fctx, snap, req, body, cand, inboundCred); ok {
				fctx.SetContentType("application/json")
				fctx.SetBody(out)
				return
			}
		}
	}

	writeJSON(fctx, map[string]int{"input_tokens": translate.EstimateRequestTokens(req)})
}

func (g *Gateway) countUpstream(ctx context.Context, snap *config.Snapshot, req *translate.MessagesRequest, body []byte, cand upstream.Candidate, inboundCred string) ([]byte, bool) {
	cred, err := g.credential(cand.Provider, inboundCred)
	if err != nil {
		return nil, false
	}

	outBody := body
	if cand.Model != req.Model {
		outBody = rewriteModel(body, cand.Model)
	}

	upCtx, cancel := context.WithTimeout(ctx, snap.Settings.RequestTimeout)
	defer cancel()

	resp, err := g.caller.Do(upCtx, &upstream.Request{
		Provider:   cand.Provider,
		Path:       upstream.EndpointPath(cand.Provider.Type, true),
		Body:       outBody,
		Credential: cred,
	})
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode != fasthttp.StatusOK {
		return nil, false
	}
	return respBody, true
}

// ── OAuth management ──────────────────────────────────────────────────────────

func (g *Gateway) requireOAuth(ctx *fasthttp.RequestCtx) bool {
	if g.tokens == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, apierr.TypeNotFound, "OAuth is not configured")
		return false
	}
	return true
}

func (g *Gateway) handleOAuthStatus(ctx *fasthttp.RequestCtx) {
	if !g.requireOAuth(ctx) {
		return
	}
	accounts := g.tokens.Status()
	writeJSON(ctx, map[string]any{
		"accounts": accounts,
		"total":    len(accounts),
	})
}

func (g *Gateway) handleOAuthAuthorizeURL(ctx *fasthttp.RequestCtx) {
	if !g.requireOAuth(ctx) {
		return
	}
	url, err := g.tokens.AuthorizeURL()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.TypeAPIError, err.Error())
		return
	}
	writeJSON(ctx, map[string]string{"authorize_url": url})
}

func (g *Gateway) handleOAuthExchangeCode(ctx *fasthttp.RequestCtx) {
	if !g.requireOAuth(ctx) {
		return
	}
	var body struct {
		Code  string `json:"code"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil || body.Code == "" || body.Email == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest,
			"fields 'code' and 'email' are required")
		return
	}

	exCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := g.tokens.ExchangeCode(exCtx, body.Code, body.Email); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, apierr.TypeAPIError, err.Error())
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok", "email": body.Email})
}

func (g *Gateway) handleOAuthRefresh(ctx *fasthttp.RequestCtx) {
	if !g.requireOAuth(ctx) {
		return
	}
	var body struct {
		Email string `json:"email"`
	}
	if len(ctx.PostBody()) > 0 {
		if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "invalid JSON body")
			return
		}
	}

	refCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	var err error
	if body.Email != "" {
		err = g.tokens.Refresh(refCtx, body.Email)
	} else {
		err = g.tokens.RefreshAll(refCtx)
	}
	if err != nil {
		status := fasthttp.StatusBadGateway
		if errors.Is(err, oauth.ErrTokenNotFound) {
			status = fasthttp.StatusNotFound
		}
		apierr.Write(ctx, status, apierr.TypeForStatus(status), err.Error())
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (g *Gateway) handleOAuthDelete(ctx *fasthttp.RequestCtx) {
	if !g.requireOAuth(ctx) {
		return
	}
	email, _ := ctx.UserValue("email").(string)
	if email == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.TypeInvalidRequest, "email is required")
		return
	}
	if err := g.tokens.Delete(email); err != nil {
		if errors.Is(err, oauth.ErrTokenNotFound) {
			apierr.Write(ctx, fasthttp.StatusNotFound, apierr.TypeNotFound, err.Error())
			return
		}
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.TypeAPIError, err.Error())
		return
	}
	writeJSON(ctx, map[string]string{"status": "deleted", "email": email})
}

func (g *Gateway) handleOAuthClear(ctx *fasthttp.RequestCtx) {
	if !g.requireOAuth(ctx) {
		return
	}
	if err := g.tokens.Clear(); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.TypeAPIError, err.Error())
		return
	}
	writeJSON(ctx, map[string]string{"status": "cleared"})
}
