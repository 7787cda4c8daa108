package proxy

import (
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional handler functions registered alongside the
// relay routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full fasthttp handler: routes plus the middleware
// chain. The auth gate runs after CORS so preflight requests never need a
// credential.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/messages", g.handleMessages)
	r.POST("/v1/messages/count_tokens", g.handleCountTokens)

	r.GET("/health", g.handleHealth)
	r.GET("/providers", g.handleProviders)
	r.POST("/providers/reload", g.handleReload)

	r.GET("/oauth/status", g.handleOAuthStatus)
	r.GET("/oauth/authorize-url", g.handleOAuthAuthorizeURL)
	r.POST("/oauth/exchange-code", g.handleOAuthExchangeCode)
	r.POST("/oauth/refresh-token", g.handleOAuthRefresh)
	r.DELETE("/oauth/tokens/{email}", g.handleOAuthDelete)
	r.DELETE("/oauth/tokens", g.handleOAuthClear)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(nil),
		authGate(g.store),
		securityHeaders,
	)
}

// Server returns a configured fasthttp server for the relay. StreamRequestBody
// keeps large request bodies off the heap; WriteTimeout is disabled because
// SSE responses are open-ended.
func (g *Gateway) Server(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            g.Handler(mgmt),
		ReadTimeout:        60 * time.Second,
		MaxRequestBodySize: 32 << 20,
	}
}

// Serve runs the server on an existing listener until it is shut down.
func (g *Gateway) Serve(ln net.Listener, mgmt *ManagementRoutes) error {
	return g.Server(mgmt).Serve(ln)
}
