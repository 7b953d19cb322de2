// Package httpserver provides the relay's reusable HTTP server shell with
// standard operational endpoints.
//
// The httpserver package implements a base HTTP server with health endpoints,
// graceful shutdown, a separate metrics listener, and flexible routing. The
// federation surface (well-known document, inbox, internal send) plugs in
// through the RouteRegistrar interface rather than being baked into the
// server.
//
// # Key Components
//
//   - BaseServer: Core HTTP server with health checks, metrics, and lifecycle management
//   - RouteRegistrar: Interface for components to register their routes with the server
//
// # Server Lifecycle
//
// The BaseServer implements a complete server lifecycle:
//
//  1. Initialization: Configure server with HTTP settings and route registrars
//  2. Startup: Run HTTP and metrics servers in background goroutines
//  3. Operation: Handle requests with request-id, real-ip and recovery middleware
//  4. Readiness Control: Support drain/undrain operations for load balancers
//  5. Graceful Shutdown: Wait for in-flight requests to complete
//
// # Health and Diagnostics
//
// All servers built with BaseServer automatically include:
//
//   - Liveness Check: Simple endpoint to verify the server is running (/livez)
//   - Readiness Check: Endpoint indicating if the server accepts requests (/readyz)
//   - Drain Control: Endpoints to prepare for graceful shutdown (/drain, /undrain)
//   - Metrics: Optional Prometheus scrape endpoint on its own listener
//   - Profiling: Optional pprof debugging endpoints when enabled
//
// # Usage Example
//
//	handler := server.New(serverCfg, ident, disc, st, engine, sink)
//
//	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
//	    ListenAddr:  "127.0.0.1:8443",
//	    MetricsAddr: "127.0.0.1:9090",
//	    Log:         log,
//	}, handler)
//	if err != nil {
//	    return err
//	}
//
//	srv.RunInBackground()
//	defer srv.Shutdown()
package httpserver
