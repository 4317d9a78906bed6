/*
Package api implements the control plane's inbound HTTP surface: the
worker-facing endpoints sandboxed agents call through their lifecycle, and
the operator-facing endpoints used to enqueue and inspect work.

Routing is github.com/go-chi/chi/v5 with github.com/go-chi/cors for
dashboard cross-origin reads. Request bodies are validated with
github.com/go-playground/validator/v10; validation failures, not-found,
and state-conflict errors are translated into the {error, code, details}
envelope by writeError. Authentication is not handled here — production
deployments add it at the boundary (reverse proxy, service mesh, or a
middleware layer wrapping Server.Router()).
*/
package api
