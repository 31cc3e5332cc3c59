// Package server hosts the Fiber HTTP service, the request middleware chain
// and the location registry that maps the `:name` segment of content URLs to
// configured Locations and Groups. Bootstrap wires the configured cache
// backend, decorators, transports and the transfer manager into a Runtime that
// handlers (see internal/proxy) consume. Keep exports narrow and accept
// explicit dependencies.
package server
