// Package server hosts the Fiber HTTP service, the request middleware chain
// and the app registry that maps a Host header to one app's offline runtime
// (cache, queue, lifecycle controller and strategy executor). Proxy and
// control handlers live in sibling packages and receive the resolved
// AppRoute, so exports stay narrow and dependencies explicit.
package server
