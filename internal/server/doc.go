// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the site registry that maps Host headers to configured sites. It also
// owns the shared upstream http.Client and the Fetcher that the caching
// workers use to reach origins. Keep exports narrow and accept explicit
// dependencies so proxy and routes can be tested with fakes.
package server
