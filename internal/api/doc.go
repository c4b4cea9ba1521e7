// Package api implements the REST client for the trading backend:
// portfolio, position, and order fetches plus the order commands
// (place, cancel, modify, close position, risk limits).
//
// Every call is wrapped in the shared retry policy. HTTP responses map
// onto retry classes: 5xx is a server failure, 429 a rate limit
// carrying the server's Retry-After hint, 408 a timeout, and any other
// 4xx a validation failure that is returned immediately without
// retrying. An order the server rejects for business reasons is not an
// error at all: it comes back as a normal result with the rejection
// reason attached.
package api
