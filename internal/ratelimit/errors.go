package ratelimit

import "errors"

var (
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrBlacklisted         = errors.New("connection is blacklisted")
	ErrInvalidPolicy       = errors.New("policy needs a positive limit and window")
	ErrSweepAlreadyRunning = errors.New("cleanup sweep is already running")
)
