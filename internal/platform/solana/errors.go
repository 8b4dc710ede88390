package solana

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

// JSON-RPC error codes with a known retry policy.
const (
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeNodeUnhealthy  = -32005
	codeRateLimited    = 429
)

// classify wraps err in a domain.ChainError carrying its category.
func classify(op string, err error) *domain.ChainError {
	var ce *domain.ChainError
	if errors.As(err, &ce) {
		return ce
	}
	return &domain.ChainError{Op: op, Category: category(err), Err: err}
}

func category(err error) domain.ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.CategoryNetwork
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpCategory(httpErr.StatusCode)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeRateLimited:
			return domain.CategoryRateLimit
		case codeInvalidRequest, codeMethodNotFound, codeInvalidParams:
			return domain.CategoryClient
		case codeNodeUnhealthy:
			return domain.CategoryServer
		}
		if strings.Contains(strings.ToLower(rpcErr.Error()), "rate limit") {
			return domain.CategoryRateLimit
		}
		return domain.CategoryServer
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.CategoryNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return domain.CategoryNetwork
	}
	return domain.CategoryUnknown
}

func httpCategory(status int) domain.ErrorCategory {
	switch {
	case status == 429:
		return domain.CategoryRateLimit
	case status == 401 || status == 403:
		return domain.CategoryAuth
	case status >= 500:
		return domain.CategoryServer
	case status >= 400:
		return domain.CategoryClient
	default:
		return domain.CategoryUnknown
	}
}

// redactURL drops the query string, where providers put API keys.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
