package auth

import (
	"context"
	"strings"
)

type requesterContextKey struct{}
type claimsContextKey struct{}

// ContextWithRequester attaches the requester identity driving the current event.
func ContextWithRequester(ctx context.Context, requester string) context.Context {
	requester = strings.TrimSpace(requester)
	if requester == "" {
		return ctx
	}
	return context.WithValue(ctx, requesterContextKey{}, requester)
}

// RequesterFromContext returns the requester identity if one was attached.
func RequesterFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(requesterContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// ContextWithClaims stores the authenticated transport client's claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext extracts transport client claims from the context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(claimsContextKey{}).(*Claims)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
