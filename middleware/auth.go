package middleware

import (
	"bytes"
	"crypto/subtle"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-school/metrics"
	"github.com/saiset-co/sai-school/types"
	"github.com/saiset-co/sai-school/utils"
)

const (
	AuthName = "auth"

	// SubjectKey is the request user value holding the authenticated subject.
	SubjectKey = "auth_subject"
)

var (
	tokenHeader         = []byte("Token")
	authorizationHeader = []byte("Authorization")
	bearerPrefix        = []byte("Bearer ")
	tokenPrefix         = []byte("Token ")
	optionsMethod       = []byte(fasthttp.MethodOptions)
)

// TokenAuthenticator resolves static access tokens to their subjects.
type TokenAuthenticator struct {
	tokens map[string]string
}

func NewTokenAuthenticator(config *types.AuthConfig) (*TokenAuthenticator, error) {
	authenticator := &TokenAuthenticator{tokens: make(map[string]string)}
	if config == nil {
		return authenticator, nil
	}

	for subject, token := range config.Tokens {
		if subject == "" || token == "" {
			return nil, types.Errorf(types.ErrInvalidParameter, "auth token for subject %q is empty", subject)
		}
		if owner, exists := authenticator.tokens[token]; exists {
			return nil, types.Errorf(types.ErrInvalidParameter, "subjects %q and %q share a token", owner, subject)
		}
		authenticator.tokens[token] = subject
	}

	if config.Enabled && len(authenticator.tokens) == 0 {
		return nil, types.Errorf(types.ErrInvalidParameter, "auth is enabled but no tokens are configured")
	}

	return authenticator, nil
}

// Authenticate returns the subject owning token. Every configured token is
// compared so the timing does not depend on which one matched.
func (a *TokenAuthenticator) Authenticate(token string) (string, error) {
	if token == "" {
		return "", types.Errorf(types.ErrUnauthorized, "token is missing")
	}

	var subject string
	for candidate, owner := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			subject = owner
		}
	}

	if subject == "" {
		return "", types.Errorf(types.ErrUnauthorized, "token is not valid")
	}
	return subject, nil
}

// ExtractToken reads the Token header, falling back to Authorization with
// an optional Bearer or Token scheme.
func ExtractToken(ctx *fasthttp.RequestCtx) string {
	if token := bytes.TrimSpace(ctx.Request.Header.PeekBytes(tokenHeader)); len(token) > 0 {
		return string(token)
	}

	header := bytes.TrimSpace(ctx.Request.Header.PeekBytes(authorizationHeader))
	switch {
	case bytes.HasPrefix(header, bearerPrefix):
		header = header[len(bearerPrefix):]
	case bytes.HasPrefix(header, tokenPrefix):
		header = header[len(tokenPrefix):]
	}

	return string(bytes.TrimSpace(header))
}

// Subject returns the subject stored by AuthMiddleware, or "".
func Subject(ctx *fasthttp.RequestCtx) string {
	subject, _ := ctx.UserValue(SubjectKey).(string)
	return subject
}

// AuthMiddleware rejects requests without a valid token and stores the
// caller's subject for the handlers and rate limiters that follow.
type AuthMiddleware struct {
	authenticator *TokenAuthenticator
	logger        types.Logger
	metrics       types.MetricsSink
	weight        int
}

func NewAuthMiddleware(weight int, authenticator *TokenAuthenticator, logger types.Logger, sink types.MetricsSink) *AuthMiddleware {
	return &AuthMiddleware{
		weight:        weight,
		authenticator: authenticator,
		logger:        logger,
		metrics:       metrics.Safe(sink, logger),
	}
}

func (a *AuthMiddleware) Name() string { return AuthName }
func (a *AuthMiddleware) Weight() int  { return a.weight }

func (a *AuthMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	if bytes.Equal(ctx.Method(), optionsMethod) {
		next(ctx)
		return
	}

	subject, err := a.authenticator.Authenticate(ExtractToken(ctx))
	if err != nil {
		a.metrics.Count("auth_failures", 1)
		a.logger.Debug("Authentication failed",
			zap.ByteString("path", ctx.Path()),
			zap.String("remote_addr", RealIP(ctx)),
			zap.Error(err))

		ctx.Response.Header.Set("WWW-Authenticate", `Bearer realm="sai-school"`)
		utils.CreateErrorResponse(ctx, fasthttp.StatusUnauthorized, "Authentication required")
		return
	}

	ctx.SetUserValue(SubjectKey, subject)
	next(ctx)
}
