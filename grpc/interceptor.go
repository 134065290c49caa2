package grpc

import (
	"context"
	"errors"

	ac "github.com/panyam/authcore"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TokenVerifier checks access tokens. *authcore.TokenIssuer implements it.
type TokenVerifier interface {
	Verify(purpose ac.TokenPurpose, token string) (*ac.Claims, error)
}

// InterceptorConfig configures the auth interceptor behavior.
type InterceptorConfig struct {
	// Config holds the metadata key configuration.
	*Config

	// Verifier is required.
	Verifier TokenVerifier

	// Accounts, when set, is used to reload the account on every call so a
	// deleted account is rejected and the current role is used.
	Accounts ac.AccountRepository

	// RequireAuth when true rejects unauthenticated requests.
	// When false, requests without a token proceed anonymously but a bad
	// token is still rejected.
	RequireAuth bool

	// PublicMethods is a set of method names that don't require auth.
	// Keys should be full method names like "/package.Service/Method".
	PublicMethods map[string]bool

	// MethodRoles lists methods that need more than an authenticated caller
	MethodRoles map[string]ac.Role

	Logger *zap.Logger
}

// DefaultInterceptorConfig returns a config that requires auth for all methods.
func DefaultInterceptorConfig(verifier TokenVerifier) *InterceptorConfig {
	return &InterceptorConfig{
		Config:        DefaultConfig(),
		Verifier:      verifier,
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
		MethodRoles:   make(map[string]ac.Role),
	}
}

// NewPublicMethodsConfig creates a config with the specified public methods.
func NewPublicMethodsConfig(verifier TokenVerifier, publicMethods ...string) *InterceptorConfig {
	config := DefaultInterceptorConfig(verifier)
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// OptionalAuthConfig returns a config that allows unauthenticated requests.
func OptionalAuthConfig(verifier TokenVerifier) *InterceptorConfig {
	config := DefaultInterceptorConfig(verifier)
	config.RequireAuth = false
	return config
}

func (c *InterceptorConfig) init() {
	if c.Verifier == nil {
		panic("grpc: InterceptorConfig.Verifier is required")
	}
	if c.Config == nil {
		c.Config = DefaultConfig()
	}
	c.Config.EnsureDefaults()
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// UnaryAuthInterceptor returns a gRPC unary interceptor that verifies the
// bearer token and stores the caller's Identity in the handler context.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	config.init()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := config.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor returns a gRPC stream interceptor that does the same
// for streaming methods.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	config.init()
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := config.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &identityStream{ServerStream: ss, ctx: ctx})
	}
}

type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context { return s.ctx }

func (c *InterceptorConfig) authenticate(ctx context.Context, method string) (context.Context, error) {
	token := TokenFromIncomingContext(ctx, c.Config)
	public := c.PublicMethods[method]
	if token == "" {
		if c.RequireAuth && !public {
			return ctx, status.Error(codes.Unauthenticated, "authentication required")
		}
		return ctx, nil
	}

	// a bad token on a public method leaves the caller anonymous
	reject := func(err error) (context.Context, error) {
		c.Logger.Debug("grpc auth rejected", zap.String("method", method),
			zap.String("reason", string(ac.ReasonOf(err))), zap.Bool("public", public))
		if public {
			return ctx, nil
		}
		return ctx, StatusFromError(err)
	}

	claims, err := c.Verifier.Verify(ac.PurposeAccess, token)
	if err != nil {
		return reject(err)
	}
	id := Identity{AccountID: claims.AccountID, Role: claims.Role}
	if c.Accounts != nil {
		account, err := c.Accounts.FindByID(ctx, claims.AccountID)
		if errors.Is(err, ac.ErrNotFound) {
			return reject(ac.ErrAccountGone)
		}
		if err != nil {
			return reject(ac.Dependency("find account by id", err))
		}
		id.Role = account.Role
	}

	if want, ok := c.MethodRoles[method]; ok && !hasRole(id.Role, want) {
		return ctx, StatusFromError(ac.ErrForbidden)
	}
	return WithIdentity(ctx, id), nil
}

func hasRole(have, want ac.Role) bool {
	return want == ac.RoleStandard || have == want
}

// RequireRole fails with PermissionDenied unless the caller has role.
// Handlers call it when the role depends on the request.
func RequireRole(ctx context.Context, role ac.Role) error {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "authentication required")
	}
	if !hasRole(id.Role, role) {
		return StatusFromError(ac.ErrForbidden)
	}
	return nil
}

// StatusFromError converts an authcore error to a gRPC status error
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), ac.PublicMessage(err))
}

// Code maps the error taxonomy onto gRPC codes
func Code(err error) codes.Code {
	if errors.Is(err, ac.ErrForbidden) {
		return codes.PermissionDenied
	}
	switch ac.KindOf(err) {
	case ac.KindValidation:
		return codes.InvalidArgument
	case ac.KindAuth:
		return codes.Unauthenticated
	case ac.KindConflict:
		return codes.AlreadyExists
	default:
		return codes.Unavailable
	}
}
