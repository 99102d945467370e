package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/orderstate"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Roles a caller can hold.
const (
	RoleCustomer = "customer"
	RoleCashier  = "cashier"
	RoleKitchen  = "kitchen"
	RoleDelivery = "delivery"
	RoleAdmin    = "admin"
)

var roleActors = map[string]orderstate.Actor{
	RoleCustomer: orderstate.ActorCustomer,
	RoleCashier:  orderstate.ActorCashier,
	RoleKitchen:  orderstate.ActorKitchen,
	RoleDelivery: orderstate.ActorDelivery,
	RoleAdmin:    orderstate.ActorAdmin,
}

const identityKey = "identity"

// Identity is the authenticated caller.
type Identity struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Actor maps the caller's role onto the state machine.
func (i *Identity) Actor() orderstate.Actor {
	return roleActors[i.Role]
}

// IdentityResolver authenticates a request.
type IdentityResolver interface {
	Resolve(r *http.Request) (*Identity, error)
}

// Claims is the token payload issued by the identity provider.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTResolver validates HS256 bearer tokens. Browsers opening the change stream pass the
// token as the token query parameter instead.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver creates a resolver for tokens signed with secret
func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

func (j *JWTResolver) Resolve(r *http.Request) (*Identity, error) {
	tokenStr := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return nil, apperrors.New(apperrors.CodeUnauthorized, "invalid authorization format")
		}
		tokenStr = parts[1]
	}
	if tokenStr == "" {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "missing authorization header")
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnauthorized, err, "invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "invalid token")
	}
	return newIdentity(claims.Subject, claims.Role)
}

// IssueToken signs a token for id and role. Used by tests and local tooling.
func (j *JWTResolver) IssueToken(id, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// HeaderResolver trusts X-Actor-ID and X-Actor-Role set by a fronting gateway.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (*Identity, error) {
	id := r.Header.Get("X-Actor-ID")
	if id == "" {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "missing X-Actor-ID header")
	}
	return newIdentity(id, r.Header.Get("X-Actor-Role"))
}

func newIdentity(id, role string) (*Identity, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if _, ok := roleActors[role]; !ok {
		return nil, apperrors.Newf(apperrors.CodeForbidden, "unknown role %q", role)
	}
	return &Identity{ID: id, Role: role}, nil
}

// authenticate stores the caller identity on the context.
func authenticate(resolver IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := resolver.Resolve(c.Request)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// requireRoles rejects callers outside roles.
func requireRoles(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		id := identityFrom(c)
		if id == nil || !allowed[id.Role] {
			respondError(c, apperrors.New(apperrors.CodeForbidden, "role may not perform this operation"))
			return
		}
		c.Next()
	}
}

func identityFrom(c *gin.Context) *Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*Identity)
	return id
}
