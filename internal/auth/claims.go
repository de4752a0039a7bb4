package auth

import "github.com/golang-jwt/jwt/v5"

// ScopeService is the only scope issued today: full access to the REST surface.
const ScopeService = "service"

// Claims identify a collaborator service (the CRUD backend, an ops script).
// Dashboard users never hold these tokens.
type Claims struct {
	jwt.RegisteredClaims

	Scope string `json:"scope"`
}
