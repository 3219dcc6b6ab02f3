// Package auth provides handshake credential verification.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"busrelay/internal/model"
)

// ErrAuthentication is returned for any absent, malformed or invalid credential.
var ErrAuthentication = errors.New("authentication error")

// Identity is the verified subject of a connection plus its declared role.
type Identity struct {
	SubjectID model.ID
	Role      model.Role
	// Token is the original bearer credential, forwarded to the system of record.
	Token string
}

// Verifier validates HS256 JWTs signed with a shared secret.
type Verifier struct {
	HMACSecret   []byte
	SubjectClaim string
	// RoleClaim, when set, makes a role claim present in the token authoritative:
	// a declared role that disagrees with it is rejected.
	RoleClaim string
	parser    *jwt.Parser
}

// NewVerifier creates a Verifier. An empty subjectClaim defaults to "sub".
func NewVerifier(secret []byte, subjectClaim, roleClaim string) *Verifier {
	if subjectClaim == "" {
		subjectClaim = "sub"
	}
	return &Verifier{
		HMACSecret:   secret,
		SubjectClaim: subjectClaim,
		RoleClaim:    roleClaim,
		parser:       jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

func authErr(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthentication, fmt.Sprintf(format, a...))
}

// Verify checks token and returns the identity it carries, paired with the
// out-of-band declared role.
func (v *Verifier) Verify(token, declaredRole string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, authErr("credential absent")
	}
	if len(v.HMACSecret) == 0 {
		return Identity{}, authErr("verifier has no secret configured")
	}
	role, err := model.ParseRole(declaredRole)
	if err != nil {
		return Identity{}, authErr("%v", err)
	}
	claims := jwt.MapClaims{}
	_, err = v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.HMACSecret, nil
	})
	if err != nil {
		return Identity{}, authErr("%v", err)
	}
	subject := model.IDFromClaim(claims[v.SubjectClaim])
	if subject == "" {
		return Identity{}, authErr("missing %s claim", v.SubjectClaim)
	}
	if v.RoleClaim != "" {
		if raw, ok := claims[v.RoleClaim].(string); ok && raw != "" {
			claimed, err := model.ParseRole(raw)
			if err != nil || claimed != role {
				return Identity{}, authErr("declared role %q does not match token role %q", declaredRole, raw)
			}
		}
	}
	return Identity{SubjectID: subject, Role: role, Token: token}, nil
}
