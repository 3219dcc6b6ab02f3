package api

import (
    "net/http"
    "strings"
)

// handshakeCredentials extracts the bearer token, declared role and optional
// entity id from a socket handshake.
// - Token: Authorization: Bearer header, else ?token= (browsers cannot set headers on websockets).
// - Role: ?role=, else X-Client-Role header.
// - Entity: ?entityId=, used by tracked-entity clients.
func handshakeCredentials(r *http.Request) (token, role, entity string) {
    authz := r.Header.Get("Authorization")
    if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
        token = strings.TrimSpace(authz[len("Bearer "):])
    }
    q := r.URL.Query()
    if token == "" { token = strings.TrimSpace(q.Get("token")) }
    role = q.Get("role")
    if role == "" { role = r.Header.Get("X-Client-Role") }
    entity = strings.TrimSpace(q.Get("entityId"))
    return token, role, entity
}
