// Package auth builds the per-request authorization context: bearer
// token verification (native JWT first, legacy identity service as
// fallback), principal loading, and the resource-access predicates
// the pipeline consults. The context is built once per request and
// never cached or mutated afterwards.
package auth

// Claims are the token claims the pipeline needs. The organization
// role is not in the token; it is looked up per request.
type Claims struct {
	Subject string
	Email   string
	Role    string
}
