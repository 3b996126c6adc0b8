package authkit

import (
	"net/http"
	"time"
)

// ServerConfig configures token lifetimes, signing, cookies, and the Google provider.
type ServerConfig struct {
	GoogleWebClientID string
	AppJWTSigningKey  []byte
	AppJWTIssuer      string
	CookieDomain      string
	RefreshCookieName string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	NonceTTL          time.Duration
	BcryptCost        int
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
}

// RefreshExpiry returns the absolute expiry for a refresh session issued at now:
// one calendar month out unless refreshTTL is positive.
func RefreshExpiry(now time.Time, refreshTTL time.Duration) time.Time {
	if refreshTTL > 0 {
		return now.Add(refreshTTL)
	}
	return now.AddDate(0, 1, 0)
}
