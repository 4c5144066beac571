package assets

import (
	"errors"
	"fmt"
)

// AuthError means the provider rejected our credentials and a token refresh
// did not help, or the refresh itself failed.
type AuthError struct {
	AssetID string
	Err     error
}

func (e *AuthError) Error() string {
	msg := "provider rejected credentials"
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.AssetID == "" {
		return msg
	}
	return fmt.Sprintf("asset %s: %s", e.AssetID, msg)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NotFoundError means every provider endpoint returned a clean 404 for the
// asset.
type NotFoundError struct {
	AssetID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("asset %s: not found at provider", e.AssetID)
}

// NetworkError is a transport failure or an unexpected status, distinct from
// a clean 404.
type NetworkError struct {
	AssetID string
	Err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("asset %s: %v", e.AssetID, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ErrorKind maps a fetch error to the short kind string used in logs and
// HTTP error bodies.
func ErrorKind(err error) string {
	var (
		authErr *AuthError
		nfErr   *NotFoundError
		netErr  *NetworkError
	)
	switch {
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &nfErr):
		return "not_found"
	case errors.As(err, &netErr):
		return "network"
	default:
		return "internal"
	}
}
