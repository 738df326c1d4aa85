package unifi

import (
	"errors"
	"fmt"
)

// ErrMissingAPIKey is returned by NewClient when no API key is configured.
var ErrMissingAPIKey = errors.New("UNIFI_API_KEY is required")

// DownstreamError is returned by Call when the Site Manager API answers with a
// non-2xx status. Body holds the decoded response (or a {"raw": ...} wrapper).
type DownstreamError struct {
	Method string
	URL    string
	Status int
	Body   any
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("UniFi API %s %s failed with status %d", e.Method, e.URL, e.Status)
}

// AsDownstreamError reports whether err wraps a *DownstreamError.
func AsDownstreamError(err error) (*DownstreamError, bool) {
	var de *DownstreamError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
