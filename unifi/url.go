package unifi

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/spf13/cast"
)

// DefaultNamespaces are the top-level path prefixes the Site Manager API
// serves: "v1" is the stable tier, "ea" the early-access tier.
var DefaultNamespaces = []string{"v1", "ea"}

// BuildURL joins base and path into an absolute URL. A path that does not
// already start with one of namespaces gets "/<defaultNamespace>" prepended.
// Nil query values are skipped and slice values become one key per element.
func BuildURL(base, defaultNamespace string, namespaces []string, path string, query map[string]any) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid base URL %q: scheme and host are required", base)
	}

	// path arrives escaped (tools escape their segments), so keep RawPath
	escaped := strings.TrimRight(u.EscapedPath(), "/") + NormalizePath(defaultNamespace, namespaces, path)
	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", path, err)
	}
	u.Path = unescaped
	u.RawPath = escaped

	if len(query) > 0 {
		values, err := encodeQuery(query)
		if err != nil {
			return "", err
		}
		u.RawQuery = values.Encode()
	}

	return u.String(), nil
}

// NormalizePath returns path with a leading slash and a namespace prefix.
func NormalizePath(defaultNamespace string, namespaces []string, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if hasNamespace(path, namespaces) {
		return path
	}
	ns := strings.Trim(defaultNamespace, "/")
	if ns == "" || hasNamespace(path, []string{ns}) {
		return path
	}
	return "/" + ns + path
}

func hasNamespace(path string, namespaces []string) bool {
	for _, ns := range namespaces {
		ns = strings.Trim(ns, "/")
		if ns == "" {
			continue
		}
		prefix := "/" + ns
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func encodeQuery(query map[string]any) (url.Values, error) {
	values := url.Values{}
	for key, value := range query {
		if value == nil {
			continue
		}
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			// []byte is a scalar string here, not a list of numbers
			if b, ok := value.([]byte); ok {
				values.Add(key, string(b))
				continue
			}
			for i := 0; i < rv.Len(); i++ {
				elem := rv.Index(i).Interface()
				if elem == nil {
					continue
				}
				s, err := cast.ToStringE(elem)
				if err != nil {
					return nil, fmt.Errorf("query parameter %q[%d]: %w", key, i, err)
				}
				values.Add(key, s)
			}
			continue
		}
		s, err := cast.ToStringE(value)
		if err != nil {
			return nil, fmt.Errorf("query parameter %q: %w", key, err)
		}
		values.Set(key, s)
	}
	return values, nil
}
