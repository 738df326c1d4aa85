package unifi

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testBase = "https://api.ui.com"

func build(t require.TestingT, path string, query map[string]any) string {
	got, err := BuildURL(testBase, "v1", DefaultNamespaces, path, query)
	require.NoError(t, err)
	return got
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		query map[string]any
		want  string
	}{
		{"relative path gets default namespace", "/sites", nil, testBase + "/v1/sites"},
		{"missing leading slash", "hosts", nil, testBase + "/v1/hosts"},
		{"stable namespace untouched", "/v1/devices", nil, testBase + "/v1/devices"},
		{"early access namespace untouched", "/ea/sd-wan-configs", nil, testBase + "/ea/sd-wan-configs"},
		{"bare namespace", "/v1", nil, testBase + "/v1"},
		{"lookalike prefix still prefixed", "/v1beta/x", nil, testBase + "/v1/v1beta/x"},
		{"escaped segment preserved", "/hosts/" + url.PathEscape("a/b"), nil, testBase + "/v1/hosts/a%2Fb"},
		{"nil query value omitted", "/hosts", map[string]any{"pageSize": nil}, testBase + "/v1/hosts"},
		{"scalar query", "/hosts", map[string]any{"pageSize": "10"}, testBase + "/v1/hosts?pageSize=10"},
		{"float query formatted without exponent", "/hosts", map[string]any{"pageSize": float64(10)}, testBase + "/v1/hosts?pageSize=10"},
		{"repeated keys for arrays", "/devices", map[string]any{"hostIds": []any{"a", "b"}}, testBase + "/v1/devices?hostIds=a&hostIds=b"},
		{"typed string slice", "/devices", map[string]any{"hostIds": []string{"x", "y", "z"}}, testBase + "/v1/devices?hostIds=x&hostIds=y&hostIds=z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, build(t, tt.path, tt.query))
		})
	}
}

func TestBuildURLBaseWithTrailingSlash(t *testing.T) {
	got, err := BuildURL(testBase+"/", "v1", DefaultNamespaces, "/sites", nil)
	require.NoError(t, err)
	assert.Equal(t, testBase+"/v1/sites", got)
}

func TestBuildURLInvalidBase(t *testing.T) {
	for _, base := range []string{"", "api.ui.com", "://bad"} {
		if _, err := BuildURL(base, "v1", DefaultNamespaces, "/sites", nil); err == nil {
			t.Errorf("BuildURL(%q) error = nil, want error", base)
		}
	}
}

func TestBuildURLArrayIsNotCommaJoined(t *testing.T) {
	got := build(t, "/devices", map[string]any{"hostIds": []any{"a", "b"}})
	assert.Contains(t, got, "hostIds=a&hostIds=b")
	assert.NotContains(t, got, "hostIds=a%2Cb")
	assert.NotContains(t, got, "hostIds=a,b")
}

var segment = rapid.StringMatching(`[a-z0-9-]{1,8}`)

// first segments of three or more letters can never collide with v1 or ea
var unprefixedPath = rapid.Custom(func(t *rapid.T) string {
	head := rapid.StringMatching(`[a-z]{3,10}`).Draw(t, "head")
	rest := rapid.SliceOfN(segment, 0, 3).Draw(t, "rest")
	return "/" + strings.Join(append([]string{head}, rest...), "/")
})

func TestPropertyDefaultNamespacePrepended(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := unprefixedPath.Draw(t, "path")
		got := build(t, p, nil)
		if got != testBase+"/v1"+p {
			t.Fatalf("BuildURL(%q) = %q", p, got)
		}
	})
}

func TestPropertyNamespacedPathUntouched(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ns := rapid.SampledFrom(DefaultNamespaces).Draw(t, "ns")
		p := "/" + ns + unprefixedPath.Draw(t, "path")
		got := build(t, p, nil)
		if got != testBase+p {
			t.Fatalf("BuildURL(%q) = %q", p, got)
		}
	})
}

func TestPropertyPrefixingIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var p string
		if rapid.Bool().Draw(t, "namespaced") {
			p = "/" + rapid.SampledFrom(DefaultNamespaces).Draw(t, "ns") + unprefixedPath.Draw(t, "path")
		} else {
			p = unprefixedPath.Draw(t, "path")
		}
		first := build(t, p, nil)
		u, err := url.Parse(first)
		if err != nil {
			t.Fatalf("parse %q: %v", first, err)
		}
		second := build(t, u.EscapedPath(), nil)
		if second != first {
			t.Fatalf("rebuilding %q gave %q", first, second)
		}
	})
}

func TestPropertyArrayQueryRepeatsKeys(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z0-9]{1,6}`), 1, 6).Draw(t, "ids")
		elems := make([]any, len(ids))
		for i, id := range ids {
			elems[i] = id
		}
		got := build(t, "/devices", map[string]any{"hostIds": elems})
		u, err := url.Parse(got)
		if err != nil {
			t.Fatalf("parse %q: %v", got, err)
		}
		values := u.Query()["hostIds"]
		if len(values) != len(ids) {
			t.Fatalf("got %d hostIds, want %d (%s)", len(values), len(ids), got)
		}
		for i := range ids {
			if values[i] != ids[i] {
				t.Fatalf("hostIds[%d] = %q, want %q", i, values[i], ids[i])
			}
		}
	})
}
