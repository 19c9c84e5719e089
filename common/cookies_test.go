package common

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/ghost/api"
)

func TestCookieJarRoundTrip(t *testing.T) {
	t.Parallel()

	jar := NewCookieJar()
	jar.SetCookie(&api.Cookie{
		Name: "sid", Value: "abc", Domain: ".example.com", Path: "/",
		Secure: true, HTTPOnly: true, Expires: null.IntFrom(1700000000),
	})
	jar.SetCookie(&api.Cookie{
		Name: "far", Value: "future", Domain: "example.com", Path: "/app",
		Expires: null.IntFrom(1 << 40),
	})
	jar.SetCookie(&api.Cookie{Name: "session", Value: "1", Domain: "example.com", Path: "/"})

	var buf bytes.Buffer
	_, err := jar.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "#HttpOnly_.example.com\tTRUE\t/\tTRUE\t1700000000\tsid\tabc\n")
	assert.Contains(t, buf.String(), "example.com\tFALSE\t/app\tFALSE\t2147483647\tfar\tfuture\n")

	got := NewCookieJar()
	_, err = got.ReadFrom(&buf)
	require.NoError(t, err)

	want := []*api.Cookie{
		{
			Name: "sid", Value: "abc", Domain: ".example.com", Path: "/",
			Secure: true, HTTPOnly: true, Expires: null.IntFrom(1700000000),
		},
		{
			Name: "far", Value: "future", Domain: "example.com", Path: "/app",
			Expires: null.IntFrom(MaxCookieExpiry),
		},
		{Name: "session", Value: "1", Domain: "example.com", Path: "/"},
	}
	assert.Equal(t, want, got.Cookies())
	assert.True(t, DomainInitialDot(got.Cookies()[0]))
	assert.False(t, DomainInitialDot(got.Cookies()[1]))
}

func TestCookieJarSetCookieReplaces(t *testing.T) {
	t.Parallel()

	jar := NewCookieJar()
	jar.SetCookie(&api.Cookie{Name: "a", Value: "1", Domain: "x", Path: "/"})
	jar.SetCookie(&api.Cookie{Name: "a", Value: "2", Domain: "x", Path: "/"})
	jar.SetCookie(&api.Cookie{Name: "a", Value: "3", Domain: "x", Path: "/sub"})

	require.Equal(t, 2, jar.Len())
	assert.Equal(t, "2", jar.Cookies()[0].Value)

	jar.Clear()
	assert.Zero(t, jar.Len())
}

func TestCookieJarReadFromErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			name:    "too_few_fields",
			input:   "example.com\tFALSE\t/\n",
			wantErr: "line 1: expected 7 tab separated fields, got 3",
		},
		{
			name:    "bad_expiry",
			input:   "# comment\nexample.com\tFALSE\t/\tFALSE\tsoon\ta\tb\n",
			wantErr: `line 2: parsing expiry "soon"`,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewCookieJar().ReadFrom(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClampExpiry(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(MaxCookieExpiry), ClampExpiry(MaxCookieExpiry+1))
	assert.Equal(t, int64(MaxCookieExpiry), ClampExpiry(MaxCookieExpiry))
	assert.Equal(t, int64(42), ClampExpiry(42))
}

func TestHTTPCookieConversion(t *testing.T) {
	t.Parallel()

	c := &api.Cookie{
		Name: "a", Value: "b", Domain: ".example.com", Path: "/",
		Secure: true, HTTPOnly: true, Expires: null.IntFrom(1 << 40),
	}
	hc := ToHTTPCookie(c)
	assert.Equal(t, time.Unix(MaxCookieExpiry, 0).UTC(), hc.Expires)
	assert.True(t, hc.HttpOnly)

	back := FromHTTPCookie(&http.Cookie{Name: "n", Value: "v"}, "example.org")
	assert.Equal(t, "example.org", back.Domain)
	assert.Equal(t, "/", back.Path)
	assert.False(t, back.Expires.Valid)

	withExpiry := FromHTTPCookie(hc, "")
	assert.Equal(t, null.IntFrom(MaxCookieExpiry), withExpiry.Expires)
}

func TestNewHTTPJar(t *testing.T) {
	t.Parallel()

	jar, err := NewHTTPJar([]*api.Cookie{
		{Name: "sid", Value: "1", Domain: ".example.com", Path: "/"},
		{Name: "secure", Value: "2", Domain: "example.com", Path: "/", Secure: true},
	})
	require.NoError(t, err)

	u, err := url.Parse("http://www.example.com/")
	require.NoError(t, err)
	cookies := jar.Cookies(u)
	require.Len(t, cookies, 1)
	assert.Equal(t, "sid", cookies[0].Name)

	u, err = url.Parse("https://example.com/")
	require.NoError(t, err)
	assert.Len(t, jar.Cookies(u), 2)
}
