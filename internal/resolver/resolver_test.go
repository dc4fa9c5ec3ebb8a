package resolver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openviewer/deskgate/internal/bearer"
	"github.com/openviewer/deskgate/internal/session"
	"github.com/openviewer/deskgate/internal/upstream"
)

func TestResolveViaSessionCachesAcrossCalls(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/vm-connection-info":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"returnCode": 200, "hostIp": "10.0.0.7"})
		case "/vm-port":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"returnCode": 0, "vncPort": 5901})
		case "/vnc-password":
			calls++
			pw := "p1"
			if calls > 1 {
				pw = "p2" // non-idempotent upstream: a second call would change the password
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"returnCode": 200,
				"password":   base64.StdEncoding.EncodeToString([]byte(pw)),
			})
		}
	}))
	defer srv.Close()

	stores := session.New()
	stores.Put("sess-1", "upstream-tok", nil)

	r := New(stores, upstream.New(srv.URL, 5*time.Second))
	claims := &bearer.Claims{Kind: bearer.KindSession, SessionID: "sess-1"}

	t1, err := r.Resolve(context.Background(), claims, "v1", ProtocolVNC)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.7", t1.Host)
	require.Equal(t, 5901, t1.Port)
	require.Equal(t, "p1", t1.Password)

	t2, err := r.Resolve(context.Background(), claims, "v1", ProtocolVNC)
	require.NoError(t, err)
	require.Equal(t, t1.Password, t2.Password, "I4: credential must be stable across repeated resolves")
	require.Equal(t, 1, calls, "second resolve must be served from cache, not a fresh upstream call")
}

func TestResolveViaSessionMissingSessionFails(t *testing.T) {
	r := New(session.New(), upstream.New("http://unused", time.Second))
	claims := &bearer.Claims{Kind: bearer.KindSession, SessionID: "nope"}
	_, err := r.Resolve(context.Background(), claims, "v1", ProtocolVNC)
	require.Error(t, err)
}

func TestResolveVMClaimBypassesSessionCache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"returnCode": 200,
			"hostIp":     "10.0.0.9",
			"spicePort":  5902,
			"password":   "plain-pw",
		})
	}))
	defer srv.Close()

	r := New(session.New(), upstream.New(srv.URL, 5*time.Second))
	claims := &bearer.Claims{Kind: bearer.KindVM, VMID: "v9", UpstreamToken: "tok"}

	target, err := r.Resolve(context.Background(), claims, "v9", ProtocolSPICE)
	require.NoError(t, err)
	require.Equal(t, "plain-pw", target.Password)

	_, err = r.Resolve(context.Background(), claims, "v9", ProtocolSPICE)
	require.NoError(t, err)
	require.Equal(t, 2, calls, "vm-claim path must always call upstream fresh, never cache")
}

func TestFetchVNCDecodesBase64PasswordExactlyOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/vm-connection-info":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"returnCode": 200, "hostIp": "10.0.0.7"})
		case "/vm-port":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"returnCode": 0, "vncPort": 5901})
		case "/vnc-password":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"returnCode": 200,
				"password":   base64.StdEncoding.EncodeToString([]byte("pa55")),
			})
		}
	}))
	defer srv.Close()

	r := New(session.New(), upstream.New(srv.URL, 5*time.Second))
	target, err := r.fetchVNC(context.Background(), "tok", "v1")
	require.NoError(t, err)
	require.Equal(t, "pa55", target.Password)
}

func TestFetchSPICEPasswordIsPlain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"returnCode": 200,
			"hostIp":     "10.0.0.7",
			"spicePort":  5902,
			"password":   "not-base64-wrapped",
		})
	}))
	defer srv.Close()

	r := New(session.New(), upstream.New(srv.URL, 5*time.Second))
	target, err := r.fetchSPICE(context.Background(), "tok", "v1")
	require.NoError(t, err)
	require.Equal(t, "not-base64-wrapped", target.Password)
}
