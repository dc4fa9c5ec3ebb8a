package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoginSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/login", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"returnCode":    200,
			"upstreamToken": "upstream-tok",
			"vms": []map[string]string{
				{"vmId": "v1", "name": "alpha", "status": "running", "type": "standalone"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	res, err := c.Login(context.Background(), "user", "pass")
	require.NoError(t, err)
	require.Equal(t, "upstream-tok", res.UpstreamToken)
	require.Len(t, res.VMs, 1)
	require.Equal(t, "v1", res.VMs[0].VMID)
}

func TestVMPortUsesZeroAsOKCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/vm-port", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"returnCode": 0,
			"vncPort":    5901,
			"spicePort":  5902,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	res, err := c.VMPort(context.Background(), "tok", "v1")
	require.NoError(t, err)
	require.Equal(t, 5901, res.VNCPort)
	require.Equal(t, 5902, res.SpicePort)
}

func TestVNCPasswordDomainRejectionSurfacesTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"returnCode": CodeWrongPassword,
			"message":    "wrong password",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	_, err := c.VNCPassword(context.Background(), "tok", "v1")
	require.Error(t, err)
	var rejected *Rejected
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, CodeWrongPassword, rejected.Code)
}

func TestHTTPStatusMapping(t *testing.T) {
	for _, tc := range []struct {
		status int
		check  func(t *testing.T, err error)
	}{
		{http.StatusNotFound, func(t *testing.T, err error) { require.Error(t, err) }},
		{http.StatusForbidden, func(t *testing.T, err error) { require.Error(t, err) }},
		{http.StatusUnauthorized, func(t *testing.T, err error) { require.Error(t, err) }},
		{http.StatusInternalServerError, func(t *testing.T, err error) { require.Error(t, err) }},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := New(srv.URL, 5*time.Second)
		_, err := c.VMConnectionInfo(context.Background(), "tok", "v1")
		tc.check(t, err)
		srv.Close()
	}
}

func TestSpiceConnectionInfoForwardsRenderingConfig(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"returnCode": 200,
			"hostIp":     "10.0.0.7",
			"spicePort":  5902,
			"password":   "plain-pw",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second)
	res, err := c.SpiceConnectionInfo(context.Background(), "tok", "v1", map[string]int{"quality": 80})
	require.NoError(t, err)
	require.Equal(t, "plain-pw", res.Password)
	require.Equal(t, "v1", gotBody["vmId"])
	require.NotNil(t, gotBody["renderingConfig"])
}
