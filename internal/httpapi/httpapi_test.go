package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharded4/s4/internal/evalexec"
	"github.com/sharded4/s4/internal/job"
	"github.com/sharded4/s4/internal/listing"
	"github.com/sharded4/s4/internal/mapexec"
	"github.com/sharded4/s4/internal/pool"
	"github.com/sharded4/s4/internal/store"
	"github.com/sharded4/s4/internal/transfer"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	pools := pool.NewPools(pool.Capacities{IORecv: 1, IOSend: 1, Compute: 2, Misc: 1, Writer: 1})
	tr := transfer.New(s, job.NewTable(), pools, nil, 2*time.Second)
	ev := evalexec.New(s, pools.Compute, nil, 2*time.Second)
	mp := mapexec.New(s, tr, pools.Compute, nil, 2*time.Second)
	lister := listing.New(s)
	return New(tr, ev, mp, lister, pools.Writer), s
}

func TestHealthReturns200(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPreparePutRejectsMalformedKey(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/prepare_put?key=not-a-key", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPrepareGetNotFoundMapsTo404(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/prepare_get?key=s4://b/missing&port=1234", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListBucketsExcludesReserved(t *testing.T) {
	srv, s := newTestServer(t)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root, "mybucket"), 0o755))
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/list_buckets")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buckets []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&buckets))
	require.Equal(t, []string{"mybucket"}, buckets)
}

func TestEvalNotFoundMapsTo404(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/eval?key=s4://b/missing", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
