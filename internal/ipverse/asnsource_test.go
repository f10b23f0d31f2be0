package ipverse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourceFor(t *testing.T, srv *httptest.Server) *Source {
	t.Helper()
	var cfg Config
	cfg.Storage.Dir = t.TempDir()
	cfg.Upstream.ListURL = srv.URL + "/api/data/asns"
	cfg.Upstream.CIDRURL = srv.URL
	cfg.Upstream.RetryBackoff = "1ms"
	cfg.Upstream.Timeout = "5s"
	require.NoError(t, cfg.compile())
	return NewSource(cfg)
}

func TestListASNsDecodesPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "IR", r.URL.Query().Get("country"))
		assert.Equal(t, "20", r.URL.Query().Get("amount"))
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		_ = json.NewEncoder(w).Encode([]ASNRecord{
			{ASN: "AS64496", Type: "isp", NumberOfIPs: 4096},
			{ASN: "AS64497", Type: "inactive", NumberOfIPs: 256},
		})
	}))
	defer srv.Close()

	records, err := sourceFor(t, srv).ListASNs(context.Background(), "IR", 1)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "AS64496", records[0].ASN)
	assert.Equal(t, int64(4096), records[0].NumberOfIPs)
}

func TestListASNsEmptyPageMeansEndOfData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	records, err := sourceFor(t, srv).ListASNs(context.Background(), "US", 7)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestListASNsRetriesAfterRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `[{"asn":"AS64496","type":"isp","numberOfIps":10}]`)
	}))
	defer srv.Close()

	records, err := sourceFor(t, srv).ListASNs(context.Background(), "US", 1)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestListASNsRateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := sourceFor(t, srv).ListASNs(context.Background(), "US", 1)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusTooManyRequests, ue.StatusCode)
	assert.Equal(t, int32(3), calls.Load(), "three attempts, then give up")
}

func TestListASNsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := sourceFor(t, srv).ListASNs(context.Background(), "US", 1)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadGateway, ue.StatusCode)
}

func TestFetchCIDRBlockStripsHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/as/64496/ipv4-aggregated.txt", r.URL.Path)
		fmt.Fprint(w, "# AS64496\n# name\n#\n192.0.2.0/24\n198.51.100.0/24\n")
	}))
	defer srv.Close()

	text, ok, err := sourceFor(t, srv).FetchCIDRBlock(context.Background(), "64496")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.0/24\n198.51.100.0/24\n", text)
	assert.Equal(t, 2, countLines(text))
}

func TestFetchCIDRBlockNotFoundIsAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	text, ok, err := sourceFor(t, srv).FetchCIDRBlock(context.Background(), "64496")
	require.NoError(t, err, "missing upstream data is not an error")
	assert.False(t, ok)
	assert.Empty(t, text)
}

func TestSurvivingFiltersRecords(t *testing.T) {
	records := []ASNRecord{
		{ASN: "AS1", Type: "isp", NumberOfIPs: 100},
		{ASN: "AS2", Type: "inactive", NumberOfIPs: 100},
		{ASN: "AS3", Type: "hosting", NumberOfIPs: 0},
		{ASN: "AS4", Type: "business", NumberOfIPs: 1},
	}
	assert.Equal(t, []string{"1", "4"}, surviving(records))
}

func TestCountLines(t *testing.T) {
	assert.Equal(t, 0, countLines(""))
	assert.Equal(t, 0, countLines("\n\n"))
	assert.Equal(t, 2, countLines("192.0.2.0/24\n198.51.100.0/24"))
	assert.Equal(t, 2, countLines("192.0.2.0/24\n\n198.51.100.0/24\n"))
}

func TestStripHeader(t *testing.T) {
	assert.Equal(t, "a\nb\n", stripHeader("h1\nh2\nh3\na\nb\n"))
	assert.Equal(t, "", stripHeader("h1\nh2\nh3"))
	assert.Equal(t, "", stripHeader(""))
}
