package ipverse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, cfg Config) (*Service, *httptest.Server) {
	t.Helper()
	svc, err := NewService(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
	})
	return svc, srv
}

func TestReportEndpoint(t *testing.T) {
	cidr := map[string]string{"64500": "192.0.2.0/24\n198.51.100.0/24\n"}
	up := newFakeUpstream([][]ASNRecord{activePage(64500, 1)}, cidr)
	defer up.Close()

	_, srv := newTestService(t, testConfig(t, up))

	resp, err := http.Get(srv.URL + "/v1/report?country=us")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res ReportResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "US", res.Country)
	assert.Equal(t, 1, res.TotalASNs)
	assert.Equal(t, 2, res.TotalIPRanges)
	assert.False(t, res.Cached)

	// The artifact is downloadable once built.
	resp, err = http.Get(srv.URL + "/v1/report/file?country=US")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := new(strings.Builder)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		fmt.Fprintln(body, sc.Text())
	}
	assert.Contains(t, body.String(), "192.0.2.0/24")

	// Stats reflect the completed build.
	resp, err = http.Get(srv.URL + "/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var ss statsSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ss))
	assert.Equal(t, uint64(1), ss.BuildsCompleted)
}

func TestReportEndpointValidatesCountry(t *testing.T) {
	up := newFakeUpstream(nil, nil)
	defer up.Close()
	_, srv := newTestService(t, testConfig(t, up))

	for _, q := range []string{"", "country=USA", "country=u1"} {
		resp, err := http.Get(srv.URL + "/v1/report?" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestReportEndpointInvalidCountry(t *testing.T) {
	up := newFakeUpstream(nil, nil) // upstream has no data at all
	defer up.Close()
	_, srv := newTestService(t, testConfig(t, up))

	resp, err := http.Get(srv.URL + "/v1/report?country=zz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestReportEndpointQuota(t *testing.T) {
	cidr := map[string]string{"64500": "192.0.2.0/24\n"}
	up := newFakeUpstream([][]ASNRecord{activePage(64500, 1)}, cidr)
	defer up.Close()

	cfg := testConfig(t, up)
	cfg.Quota.Enabled = true
	cfg.Quota.FreeDaily = 1
	cfg.Quota.CoinCost = 1
	_, srv := newTestService(t, cfg)

	resp, err := http.Get(srv.URL + "/v1/report?country=us&user=alice")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/report?country=de&user=alice")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// A different user is unaffected.
	resp, err = http.Get(srv.URL + "/v1/report?country=us&user=bob")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReportEndpointStreamsProgress(t *testing.T) {
	cidr := map[string]string{"64500": "192.0.2.0/24\n"}
	up := newFakeUpstream([][]ASNRecord{activePage(64500, 1)}, cidr)
	defer up.Close()

	_, srv := newTestService(t, testConfig(t, up))

	resp, err := http.Get(srv.URL + "/v1/report?country=us&progress=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	require.GreaterOrEqual(t, len(lines), 2, "at least one update plus the terminal line")

	var update ProgressUpdate
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &update))
	assert.Equal(t, "US", update.Country)

	var terminal struct {
		Result *ReportResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &terminal))
	require.NotNil(t, terminal.Result)
	assert.Equal(t, 1, terminal.Result.TotalASNs)
}

func TestReportFileNotFoundBeforeBuild(t *testing.T) {
	up := newFakeUpstream(nil, nil)
	defer up.Close()
	_, srv := newTestService(t, testConfig(t, up))

	resp, err := http.Get(srv.URL + "/v1/report/file?country=us")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	up := newFakeUpstream(nil, nil)
	defer up.Close()
	cfg := testConfig(t, up)
	svc, _ := newTestService(t, cfg)

	old := filepath.Join(cfg.Storage.Dir, "ips-us-old.txt")
	require.NoError(t, os.WriteFile(old, []byte("192.0.2.0/24\n"), 0o644))

	now := time.Now()
	yesterday := now.AddDate(0, 0, -2).Format("2006-01-02")
	today := now.Format("2006-01-02")
	require.NoError(t, svc.store.Put("US", yesterday, CacheEntry{FilePath: old, Cached: true, ASNCount: 1}))
	require.NoError(t, svc.store.Put("US", today, CacheEntry{Cached: true, ASNCount: 1}))

	svc.sweepOnce(now)

	_, ok := svc.store.Get("US", yesterday)
	assert.False(t, ok, "expired entry removed")
	assert.NoFileExists(t, old, "expired artifact removed")
	_, ok = svc.store.Get("US", today)
	assert.True(t, ok, "today's entry kept")
}
