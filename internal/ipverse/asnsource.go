package ipverse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Source adapts the remote ASN corpus: a paginated JSON listing of ASNs per
// country, and a plain-text aggregated CIDR file per ASN.
type Source struct {
	listURL  string
	cidrURL  string
	pageSize int

	retryAttempts int
	retryBackoff  time.Duration

	httpClient *http.Client

	rateLimitLog *rateLimitedLogger
}

func NewSource(cfg Config) *Source {
	return &Source{
		listURL:       cfg.Upstream.ListURL,
		cidrURL:       cfg.Upstream.CIDRURL,
		pageSize:      cfg.Upstream.PageSize,
		retryAttempts: cfg.Upstream.RetryAttempts,
		retryBackoff:  cfg.Upstream.retryBackoffDur,
		httpClient:    &http.Client{Timeout: cfg.Upstream.timeoutDur},
		rateLimitLog:  newRateLimitedLogger(1 * time.Minute),
	}
}

// ListASNs fetches one listing page. An empty slice with a nil error means the
// listing ran out of pages; an error means the page could not be fetched at
// all. HTTP 429 is retried with a fixed backoff before giving up.
func (s *Source) ListASNs(ctx context.Context, country string, page int) ([]ASNRecord, error) {
	q := url.Values{}
	q.Set("country", country)
	q.Set("amount", fmt.Sprint(s.pageSize))
	q.Set("page", fmt.Sprint(page))
	reqURL := s.listURL + "?" + q.Encode()

	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("list asns page %d: %w", page, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			s.rateLimitLog.Printf("rate limited on page %d, retry %d/%d", page, attempt, s.retryAttempts)
			if attempt < s.retryAttempts {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(s.retryBackoff):
				}
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, &UpstreamError{StatusCode: resp.StatusCode}
		}

		var records []ASNRecord
		err = json.NewDecoder(resp.Body).Decode(&records)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode page %d: %w", page, err)
		}
		return records, nil
	}

	return nil, &UpstreamError{StatusCode: http.StatusTooManyRequests}
}

// FetchCIDRBlock fetches the aggregated IPv4 CIDR list for one ASN. ok=false
// with a nil error means the ASN has no published data; the build skips it.
// The upstream file starts with three header lines which are stripped.
func (s *Source) FetchCIDRBlock(ctx context.Context, asn string) (string, bool, error) {
	reqURL := fmt.Sprintf("%s/as/%s/ipv4-aggregated.txt", s.cidrURL, asn)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", false, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("fetch asn %s: %w", asn, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, &UpstreamError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("read asn %s: %w", asn, err)
	}
	return stripHeader(string(body)), true, nil
}

// stripHeader drops the three metadata lines at the top of an aggregated CIDR
// file, leaving one CIDR block per line.
func stripHeader(text string) string {
	lines := strings.SplitN(text, "\n", 4)
	if len(lines) < 4 {
		return ""
	}
	return lines[3]
}

// surviving filters a listing page down to usable records: inactive ASNs and
// ASNs advertising zero IPs are discarded, and the "AS" prefix is stripped.
func surviving(records []ASNRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		if r.Type == "inactive" || r.NumberOfIPs == 0 {
			continue
		}
		out = append(out, strings.TrimPrefix(r.ASN, "AS"))
	}
	return out
}

// countLines counts non-empty lines of CIDR text.
func countLines(text string) int {
	n := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
