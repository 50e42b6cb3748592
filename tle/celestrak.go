// Package tle keeps catalog element sets current by polling a CelesTrak
// style GP endpoint.
package tle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/satops/internal/apperr"
	"github.com/signalsfoundry/satops/orbit"
)

const (
	DefaultSourceURL = "https://celestrak.org/NORAD/elements/gp.php"

	defaultFetchTimeout = 30 * time.Second
	maxResponseBytes    = 64 * 1024
)

// Celestrak fetches the latest element set for a NORAD catalog number.
type Celestrak struct {
	baseURL    string
	httpClient *http.Client
}

// NewCelestrak returns a client for baseURL, DefaultSourceURL when empty. A
// nil httpClient gets a 30 second timeout.
func NewCelestrak(baseURL string, httpClient *http.Client) *Celestrak {
	if baseURL == "" {
		baseURL = DefaultSourceURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &Celestrak{baseURL: baseURL, httpClient: httpClient}
}

// Fetch requests ?CATNR=<noradID>&FORMAT=TLE and returns the two element
// lines. An unknown catalog number is apperr.ErrNotFound; transport
// failures and non-2xx replies are apperr.ErrUpstreamUnavailable.
func (c *Celestrak) Fetch(ctx context.Context, noradID int) (orbit.TLE, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return orbit.TLE{}, fmt.Errorf("parse tle source url: %w", err)
	}
	q := u.Query()
	q.Set("CATNR", strconv.Itoa(noradID))
	q.Set("FORMAT", "TLE")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return orbit.TLE{}, fmt.Errorf("build tle request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return orbit.TLE{}, fmt.Errorf("%w: fetch tle for %d: %w", apperr.ErrUpstreamUnavailable, noradID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return orbit.TLE{}, fmt.Errorf("%w: fetch tle for %d: status %d", apperr.ErrUpstreamUnavailable, noradID, resp.StatusCode)
	}
	return parse(io.LimitReader(resp.Body, maxResponseBytes), noradID)
}

// parse accepts the two-line and three-line (name first) formats.
func parse(r io.Reader, noradID int) (orbit.TLE, error) {
	var tle orbit.TLE
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \r")
		switch {
		case strings.HasPrefix(line, "1 ") && tle.Line1 == "":
			tle.Line1 = line
		case strings.HasPrefix(line, "2 ") && tle.Line1 != "" && tle.Line2 == "":
			tle.Line2 = line
		}
	}
	if err := sc.Err(); err != nil {
		return orbit.TLE{}, fmt.Errorf("%w: read tle for %d: %w", apperr.ErrUpstreamUnavailable, noradID, err)
	}
	if tle.Empty() {
		return orbit.TLE{}, fmt.Errorf("%w: no element set for catalog number %d", apperr.ErrNotFound, noradID)
	}
	if err := tle.Validate(); err != nil {
		return orbit.TLE{}, fmt.Errorf("element set for %d: %w", noradID, err)
	}
	if got, _ := strconv.Atoi(strings.TrimSpace(tle.Line1[2:7])); got != noradID {
		return orbit.TLE{}, fmt.Errorf("%w: asked for catalog number %d, got %q",
			apperr.ErrUpstreamUnavailable, noradID, tle.Line1[2:7])
	}
	return tle, nil
}
