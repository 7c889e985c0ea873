// Package identity talks to the upstream account/chart/record service that
// owns user profiles, chart metadata and uploaded replays. Every call is
// bounded by a short timeout: a slow upstream must never stall a room.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"chartmp/server/internal/codes"
)

// Timeouts for the bounded upstream calls. Short enough that a hung
// upstream call gives up well inside the session's 30 s heartbeat timeout.
const (
	authTimeout   = 8 * time.Second
	chartTimeout  = 8 * time.Second
	recordTimeout = 8 * time.Second
	quoteTimeout  = 3 * time.Second

	quoteCacheTTL    = 60 * time.Second
	quoteCoalesceWin = 600 * time.Millisecond
)

// Profile is the authenticated account identity returned by /me.
type Profile struct {
	UserID   uint32 `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Banned   bool   `json:"banned"`
}

// Chart is the subset of chart metadata the room needs to validate a
// SelectChart command and size the dangle/session bookkeeping.
type Chart struct {
	ChartID uint32 `json:"id"`
	Title   string `json:"name"`
	Exists  bool   `json:"exists"`
}

// Record is the uploaded-replay summary returned by GET /record/{id}, used
// to validate a client's Played claim against what the record service
// actually stored rather than trusting the client's self-reported numbers.
type Record struct {
	RecordID  uint32  `json:"id"`
	Player    uint32  `json:"player"`
	Score     uint32  `json:"score"`
	Perfect   uint32  `json:"perfect"`
	Good      uint32  `json:"good"`
	Bad       uint32  `json:"bad"`
	Miss      uint32  `json:"miss"`
	MaxCombo  uint32  `json:"maxCombo"`
	Accuracy  float32 `json:"accuracy"`
	FullCombo bool    `json:"fullCombo"`
	Std       float32 `json:"std"`
	StdScore  uint32  `json:"stdScore"`
}

// Client is a bounded-timeout HTTP client over the identity service.
// Grounded on the fetch-with-timeout-and-redirect-cap discipline used for
// chat link previews in the teacher repo, applied here to JSON endpoints
// instead of HTML scraping.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]

	quoteMu       sync.Mutex
	quoteCached   string
	quoteFetched  time.Time
	quoteInFlight *sync.WaitGroup
}

// New constructs a Client against baseURL (e.g. "https://id.example.com").
// A circuit breaker sits in front of the account/chart/record endpoints so a
// struggling upstream fails fast instead of piling up timed-out requests
// against it.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "identity",
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
	}
}

// do executes req through the breaker, treating any 5xx response as a
// failure so a flaky upstream trips the breaker on its own responses, not
// just on transport errors.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	return c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("identity upstream %s: status %d", req.URL.Path, resp.StatusCode)
		}
		return resp, nil
	})
}

// Me fetches the profile owning token. Returns codes.AuthInvalidToken if the
// upstream rejects the token, codes.NetRequestTimeout if the call times out,
// codes.AuthFetchMeFailed on any other failure.
func (c *Client) Me(ctx context.Context, token string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/me", nil)
	if err != nil {
		return nil, codes.New(codes.AuthFetchMeFailed)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, codes.New(codes.NetRequestTimeout)
		}
		return nil, codes.New(codes.AuthFetchMeFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, codes.New(codes.AuthInvalidToken)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, codes.New(codes.AuthFetchMeFailed)
	}

	var p Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&p); err != nil {
		return nil, codes.New(codes.AuthFetchMeFailed)
	}
	return &p, nil
}

// ChartByID fetches chart metadata. Returns codes.ChartFetchFailed on
// upstream failure; a successful response with Exists=false is a normal,
// non-error "no such chart" result the caller turns into a validation error.
func (c *Client) ChartByID(ctx context.Context, chartID uint32) (*Chart, error) {
	ctx, cancel := context.WithTimeout(ctx, chartTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/chart/%d", c.baseURL, chartID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, codes.New(codes.ChartFetchFailed)
	}

	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, codes.New(codes.NetRequestTimeout)
		}
		return nil, codes.New(codes.ChartFetchFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Chart{ChartID: chartID, Exists: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, codes.New(codes.ChartFetchFailed)
	}

	var ch Chart
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&ch); err != nil {
		return nil, codes.New(codes.ChartFetchFailed)
	}
	ch.Exists = true
	return &ch, nil
}

// Record fetches an uploaded replay's summary by ID, used to validate a
// Played command against the record service's own numbers instead of
// whatever the client self-reports on the wire. Returns
// codes.RecordInvalid if the upstream has no such record.
func (c *Client) Record(ctx context.Context, recordID uint32) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/record/%d", c.baseURL, recordID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, codes.New(codes.RecordFetchFailed)
	}

	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, codes.New(codes.NetRequestTimeout)
		}
		return nil, codes.New(codes.RecordFetchFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, codes.New(codes.RecordInvalid)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, codes.New(codes.RecordFetchFailed)
	}

	var rec Record
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&rec); err != nil {
		return nil, codes.New(codes.RecordFetchFailed)
	}
	return &rec, nil
}

// Quote returns an inspirational quote. Results are cached for
// quoteCacheTTL, and callers that arrive while a fetch is in flight wait for
// it and share its result. There is no coalescing window beyond that
// in-flight fetch: quoteCoalesceWin is not used.
func (c *Client) Quote(ctx context.Context) (string, error) {
	c.quoteMu.Lock()
	if time.Since(c.quoteFetched) < quoteCacheTTL && c.quoteCached != "" {
		q := c.quoteCached
		c.quoteMu.Unlock()
		return q, nil
	}
	if c.quoteInFlight != nil {
		wg := c.quoteInFlight
		c.quoteMu.Unlock()
		wg.Wait()
		c.quoteMu.Lock()
		q := c.quoteCached
		c.quoteMu.Unlock()
		if q == "" {
			return "", codes.New(codes.NetRequestTimeout)
		}
		return q, nil
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.quoteInFlight = wg
	c.quoteMu.Unlock()

	defer func() {
		c.quoteMu.Lock()
		c.quoteInFlight = nil
		c.quoteMu.Unlock()
		wg.Done()
	}()

	q, err := c.fetchQuote(ctx)
	if err != nil {
		return "", err
	}

	c.quoteMu.Lock()
	c.quoteCached = q
	c.quoteFetched = time.Now()
	c.quoteMu.Unlock()
	return q, nil
}

func (c *Client) fetchQuote(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote", nil)
	if err != nil {
		return "", codes.New(codes.NetRequestTimeout)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", codes.New(codes.NetRequestTimeout)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", codes.New(codes.NetRequestTimeout)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out); err != nil {
		return "", codes.New(codes.NetRequestTimeout)
	}
	return out.Text, nil
}
