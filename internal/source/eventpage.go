package source

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/resilience"
)

const (
	// EventPageName is the adapter name used in scope files.
	EventPageName = "eventpage"

	defaultMaxBody   = 2 << 20
	defaultUserAgent = "Mozilla/5.0 (compatible; RadarBot/1.0)"
)

// EventPageAdapter reads schema.org Event markup from configured HTML pages.
type EventPageAdapter struct {
	client    *http.Client
	guard     *resilience.Guard
	maxBody   int64
	userAgent string
	now       func() time.Time

	mu sync.Mutex // one outstanding fetch per adapter
}

// EventPageOption configures an EventPageAdapter.
type EventPageOption func(*EventPageAdapter)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) EventPageOption {
	return func(a *EventPageAdapter) { a.client = hc }
}

// WithMaxBody caps the bytes read per page.
func WithMaxBody(n int64) EventPageOption {
	return func(a *EventPageAdapter) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) EventPageOption {
	return func(a *EventPageAdapter) {
		if ua != "" {
			a.userAgent = ua
		}
	}
}

// NewEventPageAdapter creates an EventPageAdapter.
func NewEventPageAdapter(guard *resilience.Guard, opts ...EventPageOption) *EventPageAdapter {
	a := &EventPageAdapter{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		guard:     guard,
		maxBody:   defaultMaxBody,
		userAgent: defaultUserAgent,
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *EventPageAdapter) Name() string     { return EventPageName }
func (a *EventPageAdapter) Kind() model.Kind { return model.KindEvent }

// Fetch reads every page in scope.URLs. Pages that fail after retries and
// malformed JSON-LD blocks are counted and skipped.
func (a *EventPageAdapter) Fetch(ctx context.Context, scope model.Scope) (*Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(scope.URLs) == 0 {
		return nil, eris.Errorf("eventpage: scope %s has no urls", scope.Key())
	}
	log := zap.L().With(zap.String("adapter", EventPageName), zap.String("scope", scope.Key()))

	res := &Result{}
	var firstErr error
	failedPages := 0
	for _, pageURL := range scope.URLs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		events, parseFailures, err := a.fetchPage(ctx, pageURL)
		res.Requests++
		res.Failures += parseFailures
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			failedPages++
			res.Failures++
			if firstErr == nil {
				firstErr = err
			}
			log.Warn("page fetch failed", zap.String("url", pageURL), zap.Error(err))
			continue
		}
		res.Candidates = append(res.Candidates, events...)
	}

	if failedPages == len(scope.URLs) && firstErr != nil {
		return res, eris.Wrapf(firstErr, "eventpage: all %d pages failed", failedPages)
	}
	log.Info("pages read",
		zap.Int("pages", len(scope.URLs)),
		zap.Int("candidates", len(res.Candidates)),
		zap.Int("failures", res.Failures),
	)
	return res, nil
}

func (a *EventPageAdapter) fetchPage(ctx context.Context, pageURL string) ([]model.RawCandidate, int, error) {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return nil, 0, eris.Errorf("eventpage: invalid url %q", pageURL)
	}
	provider := "html:" + strings.ToLower(base.Hostname())

	body, err := resilience.Call(ctx, a.guard, provider, "get_page", func(ctx context.Context) ([]byte, error) {
		return a.get(ctx, provider, pageURL)
	})
	if err != nil {
		return nil, 0, err
	}

	blocks, err := extractLDBlocks(body)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "eventpage: parse html %s", pageURL)
	}

	fetchedAt := a.now().UTC()
	var (
		out      []model.RawCandidate
		failures int
	)
	for _, block := range blocks {
		events, err := parseLDEvents(block, base)
		if err != nil {
			failures++
			zap.L().Debug("skipping malformed json-ld", zap.String("url", pageURL), zap.Error(err))
			continue
		}
		for _, ev := range events {
			if strings.HasSuffix(ev.Status, "EventCancelled") {
				continue
			}
			out = append(out, ev.toRaw(provider, pageURL, fetchedAt))
		}
	}
	return out, failures, nil
}

func (a *EventPageAdapter) get(ctx context.Context, provider, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "eventpage: create request")
	}
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "eventpage: fetch %s", pageURL)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBody+1))
	if err != nil {
		return nil, eris.Wrap(err, "eventpage: read body")
	}
	if blocked, kind := detectBlock(resp, body); blocked {
		return nil, eris.Errorf("eventpage: %s blocked (%s)", pageURL, kind)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.StatusError(provider, resp.StatusCode, string(body))
	}
	if int64(len(body)) > a.maxBody {
		return nil, eris.Errorf("eventpage: %s exceeds %d bytes", pageURL, a.maxBody)
	}
	return body, nil
}

func (ev ldEvent) toRaw(provider, pageURL string, fetchedAt time.Time) model.RawCandidate {
	key := ev.ID
	if key == "" {
		key = ev.URL
	}
	link := ev.URL
	if link == "" {
		link = pageURL
	}
	return model.RawCandidate{
		Source:      provider,
		Kind:        model.KindEvent,
		ExternalID:  key,
		Name:        ev.Name,
		Address:     ev.Location,
		Lat:         ev.Lat,
		Lng:         ev.Lng,
		StartRaw:    ev.StartDate,
		EndRaw:      ev.EndDate,
		Description: ev.Description,
		URL:         link,
		Payload:     ev.Raw,
		FetchedAt:   fetchedAt,
	}
}
