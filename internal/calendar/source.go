package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/volguard/controlplane/pkg/types"
)

const tradingViewEventsURL = "https://economic-calendar.tradingview.com/events"

// tradingViewEvent is the subset of the upstream feed's event shape this
// module cares about.
type tradingViewEvent struct {
	Title   string `json:"title"`
	Country string `json:"country"`
	Date    int64  `json:"date"`
}

type tradingViewResponse struct {
	Result []tradingViewEvent `json:"result"`
}

// TradingViewSource fetches India/US economic events from TradingView's
// public calendar feed, same source and country filter as the original
// Python calendar engine.
type TradingViewSource struct {
	client *http.Client
}

// NewTradingViewSource returns a Source backed by an HTTP client with a
// 10s timeout, matching the original fetch's timeout.
func NewTradingViewSource() *TradingViewSource {
	return &TradingViewSource{client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *TradingViewSource) FetchUpcoming(ctx context.Context, window time.Duration) ([]types.CalendarEvent, error) {
	now := time.Now()
	q := url.Values{}
	q.Set("from", strconv.FormatInt(now.Unix(), 10))
	q.Set("to", strconv.FormatInt(now.Add(window).Unix(), 10))
	q.Set("countries", "IN,US")
	q.Set("importance", "1,2,3")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tradingViewEventsURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar: upstream returned %d", resp.StatusCode)
	}

	var body tradingViewResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	events := make([]types.CalendarEvent, 0, len(body.Result))
	for _, item := range body.Result {
		if item.Date == 0 || item.Title == "" {
			continue
		}
		events = append(events, types.CalendarEvent{
			Name: item.Title,
			Time: time.Unix(item.Date, 0),
		})
	}
	return events, nil
}

// StaticSource returns a fixed event list, used in paper mode or tests
// where hitting the real upstream feed is undesirable.
type StaticSource struct {
	Events []types.CalendarEvent
}

func (s StaticSource) FetchUpcoming(ctx context.Context, window time.Duration) ([]types.CalendarEvent, error) {
	cutoff := time.Now().Add(window)
	out := make([]types.CalendarEvent, 0, len(s.Events))
	for _, e := range s.Events {
		if e.Time.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}
