package watch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hdlci/coreci/internal/events"
	"github.com/hdlci/coreci/internal/history"
)

// --- Message types ---

type eventsMsg []events.Event

type runsMsg []history.RunSummary

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type tickMsg time.Time

type errMsg error

var httpClient = &http.Client{Timeout: 2 * time.Second}

// --- Commands ---

// fetchEvents polls /v1/events for buffered scheduler events newer than
// lastID. The server serves its ring buffer snapshot, so a watcher that
// attaches mid-run still sees recent history.
func fetchEvents(apiURL string, lastID int64) tea.Cmd {
	return func() tea.Msg {
		resp, err := httpClient.Get(fmt.Sprintf("%s/v1/events?since=%d", apiURL, lastID))
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()

		// A history-only server has no scheduler hub attached; show the
		// recorded runs without a live stream.
		if resp.StatusCode == http.StatusNotFound {
			return eventsMsg(nil)
		}
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events: unexpected status %s", resp.Status))
		}

		var evs []events.Event
		if err := json.NewDecoder(resp.Body).Decode(&evs); err != nil {
			return errMsg(err)
		}
		return eventsMsg(evs)
	}
}

// fetchRuns queries /v1/runs for recorded run history.
func fetchRuns(apiURL string) tea.Cmd {
	return func() tea.Msg {
		resp, err := httpClient.Get(apiURL + "/v1/runs?limit=20")
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("runs: unexpected status %s", resp.Status))
		}

		var runs []history.RunSummary
		if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
			return errMsg(err)
		}
		return runsMsg(runs)
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(apiURL string) tea.Cmd {
	return func() tea.Msg {
		resp, err := httpClient.Get(apiURL + "/healthz")
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()

		var h healthMsg
		if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
			return errMsg(err)
		}
		return h
	}
}
