package server

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chorus/internal/repo"
)

const (
	defaultStreamInterval = 500 * time.Millisecond
	streamWriteTimeout    = 5 * time.Second
)

type streamMessage struct {
	Type  string         `json:"type"`
	Event *EventResponse `json:"event,omitempty"`
	Error string         `json:"error,omitempty"`
}

// eventStream pushes ledger events to websocket subscribers. Query
// parameters: after (event id to resume from, default latest) and types
// (comma separated event types).
type eventStream struct {
	repo     repo.Repo
	interval time.Duration
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func newEventStream(r repo.Repo, interval time.Duration, origins []string, log zerolog.Logger) eventStream {
	return eventStream{
		repo:     r,
		interval: interval,
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(origins)},
	}
}

// originChecker accepts requests without an Origin header (non-browser
// clients), same-host origins and the configured list.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if set["*"] || set[strings.ToLower(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

func (s eventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var cursor int64
	if after := q.Get("after"); after != "" {
		parsed, err := strconv.ParseInt(after, 10, 64)
		if err != nil || parsed < 0 {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid after cursor", map[string]any{"after": after}))
			return
		}
		cursor = parsed
	} else {
		latest, err := s.repo.LatestEventID(r.Context())
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		cursor = latest
	}
	var types []string
	if raw := q.Get("types"); raw != "" {
		types = strings.Split(raw, ",")
	}
	filter := newEventFilter(types)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debug().Err(err).Msg("stream client closed")
				}
				return
			}
		}
	}()

	interval := s.interval
	if interval <= 0 {
		interval = defaultStreamInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		evts, err := s.repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Msg("stream fetch failed")
			_ = s.write(conn, streamMessage{Type: "error", Error: "event fetch failed"})
			return
		}
		for _, evt := range evts {
			cursor = evt.ID
			if !filter.match(evt.Type) {
				continue
			}
			resp := eventResponse(evt)
			if err := s.write(conn, streamMessage{Type: "event", Event: &resp}); err != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s eventStream) write(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(msg)
}
