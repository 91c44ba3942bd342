// Package pgnotify carries change events over PostgreSQL LISTEN/NOTIFY.
package pgnotify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models/events"
)

const DefaultChannel = "ledger_changes"

// Publisher sends each event as a NOTIFY payload.
type Publisher struct {
	db      *sql.DB
	channel string
}

func NewPublisher(db *sql.DB, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{db: db, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, event events.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, p.channel, string(data))
	return err
}

// Listener is a ChangeFeed over one NOTIFY channel, filtered to one user.
type Listener struct {
	dsn     string
	channel string
	userID  string
	log     zerolog.Logger
}

func NewListener(dsn, channel, userID string, log zerolog.Logger) *Listener {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Listener{
		dsn:     dsn,
		channel: channel,
		userID:  userID,
		log:     log.With().Str("component", "pgnotify").Logger(),
	}
}

func (l *Listener) Subscribe(ctx context.Context) (<-chan events.ChangeEvent, error) {
	pl := pq.NewListener(l.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.log.Warn().Err(err).Int("event", int(ev)).Msg("listener connection event")
		}
	})
	if err := pl.Listen(l.channel); err != nil {
		pl.Close()
		return nil, fmt.Errorf("listen on %s: %w", l.channel, err)
	}

	out := make(chan events.ChangeEvent)
	go func() {
		defer close(out)
		defer pl.Close()
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				go pl.Ping()
			case n := <-pl.Notify:
				// A nil notification means the connection was re-established
				// and notifications may have been lost.
				if n == nil {
					l.log.Info().Msg("listener reconnected")
					continue
				}
				ev, ok := l.decode(n.Extra)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (l *Listener) decode(payload string) (events.ChangeEvent, bool) {
	var ev events.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		l.log.Warn().Err(err).Msg("skipping undecodable notification")
		return ev, false
	}
	return ev, ev.UserID == l.userID
}
