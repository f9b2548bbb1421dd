// Package ws pushes change-feed events to authenticated clients. Frames are
// {table, event} JSON; the client re-fetches on receipt.
package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"hexclaim.io/internal/auth"
	"hexclaim.io/internal/changefeed"
	"hexclaim.io/internal/protocol"
)

// Subscriber is the part of territory.Backend this server needs.
type Subscriber interface {
	Subscribe(ctx context.Context) (*changefeed.Subscription, error)
}

type Server struct {
	feed Subscriber
	log  *log.Logger

	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

func NewServer(feed Subscriber, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		feed: feed,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		pingInterval: 25 * time.Second,
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		player := auth.Subject(r.Context())
		conn, err := s.upgrader.Upgrade(rw, r, http.Header{protocol.HeaderVersion: []string{protocol.Version}})
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sub, err := s.feed.Subscribe(ctx)
		if err != nil {
			s.log.Printf("changes %s: subscribe: %v", player, err)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "feed unavailable"), time.Now().Add(time.Second))
			return
		}
		defer sub.Close()

		// Writer goroutine.
		go func() {
			ping := time.NewTicker(s.pingInterval)
			defer ping.Stop()
			// Closing unblocks the reader loop.
			defer conn.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case <-sub.Done():
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"), time.Now().Add(time.Second))
					cancel()
					return
				case ev := <-sub.Events():
					b, _ := json.Marshal(protocol.ChangeFrame{Table: ev.Table, Event: ev.Event})
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop: clients send nothing but control frames.
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}
}
