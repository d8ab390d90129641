package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alanbriolat/video-library/internal/pubsub"
	"github.com/alanbriolat/video-library/internal/queue"
)

const (
	MessageSnapshot   = "SNAPSHOT"
	MessageJobAdded   = "JOB_ADDED"
	MessageJobUpdated = "JOB_UPDATED"
	MessageJobRemoved = "JOB_REMOVED"

	writeTimeout = 10 * time.Second
)

type (
	// ActivityMessage is pushed to websocket clients. A SNAPSHOT carries Jobs, every other type carries Job.
	ActivityMessage struct {
		Type string          `json:"type"`
		Job  *queue.JobView  `json:"job,omitempty"`
		Jobs []queue.JobView `json:"jobs,omitempty"`
	}

	EventSource interface {
		Subscribe() (pubsub.ReceiverCloser[queue.Event], error)
		Snapshot() []queue.JobView
	}

	// activityHub streams job events to websocket clients. Each client gets its own lossy subscription, so a slow
	// client misses updates rather than stalling the queue; polling stays authoritative.
	activityHub struct {
		source   EventSource
		upgrader *websocket.Upgrader
		closing  chan struct{}
		once     sync.Once
		clients  sync.WaitGroup
		log      *zap.SugaredLogger
	}
)

func newActivityHub(source EventSource) *activityHub {
	return &activityHub{
		source: source,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		closing: make(chan struct{}),
		log:     zap.S().Named("api").Named("activity"),
	}
}

func (hub *activityHub) close() {
	hub.once.Do(func() { close(hub.closing) })
	hub.clients.Wait()
}

func (hub *activityHub) serve(w http.ResponseWriter, r *http.Request) {
	hub.clients.Add(1)
	defer hub.clients.Done()
	select {
	case <-hub.closing:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	events, err := hub.source.Subscribe()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer events.Close()

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response
		hub.log.Warnf("failed to upgrade to websocket: %v", err)
		return
	}
	defer conn.Close()
	log := hub.log.With("remote", r.RemoteAddr)
	log.Debug("client connected")
	defer log.Debug("client disconnected")

	// Nothing is expected from the client, but reading is needed to notice it going away
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := hub.write(conn, ActivityMessage{Type: MessageSnapshot, Jobs: hub.source.Snapshot()}); err != nil {
		return
	}
	for {
		select {
		case event, ok := <-events.Receive():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
				return
			}
			if err := hub.write(conn, newActivityMessage(event)); err != nil {
				log.Debugf("write failed: %v", err)
				return
			}
		case <-disconnected:
			return
		case <-hub.closing:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
			return
		}
	}
}

func (hub *activityHub) write(conn *websocket.Conn, message ActivityMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(message)
}

func newActivityMessage(event queue.Event) ActivityMessage {
	switch e := event.(type) {
	case queue.JobAdded:
		return ActivityMessage{Type: MessageJobAdded, Job: &e.Job}
	case queue.JobUpdated:
		return ActivityMessage{Type: MessageJobUpdated, Job: &e.New}
	case queue.JobRemoved:
		return ActivityMessage{Type: MessageJobRemoved, Job: &e.Job}
	default:
		panic("unhandled event type")
	}
}
