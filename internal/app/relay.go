package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"sigs.k8s.io/yaml"

	"github.com/otterscale/kube-explorer/internal/config"
	"github.com/otterscale/kube-explorer/internal/core"
)

// StreamRelayPath is where the stream relay is mounted.
const StreamRelayPath = "/api/stream/v1"

const (
	relayWriteWait      = 10 * time.Second
	relayPongWait       = 60 * time.Second
	relayPingPeriod     = relayPongWait * 9 / 10
	relayMaxMessageSize = 1 << 20
)

const errUnknownMethod = "Unknown method"

// StreamRelay serves the stream protocol over websocket connections,
// answering kubeObjects.watch subscriptions from the explorer's own
// stream transport. Another explorer can point its stream.url at it.
type StreamRelay struct {
	connect   func(context.Context) error
	transport core.StreamTransport
	upgrader  websocket.Upgrader
	log       *slog.Logger
}

// NewStreamRelay returns a relay over transport. The object cache
// owns the transport connection; the relay shares it.
func NewStreamRelay(cache *core.ObjectCache, transport core.StreamTransport, conf *config.Config) *StreamRelay {
	return newStreamRelay(cache.Connect, transport, conf.ServerAllowedOrigins())
}

func newStreamRelay(connect func(context.Context) error, transport core.StreamTransport, origins []string) *StreamRelay {
	r := &StreamRelay{
		connect:   connect,
		transport: transport,
		log:       slog.Default().With("component", "stream-relay"),
	}
	r.upgrader = websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			origin := req.Header.Get("Origin")
			return origin == "" || len(origins) == 0 || slices.Contains(origins, origin)
		},
	}
	return r
}

// ServeHTTP upgrades the request and serves calls until the peer
// disconnects. Subscriptions left open are cancelled then.
func (r *StreamRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &relaySession{
		relay: r,
		conn:  conn,
		subs:  map[string]string{},
		done:  make(chan struct{}),
		log:   r.log.With("remote", req.RemoteAddr),
	}
	s.serve(req.Context())
}

// relaySession is one websocket connection. subs maps the call id a
// peer opened a subscription with to the transport's subscription id.
type relaySession struct {
	relay *StreamRelay
	conn  *websocket.Conn
	log   *slog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]string

	done chan struct{}
}

func (s *relaySession) serve(ctx context.Context) {
	defer s.close()

	s.conn.SetReadLimit(relayMaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})
	go s.pingLoop()

	s.log.Debug("stream peer connected")

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("stream peer read failed", "error", err)
			}
			return
		}

		var call core.StreamCall
		if err := json.Unmarshal(data, &call); err != nil || call.ID == "" {
			s.log.Warn("dropping malformed stream frame", "error", err)
			continue
		}
		if call.Type != core.StreamMessageCall {
			s.reply(core.StreamReply{ID: call.ID, Error: "Unknown message type"})
			continue
		}

		s.handle(ctx, call)
	}
}

func (s *relaySession) handle(ctx context.Context, call core.StreamCall) {
	switch call.Method {
	case core.MethodWatchObjects:
		s.watch(ctx, call)
	case core.MethodCancel:
		s.cancel(call.ID)
		s.reply(core.StreamReply{ID: call.ID, Result: core.StreamResultOK})
	default:
		s.reply(core.StreamReply{ID: call.ID, Error: errUnknownMethod})
	}
}

func (s *relaySession) watch(ctx context.Context, call core.StreamCall) {
	if err := s.relay.connect(ctx); err != nil {
		s.reply(core.StreamReply{ID: call.ID, Error: err.Error()})
		return
	}

	s.mu.Lock()
	_, dup := s.subs[call.ID]
	s.mu.Unlock()
	if dup {
		s.reply(core.StreamReply{ID: call.ID, Error: "subscription " + call.ID + " already exists"})
		return
	}

	subID, err := s.relay.transport.Subscribe(call.Method, call.Params, func(ev core.StreamEvent) {
		s.push(call.ID, ev)
	})
	if err != nil {
		s.reply(core.StreamReply{ID: call.ID, Error: err.Error()})
		return
	}

	s.mu.Lock()
	s.subs[call.ID] = subID
	s.mu.Unlock()
	s.log.Debug("subscription opened", "call_id", call.ID, "subscription_id", subID)
}

func (s *relaySession) push(callID string, ev core.StreamEvent) {
	if ev.Err != nil {
		s.reply(core.StreamReply{ID: callID, Error: ev.Err.Error()})
		return
	}

	result, err := watchResult(ev)
	if err != nil {
		s.log.Warn("dropping unrenderable event", "call_id", callID, "error", err)
		return
	}
	s.reply(core.StreamReply{ID: callID, Result: result})
}

// watchResult renders a push as the {json, yaml, event} result.
func watchResult(ev core.StreamEvent) (json.RawMessage, error) {
	y, err := yaml.JSONToYAML(ev.Manifest)
	if err != nil {
		return nil, err
	}
	return json.Marshal(core.WatchResult{
		JSON:  string(ev.Manifest),
		YAML:  string(y),
		Event: ev.Type,
	})
}

func (s *relaySession) cancel(callID string) {
	s.mu.Lock()
	subID, ok := s.subs[callID]
	delete(s.subs, callID)
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := s.relay.transport.Cancel(subID); err != nil {
		s.log.Warn("failed to cancel subscription", "call_id", callID, "error", err)
	}
}

func (s *relaySession) reply(msg core.StreamReply) {
	select {
	case <-s.done:
		return
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.log.Debug("stream peer write failed", "error", err)
	}
}

func (s *relaySession) pingLoop() {
	ticker := time.NewTicker(relayPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(relayWriteWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *relaySession) close() {
	close(s.done)

	s.mu.Lock()
	callIDs := make([]string, 0, len(s.subs))
	for id := range s.subs {
		callIDs = append(callIDs, id)
	}
	s.mu.Unlock()

	for _, id := range callIDs {
		s.cancel(id)
	}
	_ = s.conn.Close()
	s.log.Debug("stream peer disconnected", "subscriptions", len(callIDs))
}
