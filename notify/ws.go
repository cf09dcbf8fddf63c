package notify

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ledgerstream/eventstore/eslog"
)

const (
	writeWait          = 10 * time.Second
	pongWaitMultiplier = 3
	pingInterval       = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ackEnvelope is the inbound JSON message a listener sends to acknowledge
// a delivered commit.
type ackEnvelope struct {
	Seq uint64 `json:"seq"`
}

// wireDelivery is the outbound JSON message carrying one delivery.
type wireDelivery struct {
	Seq    uint64           `json:"seq"`
	Commit wireDeliveryBody `json:"commit"`
}

type wireDeliveryBody struct {
	Partition      string `json:"partition"`
	StreamID       string `json:"stream_id"`
	CommitID       string `json:"commit_id"`
	CommitSequence int64  `json:"commit_sequence"`
	StreamRevision int64  `json:"stream_revision"`
	Events         []any  `json:"events"`
}

// ServeWS upgrades r into a websocket connection, subscribes listenerID to
// hub, and pumps deliveries out while draining ack messages in. It blocks
// until the connection closes.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request, listenerID string, logger *eslog.Logger) error {
	if logger == nil {
		logger = eslog.L()
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	listener, err := hub.Subscribe(r.Context(), listenerID, 256)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer listener.Close()

	reqLog := logger.With(eslog.String("listener_id", listenerID))
	waitDuration := pongWaitMultiplier * pingInterval
	if err := conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
		_ = conn.Close()
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	done := make(chan struct{})
	go readAcks(conn, listener, reqLog, done)
	writeDeliveries(conn, listener, reqLog, done)
	return nil
}

func readAcks(conn *websocket.Conn, listener *Listener, log *eslog.Logger, done chan struct{}) {
	defer close(done)
	for {
		messageType, msg, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Warn("read deadline exceeded", eslog.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("listener disconnected")
			} else {
				log.Warn("read error", eslog.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var ack ackEnvelope
		if err := json.Unmarshal(msg, &ack); err != nil {
			log.Debug("dropping invalid ack message", eslog.Error(err))
			continue
		}
		if err := listener.Ack(ack.Seq); err != nil {
			log.Warn("rejecting out-of-order ack", eslog.Error(err))
		}
	}
}

func writeDeliveries(conn *websocket.Conn, listener *Listener, log *eslog.Logger, done chan struct{}) {
	pingTicker := time.NewTicker(pingInterval)
	defer func() {
		pingTicker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case <-done:
			return
		case delivery, ok := <-listener.Deliveries():
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(toWireDelivery(delivery))
			if err != nil {
				log.Error("marshal delivery failed", eslog.Error(err))
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error("failed to set write deadline", eslog.Error(err))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Error("write error", eslog.Error(err))
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				log.Warn("ping failure", eslog.Error(err))
				return
			}
		}
	}
}

func toWireDelivery(d Delivery) wireDelivery {
	return wireDelivery{
		Seq: d.Seq,
		Commit: wireDeliveryBody{
			Partition:      d.Commit.Partition,
			StreamID:       d.Commit.StreamID,
			CommitID:       d.Commit.CommitID,
			CommitSequence: d.Commit.CommitSequence,
			StreamRevision: d.Commit.StreamRevision,
			Events:         d.Commit.Events,
		},
	}
}
