package handlers

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/iwangbowen/simple-scp/internal/sshpool"
	"github.com/iwangbowen/simple-scp/internal/transfer"
)

const (
	eventStreamBuffer = 256
	eventWriteTimeout = 10 * time.Second
	eventKindSnapshot = "snapshot"
	eventKindPool     = "pool"
	eventKindTransfer = "transfer"
	eventKindHistory  = "history"
)

type streamMessage struct {
	Kind string      `json:"kind"`
	Data interface{} `json:"data"`
}

// EventStream pushes pool events, transfer progress and history changes over
// a websocket. The first message is a snapshot of pool status and active
// transfers. Slow clients lose messages rather than stall publishers.
func EventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[events] Failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	// Client messages are ignored; ctx ends when the client goes away.
	ctx := conn.CloseRead(r.Context())

	msgs := make(chan streamMessage, eventStreamBuffer)
	var dropped atomic.Int64
	send := func(m streamMessage) {
		select {
		case msgs <- m:
		default:
			dropped.Add(1)
		}
	}

	snapshot := map[string]interface{}{}
	if Pool != nil {
		snapshot["pool"] = Pool.Status()
		defer Pool.OnEvent(func(e sshpool.Event) {
			send(streamMessage{Kind: eventKindPool, Data: e})
		})()
	}
	if Tasks != nil {
		snapshot["transfers"] = Tasks.List()
		defer Tasks.Subscribe(func(rec transfer.Record) {
			send(streamMessage{Kind: eventKindTransfer, Data: rec})
		})()
	}
	if History != nil {
		snapshot["history"] = History.Statistics()
		defer History.OnChange(func() {
			send(streamMessage{Kind: eventKindHistory, Data: History.Statistics()})
		})()
	}

	if err := writeStreamMessage(ctx, conn, streamMessage{Kind: eventKindSnapshot, Data: snapshot}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			if n := dropped.Load(); n > 0 {
				log.Printf("[events] Client disconnected; %d messages dropped", n)
			}
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case m := <-msgs:
			if err := writeStreamMessage(ctx, conn, m); err != nil {
				log.Printf("[events] Write failed: %v", err)
				return
			}
		}
	}
}

func writeStreamMessage(ctx context.Context, conn *websocket.Conn, m streamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, m)
}
