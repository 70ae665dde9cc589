package activity

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"jobserver/pkg/logger"
)

// frame is the wire shape pushed to every subscriber on Add.
type frame struct {
	Type     string `json:"type"`
	Activity Event  `json:"activity"`
}

// WSBridge upgrades /ws/activity connections and fans out every Stream.Add
// as an "activity:new" frame. It implements Broadcaster.
type WSBridge struct {
	subscribers sync.Map // subscriberID -> net.Conn
	nextID      int64
}

// NewWSBridge builds a bridge ready to be subscribed to a Stream.
func NewWSBridge() *WSBridge {
	return &WSBridge{}
}

// Upgrade promotes an HTTP request to a WebSocket connection and registers
// it as a subscriber until the client disconnects.
func (b *WSBridge) Upgrade(w http.ResponseWriter, r *http.Request) error {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return err
	}

	id := atomic.AddInt64(&b.nextID, 1)
	b.subscribers.Store(id, conn)

	go b.drain(id, conn)
	return nil
}

// drain reads (and discards) client frames until the connection closes,
// solely to detect disconnects and reclaim the subscriber slot.
func (b *WSBridge) drain(id int64, conn net.Conn) {
	defer func() {
		b.subscribers.Delete(id)
		_ = conn.Close()
	}()
	for {
		if _, _, err := wsutil.ReadClientData(conn); err != nil {
			return
		}
	}
}

// Broadcast pushes an activity:new frame to every subscriber. A write
// failure unregisters only that subscriber.
func (b *WSBridge) Broadcast(evt Event) {
	payload, err := json.Marshal(frame{Type: "activity:new", Activity: evt})
	if err != nil {
		logger.Error("activity: failed to encode broadcast frame", zap.Error(err))
		return
	}

	b.subscribers.Range(func(key, value interface{}) bool {
		conn := value.(net.Conn)
		if err := wsutil.WriteServerMessage(conn, ws.OpText, payload); err != nil {
			b.subscribers.Delete(key)
			_ = conn.Close()
		}
		return true
	})
}

// SubscriberCount reports how many clients are currently attached.
func (b *WSBridge) SubscriberCount() int {
	count := 0
	b.subscribers.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
