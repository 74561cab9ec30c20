package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/drksbr/cloudrelay/internal/protocol"
)

type envelope struct {
	Node  string          `json:"node"`
	Frame *protocol.Frame `json:"frame"`
}

// RedisAdapter relays room frames between nodes over Redis Pub/Sub on
// channels named <prefix>room:<uuid>.
type RedisAdapter struct {
	client redis.UniversalClient
	prefix string
	nodeID string
	hub    *Hub
	logger *slog.Logger

	pubsub *redis.PubSub
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRedisAdapter subscribes to every room channel and attaches itself to hub.
func NewRedisAdapter(ctx context.Context, client redis.UniversalClient, prefix, nodeID string, hub *Hub, logger *slog.Logger) (*RedisAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &RedisAdapter{client: client, prefix: prefix, nodeID: nodeID, hub: hub, logger: logger}
	a.pubsub = client.PSubscribe(ctx, a.channel("*"))
	// wait for the subscription to be confirmed so no early publish is lost
	if _, err := a.pubsub.Receive(ctx); err != nil {
		_ = a.pubsub.Close()
		return nil, fmt.Errorf("subscribe rooms: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.loop(runCtx)
	hub.SetAdapter(a)
	return a, nil
}

func (a *RedisAdapter) channel(room string) string {
	return a.prefix + "room:" + room
}

func (a *RedisAdapter) Publish(ctx context.Context, room string, f *protocol.Frame) error {
	data, err := json.Marshal(envelope{Node: a.nodeID, Frame: f})
	if err != nil {
		return fmt.Errorf("encode room frame: %w", err)
	}
	receivers, err := a.client.Publish(ctx, a.channel(room), data).Result()
	if err != nil {
		return fmt.Errorf("publish room frame: %w", err)
	}
	// every node subscribes, so only our own subscription means nobody else
	if receivers <= 1 {
		return ErrNoMembers
	}
	return nil
}

func (a *RedisAdapter) loop(ctx context.Context) {
	defer a.wg.Done()
	ch := a.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			a.handle(msg)
		}
	}
}

func (a *RedisAdapter) handle(msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Frame == nil {
		a.logger.Warn("malformed room message", "channel", msg.Channel, "error", err)
		return
	}
	if env.Node == a.nodeID {
		return
	}
	room := strings.TrimPrefix(msg.Channel, a.prefix+"room:")
	if n := a.hub.deliver(room, env.Frame); n > 0 {
		a.logger.Debug("room frame from peer delivered", "room", room, "node", env.Node, "type", env.Frame.Type)
	}
}

func (a *RedisAdapter) Close() error {
	a.cancel()
	err := a.pubsub.Close()
	a.wg.Wait()
	return err
}
