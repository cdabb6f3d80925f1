package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	TypeUpserted = "conversation.upserted"
	TypeDeleted  = "conversation.deleted"
)

// Notification 会话变更通知，只带 id，接收方自己去拉最新数据
type Notification struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	ID     string `json:"id"`
}

// Sink 通知的最终接收方，通常是 WS Hub
type Sink interface {
	Deliver(n Notification)
}

type Broadcaster interface {
	Publish(ctx context.Context, n Notification) error
}

// Local 单实例部署：直接投递给本进程的 Sink
type Local struct {
	sink Sink
}

func NewLocal(sink Sink) *Local {
	return &Local{sink: sink}
}

func (l *Local) Publish(_ context.Context, n Notification) error {
	l.sink.Deliver(n)
	return nil
}

// Redis 多实例部署：经 Redis 频道广播，每个实例的 Run 负责投递给自己的 Sink
type Redis struct {
	rdb     *redis.Client
	channel string
	sink    Sink
	log     logrus.FieldLogger
}

func NewRedis(rdb *redis.Client, channel string, sink Sink, log logrus.FieldLogger) *Redis {
	return &Redis{rdb: rdb, channel: channel, sink: sink, log: log}
}

func (r *Redis) Publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, data).Err()
}

// Run 订阅频道直到 ctx 结束
func (r *Redis) Run(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// 等待订阅确认，连不上 Redis 时尽早报错
	if _, err := pubsub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	r.log.WithField("channel", r.channel).Info("[Notify] subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				r.log.WithError(err).Warn("[Notify] invalid payload")
				continue
			}
			r.sink.Deliver(n)
		}
	}
}
