package delivery

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/formbridge/formbridge/pkg/contracts"
)

// queueKeyPrefix namespaces delivery lists in redis.
const queueKeyPrefix = "formbridge:deliveries:"

// QueueSender pushes payloads onto a redis list named by the destination.
// Consumers BLPOP the list at their own pace.
type QueueSender struct {
	rdb *redis.Client
}

// NewQueueSender creates a queue sender over an existing redis client.
func NewQueueSender(rdb *redis.Client) *QueueSender {
	return &QueueSender{rdb: rdb}
}

func (q *QueueSender) Send(ctx context.Context, dest contracts.Destination, submissionID string, body []byte) error {
	key := queueKeyPrefix + dest.Name
	if err := q.rdb.RPush(ctx, key, body).Err(); err != nil {
		return fmt.Errorf("push to queue %s: %w", dest.Name, err)
	}
	return nil
}
