package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Kafka checks health by connecting to the broker and issuing a metadata
// request. Kafka binds its listener well before it can serve clients, so a
// tcp probe alone reports healthy too early.
type Kafka struct {
	Timeout time.Duration
}

func (k *Kafka) Check(ctx context.Context, host string, port int) error {
	if k.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.Timeout)
		defer cancel()
	}

	client, err := kgo.NewClient(kgo.SeedBrokers(fmt.Sprintf("%s:%d", host, port)))
	if err != nil {
		return err
	}
	defer client.Close()

	return client.Ping(ctx)
}
