package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis checks health with a PING. Responds only once the server has
// finished loading its dataset, unlike a bare TCP dial.
type Redis struct {
	Password string
	Timeout  time.Duration
}

func (r *Redis) Check(ctx context.Context, host string, port int) error {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", host, port),
		Password:    r.Password,
		DialTimeout: r.Timeout,
		ReadTimeout: r.Timeout,
	})
	defer client.Close()

	return client.Ping(ctx).Err()
}
