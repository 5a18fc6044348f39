package probe

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCP checks health by dialing a TCP connection.
type TCP struct {
	Timeout time.Duration
}

func (t *TCP) Check(ctx context.Context, host string, port int) error {
	d := net.Dialer{Timeout: t.Timeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}
