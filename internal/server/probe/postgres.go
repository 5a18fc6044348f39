package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Postgres checks health by opening a connection and pinging. This catches
// the window where Postgres accepts TCP connections but is still in crash
// recovery or initdb, which a tcp probe reports as healthy.
type Postgres struct {
	Username string // default "postgres"
	Password string
	Database string // default same as Username
	Timeout  time.Duration
}

func (p *Postgres) Check(ctx context.Context, host string, port int) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	conn, err := pgx.Connect(ctx, p.dsn(host, port))
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	return conn.Ping(ctx)
}

func (p *Postgres) dsn(host string, port int) string {
	user := p.Username
	if user == "" {
		user = "postgres"
	}
	db := p.Database
	if db == "" {
		db = user
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&connect_timeout=3",
		user, p.Password, host, port, db)
}
