package health

import (
	"context"
	"database/sql"
	"time"
)

// PingTimeout bounds a database check.
const PingTimeout = 2 * time.Second

// Database reports whether db answers a ping.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, PingTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Loop reports whether a background loop is still running.
func Loop(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}
