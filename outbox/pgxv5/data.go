package pgxv5

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

type outboxLock struct {
	id          int
	locked      bool
	lockedBy    pgtype.UUID
	lockedAt    pgtype.Timestamptz
	lockedUntil pgtype.Timestamptz
	version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.locked,
		o.lockedBy,
		o.lockedAt,
		o.lockedUntil,
		o.version)
}

type dispatcherSubscription struct {
	id           int
	dispatcherID pgtype.UUID
	aliveAt      time.Time
	version      int64
}
