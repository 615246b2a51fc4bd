// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dblock

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// pgLocker uses pg_try_advisory_lock on a dedicated connection. The
// lock is held until it is released or the connection closes.
type pgLocker struct {
	db     *sqlx.DB
	logger logrus.FieldLogger
}

// NewPostgreSQL returns a Locker backed by PostgreSQL advisory locks.
func NewPostgreSQL(ctx context.Context, dsn string, logger logrus.FieldLogger) (Locker, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &pgLocker{db: db, logger: logger}, nil
}

// lockKey maps a lock name to an advisory lock key.
func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

func (l *pgLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	key := lockKey(name)
	logger := l.logger.WithFields(logrus.Fields{"Lock": name, "ID": key})
	conn, err := l.db.Connx(ctx)
	if err != nil {
		return nil, false, err
	}
	token := newToken()
	// Other replicas report the holder's token when the lock is
	// busy.
	_, err = conn.ExecContext(ctx, `SELECT set_config('application_name', $1, false)`, "fleetscaler:"+token)
	if err != nil {
		conn.Close()
		return nil, false, err
	}
	var locked bool
	err = conn.GetContext(ctx, &locked, `SELECT pg_try_advisory_lock($1)`, key)
	if err != nil {
		conn.Close()
		return nil, false, err
	}
	if !locked {
		var heldBy sql.NullString
		err = conn.GetContext(ctx, &heldBy, `SELECT application_name FROM pg_stat_activity WHERE pid IN
			(SELECT pid FROM pg_locks
			 WHERE locktype = 'advisory' AND ((classid::bigint << 32) | objid::bigint) = $1)`, key)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			logger.WithError(err).Debug("error getting other client info")
		} else {
			logger.WithField("HeldBy", heldBy.String).Debug("lock is held by another process")
		}
		conn.Close()
		return nil, false, nil
	}
	logger.WithField("LockToken", token).Debug("acquired pg_advisory_lock")
	var once sync.Once
	return func() {
		once.Do(func() {
			_, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
			if err != nil {
				logger.WithError(err).Info("error releasing pg_advisory_lock")
			} else {
				logger.Debug("released pg_advisory_lock")
			}
			conn.Close()
		})
	}, true, nil
}

func (l *pgLocker) Close() error {
	return l.db.Close()
}
