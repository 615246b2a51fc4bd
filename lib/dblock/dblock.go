// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dblock provides named locks shared by all replicas of the
// service, so a periodic task runs in at most one of them at a time.
package dblock

import (
	"context"
	"fmt"
	"sync"

	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// A Locker acquires named locks without waiting.
type Locker interface {
	// TryLock acquires the named lock if it is free. If ok is
	// true, the caller must call release when done. If ok is
	// false, another holder has the lock.
	//
	// A lock is also released when the holder's process exits
	// or loses its connection to the lock service.
	TryLock(ctx context.Context, name string) (release func(), ok bool, err error)

	Close() error
}

// New returns a Locker using the configured driver.
func New(ctx context.Context, cfg fleet.LockConfig, logger logrus.FieldLogger) (Locker, error) {
	switch cfg.Driver {
	case fleet.LockDriverPostgreSQL:
		return NewPostgreSQL(ctx, cfg.PostgreSQL.DSN, logger)
	case fleet.LockDriverEtcd:
		return NewEtcd(ctx, cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout.Duration(), cfg.TTL.Duration(), logger)
	case fleet.LockDriverLocal, "":
		return NewLocal(logger), nil
	default:
		return nil, fmt.Errorf("unsupported lock driver %q", cfg.Driver)
	}
}

// newToken returns a token identifying one acquisition of a lock.
func newToken() string {
	return uuid.NewString()
}

type localLocker struct {
	logger logrus.FieldLogger
	mtx    sync.Mutex
	held   map[string]string
}

// NewLocal returns a Locker whose locks are only shared within the
// current process. It is suitable when a single replica runs.
func NewLocal(logger logrus.FieldLogger) Locker {
	return &localLocker{logger: logger, held: map[string]string{}}
}

func (l *localLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if token, busy := l.held[name]; busy {
		l.logger.WithFields(logrus.Fields{"Lock": name, "HeldBy": token}).Debug("lock is held")
		return nil, false, nil
	}
	token := newToken()
	l.held[name] = token
	l.logger.WithFields(logrus.Fields{"Lock": name, "LockToken": token}).Debug("acquired lock")
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mtx.Lock()
			defer l.mtx.Unlock()
			if l.held[name] == token {
				delete(l.held, name)
			}
		})
	}, true, nil
}

func (l *localLocker) Close() error {
	return nil
}
