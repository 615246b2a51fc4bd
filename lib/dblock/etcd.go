// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dblock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Mutex keys are "{etcdMutexPrefix}{name}/{lease}". Holder keys live
// under their own prefix: concurrency.Mutex counts every key under
// "{etcdMutexPrefix}{name}/" as a waiter.
const (
	etcdMutexPrefix  = "/fleetscaler/locks/"
	etcdHolderPrefix = "/fleetscaler/lock-holders/"
)

func etcdMutexKey(name string) string  { return etcdMutexPrefix + name }
func etcdHolderKey(name string) string { return etcdHolderPrefix + name }

// etcdLocker uses etcd mutexes attached to a lease. If the holder
// stops renewing the lease, the lock expires after the TTL.
type etcdLocker struct {
	client *clientv3.Client
	ttl    int
	logger logrus.FieldLogger
}

// NewEtcd returns a Locker backed by etcd.
func NewEtcd(ctx context.Context, endpoints []string, dialTimeout, ttl time.Duration, logger logrus.FieldLogger) (Locker, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Context:     ctx,
	})
	if err != nil {
		return nil, err
	}
	secs := int(ttl / time.Second)
	if secs < 5 {
		secs = 60
	}
	return &etcdLocker{client: client, ttl: secs, logger: logger}, nil
}

func (l *etcdLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	logger := l.logger.WithField("Lock", name)
	// The session outlives ctx so release can revoke the lease.
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl), concurrency.WithContext(context.WithoutCancel(ctx)))
	if err != nil {
		return nil, false, err
	}
	mutex := concurrency.NewMutex(session, etcdMutexKey(name))
	err = mutex.TryLock(ctx)
	if errors.Is(err, concurrency.ErrLocked) {
		if resp, err := l.client.Get(ctx, etcdHolderKey(name)); err == nil && len(resp.Kvs) > 0 {
			logger = logger.WithField("HeldBy", string(resp.Kvs[0].Value))
		}
		logger.Debug("lock is held by another process")
		session.Close()
		return nil, false, nil
	} else if err != nil {
		session.Close()
		return nil, false, err
	}
	token := newToken()
	_, err = l.client.Put(ctx, etcdHolderKey(name), token, clientv3.WithLease(session.Lease()))
	if err != nil {
		logger.WithError(err).Info("error recording lock holder")
	}
	logger.WithField("LockToken", token).Debug("acquired etcd lock")
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := mutex.Unlock(ctx); err != nil {
				logger.WithError(err).Info("error releasing etcd lock")
			}
			// Revokes the lease, which also removes the
			// holder key.
			session.Close()
		})
	}, true, nil
}

func (l *etcdLocker) Close() error {
	return l.client.Close()
}
