package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/fxamacker/cbor/v2"
	clientv3 "go.etcd.io/etcd/client/v3"
	"miren.dev/workspace/pkg/cond"
	"miren.dev/workspace/storage"
)

const (
	maxUpdateAttempts = 5
	updateRetryDelay  = 10 * time.Millisecond
)

var errRecordChanged = errors.New("session record changed concurrently")

// Etcd stores CBOR encoded records under <prefix>/sessions/<id>. Updates
// are compare-and-swap on the key's mod revision.
type Etcd struct {
	log    *slog.Logger
	ec     *clientv3.Client
	prefix string
}

var _ Registry = (*Etcd)(nil)

func NewEtcd(log *slog.Logger, ec *clientv3.Client, prefix string) *Etcd {
	return &Etcd{
		log:    log.With("module", "registry-etcd"),
		ec:     ec,
		prefix: storage.EtcdKey(prefix, "sessions"),
	}
}

func (e *Etcd) key(id string) string {
	return storage.EtcdKey(e.prefix, id)
}

func (e *Etcd) read(ctx context.Context, id string) (Session, int64, error) {
	resp, err := e.ec.Get(ctx, e.key(id), clientv3.WithLimit(1))
	if err != nil {
		return Session{}, 0, err
	}

	if len(resp.Kvs) == 0 {
		return Session{}, 0, cond.NotFound("session", id)
	}

	var s Session
	if err := cbor.Unmarshal(resp.Kvs[0].Value, &s); err != nil {
		return Session{}, 0, err
	}

	return s, resp.Kvs[0].ModRevision, nil
}

func (e *Etcd) Get(ctx context.Context, id string) (Session, error) {
	s, _, err := e.read(ctx, id)
	return s, err
}

func (e *Etcd) Put(ctx context.Context, s Session) error {
	data, err := cbor.Marshal(s)
	if err != nil {
		return err
	}

	_, err = e.ec.Put(ctx, e.key(s.ID), string(data))
	return err
}

func (e *Etcd) Update(ctx context.Context, id, bucketRef string, fn func(*Session)) error {
	k := e.key(id)

	return retryChanged(ctx, e.log, id, func() error {
		s, rev, err := e.read(ctx, id)
		if err != nil {
			return err
		}

		if err := apply(&s, id, bucketRef, fn, time.Now()); err != nil {
			return err
		}

		data, err := cbor.Marshal(s)
		if err != nil {
			return err
		}

		tr, err := e.ec.Txn(ctx).If(
			clientv3.Compare(clientv3.ModRevision(k), "=", rev),
		).Then(
			clientv3.OpPut(k, string(data)),
		).Commit()
		if err != nil {
			return err
		}

		if !tr.Succeeded {
			return errRecordChanged
		}

		return nil
	})
}

// retryChanged runs attempt until it stops failing with errRecordChanged,
// up to maxUpdateAttempts times. Exhausting the attempts is a conflict.
func retryChanged(ctx context.Context, log *slog.Logger, id string, attempt func() error) error {
	err := retry.Do(attempt,
		retry.Context(ctx),
		retry.Attempts(maxUpdateAttempts),
		retry.Delay(updateRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errRecordChanged)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Debug("session changed during update, retrying", "id", id, "attempt", n+1)
		}),
	)

	if errors.Is(err, errRecordChanged) {
		return cond.Conflict("session", id)
	}

	return err
}

func (e *Etcd) Close() error {
	return nil
}
