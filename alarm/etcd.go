package alarm

import (
	"context"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	clientv3 "go.etcd.io/etcd/client/v3"
	"miren.dev/workspace/storage"
)

type etcdAlarm struct {
	At  int64  `cbor:"at"`
	Gen string `cbor:"gen"`
}

// Etcd keeps one key per alarm under <prefix>/alarms/.
type Etcd struct {
	log    *slog.Logger
	ec     *clientv3.Client
	prefix string
}

var _ Store = (*Etcd)(nil)

func NewEtcd(log *slog.Logger, ec *clientv3.Client, prefix string) *Etcd {
	return &Etcd{
		log:    log.With("module", "alarm-etcd"),
		ec:     ec,
		prefix: storage.EtcdKey(prefix, "alarms") + "/",
	}
}

func (e *Etcd) path(key string) string {
	return e.prefix + url.PathEscape(key)
}

func (e *Etcd) Set(ctx context.Context, key string, at time.Time) (string, error) {
	gen := newGen()

	data, err := cbor.Marshal(etcdAlarm{At: at.UnixMilli(), Gen: gen})
	if err != nil {
		return "", err
	}

	_, err = e.ec.Put(ctx, e.path(key), string(data))
	if err != nil {
		return "", err
	}

	return gen, nil
}

func (e *Etcd) Cancel(ctx context.Context, key string) error {
	_, err := e.ec.Delete(ctx, e.path(key))
	return err
}

func (e *Etcd) Get(ctx context.Context, key string) (Alarm, bool, error) {
	resp, err := e.ec.Get(ctx, e.path(key), clientv3.WithLimit(1))
	if err != nil {
		return Alarm{}, false, err
	}

	if len(resp.Kvs) == 0 {
		return Alarm{}, false, nil
	}

	var ea etcdAlarm
	if err := cbor.Unmarshal(resp.Kvs[0].Value, &ea); err != nil {
		return Alarm{}, false, err
	}

	return Alarm{Key: key, At: time.UnixMilli(ea.At), Gen: ea.Gen}, true, nil
}

func (e *Etcd) Due(ctx context.Context, now time.Time, limit int) ([]Alarm, error) {
	resp, err := e.ec.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	var due []Alarm
	for _, kv := range resp.Kvs {
		var ea etcdAlarm
		if err := cbor.Unmarshal(kv.Value, &ea); err != nil {
			e.log.Error("failed to decode alarm", "key", string(kv.Key), "error", err)
			continue
		}

		at := time.UnixMilli(ea.At)
		if at.After(now) {
			continue
		}

		key, err := url.PathUnescape(strings.TrimPrefix(string(kv.Key), e.prefix))
		if err != nil {
			e.log.Error("invalid alarm key", "key", string(kv.Key), "error", err)
			continue
		}

		due = append(due, Alarm{
			Key: key,
			At:  at,
			Gen: ea.Gen,
		})
	}

	slices.SortFunc(due, func(a, b Alarm) int {
		return a.At.Compare(b.At)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (e *Etcd) Ack(ctx context.Context, key, gen string) error {
	p := e.path(key)

	resp, err := e.ec.Get(ctx, p, clientv3.WithLimit(1))
	if err != nil {
		return err
	}

	if len(resp.Kvs) == 0 {
		return nil
	}

	kv := resp.Kvs[0]

	var ea etcdAlarm
	if err := cbor.Unmarshal(kv.Value, &ea); err != nil {
		return err
	}

	if ea.Gen != gen {
		return nil
	}

	// Only delete if nobody rescheduled between our read and the delete.
	_, err = e.ec.Txn(ctx).If(
		clientv3.Compare(clientv3.ModRevision(p), "=", kv.ModRevision),
	).Then(
		clientv3.OpDelete(p),
	).Commit()

	return err
}

func (e *Etcd) Close() error {
	return nil
}
