package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd keeps fields under <prefix>/actors/<actor>/<field>.
type Etcd struct {
	ec     *clientv3.Client
	prefix string
}

var _ Backend = (*Etcd)(nil)

func NewEtcd(ec *clientv3.Client, prefix string) *Etcd {
	return &Etcd{ec: ec, prefix: prefix}
}

func (e *Etcd) key(actor, field string) string {
	return EtcdKey(e.prefix, "actors", actor, field)
}

// EtcdKey joins prefix and parts with "/". Each part is path-escaped, so a
// part always maps to exactly one segment of the key.
func EtcdKey(prefix string, parts ...string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSuffix(prefix, "/"))

	for _, p := range parts {
		sb.WriteByte('/')
		sb.WriteString(url.PathEscape(p))
	}

	return sb.String()
}

func (e *Etcd) Get(ctx context.Context, actor, field string) ([]byte, bool, error) {
	resp, err := e.ec.Get(ctx, e.key(actor, field), clientv3.WithLimit(1))
	if err != nil {
		return nil, false, err
	}

	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}

	return resp.Kvs[0].Value, true, nil
}

func (e *Etcd) Put(ctx context.Context, actor, field string, value []byte) error {
	_, err := e.ec.Put(ctx, e.key(actor, field), string(value))
	return err
}

func (e *Etcd) Delete(ctx context.Context, actor string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}

	var ops []clientv3.Op
	for _, f := range fields {
		ops = append(ops, clientv3.OpDelete(e.key(actor, f)))
	}

	_, err := e.ec.Txn(ctx).Then(ops...).Commit()
	return err
}

func (e *Etcd) PutIfAbsent(ctx context.Context, actor, field string, value []byte) ([]byte, bool, error) {
	key := e.key(actor, field)

	tr, err := e.ec.Txn(ctx).If(
		clientv3.Compare(clientv3.CreateRevision(key), "=", 0),
	).Then(
		clientv3.OpPut(key, string(value)),
	).Else(
		clientv3.OpGet(key),
	).Commit()
	if err != nil {
		return nil, false, err
	}

	if tr.Succeeded {
		return value, true, nil
	}

	gr := tr.Responses[0].GetResponseRange()
	if gr == nil || len(gr.Kvs) == 0 {
		return nil, false, fmt.Errorf("field %s vanished during put-if-absent", key)
	}

	return gr.Kvs[0].Value, false, nil
}

// Close is a no-op; the client is shared with the other etcd backends.
func (e *Etcd) Close() error {
	return nil
}
