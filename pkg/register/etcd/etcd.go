package etcd

import (
	"context"
	"fmt"

	"github.com/segmentio/encoding/json"
	clientv3 "go.etcd.io/etcd/client/v3"
	"pricerelay.com/pkg/register"
)

type EtcdRegister struct {
	client        *clientv3.Client
	basePath      string // 比如 "/relay/instances"
	ttl           int64  // 租约秒数
	keepaliveChan <-chan *clientv3.LeaseKeepAliveResponse
	leaseID       clientv3.LeaseID
}

func NewEtcdRegister(c *clientv3.Client, basePath string, ttl int64) *EtcdRegister {
	return &EtcdRegister{
		client:   c,
		basePath: basePath,
		ttl:      ttl,
	}
}

func (e *EtcdRegister) getKey(ins *register.Instance) string {
	return fmt.Sprintf("%s/%s/%s", e.basePath, ins.Name, ins.ID)
}

func (e *EtcdRegister) Register(ctx context.Context, ins *register.Instance) error {
	// 进行租约
	grant, err := e.client.Grant(ctx, e.ttl)
	if err != nil {
		return err
	}
	e.leaseID = grant.ID
	val, err := json.Marshal(ins)
	if err != nil {
		return err
	}
	if _, err = e.client.Put(ctx, e.getKey(ins), string(val), clientv3.WithLease(e.leaseID)); err != nil {
		return err
	}
	// 心跳跟着 ctx 走，ctx 结束租约自然过期
	ch, err := e.client.KeepAlive(ctx, e.leaseID)
	if err != nil {
		return err
	}
	e.keepaliveChan = ch
	go e.drainKeepalive(ctx)
	return nil
}

func (e *EtcdRegister) UnRegister(ctx context.Context, ins *register.Instance) error {
	if _, err := e.client.Delete(ctx, e.getKey(ins)); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if _, err := e.client.Revoke(ctx, e.leaseID); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}

func (e *EtcdRegister) List(ctx context.Context, name string) ([]register.Instance, error) {
	res, err := e.client.Get(ctx, fmt.Sprintf("%s/%s/", e.basePath, name), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]register.Instance, 0, len(res.Kvs))
	for _, kv := range res.Kvs {
		if ins, ok := decodeInstance(kv.Value); ok {
			out = append(out, ins)
		}
	}
	return out, nil
}

func (e *EtcdRegister) drainKeepalive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-e.keepaliveChan:
			// 自动续约，channel 关了说明租约没了
			if !ok {
				return
			}
		}
	}
}

func decodeInstance(b []byte) (register.Instance, bool) {
	var ins register.Instance
	if err := json.Unmarshal(b, &ins); err != nil || ins.ID == "" {
		return ins, false
	}
	return ins, true
}
