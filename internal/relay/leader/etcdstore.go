package leader

import (
	"context"
	"time"

	"github.com/segmentio/encoding/json"
	clientv3 "go.etcd.io/etcd/client/v3"
	"pricerelay.com/internal/relay/domain"
)

const DefaultEtcdKey = "/relay/leader/" + domain.LeaderRecordID

type etcdValue struct {
	InstanceID  string `json:"instanceId"`
	HeartbeatAt int64  `json:"heartbeatAt"` // unix ms
}

// EtcdStore 先读再用 ModRevision 守护的 Txn 写；key 不存在时 ModRevision 为 0
type EtcdStore struct {
	kv  clientv3.KV
	key string
}

func NewEtcdStore(kv clientv3.KV, key string) *EtcdStore {
	if key == "" {
		key = DefaultEtcdKey
	}
	return &EtcdStore{kv: kv, key: key}
}

func (s *EtcdStore) TryAcquire(ctx context.Context, instanceID string, now time.Time, timeout time.Duration) (bool, error) {
	rec, rev, err := s.read(ctx)
	if err != nil {
		return false, err
	}
	if rev != 0 && !rec.AcquirableBy(instanceID, now, timeout) {
		return false, nil
	}
	return s.put(ctx, rev, etcdValue{InstanceID: instanceID, HeartbeatAt: now.UnixMilli()})
}

func (s *EtcdStore) Release(ctx context.Context, instanceID string) error {
	rec, rev, err := s.read(ctx)
	if err != nil || rev == 0 || rec.InstanceID != instanceID {
		return err
	}
	_, err = s.put(ctx, rev, etcdValue{InstanceID: instanceID})
	return err
}

func (s *EtcdStore) Get(ctx context.Context) (domain.LeaderRecord, bool, error) {
	rec, rev, err := s.read(ctx)
	return rec, rev != 0, err
}

func (s *EtcdStore) read(ctx context.Context) (domain.LeaderRecord, int64, error) {
	resp, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return domain.LeaderRecord{}, 0, err
	}
	if len(resp.Kvs) == 0 {
		return domain.LeaderRecord{}, 0, nil
	}
	kv := resp.Kvs[0]
	rec, err := decodeEtcdValue(kv.Value)
	return rec, kv.ModRevision, err
}

func (s *EtcdStore) put(ctx context.Context, rev int64, v etcdValue) (bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(s.key), "=", rev)).
		Then(clientv3.OpPut(s.key, string(b))).
		Commit()
	if err != nil {
		return false, err
	}
	// 被别的实例抢先写了
	return resp.Succeeded, nil
}

func decodeEtcdValue(b []byte) (domain.LeaderRecord, error) {
	var v etcdValue
	if err := json.Unmarshal(b, &v); err != nil {
		return domain.LeaderRecord{}, err
	}
	return domain.LeaderRecord{
		ID:          domain.LeaderRecordID,
		InstanceID:  v.InstanceID,
		HeartbeatAt: time.UnixMilli(v.HeartbeatAt),
	}, nil
}

var _ Store = (*EtcdStore)(nil)
