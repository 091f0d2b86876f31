package register

import (
	"context"
	"time"
)

// Instance 注册中心里的一条实例信息
type Instance struct {
	ID        string            `json:"id"`   // leader.instance_id
	Name      string            `json:"name"` // 服务名 eg:"relay-service"
	Addr      string            `json:"addr"` // http 监听地址
	StartedAt time.Time         `json:"startedAt"`
	MetaData  map[string]string `json:"metadata,omitempty"`
}

// Register 带 TTL 的注册；实例挂了不注销，过期后自动消失
type Register interface {
	Register(ctx context.Context, ins *Instance) error
	UnRegister(ctx context.Context, ins *Instance) error
	// List 某个服务名下当前存活的实例
	List(ctx context.Context, name string) ([]Instance, error)
}
