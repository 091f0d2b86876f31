package etcd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pricerelay.com/pkg/register"
)

func TestGetKey(t *testing.T) {
	e := NewEtcdRegister(nil, "/relay/instances", 10)
	assert.Equal(t, "/relay/instances/relay-service/a-1", e.getKey(&register.Instance{Name: "relay-service", ID: "a-1"}))
}

func TestDecodeInstance(t *testing.T) {
	ins, ok := decodeInstance([]byte(`{"id":"a-1","name":"relay-service","addr":":8080"}`))
	assert.True(t, ok)
	assert.Equal(t, ":8080", ins.Addr)

	_, ok = decodeInstance([]byte(`not json`))
	assert.False(t, ok)
	_, ok = decodeInstance([]byte(`{"name":"x"}`))
	assert.False(t, ok)
}
