package global

import (
	"context"
	"testing"

	"PPChat/global/config"
	"PPChat/service/broker"
)

func TestOpenBrokerMemory(t *testing.T) {
	c := config.Default()
	b, err := OpenBroker(c)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if _, ok := b.(*broker.Memory); !ok {
		t.Fatalf("broker = %T", b)
	}
}

func TestOpenBrokerNatsWithoutServers(t *testing.T) {
	c := config.Default()
	c.Broker.Driver = config.BrokerNats
	c.Broker.Nats.Servers = nil
	b, err := OpenBroker(c)
	if err == nil || b != nil {
		t.Fatalf("got %v, %v", b, err)
	}
}

func TestOpenRedisDisabled(t *testing.T) {
	rdb, err := OpenRedis(context.Background(), config.Default())
	if err != nil || rdb != nil {
		t.Fatalf("got %v, %v", rdb, err)
	}
}

func TestOpenStoreUnknown(t *testing.T) {
	c := config.Default()
	c.Persist.Driver = "sqlite"
	if _, err := OpenStore(context.Background(), c); err == nil {
		t.Fatal("expected error")
	}
}

func TestVerifier(t *testing.T) {
	c := config.Default()
	c.Auth.StaticTokens = map[string]uint64{"dev": 9}
	uid, err := Verifier(c).Verify(context.Background(), "dev")
	if err != nil || uid != 9 {
		t.Fatalf("uid=%d err=%v", uid, err)
	}
	if _, err := Verifier(c).Verify(context.Background(), "nope"); err == nil {
		t.Fatal("unknown token accepted")
	}
}
