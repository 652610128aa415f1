package storage

import (
	"context"
	"os"
	"testing"
	"time"

	redisx "PPChat/service/storage/redis"
)

func TestKeys(t *testing.T) {
	if got := presenceKey(42); got != "im:presence:42" {
		t.Errorf("presenceKey = %q", got)
	}
	if got := membersKey(7); got != "im:session:7:members" {
		t.Errorf("membersKey = %q", got)
	}
	if got := offlineKey(43); got != "im:offline:43" {
		t.Errorf("offlineKey = %q", got)
	}
}

func TestParseIDs(t *testing.T) {
	got := parseIDs([]string{"1", "x", "18446744073709551615", "-3"})
	if len(got) != 2 || got[0] != 1 || got[1] != 18446744073709551615 {
		t.Fatalf("parseIDs = %v", got)
	}
	args := idArgs([]uint64{5, 6})
	if args[0] != "5" || args[1] != "6" {
		t.Fatalf("idArgs = %v", args)
	}
}

// Runs against a real server when PPCHAT_TEST_REDIS is set, e.g. 127.0.0.1:6379.
func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("PPCHAT_TEST_REDIS")
	if addr == "" {
		t.Skip("PPCHAT_TEST_REDIS not set")
	}
	ctx := context.Background()
	rdb, err := redisx.NewClient(ctx, redisx.Config{Addr: addr})
	if err != nil {
		t.Fatal(err)
	}
	defer rdb.Close()

	const user = 990001
	gw1 := NewPresence(rdb, "gw-1", time.Minute)
	gw2 := NewPresence(rdb, "gw-2", time.Minute)
	if err := gw1.Online(ctx, user); err != nil {
		t.Fatal(err)
	}
	if err := gw2.Online(ctx, user); err != nil {
		t.Fatal(err)
	}
	// gw-1's late teardown must not clear gw-2's presence.
	if err := gw1.Offline(ctx, user); err != nil {
		t.Fatal(err)
	}
	if gw, ok, err := gw1.Lookup(ctx, user); err != nil || !ok || gw != "gw-2" {
		t.Fatalf("Lookup = %q %v %v", gw, ok, err)
	}
	if err := gw2.Offline(ctx, user); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := gw2.Lookup(ctx, user); ok {
		t.Fatal("user still online")
	}

	m := NewMembers(rdb)
	defer rdb.Del(ctx, membersKey(990))
	if err := m.Add(ctx, 990, 1, 2, 3); err != nil {
		t.Fatal(err)
	}
	_ = m.Remove(ctx, 990, 2)
	got, err := m.Members(ctx, 990)
	if err != nil || len(got) != 2 {
		t.Fatalf("Members = %v %v", got, err)
	}

	q := NewOfflineQueue(rdb, 2)
	defer rdb.Del(ctx, offlineKey(user))
	for _, f := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, user, []byte(f)); err != nil {
			t.Fatal(err)
		}
	}
	frames, err := q.Drain(ctx, user, 10)
	if err != nil || len(frames) != 2 || string(frames[0]) != "b" || string(frames[1]) != "c" {
		t.Fatalf("Drain = %q %v", frames, err)
	}
	if frames, _ := q.Drain(ctx, user, 10); len(frames) != 0 {
		t.Fatalf("second Drain = %q", frames)
	}
}
