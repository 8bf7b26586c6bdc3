package infra

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisClientPings(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0", "")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.CheckGet(t, "k", "v")
}

func TestNewRedisClientRejectsEmptyURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "", ""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestNewPostgresPoolRejectsEmptyURL(t *testing.T) {
	if _, err := NewPostgresPool(context.Background(), "", PoolOptions{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}
