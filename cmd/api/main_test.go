package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/telemyapp/liveterm-relay/internal/auth"
	"github.com/telemyapp/liveterm-relay/internal/cache"
	"github.com/telemyapp/liveterm-relay/internal/config"
	"github.com/telemyapp/liveterm-relay/internal/registry"
)

func TestNewAuthorizer(t *testing.T) {
	a, err := newAuthorizer(config.Config{AuthMode: "hmac", JWTSecret: "s"})
	if err != nil {
		t.Fatalf("hmac: unexpected err: %v", err)
	}
	if _, ok := a.(*auth.HMACAuthorizer); !ok {
		t.Fatalf("expected HMACAuthorizer, got %T", a)
	}

	a, err = newAuthorizer(config.Config{AuthMode: "unverified"})
	if err != nil {
		t.Fatalf("unverified: unexpected err: %v", err)
	}
	if _, ok := a.(*auth.UnverifiedAuthorizer); !ok {
		t.Fatalf("expected UnverifiedAuthorizer, got %T", a)
	}

	if _, err := newAuthorizer(config.Config{AuthMode: "hmac"}); err == nil {
		t.Fatal("expected error for hmac without secret")
	}
	if _, err := newAuthorizer(config.Config{AuthMode: "oauth"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestNewCache_SelectsProvider(t *testing.T) {
	kv, closeKV, err := newCache(config.Config{CacheProvider: "postgres"}, nil)
	if err != nil {
		t.Fatalf("postgres: unexpected err: %v", err)
	}
	closeKV()
	if _, ok := kv.(*cache.Postgres); !ok {
		t.Fatalf("expected Postgres cache, got %T", kv)
	}

	mr := miniredis.RunT(t)
	kv, closeKV, err = newCache(config.Config{CacheProvider: "redis", RedisURL: "redis://" + mr.Addr()}, nil)
	if err != nil {
		t.Fatalf("redis: unexpected err: %v", err)
	}
	defer closeKV()
	if err := kv.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("redis set: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Fatalf("expected value in miniredis, got %q", got)
	}

	if _, _, err := newCache(config.Config{CacheProvider: "memcached"}, nil); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestWaitForDetach_ReturnsOnDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	waitForDetach(ctx, registry.New())
}
