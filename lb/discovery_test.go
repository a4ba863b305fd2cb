// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lb

import (
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

func TestParseEntry(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		want    Backend
		wantErr bool
	}{
		{name: "address in value", key: "b1", value: "10.0.0.1:1883", want: Backend{Addr: "10.0.0.1:1883", Weight: 1}},
		{name: "address in key", key: "10.0.0.2:1883", value: "", want: Backend{Addr: "10.0.0.2:1883", Weight: 1}},
		{name: "weighted", key: "b3", value: "10.0.0.3:1883;3", want: Backend{Addr: "10.0.0.3:1883", Weight: 3}},
		{name: "bad weight", key: "b4", value: "10.0.0.4:1883;zero", wantErr: true},
		{name: "missing port", key: "b5", value: "10.0.0.5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEntry(tt.key, tt.value)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidBackend)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStaticDiscoveryCopies(t *testing.T) {
	s := Static{{Addr: "10.0.0.1:1883"}}
	got, err := s.Discover(context.Background())
	require.NoError(t, err)

	got[0].Addr = "changed:1"
	assert.Equal(t, "10.0.0.1:1883", s[0].Addr)
}

func localURL(t *testing.T) *url.URL {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	u, err := url.Parse("http://" + addr)
	require.NoError(t, err)
	return u
}

func startEtcd(t *testing.T) *clientv3.Client {
	t.Helper()

	cfg := embed.NewConfig()
	cfg.Name = "discovery-test"
	cfg.Dir = t.TempDir()
	clientURL, peerURL := localURL(t), localURL(t)
	cfg.ListenClientUrls = []url.URL{*clientURL}
	cfg.AdvertiseClientUrls = []url.URL{*clientURL}
	cfg.ListenPeerUrls = []url.URL{*peerURL}
	cfg.AdvertisePeerUrls = []url.URL{*peerURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)
	cfg.Logger = "zap"
	cfg.LogLevel = "error"

	e, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(30 * time.Second):
		e.Server.Stop()
		t.Fatal("etcd server took too long to start")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{clientURL.Host},
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestEtcdDiscovery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client := startEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const prefix = "/mqttgw/backends/"
	_, err := client.Put(ctx, prefix+"a", "10.0.0.1:1883")
	require.NoError(t, err)
	_, err = client.Put(ctx, prefix+"10.0.0.2:1883", "")
	require.NoError(t, err)
	_, err = client.Put(ctx, "/mqttgw/secondary/x", "10.9.9.9:1883")
	require.NoError(t, err)

	d := NewEtcdDiscovery(client, prefix)
	b := New(Config{Name: "etcd"}, d, HealthCheckFunc(func(context.Context, Backend) error { return nil }))
	require.NoError(t, b.Refresh(ctx))

	var addrs []string
	for _, s := range b.Backends() {
		addrs = append(addrs, s.Backend.Addr)
	}
	assert.ElementsMatch(t, []string{"10.0.0.1:1883", "10.0.0.2:1883"}, addrs)

	_, err = client.Delete(ctx, prefix+"a")
	require.NoError(t, err)
	require.NoError(t, b.Refresh(ctx))
	require.Len(t, b.Backends(), 1)

	be, err := b.Select([]byte("client-1"), 1)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:1883", be.Addr)
}
