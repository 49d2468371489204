package waybackproxy

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dylandreimerink/waybackproxy/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReloadListenerSwapsConfig(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := cache.NewStore("redis://"+mr.Addr(), time.Hour, testLogger())
	require.NoError(t, err)
	defer store.Close()

	path := writeConfigFile(t, "proxy:\n  target_date: \"20010101\"\n")

	conf, err := LoadConfig(path, nil)
	require.NoError(t, err)
	ref := NewConfigRef(conf)

	listener := &ReloadListener{
		Store:      store,
		Ref:        ref,
		ConfigPath: path,
		Logger:     testLogger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go listener.Run(ctx)

	//Give the subscription a moment to establish
	require.Eventually(t, func() bool {
		return store.Publish(context.Background(), cache.ReloadChannel, "probe") == nil
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("proxy:\n  target_date: \"19991231\"\n"), 0o644))
	require.NoError(t, store.Publish(context.Background(), cache.ReloadChannel, "test"))

	assert.Eventually(t, func() bool {
		return ref.Load().Proxy.TargetDate == "19991231"
	}, 2*time.Second, 20*time.Millisecond, "the snapshot must be swapped after a reload message")
}

func TestReloadListenerKeepsConfigOnError(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := cache.NewStore("redis://"+mr.Addr(), time.Hour, testLogger())
	require.NoError(t, err)
	defer store.Close()

	path := writeConfigFile(t, "proxy:\n  target_date: \"20010101\"\n")

	conf, err := LoadConfig(path, nil)
	require.NoError(t, err)
	ref := NewConfigRef(conf)

	listener := &ReloadListener{
		Store:      store,
		Ref:        ref,
		ConfigPath: path,
		Logger:     testLogger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go listener.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	//An invalid date must not make it into the live snapshot
	require.NoError(t, os.WriteFile(path, []byte("proxy:\n  target_date: \"not-a-date\"\n"), 0o644))
	require.NoError(t, store.Publish(context.Background(), cache.ReloadChannel, "bad"))

	time.Sleep(200 * time.Millisecond)
	assert.Same(t, conf, ref.Load(), "a failed reload keeps the previous snapshot")
}
