package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/emcache-go/emcache/emcache"
)

func main() {
	_ = os.Setenv("MEMCACHED_SERVERS", "localhost:11211")

	ctx := context.Background()
	cl, err := emcache.InitFromEnv(ctx,
		emcache.WithMaxConnections(10),
		emcache.WithTimeout(500*time.Millisecond),
		emcache.WithAutobatching(32),
	)
	mustInit(err)
	defer cl.Close()

	mustInit(cl.Set(ctx, []byte("foo"), []byte("bar"), 0, 0, false))

	item, err := cl.Get(ctx, []byte("foo"), false)
	mustInit(err)
	fmt.Printf("foo = %s\n", item.Value)

	mustInit(cl.Delete(ctx, []byte("foo"), false))

	_, err = cl.Incr(ctx, []byte("counter"), 1, false)
	if err != nil {
		mustInit(cl.Set(ctx, []byte("counter"), []byte("1"), 0, 0, false))
	}

	items := map[string][]byte{
		"foo":    []byte("bar"),
		"gopher": []byte("golang"),
		"answer": []byte("42"),
	}
	keys := make([][]byte, 0, len(items))
	for k, v := range items {
		mustInit(cl.Add(ctx, []byte(k), v, 0, 0, false))
		keys = append(keys, []byte(k))
	}

	got, err := cl.GetMany(ctx, keys, false, false)
	mustInit(err)
	fmt.Printf("fetched %d of %d keys\n", len(got), len(keys))

	for _, n := range cl.ClusterManagement().Nodes() {
		mustInit(cl.FlushAll(ctx, n.Address(), 0, false))
	}
}

func mustInit(e error) {
	if e != nil {
		panic(e)
	}
}
