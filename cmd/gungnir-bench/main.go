// Command gungnir-bench is a concurrent load generator for a running
// gungnir-server, restating the workload-driver role of the original
// artifact/Benchmark.cc as a Go CLI. Not part of the core protocol
// surface.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gungnirdb/gungnir/internal/transport"
	"github.com/gungnirdb/gungnir/internal/wireformat"
)

func main() {
	addr := flag.String("connect", "127.0.0.1:11222", "server address")
	clients := flag.Int("clients", 8, "number of concurrent connections")
	duration := flag.Duration("duration", 10*time.Second, "how long to run")
	keySpace := flag.Uint64("keys", 100000, "number of distinct keys to PUT/GET across")
	valueSize := flag.Int("value-size", 128, "value size in bytes")
	flag.Parse()

	var ops atomic.Uint64
	var errs atomic.Uint64

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// errgroup gives every client goroutine's dial error a path back to
	// main instead of being swallowed, while still letting the others
	// run for the full duration.
	var g errgroup.Group
	for i := 0; i < *clients; i++ {
		seed := int64(i) + 1
		g.Go(func() error {
			c, err := transport.Dial(*addr, "")
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}
			defer c.Close()

			rng := rand.New(rand.NewSource(seed))
			value := make([]byte, *valueSize)
			rng.Read(value)

			for {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				key := rng.Uint64() % *keySpace
				if rng.Intn(5) == 0 {
					if err := doGet(c, key); err != nil {
						errs.Add(1)
					}
				} else {
					if err := doPut(c, key, value); err != nil {
						errs.Add(1)
					}
				}
				ops.Add(1)
			}
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	elapsed := duration.String()
	fmt.Printf("ops=%d errors=%d duration=%s throughput=%.0f ops/s\n",
		ops.Load(), errs.Load(), elapsed, float64(ops.Load())/(*duration).Seconds())
}

func doGet(c *transport.Client, key uint64) error {
	req := make([]byte, wireformat.RequestCommonSize+8)
	wireformat.EncodeRequestCommon(req, wireformat.RequestCommon{Opcode: wireformat.OpGet})
	binary.LittleEndian.PutUint64(req[wireformat.RequestCommonSize:], key)
	resp, err := c.RequestRetrying(req, 2*time.Second)
	if err != nil {
		return err
	}
	return statusErr(resp)
}

func doPut(c *transport.Client, key uint64, value []byte) error {
	req := make([]byte, wireformat.RequestCommonSize+8+8+len(value))
	wireformat.EncodeRequestCommon(req, wireformat.RequestCommon{Opcode: wireformat.OpPut})
	off := wireformat.RequestCommonSize
	binary.LittleEndian.PutUint64(req[off:], key)
	off += 8
	binary.LittleEndian.PutUint64(req[off:], uint64(len(value)))
	off += 8
	copy(req[off:], value)
	resp, err := c.RequestRetrying(req, 2*time.Second)
	if err != nil {
		return err
	}
	return statusErr(resp)
}

// statusErr reports a non-OK response status as an error. doGet's
// StatusObjectDoesntExist is expected under a shared keySpace and
// isn't treated as a benchmark error.
func statusErr(resp []byte) error {
	common := wireformat.DecodeResponseCommon(resp)
	if common.Status == wireformat.StatusOK || common.Status == wireformat.StatusObjectDoesntExist {
		return nil
	}
	return fmt.Errorf("server returned %s", common.Status)
}
