// Command rdmabench drives synthetic CM connect + block pool alloc/dealloc
// load against a listener, in the style of cmd/bench: it runs a receiver
// side and a sender side concurrently, reports live pps-style stats every
// second, and prints a final summary with humanize/message formatting.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/vela-rpc/rdma/blockpool"
	"github.com/vela-rpc/rdma/cmrdma"
	"github.com/vela-rpc/rdma/cmrdma/fakeverbs"
	"github.com/vela-rpc/rdma/internal/ratelimit"
)

type Config struct {
	Listen    string           `yaml:"listen"`
	CM        cmrdma.Config    `yaml:",inline"`
	BlockPool blockpool.Config `yaml:",inline"`

	Count          uint64 `yaml:"count"`
	Connections    uint   `yaml:"connections"`
	ConnectsPerSec uint64 `yaml:"connects-per-sec"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "rdmabench.yaml", "path to config YAML file")
	fListen := flag.String("l", "", "listen address (ip:port)")
	fCount := flag.Uint64("n", 0, "connection count")
	fConns := flag.Uint("c", 1, "concurrent connections")
	fRate := flag.Uint64("r", 0, "connects per second (0 = unlimited)")
	flag.Parse()

	conf := &Config{}
	if b, err := os.ReadFile(*fConfig); err == nil {
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	if *fListen != "" {
		conf.Listen = *fListen
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fConns != 1 {
		conf.Connections = *fConns
	}
	if *fRate != 0 {
		conf.ConnectsPerSec = *fRate
	}

	if conf.Listen == "" {
		return nil, fmt.Errorf("listen address must be set (or use -l)")
	}
	if conf.Count == 0 {
		return nil, fmt.Errorf("count must be > 0 (or use -n)")
	}
	if conf.Connections == 0 {
		conf.Connections = 1
	}

	conf.CM.ValidateAndSetDefaults()
	conf.BlockPool.ValidateAndSetDefaults()
	return conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

type Stats struct {
	Connected atomic.Uint64
	Allocated atomic.Uint64
	Bytes     atomic.Uint64
	Errors    atomic.Uint64
}

func runServer(ctx context.Context, backend *fakeverbs.Backend, addr netip.AddrPort, cfg *Config, stats *Stats) {
	listener, err := cmrdma.Listen(backend, cfg.CM, addr, cfg.CM.Backlog)
	fatalIf(err, "server listen")
	defer listener.Close()

	for ctx.Err() == nil {
		conn, err := listener.GetRequest()
		fatalIf(err, "server get_request")
		if conn == nil {
			listener.Wait(50)
			continue
		}
		if _, err := conn.CreateQP(16, 16, nil, 0); err != nil {
			conn.Close()
			continue
		}
		fatalIf(conn.Accept(nil), "server accept")
		for {
			ev, err := conn.PollEvent()
			fatalIf(err, "server poll_event")
			if ev == cmrdma.EventEstablished {
				break
			}
			if ev == cmrdma.EventNone {
				conn.Wait(50)
			}
		}
		conn.Close()
	}
}

func runClient(wg *sync.WaitGroup, backend *fakeverbs.Backend, addr netip.AddrPort, cfg *Config, stats *Stats, share uint64) {
	defer wg.Done()
	throttle := ratelimit.NewThrottle(cfg.ConnectsPerSec / uint64(max(cfg.Connections, 1)))

	for i := uint64(0); i < share; i++ {
		throttle.ThrottleN(1)

		client, err := cmrdma.Create(backend, cfg.CM)
		if err != nil {
			stats.Errors.Add(1)
			continue
		}

		if err := client.ResolveAddr(addr); err != nil {
			stats.Errors.Add(1)
			client.Close()
			continue
		}
		for {
			ev, err := client.PollEvent()
			if err != nil {
				stats.Errors.Add(1)
				break
			}
			if ev == cmrdma.EventAddrResolved {
				break
			}
			client.Wait(50)
		}

		fatalIf(client.ResolveRoute(), "client resolve_route")
		for {
			ev, err := client.PollEvent()
			fatalIf(err, "client poll_event")
			if ev == cmrdma.EventRouteResolved {
				break
			}
			client.Wait(50)
		}

		if _, err := client.CreateQP(16, 16, nil, i); err != nil {
			stats.Errors.Add(1)
			client.Close()
			continue
		}

		if err := client.Connect(nil); err != nil {
			stats.Errors.Add(1)
			client.Close()
			continue
		}
		for {
			ev, err := client.PollEvent()
			if err != nil {
				stats.Errors.Add(1)
				break
			}
			if ev == cmrdma.EventEstablished {
				stats.Connected.Add(1)
				break
			}
			client.Wait(50)
		}

		ptr, err := blockpool.AllocBlock(uintptr(cfg.BlockPool.BlockSize))
		if err == nil {
			stats.Allocated.Add(1)
			stats.Bytes.Add(uint64(cfg.BlockPool.BlockSize))
			_ = blockpool.DeallocBlock(ptr)
		} else {
			stats.Errors.Add(1)
		}

		client.Close()
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	addr, err := netip.ParseAddrPort(conf.Listen)
	fatalIf(err, "parsing listen address")

	backend := fakeverbs.New()
	fatalIf(blockpool.InitPool(conf.BlockPool, backend.RegisterRegion), "initializing block pool")
	defer blockpool.DestroyPool()

	var stats Stats

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runServer(ctx, backend, addr, conf, &stats)
	time.Sleep(50 * time.Millisecond) // let the listener come up

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		p := message.NewPrinter(language.English)
		var last uint64
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n := stats.Connected.Load()
				p.Printf("connected=%d/%d allocated=%d errors=%d rate=%d/s\n",
					n, conf.Count, stats.Allocated.Load(), stats.Errors.Load(), n-last)
				last = n
			}
		}
	}()

	start := time.Now()

	var wg sync.WaitGroup
	per := conf.Count / uint64(conf.Connections)
	remainder := conf.Count % uint64(conf.Connections)
	for i := uint(0); i < conf.Connections; i++ {
		share := per
		if uint64(i) < remainder {
			share++
		}
		wg.Add(1)
		go runClient(&wg, backend, addr, conf, &stats, share)
	}
	wg.Wait()
	close(stop)
	cancel()

	elapsed := time.Since(start).Seconds()
	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:      %.3f s\n", elapsed)
	p.Printf(" Connected:    %d\n", stats.Connected.Load())
	p.Printf(" Allocated:    %d blocks (%s)\n",
		stats.Allocated.Load(), humanize.Bytes(stats.Bytes.Load()))
	p.Printf(" Errors:       %d\n", stats.Errors.Load())
	p.Printf(" Avg rate:     %.1f connects/s\n", float64(stats.Connected.Load())/elapsed)
}
