// Command rdmaserve runs an accept loop over a CM listener, adapted from
// cmd/recv's per-queue receive loop: instead of pulling frames off an
// AF_XDP RX ring, it pulls connection requests off a CM listener and hands
// each one a block from the registered block pool.
package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/vela-rpc/rdma/blockpool"
	"github.com/vela-rpc/rdma/cmrdma"
	"github.com/vela-rpc/rdma/cmrdma/fakeverbs"
)

type Config struct {
	Listen    string           `yaml:"listen"`
	CM        cmrdma.Config    `yaml:",inline"`
	BlockPool blockpool.Config `yaml:",inline"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "rdmaserve.yaml", "path to config YAML file")
	fListen := flag.String("l", "", "listen address (ip:port)")
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
	if conf.Listen == "" {
		return nil, fmt.Errorf("listen address must be set (or use -l)")
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

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	addr, err := netip.ParseAddrPort(conf.Listen)
	fatalIf(err, "parsing listen address")

	backend := fakeverbs.New()

	fatalIf(blockpool.InitPool(conf.BlockPool, backend.RegisterRegion), "initializing block pool")
	defer blockpool.DestroyPool()

	listener, err := cmrdma.Listen(backend, conf.CM, addr, conf.CM.Backlog)
	fatalIf(err, "listening on %s", addr)
	defer listener.Close()

	fmt.Fprintf(os.Stderr, "rdmaserve: listening on %s (backlog=%d)\n", addr, conf.CM.Backlog)

	var accepted, established uint64

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	p := message.NewPrinter(language.English)

	for {
		select {
		case <-ticker.C:
			p.Printf("accepted=%d established=%d regions=%d\n",
				accepted, established, blockpool.RegionCount())
		default:
		}

		conn, err := listener.GetRequest()
		fatalIf(err, "get_request")
		if conn == nil {
			fatalIf(listener.Wait(100), "wait for connection request")
			continue
		}

		accepted++

		if _, err := conn.CreateQP(64, 64, nil, accepted); err != nil {
			fmt.Fprintf(os.Stderr, "create_qp: %v\n", err)
			conn.Close()
			continue
		}

		ptr, err := blockpool.AllocBlock(uintptr(conf.BlockPool.BlockSize))
		if err != nil {
			fmt.Fprintf(os.Stderr, "alloc_block: %v\n", err)
			conn.Close()
			continue
		}

		fatalIf(conn.Accept(nil), "accept")

		for {
			ev, err := conn.PollEvent()
			fatalIf(err, "poll_event")
			if ev == cmrdma.EventEstablished {
				established++
				break
			}
			if ev == cmrdma.EventNone {
				fatalIf(conn.Wait(100), "wait for established")
			}
		}

		greeting := fmt.Sprintf("rdmaserve region=%d", blockpool.RegionID(ptr))
		copy(ptr.Bytes(uintptr(conf.BlockPool.BlockSize)), greeting)

		fatalIf(blockpool.DeallocBlock(ptr), "dealloc_block")
		conn.Close()
	}
}
