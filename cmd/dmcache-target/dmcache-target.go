/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Dec 29 13:18:26 2017 mstenber
 * Last modified: Tue Mar 20 16:00:57 2018 mstenber
 * Edit time:     68 min
 *
 */

// dmcache-target is the cache-target constructor named in spec.md §6:
// "<cached_dev> <data_dev> <meta_dev> <data_block_size_sectors>". It
// plays the role the teacher's cmd/tfhfs.go plays for the filesystem
// - parse flags, wire up the backend/codec stack, start the worker
// loop, serve until interrupted.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/bits"
	"os"
	"os/signal"

	"github.com/fingon/go-dmcache/blockio"
	"github.com/fingon/go-dmcache/blockio/factory"
	"github.com/fingon/go-dmcache/cache"
	"github.com/fingon/go-dmcache/metadata"
	"github.com/fingon/go-dmcache/mlog"
	"github.com/fingon/go-dmcache/policy/stack"

	_ "github.com/fingon/go-dmcache/policy/arc"
	_ "github.com/fingon/go-dmcache/policy/mq"
	_ "github.com/fingon/go-dmcache/policy/writeback"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s <cached_dev> <data_dev> <meta_dev> <data_block_size_sectors>\n", os.Args[0])
		flag.PrintDefaults()
	}
	backendName := flag.String("metadata-backend", "badger",
		fmt.Sprintf("Metadata backend to use (possible: %v)", factory.List()))
	password := flag.String("password", "", "Metadata at-rest encryption password (empty disables encryption)")
	salt := flag.String("salt", "salt", "Salt for the at-rest encryption key derivation")
	policyName := flag.String("policy", "mq+", "Cache replacement policy stack name")
	cacheSize := flag.Int("cache-blocks", 1024, "Number of cache blocks the cache device provides")

	flag.Parse()
	if flag.NArg() < 4 {
		flag.Usage()
		os.Exit(1)
	}
	cachedDev := flag.Arg(0)
	dataDev := flag.Arg(1)
	metaDev := flag.Arg(2)

	var blockSizeSectors uint64
	if _, err := fmt.Sscanf(flag.Arg(3), "%d", &blockSizeSectors); err != nil {
		log.Fatalf("dmcache-target: invalid data_block_size_sectors: %v", err)
	}
	if blockSizeSectors < 8 || blockSizeSectors&(blockSizeSectors-1) != 0 {
		log.Fatalf("dmcache-target: data_block_size_sectors must be a power of two >= 8 (got %d)", blockSizeSectors)
	}
	blockShift := uint(bits.TrailingZeros64(blockSizeSectors))
	blockSizeBytes := int(blockSizeSectors) * blockio.SectorSize

	metaCache, err := factory.NewCache(factory.CacheConfiguration{
		BackendConfiguration: blockio.BackendConfiguration{Directory: metaDev},
		BackendName:          *backendName,
		Password:             *password,
		Salt:                 *salt,
		WarmCapacity:         blockio.DefaultWarmCapacity,
	})
	if err != nil {
		log.Fatalf("dmcache-target: metadata cache init failed: %v", err)
	}

	// metadata's data_nr_blocks bounds pb, the cache-block id space the
	// policy hands out (its forward map is (dev,ob)->(pb,flags) and pb
	// is always a cache block, never an origin block - spec.md §3/§4.4):
	// it must equal the policy's own capacity, not a separate, larger
	// origin-device size, or InsertAt would accept pb values the policy
	// never actually allocated.
	meta, err := metadata.Open(metaDev, metaCache, blockSizeSectors, uint64(*cacheSize))
	if err != nil {
		log.Fatalf("dmcache-target: metadata open failed: %v", err)
	}
	defer meta.Close()

	pol, err := stack.New(*policyName, *cacheSize)
	if err != nil {
		log.Fatalf("dmcache-target: policy stack %q: %v", *policyName, err)
	}

	// cachedDev/dataDev name the raw origin/cache block devices a
	// real dm target would open directly; this build exercises the
	// cache core end-to-end against in-memory stand-ins instead of
	// requiring actual block device access.
	mlog.Printf2("cmd/dmcache-target/dmcache-target", "cached_dev=%v data_dev=%v", cachedDev, dataDev)
	origin := cache.MemDataDevice{BlockSize: blockSizeBytes}.Init()
	cacheDev := cache.MemDataDevice{BlockSize: blockSizeBytes}.Init()
	copyEngine := &cache.BlockCopyEngine{Origin: origin, Cache: cacheDev, BlockSize: blockSizeBytes}

	core := cache.Core{
		Meta:       meta,
		Policy:     pol,
		Copy:       copyEngine,
		Dev:        0,
		BlockShift: blockShift,
	}.Init()

	go core.Run()

	mlog.Printf2("cmd/dmcache-target/dmcache-target", "started, policy=%v blockShift=%v", pol.Name(), blockShift)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	core.Presuspend()
	copyEngine.Drain()
	core.Close()
	free, used, dirty := core.Status()
	fmt.Printf("%d %d %d\n", free, used, dirty)
}
