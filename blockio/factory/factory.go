/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Jan  5 12:22:52 2018 mstenber
 * Last modified: Tue Mar 13 15:46:50 2018 mstenber
 * Edit time:     25 min
 *
 */

// factory is the named-backend registry behind the cache-target and
// era-target cmd/ binaries' "--metadata-backend=x" flags.
package factory

import (
	"github.com/fingon/go-dmcache/blockio"
	"github.com/fingon/go-dmcache/blockio/badger"
	"github.com/fingon/go-dmcache/blockio/bolt"
	"github.com/fingon/go-dmcache/blockio/file"
	"github.com/fingon/go-dmcache/blockio/inmemory"
	"github.com/fingon/go-dmcache/codec"
	"github.com/fingon/go-dmcache/mlog"
)

type factoryCallback func() blockio.Backend

var backendFactories = map[string]factoryCallback{
	"inmemory": func() blockio.Backend {
		return inmemory.NewInMemoryBackend()
	},
	"badger": func() blockio.Backend {
		return badger.NewBadgerBackend()
	},
	"bolt": func() blockio.Backend {
		return bolt.NewBoltBackend()
	},
	"file": func() blockio.Backend {
		return file.NewFileBackend()
	},
}

func List() []string {
	keys := make([]string, 0, len(backendFactories))
	for k := range backendFactories {
		keys = append(keys, k)
	}
	return keys
}

func New(name string, config blockio.BackendConfiguration) (blockio.Backend, error) {
	mlog.Printf2("blockio/factory/factory", "f.New %v %v", name, config)
	cb, ok := backendFactories[name]
	if !ok {
		return nil, errUnknownBackend(name)
	}
	be := cb()
	if err := be.Init(config); err != nil {
		return nil, err
	}
	return be, nil
}

type errUnknownBackend string

func (e errUnknownBackend) Error() string {
	return "blockio/factory: unknown backend " + string(e)
}

// CacheConfiguration is the set of flags the cmd/ binaries expose for
// constructing a metadata or data Cache: which backend, where, how
// big, and the at-rest transform to layer on top of it.
type CacheConfiguration struct {
	blockio.BackendConfiguration
	BackendName             string
	Password, Salt          string
	Iterations              int
	WarmCapacity            int
	Validator               blockio.Validator
}

// NewCache wires up a backend by name plus an encrypting/compressing
// codec chain exactly as the teacher's NewCryptoStorage did, adapted
// to the location-addressed Cache instead of the content-addressed
// Storage.
func NewCache(config CacheConfiguration) (*blockio.Cache, error) {
	mlog.Printf2("blockio/factory/factory", "f.NewCache %v", config.BackendName)
	iterations := config.Iterations
	if iterations == 0 {
		iterations = 12345
	}
	salt := config.Salt
	if salt == "" {
		salt = "asdf"
	}
	c := &codec.CodecChain{}
	if config.Password != "" {
		mlog.Printf2("blockio/factory/factory", " with encryption + compression")
		c1 := codec.EncryptingCodec{}.Init([]byte(config.Password), []byte(salt), iterations)
		c2 := &codec.CompressingCodec{}
		c = c.Init(c2, c1)
	} else {
		mlog.Printf2("blockio/factory/factory", " only compression")
		c2 := &codec.CompressingCodec{}
		c = c.Init(c2)
	}
	be, err := New(config.BackendName, config.BackendConfiguration)
	if err != nil {
		return nil, err
	}
	cache := &blockio.Cache{
		Backend:      be,
		Codec:        c,
		Validator:    config.Validator,
		WarmCapacity: config.WarmCapacity,
	}
	return cache.Init(), nil
}
