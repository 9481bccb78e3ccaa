// Package storage maps keys to values that live in an arena.
//
// Keys are owned strings; values are arena refs borrowed from the arena the
// storage was built with. Storage is not safe for concurrent use.
package storage

import (
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/VoolFI71/arena-kv/internal/arena"
)

const ShardCount = 16
const shardMask = uint64(ShardCount - 1)

type Shard struct {
	data map[string]arena.Ref
}

type Storage struct {
	shards [ShardCount]*Shard
	arena  *arena.Arena
	keys   int
}

func New(a *arena.Arena) *Storage {
	s := &Storage{arena: a}
	for i := 0; i < ShardCount; i++ {
		s.shards[i] = &Shard{data: make(map[string]arena.Ref)}
	}
	return s
}

// Hash is the hash SetHashed and GetHashed expect for key.
func Hash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

func (s *Storage) shard(hash uint64) *Shard {
	return s.shards[hash&shardMask]
}

// SetHashed copies value into the arena and points key at it. If the arena
// cannot hold value the error wraps arena.ErrOutOfMemory and the previous value
// of key, if any, is left in place.
func (s *Storage) SetHashed(hash uint64, key, value []byte) error {
	ref, dst, err := s.arena.Allocate(len(value))
	if err != nil {
		return errors.Wrapf(err, "store %d byte value", len(value))
	}
	copy(dst, value)

	shard := s.shard(hash)
	if _, ok := shard.data[string(key)]; !ok {
		s.keys++
	}
	shard.data[string(key)] = ref
	return nil
}

func (s *Storage) Set(key, value []byte) error {
	return s.SetHashed(Hash(key), key, value)
}

// GetHashed returns the stored bytes for key. The slice aliases arena memory and
// must not be modified. Entries whose ref no longer resolves, because the arena
// was reset, are dropped and reported missing.
func (s *Storage) GetHashed(hash uint64, key []byte) ([]byte, bool) {
	shard := s.shard(hash)
	ref, ok := shard.data[string(key)]
	if !ok {
		return nil, false
	}
	value, ok := s.arena.Bytes(ref)
	if !ok {
		delete(shard.data, string(key))
		s.keys--
		return nil, false
	}
	return value, true
}

func (s *Storage) Get(key []byte) ([]byte, bool) {
	return s.GetHashed(Hash(key), key)
}

// Len returns the number of keys, including keys whose values went stale and
// have not been looked up since.
func (s *Storage) Len() int {
	return s.keys
}

// Reset drops every entry together with the arena contents backing them.
func (s *Storage) Reset() {
	for _, shard := range s.shards {
		clear(shard.data)
	}
	s.keys = 0
	s.arena.Reset()
}

func (s *Storage) Arena() *arena.Arena {
	return s.arena
}
