package main

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DenyList holds keys that can't be claimed by anyone, like a deployment's
// own well-known announcement keys.
type DenyList interface {
	Contains(key string) bool
}

type MemoryDenyList struct {
	denied map[string]struct{}
}

func NewMemoryDenyList(keys ...string) *MemoryDenyList {
	denied := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		denied[key] = struct{}{}
	}

	return &MemoryDenyList{denied: denied}
}

func (l *MemoryDenyList) Contains(key string) bool {
	_, ok := l.denied[key]
	return ok
}

// Keys returns denied keys in sorted order.
func (l *MemoryDenyList) Keys() []string {
	keys := maps.Keys(l.denied)
	slices.Sort(keys)
	return keys
}
