// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	b := Get()
	b.WriteString("CONNACK")
	Put(b)

	b = Get()
	defer Put(b)
	assert.Zero(t, b.Len())
}

func TestPutIgnoresOversizedAndNil(t *testing.T) {
	b := Get()
	b.Grow(maxPooledCap + 1)
	assert.NotPanics(t, func() {
		Put(b)
		Put(nil)
	})
}

func TestConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Get()
			defer Put(b)
			b.WriteString("sensors/dev-1/temp")
			assert.Equal(t, "sensors/dev-1/temp", b.String())
		}()
	}
	wg.Wait()
}
