// Copyright 2023 The Corrosion Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueueGrantsImmediatelyWhenFree(t *testing.T) {
	q := newPriorityQueue()
	require.NoError(t, q.acquire(context.Background(), WriteNormal))
	q.release()
	require.NoError(t, q.acquire(context.Background(), WriteLow))
	q.release()
}

func TestPriorityQueueOrdersByPriority(t *testing.T) {
	r := require.New(t)
	q := newPriorityQueue()
	r.NoError(q.acquire(context.Background(), WriteNormal))

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	start := func(priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.NoError(q.acquire(context.Background(), priority))
			mu.Lock()
			order = append(order, priority)
			mu.Unlock()
			q.release()
		}()
	}

	start(WriteLow)
	time.Sleep(50 * time.Millisecond)
	start(WritePriority)
	time.Sleep(50 * time.Millisecond)

	// Both waiters are queued; releasing drains them in priority
	// order.
	r.Equal(2, q.waiting())
	q.release()
	wg.Wait()

	r.Equal([]int{WritePriority, WriteLow}, order)
	r.Zero(q.waiting())
}

func TestPriorityQueueCancel(t *testing.T) {
	r := require.New(t)
	q := newPriorityQueue()
	r.NoError(q.acquire(context.Background(), WriteNormal))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.acquire(ctx, WriteNormal)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	r.ErrorIs(<-errCh, context.Canceled)

	// The canceled waiter must not have consumed the permit.
	q.release()
	r.NoError(q.acquire(context.Background(), WriteLow))
	q.release()
}

func TestPriorityQueueClosed(t *testing.T) {
	q := newPriorityQueue()
	q.close()
	require.ErrorIs(t, q.acquire(context.Background(), WriteNormal), ErrPoolClosed)
}

func TestPriorityQueueRejectsBadPriority(t *testing.T) {
	q := newPriorityQueue()
	require.Error(t, q.acquire(context.Background(), 99))
}
