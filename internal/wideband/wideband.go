// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
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

// Package wideband provides bounded-concurrency fan-out helpers used
// wherever the resolver core needs to look up many independent items
// (auth chain seeds, state entries) in parallel without unbounded
// goroutine growth. It mirrors the shape of conduwuit's wide_then /
// wide_filter_map stream combinators, adapted to Go's goroutine-plus-
// channel idiom instead of async streams.
package wideband

import (
	"context"
	"sync"
)

// DefaultWidth is used by callers that don't have a more specific
// concurrency budget in mind.
const DefaultWidth = 32

// Then runs fn over every element of in with at most width goroutines
// in flight at once, returning results in the same order as in. An
// error from fn does not stop the remaining elements from running:
// once every goroutine has finished, Then returns the results together
// with the first non-nil error in index order.
func Then[T, R any](ctx context.Context, width int, in []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	if width <= 0 {
		width = DefaultWidth
	}
	out := make([]R, len(in))
	errs := make([]error, len(in))

	sem := make(chan struct{}, width)
	var wg sync.WaitGroup
	for i, item := range in {
		i, item := i, item
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r, err := fn(ctx, item)
			out[i] = r
			errs[i] = err
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// FilterMap runs fn over every element of in with at most width
// goroutines in flight, keeping only the elements for which fn's ok
// return is true. Unlike Then, a per-element error does not abort the
// whole call: fn signals "drop this element" by returning ok=false,
// which is how the auth chain assembler silently skips entries that fail to resolve (e.g. a shortstatekey
// with no corresponding event) instead of failing the whole batch.
func FilterMap[T, R any](ctx context.Context, width int, in []T, fn func(context.Context, T) (R, bool)) []R {
	if width <= 0 {
		width = DefaultWidth
	}
	out := make([]slot[R], len(in))

	sem := make(chan struct{}, width)
	var wg sync.WaitGroup
	for i, item := range in {
		i, item := i, item
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return collect(out)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			v, ok := fn(ctx, item)
			out[i] = slot[R]{val: v, ok: ok}
		}()
	}
	wg.Wait()
	return collect(out)
}

type slot[R any] struct {
	val R
	ok  bool
}

func collect[R any](out []slot[R]) []R {
	res := make([]R, 0, len(out))
	for _, s := range out {
		if s.ok {
			res = append(res, s.val)
		}
	}
	return res
}
