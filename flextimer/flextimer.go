// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Provide randomized timers - both based on range and binary exponential
// backoff. The connection uses a range ticker to pace operational poll
// cache invalidation.
// Usage:
//  ticker := NewRangeTicker(min, max)
//  select ticker.C
//  ticker.UpdateRangeTicker(newmin, newmax)
//  ticker.StopTicker()

package flextimer

import (
	"math/rand"
	"time"
)

// FlexTickerHandle is the ticker handle for the caller.
// If exp is false then [min, max] is a random range.
// If exp is true then start at min and do binary exponential backoff
// until hitting max, then stay at max. Randomize +/- randomFactor.
// When config is all zeros, stop and close the channel.
type FlexTickerHandle struct {
	C           <-chan time.Time
	privateChan chan<- time.Time
	configChan  chan<- flexTickerConfig
}

// Arguments fed over configChan
type flexTickerConfig struct {
	exponential  bool
	minTime      time.Duration
	maxTime      time.Duration
	randomFactor float64
}

// NewRangeTicker returns a ticker firing at a random point in [minTime, maxTime]
func NewRangeTicker(minTime time.Duration, maxTime time.Duration) FlexTickerHandle {
	initialConfig := flexTickerConfig{minTime: minTime,
		maxTime: maxTime}
	configChan := make(chan flexTickerConfig, 1)
	tickChan := newFlexTicker(configChan)
	configChan <- initialConfig
	return FlexTickerHandle{C: tickChan, privateChan: tickChan, configChan: configChan}
}

// NewExpTicker returns a ticker with binary exponential backoff from minTime
// up to maxTime, randomized by randomFactor
func NewExpTicker(minTime time.Duration, maxTime time.Duration, randomFactor float64) FlexTickerHandle {
	initialConfig := flexTickerConfig{minTime: minTime,
		maxTime: maxTime, exponential: true,
		randomFactor: randomFactor}
	configChan := make(chan flexTickerConfig, 1)
	tickChan := newFlexTicker(configChan)
	configChan <- initialConfig
	return FlexTickerHandle{C: tickChan, privateChan: tickChan, configChan: configChan}
}

// UpdateRangeTicker replaces the range without waiting for the current timer
func (f FlexTickerHandle) UpdateRangeTicker(minTime time.Duration, maxTime time.Duration) {
	config := flexTickerConfig{minTime: minTime,
		maxTime: maxTime}
	f.configChan <- config
}

// TickNow inserts a tick now in addition to running timers
func (f FlexTickerHandle) TickNow() {
	// Non-blocking send; if a tick is already pending the caller will be
	// served by that one.
	select {
	case f.privateChan <- time.Now():
	default:
	}
}

// UpdateExpTicker replaces the backoff parameters
func (f FlexTickerHandle) UpdateExpTicker(minTime time.Duration, maxTime time.Duration, randomFactor float64) {
	config := flexTickerConfig{minTime: minTime,
		maxTime: maxTime, exponential: true,
		randomFactor: randomFactor}
	f.configChan <- config
}

// StopTicker stops the ticker and closes its channel
func (f FlexTickerHandle) StopTicker() {
	f.configChan <- flexTickerConfig{}
}

// Implementation functions

func newFlexTicker(config <-chan flexTickerConfig) chan time.Time {
	tick := make(chan time.Time, 1)
	go flexTicker(config, tick)
	return tick
}

func flexTicker(config <-chan flexTickerConfig, tick chan<- time.Time) {
	s1 := rand.NewSource(time.Now().UnixNano())
	r1 := rand.New(s1)
	// Wait for initial config
	c := <-config
	expFactor := 1
	for {
		var d time.Duration
		if c.exponential {
			rf := c.randomFactor
			if rf == 0 {
				rf = 1.0
			} else if rf > 1.0 {
				rf = 1.0 / rf
			}
			min := float64(c.minTime) * float64(expFactor) * rf
			max := float64(c.minTime) * float64(expFactor) / rf
			base := float64(c.minTime) * float64(expFactor)
			if time.Duration(base) < c.maxTime {
				expFactor *= 2
			}
			if max == min {
				d = time.Duration(min)
			} else {
				r := r1.Int63n(int64(max-min)) + int64(min)
				d = time.Duration(r)
			}
		} else if c.maxTime == c.minTime {
			d = c.minTime
		} else {
			r := r1.Int63n(int64(c.maxTime-c.minTime)) + int64(c.minTime)
			d = time.Duration(r)
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
			// Must not block here, otherwise the config channel would
			// block as well. Dropping the tick is fine: the pending one
			// has not been consumed yet.
			select {
			case tick <- time.Now():
			default:
			}
		case c = <-config:
			// Replace current parameters without looking at when the
			// current timer would fire
			timer.Stop()
			expFactor = 1
			if c.maxTime == 0 && c.minTime == 0 {
				close(tick)
				return
			}
		}
	}
}
