// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package shmlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lf-edge/yangds/types"
)

const testTimeout = 2 * time.Second

func TestReadersShareWriterExcludes(t *testing.T) {
	var l RWLock
	l.Init()

	assert.Nil(t, l.RLock(testTimeout, 1, nil))
	assert.Nil(t, l.RLock(testTimeout, 2, nil))
	readers, _, _ := l.Holders()
	assert.Equal(t, int32(2), readers)

	// A writer cannot get in while readers hold the lock
	err := l.WLock(50*time.Millisecond, 3, nil)
	assert.NotNil(t, err)
	assert.Equal(t, types.ErrTimeOut, err.Code)

	l.RUnlock()
	l.RUnlock()
	assert.Nil(t, l.WLock(testTimeout, 3, nil))

	// And a reader cannot get in past a writer
	rerr := l.RLock(50*time.Millisecond, 4, nil)
	assert.NotNil(t, rerr)
	assert.Equal(t, types.ErrTimeOut, rerr.Code)
	l.WUnlock(3)
	assert.Nil(t, l.RLock(testTimeout, 4, nil))
	l.RUnlock()
}

func TestUpgradableCoexistsWithReaders(t *testing.T) {
	var l RWLock
	l.Init()

	assert.Nil(t, l.UpgrLock(testTimeout, 1, nil))
	assert.Nil(t, l.RLock(testTimeout, 2, nil))

	// A second upgradable holder must wait
	err := l.UpgrLock(50*time.Millisecond, 3, nil)
	assert.NotNil(t, err)
	assert.Equal(t, types.ErrTimeOut, err.Code)

	// Promotion waits for the reader to drain
	perr := l.Promote(50*time.Millisecond, 1, nil)
	assert.NotNil(t, perr)
	// Failed promotion retains read-upgradable
	_, upgr, writer := l.Holders()
	assert.Equal(t, uint32(1), upgr)
	assert.Equal(t, uint32(0), writer)

	l.RUnlock()
	assert.Nil(t, l.Promote(testTimeout, 1, nil))
	_, _, writer = l.Holders()
	assert.Equal(t, uint32(1), writer)

	l.Demote(1)
	l.UpgrUnlock(1)
	assert.Nil(t, l.WLock(testTimeout, 5, nil))
	l.WUnlock(5)
}

func TestWriterHandoff(t *testing.T) {
	var l RWLock
	l.Init()
	var inside int32
	var wg sync.WaitGroup

	assert.Nil(t, l.WLock(testTimeout, 1, nil))
	for i := uint32(2); i < 6; i++ {
		wg.Add(1)
		go func(cid uint32) {
			defer wg.Done()
			if err := l.WLock(testTimeout, cid, nil); err != nil {
				t.Errorf("cid %d: %v", cid, err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			if n != 1 {
				t.Errorf("cid %d: %d writers inside", cid, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			l.WUnlock(cid)
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	l.WUnlock(1)
	wg.Wait()
}

func TestDeadHolderRecovery(t *testing.T) {
	var l RWLock
	l.Init()

	// cid 7 takes the write lock and "dies"
	assert.Nil(t, l.WLock(testTimeout, 7, nil))
	alive := func(cid uint32) bool { return cid != 7 }

	// The next acquirer detects the stale CID and recovers the lock
	assert.Nil(t, l.WLock(testTimeout, 8, alive))
	_, upgr, writer := l.Holders()
	assert.Equal(t, uint32(8), upgr)
	assert.Equal(t, uint32(8), writer)
	l.WUnlock(8)
}

func TestTimeoutLeavesNoState(t *testing.T) {
	var l RWLock
	l.Init()
	assert.Nil(t, l.WLock(testTimeout, 1, nil))

	err := l.UpgrLock(30*time.Millisecond, 2, nil)
	assert.NotNil(t, err)
	assert.Equal(t, types.ErrTimeOut, err.Code)
	_, upgr, _ := l.Holders()
	assert.Equal(t, uint32(1), upgr) // WLock holds via upgradable

	l.WUnlock(1)
	readers, upgr, writer := l.Holders()
	assert.Equal(t, int32(0), readers)
	assert.Equal(t, uint32(0), upgr)
	assert.Equal(t, uint32(0), writer)
}

func TestAcquisitionOrderAssert(t *testing.T) {
	Debug = true
	defer func() { Debug = false }()

	Acquired(ClassSubs)
	Acquired(ClassNotif)
	Acquired(ClassExtShm)
	Released(ClassExtShm)
	Released(ClassNotif)

	// Going back up the order while still holding ClassSubs is fine;
	// holding ClassNotif and then asking for ClassChangeSub is not
	Acquired(ClassNotif)
	assert.Panics(t, func() {
		Acquired(ClassChangeSub)
	})
	Released(ClassNotif)
	Released(ClassSubs)
}
