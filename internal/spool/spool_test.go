package spool

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/lockfile"
)

func newDir(t *testing.T) *Dir {
	t.Helper()
	d, err := Open(t.TempDir(), "lp", Options{})
	require.NoError(t, err)
	return d
}

// writeJob stores a complete job under number and returns its hold file name.
func writeJob(t *testing.T, d *Dir, number int, seq byte) string {
	t.Helper()
	slot, err := d.Allocate(number)
	require.NoError(t, err)
	require.Equal(t, number, slot.Number)

	df := job.Name{Kind: job.KindData, Seq: 'A', Number: number, Digits: d.Digits, Host: "client"}.String()
	cf := job.Name{Kind: job.KindControl, Seq: seq, Number: number, Digits: d.Digits, Host: "client"}.String()
	require.NoError(t, os.WriteFile(d.File(df), []byte("hello"), filePerm))
	require.NoError(t, os.WriteFile(d.File(cf), []byte("Hclient\nPalice\nf"+df+"\n"), filePerm))

	slot.Hold.ControlName = cf
	slot.Hold.Receiver = 0
	slot.Hold.ReceivedTime = time.Date(2026, 1, 1, 0, 0, number, 0, time.UTC)
	require.NoError(t, slot.Save())
	require.NoError(t, slot.Release())
	return job.HoldFileName(number, d.Digits)
}

func TestAllocate_LockedNumberIsSkipped(t *testing.T) {
	d := newDir(t)

	first, err := d.Allocate(5)
	require.NoError(t, err)
	defer first.Release()
	assert.Equal(t, 5, first.Number)
	assert.Equal(t, os.Getpid(), first.Hold.Receiver)

	second, err := d.Allocate(5)
	require.NoError(t, err)
	defer second.Release()
	assert.Equal(t, 6, second.Number)
}

func TestAllocate_CompleteJobIsSkipped(t *testing.T) {
	d := newDir(t)
	writeJob(t, d, 3, 'A')

	slot, err := d.Allocate(3)
	require.NoError(t, err)
	defer slot.Release()
	assert.Equal(t, 4, slot.Number)
}

func TestAllocate_ReleasedIncompleteSlotIsReused(t *testing.T) {
	d := newDir(t)
	slot, err := d.Allocate(7)
	require.NoError(t, err)
	stray := job.Name{Kind: job.KindData, Seq: 'A', Number: 7, Digits: 3, Host: "h"}.String()
	require.NoError(t, os.WriteFile(d.File(stray), []byte("partial"), filePerm))
	require.NoError(t, slot.Release())

	again, err := d.Allocate(7)
	require.NoError(t, err)
	defer again.Release()
	assert.Equal(t, 7, again.Number)
	_, err = os.Stat(d.File(stray))
	assert.True(t, os.IsNotExist(err))
}

func TestAllocate_Wraps(t *testing.T) {
	d := newDir(t)
	last, err := d.Allocate(999)
	require.NoError(t, err)
	defer last.Release()

	wrapped, err := d.Allocate(999)
	require.NoError(t, err)
	defer wrapped.Release()
	assert.Equal(t, 0, wrapped.Number)
}

func TestAllocate_QueueFull(t *testing.T) {
	d := newDir(t)
	for i := 0; i < job.NumberLimit(d.Digits); i++ {
		cf := job.Name{Kind: job.KindControl, Seq: 'A', Number: i, Digits: d.Digits, Host: "h"}.String()
		require.NoError(t, os.WriteFile(d.File(cf), nil, filePerm))
		require.NoError(t, os.WriteFile(d.File(job.HoldFileName(i, d.Digits)), []byte("control: "+cf+"\n"), filePerm))
	}
	_, err := d.Allocate(0)
	assert.True(t, errors.Is(err, ErrQueueFull))
}

func TestAllocate_Unique(t *testing.T) {
	d := newDir(t)

	var mu sync.Mutex
	live := map[int]bool{}
	var dups []int
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s, err := d.Allocate(0)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				if live[s.Number] {
					dups = append(dups, s.Number)
				}
				live[s.Number] = true
				mu.Unlock()

				mu.Lock()
				delete(live, s.Number)
				mu.Unlock()
				assert.NoError(t, s.Discard())
			}
		}()
	}
	wg.Wait()
	assert.Empty(t, dups, "numbers held by two allocations at once")
	numbers, err := d.Numbers()
	require.NoError(t, err)
	assert.Empty(t, numbers)
}

func TestAllocate_DiscardedSlotIsNotOwned(t *testing.T) {
	d := newDir(t)
	first, err := d.Allocate(5)
	require.NoError(t, err)

	// Opened before the discard, locked after it.
	late, err := lockfile.Open(first.HoldPath(), false, 0)
	require.NoError(t, err)
	require.NoError(t, first.Discard())

	_, ok, err := lockOpened(late, false)
	assert.False(t, ok)
	assert.True(t, os.IsNotExist(errors.Cause(err)))

	again, err := d.Allocate(5)
	require.NoError(t, err)
	defer again.Release()
	assert.Equal(t, 5, again.Number)
}

func TestLockJobWait_RemovedWhileWaiting(t *testing.T) {
	d := newDir(t)
	hold := writeJob(t, d, 8, 'A')
	j, err := d.LoadJob(hold)
	require.NoError(t, err)
	slot, ok, err := d.LockJob(j)
	require.NoError(t, err)
	require.True(t, ok)

	waiter, err := lockfile.Open(j.HoldPath, false, 0)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, _, err := lockOpened(waiter, true)
		done <- err
	}()

	require.NoError(t, d.RemoveJobFiles(j))
	require.NoError(t, slot.Release())
	select {
	case err := <-done:
		assert.True(t, os.IsNotExist(errors.Cause(err)))
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not released")
	}

	_, err = d.LockJobWait(j)
	assert.True(t, os.IsNotExist(errors.Cause(err)))
}

func TestQueueLock(t *testing.T) {
	d := newDir(t)
	lock, owner, err := d.AcquireQueueLock()
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Zero(t, owner)

	again, owner, err := d.AcquireQueueLock()
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, os.Getpid(), owner)
	assert.Equal(t, os.Getpid(), d.QueueLockOwner())

	require.NoError(t, lock.Close())
	assert.Zero(t, d.QueueLockOwner())
}

func TestServerPID(t *testing.T) {
	d := newDir(t)
	require.NoError(t, d.WriteServerPID(1234))
	assert.Equal(t, 1234, d.ServerPID())
	require.NoError(t, d.WriteServerPID(0))
	assert.Zero(t, d.ServerPID())
}

func TestUpdateControl(t *testing.T) {
	d := newDir(t)
	c, err := d.LoadControl()
	require.NoError(t, err)
	assert.Equal(t, QueueControl{}, c)

	_, err = d.UpdateControl(func(c *QueueControl) error {
		c.PrintingDisabled = true
		c.Message = "toner low"
		c.Server("lp1").DoneTime = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		return nil
	})
	require.NoError(t, err)

	c, err = d.LoadControl()
	require.NoError(t, err)
	assert.True(t, c.PrintingDisabled)
	assert.Equal(t, "toner low", c.Message)
	require.Len(t, c.Servers, 1)
	assert.Equal(t, "lp1", c.Servers[0].Name)

	_, err = d.UpdateControl(func(c *QueueControl) error { return errors.New("nope") })
	assert.Error(t, err)
}

func TestScan(t *testing.T) {
	d := newDir(t)
	writeJob(t, d, 2, 'B')
	writeJob(t, d, 1, 'C')
	writeJob(t, d, 3, 'A')

	inFlight, err := d.Allocate(10)
	require.NoError(t, err)
	defer inFlight.Release()

	jobs, broken, err := d.Scan()
	require.NoError(t, err)
	assert.Empty(t, broken)
	require.Len(t, jobs, 3)
	assert.Equal(t, 3, jobs[0].Number())
	assert.Equal(t, 2, jobs[1].Number())
	assert.Equal(t, 1, jobs[2].Number())
	assert.Equal(t, "alice", jobs[0].User)
	require.Len(t, jobs[0].DataFiles, 1)
	assert.EqualValues(t, 5, jobs[0].DataFiles[0].Size)
}

func TestScan_MissingDataFileIsBroken(t *testing.T) {
	d := newDir(t)
	writeJob(t, d, 4, 'A')
	require.NoError(t, os.Remove(d.File("dfA004client")))

	jobs, broken, err := d.Scan()
	require.NoError(t, err)
	assert.Empty(t, jobs)
	require.Len(t, broken, 1)
	assert.True(t, errors.Is(broken[0].Err, ErrMissingDataFile))

	require.NoError(t, d.RemoveBroken(broken[0]))
	numbers, err := d.Numbers()
	require.NoError(t, err)
	assert.Empty(t, numbers)
}

func TestLockJob(t *testing.T) {
	d := newDir(t)
	hold := writeJob(t, d, 8, 'A')
	j, err := d.LoadJob(hold)
	require.NoError(t, err)

	slot, ok, err := d.LockJob(j)
	require.NoError(t, err)
	require.True(t, ok)

	other, err := d.LoadJob(hold)
	require.NoError(t, err)
	_, ok, err = d.LockJob(other)
	require.NoError(t, err)
	assert.False(t, ok)

	j.Hold.Attempt = 2
	require.NoError(t, slot.Save())
	require.NoError(t, slot.Release())

	reloaded, err := d.LoadJob(hold)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Hold.Attempt)
}

func TestPurgeAbandoned(t *testing.T) {
	dir := t.TempDir()
	clk := clocktesting.NewFakePassiveClock(time.Now())
	d, err := Open(dir, "lp", Options{Clock: clk})
	require.NoError(t, err)

	slot, err := d.Allocate(0)
	require.NoError(t, err)
	writeJob(t, d, 1, 'A')

	clk.SetTime(time.Now().Add(2 * time.Hour))
	purged, err := d.PurgeAbandoned(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, purged, "held slots and complete jobs stay")

	require.NoError(t, slot.Release())
	purged, err = d.PurgeAbandoned(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	numbers, err := d.Numbers()
	require.NoError(t, err)
	assert.Equal(t, []int{1}, numbers)
}

func TestImport(t *testing.T) {
	src := newDir(t)
	hold := writeJob(t, src, 4, 'B')
	j, err := src.LoadJob(hold)
	require.NoError(t, err)

	dst, err := Open(t.TempDir(), "lp2", Options{})
	require.NoError(t, err)
	writeJob(t, dst, 4, 'A')

	copied, err := dst.Import(j, []job.Destination{{Name: "a", Copies: 2}}, false)
	require.NoError(t, err)
	assert.Equal(t, 5, copied.Number())
	assert.Equal(t, "lp2", copied.Queue)

	jobs, broken, err := dst.Scan()
	require.NoError(t, err)
	assert.Empty(t, broken)
	require.Len(t, jobs, 2)
	got := jobs[1]
	assert.Equal(t, 5, got.Number())
	assert.Equal(t, byte('B'), got.Priority())
	assert.Equal(t, "alice", got.User)
	require.Len(t, got.DataFiles, 1)
	assert.Equal(t, "dfA005client", got.DataFiles[0].TransferName)
	assert.EqualValues(t, 5, got.DataFiles[0].Size)
	require.Len(t, got.Hold.Destinations, 1)
	assert.Equal(t, 2, got.Hold.Destinations[0].Copies)
	assert.Zero(t, got.Hold.Receiver)

	// The source job is untouched.
	_, err = os.Stat(j.DataFiles[0].Path)
	assert.NoError(t, err)
}
