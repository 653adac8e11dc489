package client_test

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	videostream "github.com/EdgeFirstAI/videostream"
	"github.com/EdgeFirstAI/videostream/client"
	"github.com/EdgeFirstAI/videostream/host"
	"github.com/EdgeFirstAI/videostream/ipc"
)

func testPath(t *testing.T) string {
	return fmt.Sprintf("vstest-%d-%s", os.Getpid(), strings.ReplaceAll(t.Name(), "/", "-"))
}

func serve(pool *host.Pool) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, err := pool.Poll(10); err != nil {
				return
			}
			if err := pool.Process(); err != nil {
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func TestConnectRefused(t *testing.T) {
	_, err := client.Connect(testPath(t))
	require.ErrorIs(t, err, videostream.ErrConnectionRefused)
}

func TestConnectEmptyPath(t *testing.T) {
	_, err := client.Connect("")
	require.ErrorIs(t, err, videostream.ErrInvalidArgument)
}

func TestWaitDeadline(t *testing.T) {
	pool, err := host.New(testPath(t))
	require.NoError(t, err)
	defer pool.Release()
	stop := serve(pool)
	defer stop()

	sess, err := client.Connect(pool.Path())
	require.NoError(t, err)
	defer sess.Disconnect()

	start := time.Now()
	_, err = sess.Wait(videostream.NowNS() + int64(200*time.Millisecond))
	require.ErrorIs(t, err, videostream.ErrTimeout)
	require.Less(t, time.Since(start), time.Second)
}

func TestUserPtr(t *testing.T) {
	pool, err := host.New(testPath(t))
	require.NoError(t, err)
	defer pool.Release()
	stop := serve(pool)
	defer stop()

	payload := &struct{ tag string }{"consumer state"}
	sess, err := client.Connect(pool.Path(), client.WithUserPtr(payload))
	require.NoError(t, err)
	defer sess.Disconnect()
	require.Same(t, payload, sess.UserPtr())
}

func TestWatchdogTimeoutWithoutReconnect(t *testing.T) {
	// a listener that never services anything: the session connects but
	// hears only silence
	ln, err := ipc.Listen(testPath(t))
	require.NoError(t, err)
	defer ln.Close()

	sess, err := client.Connect(testPath(t))
	require.NoError(t, err)
	defer sess.Disconnect()

	start := time.Now()
	_, err = sess.Wait(0)
	require.ErrorIs(t, err, videostream.ErrTimeout)
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 500*time.Millisecond, "watchdog fired far too early")
	require.Less(t, elapsed, 5*time.Second, "watchdog never fired")

	// the session is now terminally timed out
	_, err = sess.Wait(0)
	require.ErrorIs(t, err, videostream.ErrTimeout)
}

func TestTryLockInvalidProxy(t *testing.T) {
	pool, err := host.New(testPath(t))
	require.NoError(t, err)
	defer pool.Release()
	stop := serve(pool)
	defer stop()

	sess, err := client.Connect(pool.Path())
	require.NoError(t, err)
	defer sess.Disconnect()

	require.ErrorIs(t, sess.TryLock(nil), videostream.ErrInvalidArgument)
	// a proxy never announced (serial 0) cannot be locked
	f := videostream.NewFrame(8, 8, 8, videostream.FourCCGREY, nil, nil)
	defer f.Release()
	require.ErrorIs(t, sess.TryLock(f), videostream.ErrInvalidArgument)
}

func TestTryLockRecycledFrame(t *testing.T) {
	pool, err := host.New(testPath(t))
	require.NoError(t, err)
	defer pool.Release()
	stop := serve(pool)
	defer stop()

	sess, err := client.Connect(pool.Path())
	require.NoError(t, err)
	defer sess.Disconnect()
	require.Eventually(t, func() bool { return pool.SessionCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	f := videostream.NewFrame(16, 16, 0, videostream.FourCCGREY, nil, nil)
	require.NoError(t, f.Allocate("", 0))
	// expires immediately: the announce goes out, then the sweeper takes it
	_, err = pool.Publish(f, 0, 0, 0, 0)
	require.NoError(t, err)

	proxy, err := sess.Wait(videostream.NowNS() + int64(2*time.Second))
	require.NoError(t, err)
	defer proxy.Release()

	require.Eventually(t, func() bool { return pool.ActiveCount() == 0 },
		2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, sess.TryLock(proxy), videostream.ErrResourceUnavailable)
}

func TestUnlockNeverLocked(t *testing.T) {
	pool, err := host.New(testPath(t))
	require.NoError(t, err)
	defer pool.Release()
	stop := serve(pool)
	defer stop()

	sess, err := client.Connect(pool.Path())
	require.NoError(t, err)
	defer sess.Disconnect()

	f := videostream.NewFrame(8, 8, 8, videostream.FourCCGREY, nil, nil)
	defer f.Release()
	f.Serial = 99
	require.NoError(t, sess.Unlock(f), "unlocking an unheld proxy is a no-op")
	require.ErrorIs(t, sess.Unlock(nil), videostream.ErrInvalidArgument)
}

func TestAutoReconnect(t *testing.T) {
	path := testPath(t)

	pool1, err := host.New(path)
	require.NoError(t, err)
	stop1 := serve(pool1)

	sess, err := client.Connect(path,
		client.WithAutoReconnect(),
		client.WithReconnectPolicy(100, 50*time.Millisecond))
	require.NoError(t, err)
	defer sess.Disconnect()
	require.Eventually(t, func() bool { return pool1.SessionCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	// the first host dies
	stop1()
	pool1.Release()

	// a replacement host comes up on the same path and publishes
	pool2, err := host.New(path)
	require.NoError(t, err)
	defer pool2.Release()
	stop2 := serve(pool2)
	defer stop2()

	pubDone := make(chan struct{})
	defer close(pubDone)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-pubDone:
				return
			case <-ticker.C:
			}
			f := videostream.NewFrame(16, 16, 0, videostream.FourCCGREY, nil, nil)
			if err := f.Allocate("", 0); err != nil {
				return
			}
			if _, err := pool2.Publish(f, videostream.NowNS()+int64(time.Second), 0, 0, 0); err != nil {
				f.Release()
				return
			}
		}
	}()

	// the session reconnects transparently and resumes consuming
	proxy, err := sess.Wait(videostream.NowNS() + int64(10*time.Second))
	require.NoError(t, err)
	require.NotZero(t, proxy.Serial)
	proxy.Release()
}

func TestDisconnectIdempotent(t *testing.T) {
	pool, err := host.New(testPath(t))
	require.NoError(t, err)
	defer pool.Release()
	stop := serve(pool)
	defer stop()

	sess, err := client.Connect(pool.Path())
	require.NoError(t, err)
	require.NoError(t, sess.Disconnect())
	require.NoError(t, sess.Disconnect())

	_, err = sess.Wait(0)
	require.ErrorIs(t, err, videostream.ErrDisconnected)
}
