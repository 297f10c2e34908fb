//go:build linux

package shm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	helperEnv       = "TSSX_SHM_HELPER"
	helperDirEnv    = "TSSX_SHM_HELPER_DIR"
	helperRoundsEnv = "TSSX_SHM_HELPER_ROUNDS"
	helperRounds    = 1000
	demoPayload     = 64
)

func TestMain(m *testing.M) {
	if role := os.Getenv(helperEnv); role != "" {
		rounds, err := strconv.Atoi(os.Getenv(helperRoundsEnv))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := runHelper(role, os.Getenv(helperDirEnv), rounds); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelper plays process B on the segment "demo" for the given number of
// rounds: "echo" answers every message of A with its value incremented by
// one, "pingpong" answers every notification with one, "signal" posts
// notifications without waiting.
func runHelper(role, dir string, rounds int) error {
	ctx := context.Background()
	seg, err := OpenNamed(ctx, "demo", Options{PayloadSize: demoPayload, Dir: dir, AttachTimeout: 10 * time.Second})
	if err != nil {
		return err
	}
	if seg.Owner() {
		return fmt.Errorf("helper created the segment")
	}
	if role == "pingpong" {
		defer seg.Close()
		for i := 0; i < rounds; i++ {
			if err := seg.Semaphore(ServerToClient).Wait(); err != nil {
				return fmt.Errorf("round %d: wait: %w", i, err)
			}
			if err := seg.Semaphore(ClientToServer).Notify(); err != nil {
				return fmt.Errorf("round %d: notify: %w", i, err)
			}
		}
		return nil
	}
	conn := NewConnection(0, seg, RoleClient)
	defer conn.Close()

	switch role {
	case "echo":
		buf := make([]byte, demoPayload)
		for i := 0; i < rounds; i++ {
			n, err := conn.Read(buf)
			if err != nil {
				return fmt.Errorf("round %d: read: %w", i, err)
			}
			want := bytes.Repeat([]byte{byte(2 * i)}, demoPayload)
			if n != demoPayload || !bytes.Equal(buf[:n], want) {
				return fmt.Errorf("round %d: got %d bytes %x", i, n, buf[:n])
			}
			if _, err := conn.Write(bytes.Repeat([]byte{byte(2*i + 1)}, demoPayload)); err != nil {
				return fmt.Errorf("round %d: write: %w", i, err)
			}
		}
		return nil
	case "signal":
		for i := 0; i < rounds; i++ {
			if err := seg.Semaphore(ClientToServer).Notify(); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown helper role %q", role)
}

func startHelper(t *testing.T, role, dir string, rounds int) *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(),
		helperEnv+"="+role,
		helperDirEnv+"="+dir,
		helperRoundsEnv+"="+strconv.Itoa(rounds),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	require.NoError(t, cmd.Start())
	return cmd
}

func waitHelper(t *testing.T, cmd *exec.Cmd) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err, "helper pid "+strconv.Itoa(cmd.Process.Pid))
	case <-time.After(60 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("helper process hung")
	}
}

// Process A writes 0x41 style fills, process B answers with the next value,
// a thousand times, with no cross-talk between directions.
func TestCrossProcessEcho(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenNamed(context.Background(), "demo", Options{PayloadSize: demoPayload, Dir: dir})
	require.NoError(t, err)
	require.True(t, seg.Owner())
	conn := NewConnection(0, seg, RoleServer)
	defer conn.Close()

	helper := startHelper(t, "echo", dir, helperRounds)

	buf := make([]byte, demoPayload)
	for i := 0; i < helperRounds; i++ {
		_, err := conn.Write(bytes.Repeat([]byte{byte(2 * i)}, demoPayload))
		require.NoError(t, err)
		n, err := conn.Read(buf)
		require.NoError(t, err)
		require.Equal(t, demoPayload, n)
		require.Equal(t, bytes.Repeat([]byte{byte(2*i + 1)}, demoPayload), buf, "round %d", i)
	}
	waitHelper(t, helper)
}

// Notifications posted by another process before anyone waits are all
// delivered.
func TestCrossProcessNotifyBeforeWait(t *testing.T) {
	dir := t.TempDir()
	seg, err := OpenNamed(context.Background(), "demo", Options{PayloadSize: demoPayload, Dir: dir})
	require.NoError(t, err)
	defer func() {
		_ = seg.Remove()
		_ = seg.Close()
	}()

	helper := startHelper(t, "signal", dir, helperRounds)
	waitHelper(t, helper)

	sem := seg.Semaphore(ClientToServer)
	// the helper's close adds one more notification for its closed flag
	require.Equal(t, uint32(helperRounds+1), sem.Pending())
	for i := 0; i < helperRounds; i++ {
		require.NoError(t, sem.Wait())
	}
}

// Strictly alternating notify and wait between two processes completes
// every round without a lost wakeup.
func TestCrossProcessPingPong(t *testing.T) {
	for _, rounds := range []int{1, 10, 10000} {
		t.Run(fmt.Sprintf("rounds=%d", rounds), func(t *testing.T) {
			dir := t.TempDir()
			seg, err := OpenNamed(context.Background(), "demo", Options{PayloadSize: demoPayload, Dir: dir})
			require.NoError(t, err)
			require.True(t, seg.Owner())
			defer func() {
				_ = seg.Remove()
				_ = seg.Close()
			}()

			helper := startHelper(t, "pingpong", dir, rounds)
			for i := 0; i < rounds; i++ {
				require.NoError(t, seg.Semaphore(ServerToClient).Notify())
				require.NoError(t, seg.Semaphore(ClientToServer).Wait(), "round %d", i)
			}
			waitHelper(t, helper)
			require.Equal(t, uint32(0), seg.Semaphore(ServerToClient).Pending())
			require.Equal(t, uint32(0), seg.Semaphore(ClientToServer).Pending())
		})
	}
}
