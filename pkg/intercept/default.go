package intercept

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/srediag/tssx/api"
	"github.com/srediag/tssx/pkg/config"
)

var (
	defaultOnce sync.Once
	defaultIP   *Interposer
	defaultErr  error
)

// Default returns the process-wide interposer, configured from the TSSX_*
// environment variables on first use. Its metrics are registered with the
// default prometheus registry.
func Default() (*Interposer, error) {
	defaultOnce.Do(func() {
		cfg, err := config.FromEnv(nil)
		if err != nil {
			defaultErr = err
			logger.Errorf("shared-memory transport disabled: %v", err)
			return
		}
		if err := cfg.ApplyLogLevel(); err != nil {
			defaultErr = err
			return
		}
		defaultIP, defaultErr = New(cfg, WithRegisterer(prometheus.DefaultRegisterer))
		if defaultErr != nil {
			logger.Errorf("shared-memory transport disabled: %v", defaultErr)
		}
	})
	return defaultIP, defaultErr
}

// surface returns the default interposer, or the kernel when it could not
// be set up.
func surface() api.CallSurface {
	if ip, err := Default(); err == nil {
		return ip
	}
	return RealSyscalls{}
}

// Connect is the process-wide replacement for connect(2).
func Connect(fd int, sa unix.Sockaddr) error { return surface().Connect(fd, sa) }

// Accept is the process-wide replacement for accept(2).
func Accept(fd int) (int, unix.Sockaddr, error) { return surface().Accept(fd) }

// Read is the process-wide replacement for read(2).
func Read(fd int, p []byte) (int, error) { return surface().Read(fd, p) }

// Write is the process-wide replacement for write(2).
func Write(fd int, p []byte) (int, error) { return surface().Write(fd, p) }

// Close is the process-wide replacement for close(2).
func Close(fd int) error { return surface().Close(fd) }

// Shutdown releases every shared-memory connection of the process-wide
// interposer. Call it before the process exits.
func Shutdown() error {
	if ip, err := Default(); err == nil {
		return ip.Shutdown()
	}
	return nil
}
