package core

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/config"
)

var (
	ErrPrinterNotFound  = errors.New("printer not found")
	ErrDeviceOffline    = errors.New("device is offline")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidDevice    = errors.New("invalid device")
	ErrNoDevice         = errors.New("printer has no device")
)

const defaultDeviceTimeout = 10 * time.Second

// DeviceSpec is a parsed device string: a file path or host%port.
type DeviceSpec struct {
	Path string
	Addr string
}

func (d DeviceSpec) IsNetwork() bool { return d.Addr != "" }

func (d DeviceSpec) String() string {
	if d.IsNetwork() {
		host, port, _ := net.SplitHostPort(d.Addr)
		return host + "%" + port
	}
	return d.Path
}

func ParseDevice(s string) (DeviceSpec, error) {
	switch {
	case s == "":
		return DeviceSpec{}, ErrNoDevice
	case strings.HasPrefix(s, "/"):
		return DeviceSpec{Path: filepath.Clean(s)}, nil
	case strings.Contains(s, "%"):
		i := strings.LastIndex(s, "%")
		host, port := s[:i], s[i+1:]
		if host == "" {
			return DeviceSpec{}, errors.Wrapf(ErrInvalidDevice, "%q: missing host", s)
		}
		if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
			return DeviceSpec{}, errors.Wrapf(ErrInvalidDevice, "%q: bad port", s)
		}
		return DeviceSpec{Addr: net.JoinHostPort(host, port)}, nil
	}
	return DeviceSpec{}, errors.Wrapf(ErrInvalidDevice, "%q", s)
}

// deadlineConn re-arms the write deadline before every write.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(p)
}

// OpenDevice opens the device for writing one job.
func OpenDevice(ctx context.Context, spec DeviceSpec, timeout time.Duration) (io.WriteCloser, error) {
	if timeout <= 0 {
		timeout = defaultDeviceTimeout
	}
	if spec.IsNetwork() {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", spec.Addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
		return &deadlineConn{Conn: conn, timeout: timeout}, nil
	}
	f, err := os.OpenFile(spec.Path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceOffline, err)
	}
	return f, nil
}

// Device is the health record of one printer's output device.
type Device struct {
	Printer string
	Spec    DeviceSpec
	Status  DeviceStatus
}

// DeviceManager probes the configured devices and reports transitions.
type DeviceManager struct {
	devices  map[string]*Device
	timeout  time.Duration
	interval time.Duration
	notifier StatusNotifier
	clock    clock.Clock
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      *log.Entry
}

func NewDeviceManager(cfg *config.Config, notifier StatusNotifier, clk clock.Clock) *DeviceManager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	dm := &DeviceManager{
		devices:  make(map[string]*Device),
		timeout:  cfg.Devices.ConnectionTimeout,
		interval: cfg.Devices.HealthCheckInterval,
		notifier: notifier,
		clock:    clk,
		stopCh:   make(chan struct{}),
		log:      log.WithField("component", "devices"),
	}
	if dm.timeout <= 0 {
		dm.timeout = defaultDeviceTimeout
	}
	if dm.interval <= 0 {
		dm.interval = 30 * time.Second
	}
	for i := range cfg.Printers {
		p := &cfg.Printers[i]
		d := &Device{Printer: p.Name, Status: DeviceStatus{Printer: p.Name, State: DeviceUnknown}}
		switch {
		case p.Remote != "":
			d.Status.Device = p.Remote
			d.Status.State = DeviceRemote
		case p.IsLoadBalanced():
			continue
		default:
			spec, err := ParseDevice(p.Device)
			if err != nil {
				dm.log.WithError(err).Warnf("printer %s: no usable device", p.Name)
				continue
			}
			d.Spec = spec
			d.Status.Device = spec.String()
		}
		dm.devices[p.Name] = d
	}
	return dm
}

func (dm *DeviceManager) Start() {
	dm.wg.Add(1)
	go dm.healthCheckLoop()
}

func (dm *DeviceManager) Stop() {
	dm.stopOnce.Do(func() { close(dm.stopCh) })
	dm.wg.Wait()
}

// Status returns the last known status of a printer's device.
func (dm *DeviceManager) Status(printer string) (DeviceStatus, error) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	d, ok := dm.devices[printer]
	if !ok {
		return DeviceStatus{}, ErrPrinterNotFound
	}
	return d.Status, nil
}

func (dm *DeviceManager) List() []DeviceStatus {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	out := make([]DeviceStatus, 0, len(dm.devices))
	for _, d := range dm.devices {
		out = append(out, d.Status)
	}
	return out
}

// CheckStatus probes one device now.
func (dm *DeviceManager) CheckStatus(ctx context.Context, printer string) (DeviceStatus, error) {
	dm.mu.RLock()
	d, ok := dm.devices[printer]
	var status DeviceStatus
	if ok {
		status = d.Status
	}
	dm.mu.RUnlock()
	if !ok {
		return DeviceStatus{}, ErrPrinterNotFound
	}
	if status.State == DeviceRemote {
		return status, nil
	}

	err := dm.probe(ctx, d.Spec)
	state := DeviceOnline
	if err != nil {
		state = DeviceOffline
	}
	return dm.updateStatus(printer, state, err), err
}

func (dm *DeviceManager) probe(ctx context.Context, spec DeviceSpec) error {
	if spec.IsNetwork() {
		d := net.Dialer{Timeout: dm.timeout}
		conn, err := d.DialContext(ctx, "tcp", spec.Addr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
		return conn.Close()
	}
	if _, err := os.Stat(spec.Path); err == nil {
		return nil
	}
	// A plain output file that does not exist yet is fine if its directory does.
	if st, err := os.Stat(filepath.Dir(spec.Path)); err != nil || !st.IsDir() {
		return fmt.Errorf("%w: %s not found", ErrDeviceOffline, spec.Path)
	}
	return nil
}

func (dm *DeviceManager) updateStatus(printer, state string, probeErr error) DeviceStatus {
	dm.mu.Lock()
	d := dm.devices[printer]
	old := d.Status.State
	d.Status.State = state
	d.Status.Error = ""
	if probeErr != nil {
		d.Status.Error = probeErr.Error()
	}
	d.Status.LastChecked = dm.clock.Now()
	status := d.Status
	dm.mu.Unlock()

	if old != state {
		dm.log.WithField("printer", printer).Infof("device %s: %s -> %s", status.Device, old, state)
		if dm.notifier != nil {
			dm.notifier.OnDeviceStatusChanged(printer, status.Device, old, state, status.Error)
		}
	}
	return status
}

func (dm *DeviceManager) CheckAllStatuses(ctx context.Context) {
	dm.mu.RLock()
	names := make([]string, 0, len(dm.devices))
	for name := range dm.devices {
		names = append(names, name)
	}
	dm.mu.RUnlock()

	for _, name := range names {
		_, _ = dm.CheckStatus(ctx, name)
	}
}

func (dm *DeviceManager) healthCheckLoop() {
	defer dm.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-dm.stopCh
		cancel()
	}()

	dm.CheckAllStatuses(ctx)

	for {
		select {
		case <-dm.stopCh:
			return
		case <-dm.clock.After(dm.interval):
			dm.CheckAllStatuses(ctx)
		}
	}
}
