package ticks

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tickloop/rr/config"
)

// numBranchesForProbe is the number of conditional branches the B1
// probe executes to get a nonzero, comparable reading out of both the
// IN_TXCP and IN_TX counters. Copied from PerfCounters.cc's
// NUM_BRANCHES.
const numBranchesForProbe = 500

var (
	kvmInTXCPBugOnce sync.Once
	kvmInTXCPBugVal  bool

	iocPeriodBugOnce sync.Once
	iocPeriodBugVal  bool
)

// hasKVMInTXCPBug reports whether this host's hypervisor mis-handles
// the IN_TXCP event modifier (B1): on affected KVM versions an IN_TXCP
// counter reads back fewer branches than actually ran, so the measure
// counter cannot be trusted. Counter.openAll then opens the IN_TX
// sanity-check counter instead of the measure counter, and
// Counter.ReadTicks reports an error if that counter reads non-zero.
//
// The probe runs at most once per process; under a nested engine
// instance (config.RunningNested) the outer instance has already paid
// for this and degraded, if needed, so the inner one trusts it and
// skips straight to "no bug".
func hasKVMInTXCPBug(tid int) bool {
	kvmInTXCPBugOnce.Do(func() {
		if config.Default().RunningNested {
			kvmInTXCPBugVal = false
			return
		}
		kvmInTXCPBugVal = probeKVMInTXCPBug(tid)
		if kvmInTXCPBugVal {
			logrus.Warn("detected KVM IN_TXCP counting bug, enabling IN_TX cross-check")
		}
	})
	return kvmInTXCPBugVal
}

func probeKVMInTXCPBug(tid int) bool {
	txcpAttr := newRawAttr(0x5101c4)
	txcpAttr.Config |= inTXCP

	fd, err := openPerfEvent(&txcpAttr, tid)
	if err != nil {
		// Can't even open the IN_TXCP variant; nothing to cross-check
		// against, so there's no bug to work around here.
		return false
	}
	defer fd.Close()

	if err := fd.reset(); err != nil || fd.enable() != nil {
		return false
	}
	runBranchesForProbe()
	if err := fd.disable(); err != nil {
		return false
	}
	val, err := fd.read()
	if err != nil {
		return false
	}

	// No transaction runs here, so an honest IN_TXCP counter reads back
	// at least numBranchesForProbe; a lower count is the signature of
	// the bug.
	return val < numBranchesForProbe
}

// runBranchesForProbe executes a tight conditional-branch loop so the
// probes above have something to count.
func runBranchesForProbe() {
	x := 0
	for i := 0; i < numBranchesForProbe; i++ {
		if i%2 == 0 {
			x++
		} else {
			x--
		}
	}
	_ = x
}

// hasIOCPeriodBug reports whether PERF_EVENT_IOC_PERIOD silently fails
// to take effect on this kernel (B2): on affected kernels, lowering
// the sample period via the ioctl while the counter is running does
// not reprogram the hardware, so an overflow that should have already
// fired never does. rr's workaround is to always close and reopen
// counters on Reset instead of reusing the ioctl; see
// AlwaysRecreateCounters.
func hasIOCPeriodBug(tid int) bool {
	iocPeriodBugOnce.Do(func() {
		if config.Default().RunningNested {
			iocPeriodBugVal = false
			return
		}
		iocPeriodBugVal = probeIOCPeriodBug(tid)
		if iocPeriodBugVal {
			logrus.Warn("detected PERF_EVENT_IOC_PERIOD bug, always recreating counters on reset")
		}
	})
	return iocPeriodBugVal
}

func probeIOCPeriodBug(tid int) bool {
	attr := newRawAttr(0x5101c4)
	// An enormous initial period means the counter will not have
	// overflowed on its own in the brief window this probe runs for;
	// if a SIGIO nonetheless arrives, IOC_PERIOD's 1-tick reprogram
	// below must be what triggered it.
	attr.Sample = 1 << 60
	attr.Wakeup = 1

	fd, err := openPerfEvent(&attr, tid)
	if err != nil {
		return false
	}
	defer fd.Close()

	if fd.reset() != nil || fd.enable() != nil {
		return false
	}
	if err := fd.setPeriod(1); err != nil {
		return false
	}

	pollfd := []unix.PollFd{{Fd: int32(fdNumber(fd)), Events: unix.POLLIN}}
	runBranchesForProbe()
	n, err := unix.Poll(pollfd, 0)
	fd.disable()
	if err != nil || n <= 0 {
		return true
	}
	return false
}

func fdNumber(f *perfFD) int {
	if !f.valid() {
		return -1
	}
	return f.fd
}

// AlwaysRecreateCounters reports whether Reset should close and reopen
// every counter fd rather than reuse them via IOC_PERIOD, because this
// host is affected by the B2 or the B1 bug. tid is any live thread id
// to probe against; both probe results are memoized process-wide.
func AlwaysRecreateCounters(tid int) bool {
	return hasIOCPeriodBug(tid) || hasKVMInTXCPBug(tid)
}
