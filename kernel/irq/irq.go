// Package irq implements the exception dispatch layer that sits between the
// CPU and the kernel subsystems that handle exceptions. Handlers are
// registered per exception number; exceptions that no handler resolves are
// passed to the generic fault reporter.
package irq

import (
	"sync"

	"github.com/pgrAm/JSD-OS-sub000/kernel/cpu"
	"github.com/pgrAm/JSD-OS-sub000/kernel/kfmt"
)

// ExceptionNum defines an exception number that can be passed to the
// HandleExceptionWithCode function.
type ExceptionNum uint8

const (
	// DoubleFault occurs when an exception is unhandled
	// or when an exception occurs while the CPU is
	// trying to call an exception handler.
	DoubleFault = ExceptionNum(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = ExceptionNum(13)

	// PageFaultException is raised when a PDT or
	// PDT-entry is not present or when a privilege
	// and/or RW protection check fails.
	PageFaultException = ExceptionNum(14)

	numExceptions = 32
)

// ExceptionHandlerWithCode is a function that handles an exception that pushes
// an error code. The faultAddr argument carries the value of CR2 for page
// faults. The handler returns true if the exception was resolved and the
// faulting access can be retried.
type ExceptionHandlerWithCode func(errorCode uint32, faultAddr uintptr) bool

var (
	handlerLock sync.RWMutex
	handlers    [numExceptions]ExceptionHandlerWithCode

	// reportFaultFn is invoked for exceptions that were not resolved. It
	// is mocked by tests.
	reportFaultFn = reportFault
)

// HandleExceptionWithCode registers an exception handler (with an error code)
// for the given exception number. Passing a nil handler removes any
// previously registered handler.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode) {
	handlerLock.Lock()
	handlers[exceptionNum%numExceptions] = handler
	handlerLock.Unlock()
}

// RaiseException dispatches an exception to its registered handler. If no
// handler is registered or the handler declines the exception, the fault is
// reported and RaiseException returns false.
func RaiseException(exceptionNum ExceptionNum, errorCode uint32, faultAddr uintptr) bool {
	handlerLock.RLock()
	handler := handlers[exceptionNum%numExceptions]
	handlerLock.RUnlock()

	if handler != nil && handler(errorCode, faultAddr) {
		return true
	}

	reportFaultFn(exceptionNum, errorCode, faultAddr)
	return false
}

// RaisePageFault is installed as the fault callback of the simulated MMU and
// forwards page faults to the handler registered for PageFaultException.
func RaisePageFault(code cpu.FaultCode, faultAddr uintptr) bool {
	return RaiseException(PageFaultException, uint32(code), faultAddr)
}

// reportFault prints a description of an unresolved exception. Deciding
// whether the owning task gets terminated is up to the caller that observes
// the failed access.
func reportFault(exceptionNum ExceptionNum, errorCode uint32, faultAddr uintptr) {
	switch exceptionNum {
	case PageFaultException:
		kfmt.Printf("[irq] page fault while accessing address: 0x%08x\n[irq] reason: %s\n", faultAddr, PageFaultReason(cpu.FaultCode(errorCode)))
	case GPFException:
		kfmt.Printf("[irq] general protection fault while accessing address: 0x%08x\n", faultAddr)
	default:
		kfmt.Printf("[irq] unhandled exception %d (error code: 0x%x)\n", exceptionNum, errorCode)
	}
}

// PageFaultReason returns a human-readable description of a page fault error
// code.
func PageFaultReason(code cpu.FaultCode) string {
	var reason string
	switch code &^ cpu.FaultUser {
	case 0:
		reason = "read from non-present page"
	case cpu.FaultProtection:
		reason = "page protection violation (read)"
	case cpu.FaultWrite:
		reason = "write to non-present page"
	case cpu.FaultProtection | cpu.FaultWrite:
		reason = "page protection violation (write)"
	default:
		reason = "unknown"
	}

	if code&cpu.FaultUser != 0 {
		reason += " in user-mode"
	}

	return reason
}
