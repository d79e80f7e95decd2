package uartx

import "sync/atomic"

// MaxPorts is the number of port slots in the process-wide table.
const MaxPorts = 8

// ports maps a port number to its open Port so that parameterless interrupt
// vectors can find their state.
var ports [MaxPorts]atomic.Pointer[Port]

// Lookup returns the open port with number no, or nil.
func Lookup(no int) *Port {
	if no < 0 || no >= MaxPorts {
		return nil
	}
	return ports[no].Load()
}

// HandleInterrupt is the interrupt top half for port no. Platform vectors
// call it with interrupts for the device masked. Ports that are not open are
// ignored.
func HandleInterrupt(no int) {
	if p := Lookup(no); p != nil {
		p.serviceInterrupt()
	}
}

func register(no int, p *Port) bool {
	return ports[no].CompareAndSwap(nil, p)
}

func unregister(no int, p *Port) {
	ports[no].CompareAndSwap(p, nil)
}
