package ledger

import (
	"context"
	"io"
	"sort"
	"sync"
)

// DefaultTransport is the transport kind used when none is configured
const DefaultTransport = "hid"

// Transport is a connection to a device
type Transport interface {
	io.Closer
}

// TransportFactory opens connections to a device
type TransportFactory interface {
	Create(ctx context.Context) (Transport, error)
}

// TransportFactoryFunc adapts a function to TransportFactory
type TransportFactoryFunc func(ctx context.Context) (Transport, error)

// Create calls f(ctx)
func (f TransportFactoryFunc) Create(ctx context.Context) (Transport, error) {
	return f(ctx)
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]TransportFactory{}
)

// RegisterTransport makes a transport factory available under name.
// Registering a nil factory removes the name.
func RegisterTransport(name string, factory TransportFactory) {
	transportsMu.Lock()
	defer transportsMu.Unlock()

	if factory == nil {
		delete(transports, name)
		return
	}
	transports[name] = factory
}

// LookupTransport returns the factory registered under name
func LookupTransport(name string) (TransportFactory, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()

	f, ok := transports[name]
	return f, ok
}

// Transports returns the registered transport names in sorted order
func Transports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()

	names := make([]string, 0, len(transports))
	for name := range transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewEth returns the Ethereum application reachable over t. Transports that
// carry the application themselves implement Eth directly.
func NewEth(t Transport) (Eth, error) {
	if eth, ok := t.(Eth); ok {
		return eth, nil
	}
	return nil, ErrUnsupportedTransport
}
