// Package listener defines the network front ends the server runs.
package listener

import "context"

type Listener interface {
	Addr() string
	Start(ctx context.Context) error
	Stop() error
	Type() string
}
