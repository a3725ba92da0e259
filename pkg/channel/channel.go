package channel

import (
	"context"

	"recurix/pkg/event"
)

// Handler accepts one raw platform update. A non-nil error tells the adapter
// the update was not committed and should be redelivered when the transport
// supports it.
type Handler func(context.Context, event.RawUpdate) error

// Adapter bridges one external transport (for example Telegram) into Recurix.
//
// Adapters read raw updates, know how to normalize them, and deliver outbound
// actions addressed to their channel.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
	Normalize(event.RawUpdate) (event.InboundEvent, error)
	Send(context.Context, event.OutboundAction) error
}
