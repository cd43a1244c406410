package bus

import (
	"fmt"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// DefaultQueueGroup is the NATS queue group shared by all couponguard instances.
const DefaultQueueGroup = "couponguard"

// New returns the bus selected by cfg.Type: "channel" for a single process,
// "nats" when several instances share the submitted-redemption queue.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
