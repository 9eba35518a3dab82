// Package device holds the hardware attached to one cash desk. Devices with
// state are receivers on the desk and store channels; devices with buttons
// also produce events onto the desk channel.
package device

import (
	"fmt"

	"github.com/trickstertwo/xpos/event"
)

// Ident places a device at one desk of one store.
type Ident struct {
	StoreID int
	DeskID  int
}

func (id Ident) name(kind string) string {
	return fmt.Sprintf("%s-%d-%d", kind, id.StoreID, id.DeskID)
}

func (id Ident) deskTopic() string { return event.DeskTopic(id.StoreID, id.DeskID) }
