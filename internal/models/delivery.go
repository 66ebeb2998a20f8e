package models

// DeliveryScope selects the addressing scheme of a Delivery.
type DeliveryScope string

const (
	// DeliveryScopeUser reaches every connection bound to Target user ID.
	DeliveryScopeUser DeliveryScope = "user"
	// DeliveryScopeRoom reaches every connection joined to Target room ID.
	DeliveryScopeRoom DeliveryScope = "room"
	// DeliveryScopeAll reaches every connection that completed setup.
	DeliveryScopeAll DeliveryScope = "all"
)

// Delivery is one addressed server event. On a multi-node deployment it is
// what travels between nodes; each node hands it to its local connections.
type Delivery struct {
	Scope       DeliveryScope   `json:"scope" msgpack:"scope"`
	Target      string          `json:"target,omitempty" msgpack:"target"`
	ExcludeConn string          `json:"excludeConn,omitempty" msgpack:"excludeConn"`
	Event       ServerEventType `json:"event" msgpack:"event"`
	// Data is the JSON encoding of the event payload so that it survives a
	// trip through the fan-out substrate unchanged.
	Data []byte `json:"data,omitempty" msgpack:"data"`
}
