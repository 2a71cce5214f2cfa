package state

type Manager interface {
	// --- Channel Lifecycle ---
	AddChannel(template string, opts ChannelOptions) (*Channel, error)
	// closes the channel's clients and removes it. Unknown names are a no-op.
	CloseChannel(name string) error
	GetChannel(name string) (*Channel, bool)
	Channels() []*Channel

	// Subscribe registers a handler for the events of every channel.
	Subscribe(handler EventHandler)

	// --- Queries (point-in-time snapshots) ---
	GetClients() []*Client
	GetAuthorizedClients() []*Client
	// resolves "name/v1/v2" to a channel and matches the values positionally.
	GetChannelClients(path string, authOnly bool) []*Client
	FilterClients(predicate func(*Client) bool) []*Client

	// Broadcast sends v to the clients GetChannelClients(path, authOnly) returns.
	Broadcast(path string, authOnly bool, v any) (int, error)

	// Close closes every channel.
	Close()
}
