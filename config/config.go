package config

// TopologyConfig defines exchanges, queues and bindings declared at broker startup.
// Used with WithTopology option for initial setup
type TopologyConfig struct {
	Exchanges []ExchangeConfig `mapstructure:"exchanges"`
	Queues    []QueueConfig    `mapstructure:"queues"`
	Bindings  []BindingConfig  `mapstructure:"bindings"`
}

// ExchangeConfig defines configuration for an exchange
type ExchangeConfig struct {
	Name    string `mapstructure:"name"`
	Type    string `mapstructure:"type"` // "direct", "fanout", "topic"
	Durable bool   `mapstructure:"durable"`
}

// QueueConfig defines configuration for a queue
type QueueConfig struct {
	Name    string `mapstructure:"name"`
	Durable bool   `mapstructure:"durable"`
}

// BindingConfig binds Queue to Exchange with RoutingKey
type BindingConfig struct {
	Exchange   string `mapstructure:"exchange"`
	Queue      string `mapstructure:"queue"`
	RoutingKey string `mapstructure:"routing_key"`
}

// UnroutablePolicy decides what happens to a published message that matches no binding
type UnroutablePolicy string

const (
	UnroutableDrop   UnroutablePolicy = "drop"   // Silently discard (default)
	UnroutableReject UnroutablePolicy = "reject" // Fail the publish with ErrUnroutable
)
