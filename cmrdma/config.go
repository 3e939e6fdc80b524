package cmrdma

// Defaults mirror the reference implementation's rdma_listen_backlog and
// rdma_conn_timeout_ms flags.
const (
	DefaultBacklog       = 1024
	DefaultConnTimeoutMS = 500
)

// Config holds the CM-layer tunables, read from the same YAML config file
// as blockpool.Config (spec §2.3).
type Config struct {
	Backlog       int `yaml:"rdma_backlog"`
	ConnTimeoutMS int `yaml:"rdma_conn_timeout_ms"`
}

// ValidateAndSetDefaults clamps zero/negative values up to their defaults,
// the same pattern afxdp.SocketConfig uses for its queue-size fields.
func (c *Config) ValidateAndSetDefaults() {
	if c.Backlog <= 0 {
		c.Backlog = DefaultBacklog
	}
	if c.ConnTimeoutMS <= 0 {
		c.ConnTimeoutMS = DefaultConnTimeoutMS
	}
}
