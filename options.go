package basp

// Option configures an Instance at construction time.
type Option func(*instanceConfig)

type instanceConfig struct {
	hooks Hooks
}

func defaultInstanceConfig() instanceConfig {
	return instanceConfig{
		hooks: NopHooks{},
	}
}

// WithHooks installs the observer notified of every Hooks event. Default:
// NopHooks.
func WithHooks(h Hooks) Option {
	return func(c *instanceConfig) {
		c.hooks = h
	}
}
