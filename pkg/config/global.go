package config

// Global contains settings that are decided at invocation time rather than read from the
// configuration file. They apply to the whole run.
type Global struct {
	// DryRun replaces every external side effect with a recorded plan.
	DryRun bool

	// ConfigFile is the path the configuration was loaded from, if any.
	ConfigFile string
}
