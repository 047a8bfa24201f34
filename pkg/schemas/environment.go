package schemas

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// Environment identifies a deployment target.
type Environment string

const (
	// EnvironmentDev is the development target.
	EnvironmentDev Environment = "dev"

	// EnvironmentProd is the production target.
	EnvironmentProd Environment = "prod"
)

// Environments lists every supported deployment target, in declaration order.
var Environments = []Environment{
	EnvironmentDev,
	EnvironmentProd,
}

// ParseEnvironment converts user input into an Environment.
// Anything outside of the closed set of targets is rejected with a ConfigurationError.
func ParseEnvironment(s string) (Environment, error) {
	e := Environment(strings.ToLower(strings.TrimSpace(s)))
	if !e.Valid() {
		return "", Failf(FailureKindConfiguration, "unsupported environment '%s', expected one of %v", s, Environments)
	}

	return e, nil
}

// Valid returns true if the environment is one of the supported targets.
func (e Environment) Valid() bool {
	return slices.Contains(Environments, e)
}

// String implements fmt.Stringer.
func (e Environment) String() string {
	return string(e)
}

// DeploymentRequest is what the invoker asks the pipeline to do.
// It is immutable once the run starts and is passed around by value.
type DeploymentRequest struct {
	Environment Environment // Target environment
	BuildID     uint64      // Monotonically increasing build identifier
	SkipTests   bool        // Whether the test stage should be skipped
}

// Validate rejects requests the pipeline cannot act on, before any stage runs.
func (r DeploymentRequest) Validate() error {
	if !r.Environment.Valid() {
		return Failf(FailureKindConfiguration, "unsupported environment '%s', expected one of %v", r.Environment, Environments)
	}

	if r.BuildID == 0 {
		return Failf(FailureKindConfiguration, "build id must be greater than zero")
	}

	return nil
}

// EnvironmentProfile holds the runtime parameters derived from an Environment.
type EnvironmentProfile struct {
	Environment Environment // Environment the profile was derived from
	Host        string      // Remote host running the stack
	Port        int         // Port the service listens on
	ComposeFile string      // Compose declaration, relative to the workspace
	TagSuffix   string      // Environment part of the image tags
	ProjectName string      // Compose project name on the remote host
}

// Address returns the host:port pair of the deployed service.
func (p EnvironmentProfile) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// HealthURL returns the URL of the health endpoint of the deployed service.
func (p EnvironmentProfile) HealthURL(path string) string {
	return fmt.Sprintf("http://%s/%s", p.Address(), strings.TrimPrefix(path, "/"))
}
