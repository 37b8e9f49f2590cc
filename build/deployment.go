package build

import (
	"fmt"
	"strings"
)

// DeploymentType is an enum specifying the deployment to compile.
type DeploymentType byte

const (
	// Development is a deployment that includes extra testing hooks and
	// logging configurations.
	Development DeploymentType = iota

	// Production is a deployment that strips out testing logic and uses
	// Default logging.
	Production
)

// String returns a human readable name for a build type.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}

var (
	// Deployment specifies the deployment type the binary was built for.
	// Release builds override this with -ldflags.
	Deployment = Production

	// LogLevel is the default log level used by sub loggers that write
	// straight to stdout in development builds (unit tests).
	LogLevel = "info"

	// Commit is the git commit the binary was built from, set by
	// -ldflags at release time.
	Commit string
)

const (
	// AppMajor defines the major version of this binary.
	AppMajor uint = 0

	// AppMinor defines the minor version of this binary.
	AppMinor uint = 4

	// AppPatch defines the application patch for this binary.
	AppPatch uint = 1

	// AppPreRelease MUST only contain characters from semanticAlphabet.
	AppPreRelease = "beta"
)

// IsProdBuild returns true if this is a production build.
func IsProdBuild() bool {
	return Deployment == Production
}

// IsDevBuild returns true if this is a development build.
func IsDevBuild() bool {
	return Deployment == Development
}

// Version returns the application version as a properly formed string per the
// semantic versioning 2.0.0 spec (http://semver.org/).
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", AppMajor, AppMinor, AppPatch)

	if AppPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, AppPreRelease)
	}

	if Commit != "" {
		version = fmt.Sprintf("%s commit=%s", version,
			strings.TrimSpace(Commit))
	}

	return version
}
