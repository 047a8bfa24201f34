package schemas

import (
	"fmt"
	"strings"
)

// ImageReference identifies the artifact published by a run.
// BuildTag and EnvLatestTag must resolve to the same digest once published.
type ImageReference struct {
	Registry     string // Registry host, e.g. registry.example.com:5000
	Name         string // Repository name within the registry
	BuildTag     string // {environment}-{buildId}
	EnvLatestTag string // {environment}-latest
	ImageID      string // Local image ID, filled once built
	Digest       string // Registry digest, filled once pushed
}

// NewImageReference computes the tags of a build for the given environment profile.
func NewImageReference(registry, name string, profile EnvironmentProfile, buildID uint64) ImageReference {
	return ImageReference{
		Registry:     strings.TrimSuffix(registry, "/"),
		Name:         name,
		BuildTag:     fmt.Sprintf("%s-%d", profile.TagSuffix, buildID),
		EnvLatestTag: fmt.Sprintf("%s-latest", profile.TagSuffix),
	}
}

// Repository returns the fully qualified repository, without any tag.
func (i ImageReference) Repository() string {
	if i.Registry == "" {
		return i.Name
	}

	return i.Registry + "/" + i.Name
}

// BuildRef returns the repository qualified with the build tag.
func (i ImageReference) BuildRef() string {
	return i.Repository() + ":" + i.BuildTag
}

// LatestRef returns the repository qualified with the environment latest tag.
func (i ImageReference) LatestRef() string {
	return i.Repository() + ":" + i.EnvLatestTag
}
