package stack

import (
	"fmt"
	"strings"

	"github.com/storycraft/deploy/pkg/contenthash"
)

// ImageRef is a fully qualified Artifact Registry image path.
type ImageRef struct {
	Region     string
	Project    string
	Repository string
	Name       string
	Tag        string
}

// NewImageRef derives the image path for a build-definition digest.
func NewImageRef(region, project, repository, name string, digest contenthash.Digest) ImageRef {
	return ImageRef{
		Region:     region,
		Project:    project,
		Repository: repository,
		Name:       name,
		Tag:        digest.Tag(),
	}
}

// RegistryHost is the Docker registry host for the region.
func (r ImageRef) RegistryHost() string {
	return r.Region + "-docker.pkg.dev"
}

// Repo is the image path without tag.
func (r ImageRef) Repo() string {
	return fmt.Sprintf("%s/%s/%s/%s", r.RegistryHost(), r.Project, r.Repository, r.Name)
}

func (r ImageRef) String() string {
	return r.Repo() + ":" + r.Tag
}

// ParseImageRef parses "<region>-docker.pkg.dev/<project>/<repo>/<name>:<tag>".
func ParseImageRef(s string) (ImageRef, error) {
	path, tag, ok := strings.Cut(s, ":")
	if !ok || tag == "" {
		return ImageRef{}, fmt.Errorf("image %q has no tag", s)
	}
	parts := strings.Split(path, "/")
	if len(parts) != 4 || !strings.HasSuffix(parts[0], "-docker.pkg.dev") {
		return ImageRef{}, fmt.Errorf("image %q is not an Artifact Registry docker path", s)
	}
	return ImageRef{
		Region:     strings.TrimSuffix(parts[0], "-docker.pkg.dev"),
		Project:    parts[1],
		Repository: parts[2],
		Name:       parts[3],
		Tag:        tag,
	}, nil
}
