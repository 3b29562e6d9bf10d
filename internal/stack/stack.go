// Package stack declares the StoryCraft deployment: every record the engine
// reconciles, the edges between them, and the values it publishes.
package stack

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/storycraft/deploy/internal/provisioner/compiler"
	"github.com/storycraft/deploy/pkg/config"
	"github.com/storycraft/deploy/pkg/contenthash"
	appErr "github.com/storycraft/deploy/pkg/errors"
)

const (
	AccountID          = "storycraft-app"
	AccountDisplayName = "StoryCraft Application"
	RepositoryID       = "storycraft"
	ImageName          = "storycraft"

	StoriesCollection = "stories"
	OwnerField        = "userId"
	ModifiedField     = "updatedAt"

	BucketSuffix        = "-storycraft-assets"
	ObjectRetentionDays = 30

	MinInstances  = 0
	MaxInstances  = 100
	CPULimit      = "2"
	MemoryLimit   = "4Gi"
	ContainerPort = 3000

	// CallbackPath is appended to the service URL to form the OAuth
	// redirect URI.
	CallbackPath = "/api/auth/callback/google"

	// SecretVariable is the engine variable carrying the OAuth client secret.
	SecretVariable = "google_client_secret"
)

// Capabilities are the platform APIs the stack turns on.
var Capabilities = []string{
	"run.googleapis.com",
	"artifactregistry.googleapis.com",
	"firestore.googleapis.com",
	"storage.googleapis.com",
	"iam.googleapis.com",
	"iamcredentials.googleapis.com",
	"aiplatform.googleapis.com",
	"translate.googleapis.com",
	"logging.googleapis.com",
	"monitoring.googleapis.com",
	"cloudtrace.googleapis.com",
	"cloudresourcemanager.googleapis.com",
}

// Roles are granted to the service identity at project scope.
var Roles = []string{
	"roles/aiplatform.user",
	"roles/storage.admin",
	"roles/datastore.user",
	"roles/iam.serviceAccountTokenCreator",
	"roles/cloudtranslate.user",
	"roles/logging.logWriter",
	"roles/monitoring.metricWriter",
	"roles/cloudtrace.agent",
}

var labels = map[string]any{
	"app":        "storycraft",
	"managed-by": "storycraft-deploy",
}

// Inputs are the externally supplied values of one deployment.
type Inputs struct {
	ProjectID           string
	Region              string
	FirestoreDatabaseID string
	FirestoreRegion     string
	ServiceName         string
	GoogleClientID      string
	// GoogleClientSecret never enters the generated configuration; see EngineEnv.
	GoogleClientSecret string
	EnablePublicAccess bool
	ExtraEnv           map[string]string

	// AppDir is the image build context. Dockerfile defaults to
	// AppDir/Dockerfile.
	AppDir     string
	Dockerfile string
	// PushCommand is the argv prefix of the program that builds and pushes
	// the image, normally this binary.
	PushCommand []string
}

// InputsFromConfig maps loaded configuration to stack inputs.
func InputsFromConfig(c *config.Config, pushCommand []string) Inputs {
	return Inputs{
		ProjectID:           c.ProjectID,
		Region:              c.Region,
		FirestoreDatabaseID: c.FirestoreDatabaseID,
		FirestoreRegion:     c.FirestoreRegion,
		ServiceName:         c.ServiceName,
		GoogleClientID:      c.GoogleClientID,
		GoogleClientSecret:  c.GoogleClientSecret,
		EnablePublicAccess:  c.EnablePublicAccess,
		ExtraEnv:            c.ExtraEnv,
		AppDir:              c.AppDir,
		PushCommand:         pushCommand,
	}
}

func (in Inputs) dockerfile() string {
	if in.Dockerfile != "" {
		return in.Dockerfile
	}
	return filepath.Join(in.AppDir, "Dockerfile")
}

// absolute returns in with the build context, build definition and a
// path-like push command made absolute.
func (in Inputs) absolute() (Inputs, error) {
	var err error
	if in.AppDir, err = filepath.Abs(in.AppDir); err != nil {
		return in, appErr.Wrap(err, appErr.CodeInvalid, "resolve app dir")
	}
	if in.Dockerfile != "" {
		if in.Dockerfile, err = filepath.Abs(in.Dockerfile); err != nil {
			return in, appErr.Wrap(err, appErr.CodeInvalid, "resolve build definition")
		}
	}
	if len(in.PushCommand) > 0 && strings.ContainsRune(in.PushCommand[0], filepath.Separator) {
		cmd := append([]string(nil), in.PushCommand...)
		if cmd[0], err = filepath.Abs(cmd[0]); err != nil {
			return in, appErr.Wrap(err, appErr.CodeInvalid, "resolve push command")
		}
		in.PushCommand = cmd
	}
	return in, nil
}

func (in Inputs) validate() error {
	missing := []string{}
	for name, v := range map[string]string{
		"project id":            in.ProjectID,
		"region":                in.Region,
		"firestore database id": in.FirestoreDatabaseID,
		"firestore region":      in.FirestoreRegion,
		"service name":          in.ServiceName,
		"google client id":      in.GoogleClientID,
		"app dir":               in.AppDir,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return appErr.Newf(appErr.CodeInvalid, "missing inputs: %s", strings.Join(missing, ", "))
	}
	if len(in.PushCommand) == 0 {
		return appErr.New(appErr.CodeInvalid, "missing image push command")
	}
	return nil
}

// Stack is the assembled declaration set.
type Stack struct {
	Inputs  Inputs
	Digest  contenthash.Digest
	Image   ImageRef
	Program *compiler.Program
}

// Build hashes the build definition and assembles the stack.
func Build(in Inputs) (*Stack, error) {
	digest, err := contenthash.File(in.dockerfile())
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "hash build definition")
	}
	return Assemble(in, digest)
}

// Assemble builds the declaration graph for a known build-definition digest.
// Relative paths in in are resolved against the current directory, since the
// build action runs from the engine's working directory.
func Assemble(in Inputs, digest contenthash.Digest) (*Stack, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	in, err := in.absolute()
	if err != nil {
		return nil, err
	}
	if digest == "" {
		return nil, appErr.New(appErr.CodeInvalid, "missing build definition digest")
	}

	image := NewImageRef(in.Region, in.ProjectID, RepositoryID, ImageName, digest)
	var g compiler.Graph

	caps := capabilityNodes(in.ProjectID, Capabilities)
	for _, n := range caps {
		g.Add(n)
	}

	project := g.Add(compiler.Node{Type: "google_project", Name: "current", Data: true, Spec: compiler.ProjectDataSpec{
		ProjectID: in.ProjectID,
	}})

	// Identity and grants.
	sa := g.Add(compiler.Node{Type: "google_service_account", Name: "app", Spec: compiler.ServiceAccountSpec{
		Project:     in.ProjectID,
		AccountID:   AccountID,
		DisplayName: AccountDisplayName,
		Description: "Runtime identity of the StoryCraft service",
	}})
	g.DependOn(sa, caps...)
	member := compiler.Format("serviceAccount:%s", sa.Ref("email"))

	var grants []compiler.Node
	for _, role := range sortedSet(Roles) {
		grants = append(grants, g.Add(compiler.Node{
			Type: "google_project_iam_member",
			Name: roleNodeName(role),
			Spec: compiler.ProjectIAMMemberSpec{Project: in.ProjectID, Role: role, Member: member},
		}))
	}

	// Storage.
	bucket := g.Add(compiler.Node{Type: "google_storage_bucket", Name: "assets", Spec: compiler.StorageBucketSpec{
		Project:                  in.ProjectID,
		Name:                     BucketName(in.ProjectID),
		Location:                 strings.ToUpper(in.Region),
		ForceDestroy:             true,
		UniformBucketLevelAccess: true,
		Versioning:               false,
		DeleteAfterDays:          ObjectRetentionDays,
		CORS: []compiler.CORSRule{{
			Origins:         []string{"*"},
			Methods:         []string{"GET", "HEAD", "PUT", "POST", "DELETE"},
			ResponseHeaders: []string{"*"},
			MaxAgeSeconds:   3600,
		}},
		Labels: labels,
	}})
	g.DependOn(bucket, caps...)
	bucketGrant := g.Add(compiler.Node{Type: "google_storage_bucket_iam_member", Name: "assets_object_admin", Spec: compiler.StorageBucketIAMMemberSpec{
		Bucket: bucket.Ref("name"),
		Role:   "roles/storage.objectAdmin",
		Member: member,
	}})

	// Database.
	db := g.Add(compiler.Node{Type: "google_firestore_database", Name: "main", Spec: compiler.FirestoreDatabaseSpec{
		Project:               in.ProjectID,
		Name:                  in.FirestoreDatabaseID,
		Location:              in.FirestoreRegion,
		Type:                  "FIRESTORE_NATIVE",
		ConcurrencyMode:       "OPTIMISTIC",
		DeleteProtectionState: "DELETE_PROTECTION_DISABLED",
		DeletionPolicy:        "DELETE",
	}})
	g.DependOn(db, caps...)
	index := g.Add(compiler.Node{Type: "google_firestore_index", Name: "stories_by_owner_recent", Spec: NewCompositeIndex(
		in.ProjectID, db.Ref("name"), StoriesCollection,
		compiler.IndexField{Path: OwnerField, Order: compiler.Ascending},
		compiler.IndexField{Path: ModifiedField, Order: compiler.Descending},
	)})

	// Registry and content-addressed build.
	registry := g.Add(compiler.Node{Type: "google_artifact_registry_repository", Name: "images", Spec: compiler.ArtifactRegistrySpec{
		Project:      in.ProjectID,
		Location:     in.Region,
		RepositoryID: RepositoryID,
		Format:       "DOCKER",
		Description:  "StoryCraft container images",
		Labels:       labels,
	}})
	g.DependOn(registry, caps...)
	build := g.Add(compiler.Node{Type: "terraform_data", Name: "image_build", Spec: compiler.BuildActionSpec{
		Triggers: map[string]any{"dockerfile_hash": digest.String()},
		Command:  PushCommandLine(in.PushCommand, image, in.AppDir, in.dockerfile()),
	}})
	g.DependOn(build, registry)

	secret := g.Add(compiler.Node{Type: "random_password", Name: "auth_secret", Spec: compiler.RandomPasswordSpec{
		Length:  32,
		Special: false,
	}})

	// Service.
	env, err := ServiceEnv(in, EnvRefs{
		BucketName: bucket.Ref("name"),
		Database:   db.Ref("name"),
		AuthURL:    serviceURL(in, project, ""),
		AuthSecret: secret.Ref("result"),
	})
	if err != nil {
		return nil, err
	}
	svc := g.Add(compiler.Node{Type: "google_cloud_run_v2_service", Name: "app", Spec: compiler.CloudRunServiceSpec{
		Project:            in.ProjectID,
		Name:               in.ServiceName,
		Location:           in.Region,
		Ingress:            "INGRESS_TRAFFIC_ALL",
		DeletionProtection: false,
		ServiceAccount:     sa.Ref("email"),
		MinInstances:       MinInstances,
		MaxInstances:       MaxInstances,
		Image:              image.String(),
		Port:               ContainerPort,
		CPU:                CPULimit,
		Memory:             MemoryLimit,
		CPUIdle:            true,
		StartupCPUBoost:    true,
		Env:                env,
		Labels:             labels,
	}})
	g.DependOn(svc, caps...)
	g.DependOn(svc, grants...)
	g.DependOn(svc, bucketGrant, index, build)

	if in.EnablePublicAccess {
		g.Add(compiler.Node{Type: "google_cloud_run_v2_service_iam_member", Name: "public_invoker", Spec: compiler.CloudRunIAMMemberSpec{
			Project:  in.ProjectID,
			Location: in.Region,
			Service:  svc.Ref("name"),
			Role:     "roles/run.invoker",
			Member:   "allUsers",
		}})
	}

	prog := &compiler.Program{
		Graph: g,
		Variables: []compiler.Variable{{
			Name:        SecretVariable,
			Type:        compiler.Ref("string"),
			Description: "OAuth client secret of the Google identity provider",
			Sensitive:   true,
		}},
		Outputs: outputs(in, project, sa, bucket, db, registry),
	}

	return &Stack{Inputs: in, Digest: digest, Image: image, Program: prog}, nil
}

// serviceURLPattern is the deterministic public URL of a Cloud Run service,
// formatted with service name, project number and region.
const serviceURLPattern = "https://%s-%s.%s.run.app"

// serviceURL is the service's public URL followed by suffix. The app's
// AUTH_URL and every URL output come from here so they name the same host.
func serviceURL(in Inputs, project compiler.Node, suffix string) compiler.Call {
	return compiler.Format(serviceURLPattern+suffix, in.ServiceName, project.Ref("number"), in.Region)
}

func outputs(in Inputs, project, sa, bucket, db, registry compiler.Node) []compiler.Output {
	return []compiler.Output{
		{Name: "service_url", Description: "Public URL of the service", Value: serviceURL(in, project, "")},
		{Name: "service_account_email", Description: "Runtime identity", Value: sa.Ref("email")},
		{Name: "storage_bucket_name", Description: "Asset bucket", Value: bucket.Ref("name")},
		{Name: "firestore_database", Description: "Firestore database id", Value: db.Ref("name")},
		{Name: "artifact_registry", Description: "Image repository", Value: registry.Ref("name")},
		{Name: "project_id", Value: in.ProjectID},
		{Name: "region", Value: in.Region},
		{Name: "oauth_redirect_uri", Description: "Register with the OAuth client", Value: serviceURL(in, project, CallbackPath)},
		{Name: "setup_reminder", Value: compiler.Format(
			"Add "+serviceURLPattern+CallbackPath+" to the authorized redirect URIs of OAuth client %s (APIs & Services > Credentials).",
			in.ServiceName, project.Ref("number"), in.Region, in.GoogleClientID,
		)},
	}
}

// Key identifies the stack in state stores and deployment history.
func (s *Stack) Key() string {
	return KeyOf(s.Inputs.ProjectID, s.Inputs.ServiceName)
}

// KeyOf is the key of the stack deploying serviceName into projectID.
func KeyOf(projectID, serviceName string) string {
	return projectID + "/" + serviceName
}

// Compile renders the stack to Terraform configuration.
func (s *Stack) Compile() (*compiler.TerraformCode, error) {
	return compiler.NewCompiler().Compile(s.Program, s.CloudConfig())
}

func (s *Stack) CloudConfig() compiler.CloudConfig {
	return compiler.CloudConfig{Provider: "google", Project: s.Inputs.ProjectID, Region: s.Inputs.Region}
}

// EngineEnv is the environment the engine process needs beyond the
// generated files. It carries the secret inputs.
func (s *Stack) EngineEnv() map[string]string {
	return map[string]string{
		"TF_VAR_" + SecretVariable: s.Inputs.GoogleClientSecret,
	}
}

// BucketName derives the asset bucket name from the project id.
func BucketName(projectID string) string {
	return projectID + BucketSuffix
}

// RedirectURI is the OAuth redirect URI for a service URL.
func RedirectURI(serviceURL string) string {
	return serviceURL + CallbackPath
}

// PushCommandLine renders the shell command the build action runs.
func PushCommandLine(prefix []string, image ImageRef, contextDir, dockerfile string) string {
	args := append(append([]string(nil), prefix...),
		"image", "push",
		"--image", image.String(),
		"--context", contextDir,
		"--dockerfile", dockerfile,
	)
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == ':' || r == '=' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func capabilityNodes(project string, names []string) []compiler.Node {
	var out []compiler.Node
	for _, name := range sortedSet(names) {
		out = append(out, compiler.Node{
			Type: "google_project_service",
			Name: strings.NewReplacer(".", "_", "-", "_").Replace(name),
			Spec: compiler.ProjectServiceSpec{
				Project:                  project,
				Service:                  name,
				DisableOnDestroy:         false,
				DisableDependentServices: false,
			},
		})
	}
	return out
}

func roleNodeName(role string) string {
	return strings.NewReplacer(".", "_", "/", "_").Replace(strings.TrimPrefix(role, "roles/"))
}

func sortedSet(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Describe summarizes the declared records for CLI output.
func (s *Stack) Describe() []string {
	out := make([]string, 0, len(s.Program.Graph.Nodes))
	for _, n := range s.Program.Graph.Nodes {
		out = append(out, n.Address())
	}
	return out
}

func (s *Stack) String() string {
	return fmt.Sprintf("%s/%s (%s)", s.Inputs.ProjectID, s.Inputs.ServiceName, s.Image)
}
