package stack

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storycraft/deploy/internal/provisioner/compiler"
	"github.com/storycraft/deploy/pkg/contenthash"
	appErr "github.com/storycraft/deploy/pkg/errors"
)

const testSecret = "very-secret-oauth-value"

func testInputs() Inputs {
	return Inputs{
		ProjectID:           "storycraft-dev",
		Region:              "us-central1",
		FirestoreDatabaseID: "(default)",
		FirestoreRegion:     "us-central1",
		ServiceName:         "storycraft",
		GoogleClientID:      "client-id.apps.googleusercontent.com",
		GoogleClientSecret:  testSecret,
		EnablePublicAccess:  true,
		AppDir:              "./app",
		PushCommand:         []string{"/usr/local/bin/storycraft"},
	}
}

var testDigest = contenthash.Sum([]byte("FROM node:20\n"))

func assemble(t *testing.T, in Inputs) *Stack {
	t.Helper()
	s, err := Assemble(in, testDigest)
	require.NoError(t, err)
	return s
}

func TestAssembleCompiles(t *testing.T) {
	s := assemble(t, testInputs())
	code, err := s.Compile()
	require.NoError(t, err)
	for name, body := range code.Files() {
		assert.NotContains(t, body, testSecret, "%s must not carry the client secret", name)
	}
	assert.Contains(t, code.MainTF, `resource "google_cloud_run_v2_service" "app"`)
	assert.Contains(t, code.VariablesTF, `variable "google_client_secret"`)
	assert.Equal(t, testSecret, s.EngineEnv()["TF_VAR_google_client_secret"])
}

func TestAssembleIsDeterministic(t *testing.T) {
	in := testInputs()
	in.ExtraEnv = map[string]string{"Z_FLAG": "1", "A_FLAG": "2", "M_FLAG": "3"}
	a, err := assemble(t, in).Compile()
	require.NoError(t, err)
	b, err := assemble(t, in).Compile()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestOrderingInvariants(t *testing.T) {
	g := assemble(t, testInputs()).Program.Graph
	svc := "google_cloud_run_v2_service.app"

	cases := []struct {
		dependent, dependency string
	}{
		{"google_project_iam_member.aiplatform_user", "google_service_account.app"},
		{"google_storage_bucket_iam_member.assets_object_admin", "google_service_account.app"},
		{"google_storage_bucket_iam_member.assets_object_admin", "google_storage_bucket.assets"},
		{"terraform_data.image_build", "google_artifact_registry_repository.images"},
		{"google_firestore_index.stories_by_owner_recent", "google_firestore_database.main"},
		{svc, "terraform_data.image_build"},
		{svc, "google_service_account.app"},
		{svc, "google_firestore_index.stories_by_owner_recent"},
		{svc, "google_storage_bucket_iam_member.assets_object_admin"},
		{svc, "random_password.auth_secret"},
		{svc, "data.google_project.current"},
		{"google_cloud_run_v2_service_iam_member.public_invoker", svc},
	}
	for _, c := range cases {
		assert.True(t, g.DependsOn(c.dependent, c.dependency), "%s should follow %s", c.dependent, c.dependency)
	}

	for _, grant := range g.OfType("google_project_iam_member") {
		assert.True(t, g.DependsOn(svc, grant.Address()), "service should follow %s", grant.Address())
	}
	for _, api := range g.OfType("google_project_service") {
		for _, n := range []string{svc, "google_service_account.app", "google_storage_bucket.assets", "google_firestore_database.main", "google_artifact_registry_repository.images"} {
			assert.True(t, g.DependsOn(n, api.Address()), "%s should follow %s", n, api.Address())
		}
	}

	_, err := g.TopoOrder()
	require.NoError(t, err)
}

func TestCapabilitiesAndGrants(t *testing.T) {
	g := assemble(t, testInputs()).Program.Graph
	assert.Len(t, g.OfType("google_project_service"), len(Capabilities))
	assert.Len(t, g.OfType("google_project_iam_member"), len(Roles))

	n, ok := g.Find("google_project_service.run_googleapis_com")
	require.True(t, ok)
	spec := n.Spec.(compiler.ProjectServiceSpec)
	assert.False(t, spec.DisableOnDestroy)
	assert.False(t, spec.DisableDependentServices)
}

func TestCapabilityOrderDoesNotMatter(t *testing.T) {
	a := capabilityNodes("p", []string{"run.googleapis.com", "iam.googleapis.com", "storage.googleapis.com"})
	b := capabilityNodes("p", []string{"storage.googleapis.com", "run.googleapis.com", "iam.googleapis.com", "run.googleapis.com"})
	assert.Equal(t, a, b)
}

func TestPublicAccessFlag(t *testing.T) {
	in := testInputs()
	in.EnablePublicAccess = true
	on := assemble(t, in).Program.Graph.OfType("google_cloud_run_v2_service_iam_member")
	require.Len(t, on, 1)
	spec := on[0].Spec.(compiler.CloudRunIAMMemberSpec)
	assert.Equal(t, "roles/run.invoker", spec.Role)
	assert.Equal(t, "allUsers", spec.Member)

	in.EnablePublicAccess = false
	assert.Empty(t, assemble(t, in).Program.Graph.OfType("google_cloud_run_v2_service_iam_member"))
}

func TestIndexFieldOrder(t *testing.T) {
	want := []compiler.IndexField{
		{Path: OwnerField, Order: compiler.Ascending},
		{Path: ModifiedField, Order: compiler.Descending},
	}
	got := NewCompositeIndex("p", "(default)", StoriesCollection, want[1], want[0])
	assert.Equal(t, want, got.Fields)
	got = NewCompositeIndex("p", "(default)", StoriesCollection, want[0], want[1])
	assert.Equal(t, want, got.Fields)
	assert.Equal(t, "COLLECTION", got.QueryScope)

	n, ok := assemble(t, testInputs()).Program.Graph.Find("google_firestore_index.stories_by_owner_recent")
	require.True(t, ok)
	assert.Equal(t, want, n.Spec.(compiler.FirestoreIndexSpec).Fields)
}

func TestServiceEnv(t *testing.T) {
	in := testInputs()
	in.ExtraEnv = map[string]string{"ZETA": "z", "ALPHA": "a"}
	env, err := ServiceEnv(in, EnvRefs{BucketName: compiler.Ref("google_storage_bucket.assets.name")})
	require.NoError(t, err)

	names := make([]string, len(env))
	for i, e := range env {
		names[i] = e.Name
	}
	assert.Equal(t, append(append([]string(nil), ReservedEnv...), "ALPHA", "ZETA"), names)
	assert.Equal(t, compiler.Ref("var.google_client_secret"), env[11].Value)
	assert.Equal(t, "production", env[5].Value)

	t.Run("reserved override", func(t *testing.T) {
		in.ExtraEnv = map[string]string{"AUTH_SECRET": "mine"}
		_, err := ServiceEnv(in, EnvRefs{})
		require.Error(t, err)
		assert.True(t, appErr.IsCode(err, appErr.CodeInvalid))
	})
}

func TestDigestDrivesImageAndTrigger(t *testing.T) {
	in := testInputs()
	a, err := Assemble(in, contenthash.Sum([]byte("FROM node:20\n")))
	require.NoError(t, err)
	b, err := Assemble(in, contenthash.Sum([]byte("FROM node:22\n")))
	require.NoError(t, err)

	assert.NotEqual(t, a.Image.Tag, b.Image.Tag)
	assert.Len(t, a.Image.Tag, contenthash.TagLength)
	assert.True(t, strings.HasPrefix(a.Image.String(), "us-central1-docker.pkg.dev/storycraft-dev/storycraft/storycraft:"))

	trigger := func(s *Stack) any {
		n, ok := s.Program.Graph.Find("terraform_data.image_build")
		require.True(t, ok)
		return n.Spec.(compiler.BuildActionSpec).Triggers["dockerfile_hash"]
	}
	assert.NotEqual(t, trigger(a), trigger(b))

	again, err := Assemble(in, contenthash.Sum([]byte("FROM node:20\n")))
	require.NoError(t, err)
	assert.Equal(t, trigger(a), trigger(again))
}

func TestBuildHashesDockerfile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM node:20\n"), 0o644))
	in := testInputs()
	in.AppDir = dir

	s, err := Build(in)
	require.NoError(t, err)
	assert.Equal(t, testDigest, s.Digest)

	in.AppDir = filepath.Join(dir, "missing")
	_, err = Build(in)
	require.Error(t, err)
}

func TestAssembleRejectsMissingInputs(t *testing.T) {
	in := testInputs()
	in.ProjectID = ""
	in.GoogleClientID = ""
	_, err := Assemble(in, testDigest)
	require.ErrorContains(t, err, "google client id, project id")

	_, err = Assemble(testInputs(), "")
	require.Error(t, err)
}

func TestDerivedNames(t *testing.T) {
	assert.Equal(t, "storycraft-dev-storycraft-assets", BucketName("storycraft-dev"))
	url := "https://storycraft-123456789.us-central1.run.app"
	assert.Equal(t, url+"/api/auth/callback/google", RedirectURI(url))
	assert.True(t, strings.HasPrefix(RedirectURI(url), url))
}

func TestOutputs(t *testing.T) {
	s := assemble(t, testInputs())
	names := map[string]compiler.Output{}
	for _, o := range s.Program.Outputs {
		names[o.Name] = o
	}
	for _, want := range []string{
		"service_url", "service_account_email", "storage_bucket_name", "firestore_database",
		"artifact_registry", "project_id", "region", "oauth_redirect_uri", "setup_reminder",
	} {
		assert.Contains(t, names, want)
	}
	assert.Equal(t, compiler.Format("https://%s-%s.%s.run.app"+CallbackPath,
		"storycraft", compiler.Ref("data.google_project.current.number"), "us-central1"), names["oauth_redirect_uri"].Value)
}

func TestAuthURLMatchesServiceURL(t *testing.T) {
	s := assemble(t, testInputs())
	n, ok := s.Program.Graph.Find("google_cloud_run_v2_service.app")
	require.True(t, ok)
	var authURL any
	for _, e := range n.Spec.(compiler.CloudRunServiceSpec).Env {
		if e.Name == "AUTH_URL" {
			authURL = e.Value
		}
	}
	require.NotNil(t, authURL)

	outs := map[string]any{}
	for _, o := range s.Program.Outputs {
		outs[o.Name] = o.Value
	}
	assert.Equal(t, authURL, outs["service_url"])

	code, err := s.Compile()
	require.NoError(t, err)
	url := `format("https://%s-%s.%s.run.app", "storycraft", data.google_project.current.number, "us-central1")`
	assert.Contains(t, code.MainTF, url)
	assert.Contains(t, code.OutputsTF, url)
	assert.Contains(t, code.OutputsTF,
		`format("https://%s-%s.%s.run.app/api/auth/callback/google", "storycraft", data.google_project.current.number, "us-central1")`)
	assert.NotContains(t, code.OutputsTF, "google_cloud_run_v2_service.app.uri")
}

func TestBuildActionUsesAbsolutePaths(t *testing.T) {
	t.Chdir(t.TempDir())
	in := testInputs()
	in.PushCommand = []string{"./bin/storycraft"}
	s := assemble(t, in)

	n, ok := s.Program.Graph.Find("terraform_data.image_build")
	require.True(t, ok)
	cmd := n.Spec.(compiler.BuildActionSpec).Command
	fields := strings.Fields(cmd)
	require.Len(t, fields, 9)
	for _, i := range []int{0, 6, 8} {
		assert.True(t, filepath.IsAbs(fields[i]), "%q is not absolute", fields[i])
	}
	assert.Equal(t, filepath.Join(s.Inputs.AppDir, "Dockerfile"), fields[8])
	assert.True(t, filepath.IsAbs(s.Inputs.AppDir))
}

func TestPushCommandLine(t *testing.T) {
	img := NewImageRef("us-central1", "p", RepositoryID, ImageName, testDigest)
	cmd := PushCommandLine([]string{"/opt/story craft/bin"}, img, "./app", "./app/Dockerfile")
	assert.True(t, strings.HasPrefix(cmd, `'/opt/story craft/bin' image push --image us-central1-docker.pkg.dev/p/storycraft/storycraft:`))
	assert.True(t, strings.HasSuffix(cmd, "--context ./app --dockerfile ./app/Dockerfile"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, `''`, shellQuote(""))
}

func TestParseImageRef(t *testing.T) {
	img := NewImageRef("europe-west1", "p", "storycraft", "storycraft", testDigest)
	parsed, err := ParseImageRef(img.String())
	require.NoError(t, err)
	assert.Equal(t, img, parsed)

	_, err = ParseImageRef("docker.io/library/node")
	require.Error(t, err)
}
