package compiler

import (
	"fmt"
	"regexp"

	"github.com/hashicorp/hcl/v2/hclwrite"
)

// Specs are the typed property sets of each record. Fields typed any accept
// a literal, a Ref, or a Call.

type ProjectDataSpec struct {
	ProjectID string
}

type ProjectServiceSpec struct {
	Project                  string
	Service                  string
	DisableOnDestroy         bool
	DisableDependentServices bool
}

type ServiceAccountSpec struct {
	Project     string
	AccountID   string
	DisplayName string
	Description string
}

type ProjectIAMMemberSpec struct {
	Project string
	Role    string
	Member  any
}

type CORSRule struct {
	Origins         []string
	Methods         []string
	ResponseHeaders []string
	MaxAgeSeconds   int
}

type StorageBucketSpec struct {
	Project                  string
	Name                     string
	Location                 string
	ForceDestroy             bool
	UniformBucketLevelAccess bool
	Versioning               bool
	DeleteAfterDays          int
	CORS                     []CORSRule
	Labels                   map[string]any
}

type StorageBucketIAMMemberSpec struct {
	Bucket any
	Role   string
	Member any
}

type FirestoreDatabaseSpec struct {
	Project               string
	Name                  string
	Location              string
	Type                  string
	ConcurrencyMode       string
	DeleteProtectionState string
	DeletionPolicy        string
}

const (
	Ascending  = "ASCENDING"
	Descending = "DESCENDING"
)

type IndexField struct {
	Path  string
	Order string
}

type FirestoreIndexSpec struct {
	Project    string
	Database   any
	Collection string
	QueryScope string
	Fields     []IndexField
}

type ArtifactRegistrySpec struct {
	Project      string
	Location     string
	RepositoryID string
	Format       string
	Description  string
	Labels       map[string]any
}

type RandomPasswordSpec struct {
	Length  int
	Special bool
}

// BuildActionSpec is a terraform_data record whose local-exec provisioner
// runs whenever a trigger value changes.
type BuildActionSpec struct {
	Triggers    map[string]any
	Command     string
	WorkingDir  string
	Environment map[string]any
}

type EnvVar struct {
	Name  string
	Value any
}

type CloudRunServiceSpec struct {
	Project            string
	Name               string
	Location           string
	Ingress            string
	DeletionProtection bool
	ServiceAccount     any
	MinInstances       int
	MaxInstances       int
	Image              any
	Port               int
	CPU                string
	Memory             string
	CPUIdle            bool
	StartupCPUBoost    bool
	Env                []EnvVar
	Labels             map[string]any
}

type CloudRunIAMMemberSpec struct {
	Project  string
	Location string
	Service  any
	Role     string
	Member   string
}

var (
	accountIDPattern  = regexp.MustCompile(`^[a-z]([-a-z0-9]*[a-z0-9])$`)
	bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,61}[a-z0-9]$`)
	envNamePattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func specAs[T any](node Node) (*T, error) {
	switch s := node.Spec.(type) {
	case *T:
		if s == nil {
			return nil, fmt.Errorf("nil spec")
		}
		return s, nil
	case T:
		return &s, nil
	}
	var zero T
	return nil, fmt.Errorf("spec is %T, want %T", node.Spec, zero)
}

func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("missing required field: %s", pairs[i])
		}
	}
	return nil
}

func requiredExpr(name string, v any) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("missing required field: %s", name)
	case string:
		if val == "" {
			return fmt.Errorf("missing required field: %s", name)
		}
	case Ref:
		if val == "" {
			return fmt.Errorf("missing required field: %s", name)
		}
	}
	return nil
}

// ProjectDataCompiler compiles data "google_project".
type ProjectDataCompiler struct{}

func (c *ProjectDataCompiler) Validate(node Node) error {
	if !node.Data {
		return fmt.Errorf("google_project is only supported as a data source")
	}
	s, err := specAs[ProjectDataSpec](node)
	if err != nil {
		return err
	}
	return required("project_id", s.ProjectID)
}

func (c *ProjectDataCompiler) Compile(node Node, body *hclwrite.Body) error {
	s, _ := specAs[ProjectDataSpec](node)
	w := newBlockWriter(body)
	w.set("project_id", s.ProjectID)
	return w.Err()
}

// ProjectServiceCompiler compiles google_project_service.
type ProjectServiceCompiler struct{}

func (c *ProjectServiceCompiler) Validate(node Node) error {
	s, err := specAs[ProjectServiceSpec](node)
	if err != nil {
		return err
	}
	return required("project", s.Project, "service", s.Service)
}

func (c *ProjectServiceCompiler) Compile(node Node, body *hclwrite.Body) error {
	s, _ := specAs[ProjectServiceSpec](node)
	w := newBlockWriter(body)
	w.set("project", s.Project)
	w.set("service", s.Service)
	w.set("disable_on_destroy", s.DisableOnDestroy)
	w.set("disable_dependent_services", s.DisableDependentServices)
	return w.Err()
}

// ServiceAccountCompiler compiles google_service_account.
type ServiceAccountCompiler struct{}

func (c *ServiceAccountCompiler) Validate(node Node) error {
	s, err := specAs[ServiceAccountSpec](node)
	if err != nil {
		return err
	}
	if err := required("project", s.Project, "account_id", s.AccountID); err != nil {
		return err
	}
	if len(s.AccountID) < 6 || len(s.AccountID) > 30 || !accountIDPattern.MatchString(s.AccountID) {
		return fmt.Errorf("invalid account_id %q", s.AccountID)
	}
	return nil
}

func (c *ServiceAccountCompiler) Compile(node Node, body *hclwrite.Body) error {
	s, _ := specAs[ServiceAccountSpec](node)
	w := newBlockWriter(body)
	w.set("project", s.Project)
	w.set("account_id", s.AccountID)
	w.setIf("display_name", s.DisplayName)
	w.setIf("description", s.Description)
	return w.Err()
}

// ProjectIAMMemberCompiler compiles google_project_iam_member.
type ProjectIAMMemberCompiler struct{}

func (c *ProjectIAMMemberCompiler) Validate(node Node) error {
	s, err := specAs[ProjectIAMMemberSpec](node)
	if err != nil {
		return err
	}
	if err := required("project", s.Project, "role", s.Role); err != nil {
		return err
	}
	return requiredExpr("member", s.Member)
}

func (c *ProjectIAMMemberCompiler) Compile(node Node, body *hclwrite.Body) error {
	s, _ := specAs[ProjectIAMMemberSpec](node)
	w := newBlockWriter(body)
	w.set("project", s.Project)
	w.set("role", s.Role)
	w.set("member", s.Member)
	return w.Err()
}

// StorageBucketCompiler compiles google_storage_bucket.
type StorageBucketCompiler struct{}

func (c *StorageBucketCompiler) Validate(node Node) error {
	s, err := specAs[StorageBucketSpec](node)
	if err != nil {
		return err
	}
	if err := required("project", s.Project, "name", s.Name, "location", s.Location); err != nil {
		return err
	}
	if !bucketNamePattern.MatchString(s.Name) {
		return fmt.Errorf("invalid bucket name %q", s.Name)
	}
	if s.DeleteAfterDays < 0 {
		return fmt.Errorf("delete_after_days must not be negative")
	}
	for i, rule := range s.CORS {
		if len(rule.Origins) == 0 || len(rule.Methods) == 0 {
			return fmt.Errorf("cors rule %d: origins and methods are required", i)
		}
	}
	return nil
}

func (c *StorageBucketCompiler) Compile(node Node, body *hclwrite.Body) error {
	s, _ := specAs[StorageBucketSpec](node)
	w := newBlockWriter(body)
	w.set("project", s.Project)
	w.set("name", s.Name)
	w.set("location", s.Location)
	w.set("force_destroy", s.ForceDestroy)
	w.set("uniform_bucket_level_access", s.UniformBucketLevelAccess)
	if len(s.Labels) > 0 {
		w.set("labels", s.Labels)
	}

	w.block("versioning").set("enabled", s.Versioning)

	if s.DeleteAfterDays > 0 {
		rule := w.block("lifecycle_rule")
		rule.block("condition").set("age", s.DeleteAfterDays)
		rule.block("action").set("type", "Delete")
	}

	for _, cors := range s.CORS {
		b := w.block("cors")
		b.set("origin", cors.Origins)
		b.set("method", cors.Methods)
		if len(cors.ResponseHeaders) > 0 {
			b.set("response_header", cors.ResponseHeaders)
		}
		b.setIf("max_age_seconds", cors.MaxAgeSeconds)
	}
	return w.Err()
}

// StorageBucketIAMMemberCompiler compiles google_storage_bucket_iam_member.
type StorageBucketIAMMemberCompiler struct{}

func (c *StorageBucketIAMMemberCompiler) Validate(node Node) error {
	s, err := specAs[StorageBucketIAMMemberSpec](node)
	if err != nil {
		return err
	}
	if err := requiredExpr("bucket", s.Bucket); err != nil {
		return err
	}
	if err := requiredExpr("member", s.Member); err != nil {
		return err
	}
	return required("role", s.Role)
}

func (c *StorageBucketIAMMemberCompiler) Compile(node Node, body *hclwrite.Body) error {
	s, _ := specAs[StorageBucketIAMMemberSpec](node)
	w := newBlockWriter(body)
	w.set("bucket", s.Bucket)
	w.set("role", s.Role)
	w.set("member", s.Member)
	return w.Err()
}

// FirestoreDatabaseCompiler compiles google_firestore_database.
type FirestoreDatabaseCompiler struct{}

func (c *FirestoreDatabaseCompiler) Validate(node Node) error {
	s, err := specAs[FirestoreDatabaseSpec](node)
	if err != nil {
		return err
	}
	if err := required("project", s.Project, "name", s.Name, "location_id", s.Location, "type", s.Type); err != nil {
		return err
	}
	switch s.Type {
	case "FIRESTORE_NATIVE", "DATASTORE_MODE":
	default:
		return fmt.Errorf("invalid database type %q", s.Type)
	}
	return nil
}

func (c *FirestoreDatabaseCompiler) Compile(node Node, body *hclwrite.Body) error {
	s, _ := specAs[FirestoreDatabaseSpec](node)
	w := newBlockWriter(body)
	w.set("project", s.Project)
	w.set("name", s.Name)
	w.set("location_id", s.Location)
	w.set("type", s.Type)
	w.setIf("concurrency_mode", s.ConcurrencyMode)
	w.setIf("delete_protection_state", s.DeleteProtectionState)
	w.setIf("deletion_policy", s.DeletionPolicy)
	return w.Err()
}

// FirestoreIndexCompiler compiles google_firestore_index. Fields are written
// in the order given.
type FirestoreIndexCompiler struct{}

func (c *FirestoreIndexCompiler) Validate(node Node) error {
	s, err := specAs[FirestoreIndexSpec](node)
	if err != nil {
		return err
	}
	if err := required("project", s.Project, "collection", s.Collection); err != nil {
		return err
	}
	if err := requiredExpr("database", s.Database); err != nil {
		return err
	}
	if len(s.Fields) < 2 {
		return fmt.Errorf("composite index needs at least two fields, got %d", len(s.Fields))
	}
	seen := map[string]bool{}
	for _, f := range s.Fields {
		if f.Path == "" {
			return fmt.Errorf("index field without path")
		}
		if seen[f.Path] {
			return fmt.Errorf("duplicate index field %q", f.Path)
		}
		seen[f.Path] = true
		if f.Order != Ascending && f.Order != Descending {
			return fmt.Errorf("index field %q: invalid order %q", f.Path, f.Order)
		}
	}
	return nil
}

func (c *FirestoreIndexCompiler) Compile(node Node, body *hclwrite.Body) error {
	s, _ := specAs[FirestoreIndexSpec](node)
	w := newBlockWriter(body)
	w.set("project", s.Project)
	w.set("database", s.Database)
	w.set("collection", s.Collection)
	w.setIf("query_scope", s.QueryScope)
	for _, f := range s.Fields {
		fb := w.block("fields")
		fb.set("field_path", f.Path)
		fb.set("order", f.Order)
	}
	return w.Err()
}

// ArtifactRegistryCompiler compiles google_artifact_registry_repository.
type ArtifactRegistryCompiler struct{}

func (c *ArtifactRegistryCompiler) Validate(node Node) error {
	s, err := specAs[ArtifactRegistrySpec](node)
	if err != nil {
		return err
	}
	return required("project", s.Project, "location", s.Location, "repository_id", s.RepositoryID, "format", s.Format)
}

func (c *ArtifactRegistryCompiler) Compile(node Node, body *hclwrite.Body) error {
	s, _ := specAs[ArtifactRegistrySpec](node)
	w := newBlockWriter(body)
	w.set("project", s.Project)
	w.set("location", s.Location)
	w.set("repository_id", s.RepositoryID)
	w.set("format", s.Format)
	w.setIf("description", s.Description)
	if len(s.Labels) > 0 {
		w.set("labels", s.Labels)
	}
	return w.Err()
}

// RandomPasswordCompiler compiles random_password.
type RandomPasswordCompiler struct{}

func (c *RandomPasswordCompiler) Validate(node Node) error {
	s, err := specAs[RandomPasswordSpec](node)
	if err != nil {
		return err
	}
	if s.Length < 16 {
		return fmt.Errorf("length must be at least 16, got %d", s.Length)
	}
	return nil
}

func (c *RandomPasswordCompiler) Compile(node Node, body *hclwrite.Body) error {
	s, _ := specAs[RandomPasswordSpec](node)
	w := newBlockWriter(body)
	w.set("length", s.Length)
	w.set("special", s.Special)
	return w.Err()
}

// BuildActionCompiler compiles terraform_data with a local-exec provisioner.
type BuildActionCompiler struct{}

func (c *BuildActionCompiler) Validate(node Node) error {
	s, err := specAs[BuildActionSpec](node)
	if err != nil {
		return err
	}
	if len(s.Triggers) == 0 {
		return fmt.Errorf("build action without triggers would never re-run")
	}
	return required("command", s.Command)
}

func (c *BuildActionCompiler) Compile(node Node, body *hclwrite.Body) error {
	s, _ := specAs[BuildActionSpec](node)
	w := newBlockWriter(body)
	w.set("triggers_replace", s.Triggers)
	p := w.block("provisioner", "local-exec")
	p.set("command", s.Command)
	p.setIf("working_dir", s.WorkingDir)
	if len(s.Environment) > 0 {
		p.set("environment", s.Environment)
	}
	return w.Err()
}

// CloudRunServiceCompiler compiles google_cloud_run_v2_service. All traffic
// goes to the latest revision.
type CloudRunServiceCompiler struct{}

func (c *CloudRunServiceCompiler) Validate(node Node) error {
	s, err := specAs[CloudRunServiceSpec](node)
	if err != nil {
		return err
	}
	if err := required("project", s.Project, "name", s.Name, "location", s.Location); err != nil {
		return err
	}
	if err := requiredExpr("image", s.Image); err != nil {
		return err
	}
	if s.MinInstances < 0 || s.MaxInstances < s.MinInstances {
		return fmt.Errorf("invalid scaling bounds %d..%d", s.MinInstances, s.MaxInstances)
	}
	seen := map[string]bool{}
	for _, e := range s.Env {
		if !envNamePattern.MatchString(e.Name) {
			return fmt.Errorf("invalid env var name %q", e.Name)
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate env var %q", e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

func (c *CloudRunServiceCompiler) Compile(node Node, body *hclwrite.Body) error {
	s, _ := specAs[CloudRunServiceSpec](node)
	w := newBlockWriter(body)
	w.set("project", s.Project)
	w.set("name", s.Name)
	w.set("location", s.Location)
	w.setIf("ingress", s.Ingress)
	w.set("deletion_protection", s.DeletionProtection)
	if len(s.Labels) > 0 {
		w.set("labels", s.Labels)
	}

	tpl := w.block("template")
	if s.ServiceAccount != nil {
		tpl.set("service_account", s.ServiceAccount)
	}
	scaling := tpl.block("scaling")
	scaling.set("min_instance_count", s.MinInstances)
	scaling.set("max_instance_count", s.MaxInstances)

	ctr := tpl.block("containers")
	ctr.set("image", s.Image)
	if s.Port > 0 {
		ctr.block("ports").set("container_port", s.Port)
	}
	res := ctr.block("resources")
	limits := map[string]any{}
	if s.CPU != "" {
		limits["cpu"] = s.CPU
	}
	if s.Memory != "" {
		limits["memory"] = s.Memory
	}
	res.set("limits", limits)
	res.set("cpu_idle", s.CPUIdle)
	res.set("startup_cpu_boost", s.StartupCPUBoost)
	for _, e := range s.Env {
		env := ctr.block("env")
		env.set("name", e.Name)
		env.set("value", e.Value)
	}

	traffic := w.block("traffic")
	traffic.set("type", "TRAFFIC_TARGET_ALLOCATION_TYPE_LATEST")
	traffic.set("percent", 100)
	return w.Err()
}

// CloudRunIAMMemberCompiler compiles google_cloud_run_v2_service_iam_member.
type CloudRunIAMMemberCompiler struct{}

func (c *CloudRunIAMMemberCompiler) Validate(node Node) error {
	s, err := specAs[CloudRunIAMMemberSpec](node)
	if err != nil {
		return err
	}
	if err := requiredExpr("name", s.Service); err != nil {
		return err
	}
	return required("project", s.Project, "location", s.Location, "role", s.Role, "member", s.Member)
}

func (c *CloudRunIAMMemberCompiler) Compile(node Node, body *hclwrite.Body) error {
	s, _ := specAs[CloudRunIAMMemberSpec](node)
	w := newBlockWriter(body)
	w.set("project", s.Project)
	w.set("location", s.Location)
	w.set("name", s.Service)
	w.set("role", s.Role)
	w.set("member", s.Member)
	return w.Err()
}
