package compiler

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclwrite"
)

// Compiler converts a declaration graph to Terraform HCL.
type Compiler struct {
	resourceCompilers map[string]ResourceCompiler
}

// ResourceCompiler validates and writes one record type.
type ResourceCompiler interface {
	Validate(node Node) error
	Compile(node Node, body *hclwrite.Body) error
}

// TerraformCode is the generated configuration, one string per file.
type TerraformCode struct {
	MainTF      string
	VariablesTF string
	OutputsTF   string
	ProviderTF  string
}

// Files maps file names to contents.
func (c *TerraformCode) Files() map[string]string {
	return map[string]string{
		"main.tf":      c.MainTF,
		"variables.tf": c.VariablesTF,
		"outputs.tf":   c.OutputsTF,
		"provider.tf":  c.ProviderTF,
	}
}

// Program is everything one configuration declares.
type Program struct {
	Graph     Graph
	Variables []Variable
	Outputs   []Output
}

// Variable is an input the engine receives at run time rather than from the
// generated files.
type Variable struct {
	Name        string
	Type        any // Ref("string"), Call{Func: "map", Args: []any{Ref("string")}}
	Description string
	Default     any
	Sensitive   bool
}

// Output is a value published after apply.
type Output struct {
	Name        string
	Description string
	Value       any
	Sensitive   bool
}

// CloudConfig selects the provider block.
type CloudConfig struct {
	Provider string
	Project  string
	Region   string
}

func NewCompiler() *Compiler {
	c := &Compiler{
		resourceCompilers: make(map[string]ResourceCompiler),
	}

	c.RegisterCompiler("google_project", &ProjectDataCompiler{})
	c.RegisterCompiler("google_project_service", &ProjectServiceCompiler{})
	c.RegisterCompiler("google_service_account", &ServiceAccountCompiler{})
	c.RegisterCompiler("google_project_iam_member", &ProjectIAMMemberCompiler{})
	c.RegisterCompiler("google_storage_bucket", &StorageBucketCompiler{})
	c.RegisterCompiler("google_storage_bucket_iam_member", &StorageBucketIAMMemberCompiler{})
	c.RegisterCompiler("google_firestore_database", &FirestoreDatabaseCompiler{})
	c.RegisterCompiler("google_firestore_index", &FirestoreIndexCompiler{})
	c.RegisterCompiler("google_artifact_registry_repository", &ArtifactRegistryCompiler{})
	c.RegisterCompiler("random_password", &RandomPasswordCompiler{})
	c.RegisterCompiler("terraform_data", &BuildActionCompiler{})
	c.RegisterCompiler("google_cloud_run_v2_service", &CloudRunServiceCompiler{})
	c.RegisterCompiler("google_cloud_run_v2_service_iam_member", &CloudRunIAMMemberCompiler{})

	return c
}

func (c *Compiler) RegisterCompiler(resourceType string, compiler ResourceCompiler) {
	c.resourceCompilers[resourceType] = compiler
}

// Compile validates the program and renders it. Output is deterministic for
// a given program.
func (c *Compiler) Compile(prog *Program, cloudConfig CloudConfig) (*TerraformCode, error) {
	if _, err := prog.Graph.TopoOrder(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}

	mainFile := hclwrite.NewEmptyFile()
	for i, node := range prog.Graph.Nodes {
		compiler, exists := c.resourceCompilers[node.Type]
		if !exists {
			return nil, fmt.Errorf("unsupported resource type: %s", node.Type)
		}

		if err := compiler.Validate(node); err != nil {
			return nil, fmt.Errorf("validation failed for %s: %w", node.Address(), err)
		}

		if i > 0 {
			mainFile.Body().AppendNewline()
		}
		kind := "resource"
		if node.Data {
			kind = "data"
		}
		block := mainFile.Body().AppendNewBlock(kind, []string{node.Type, node.Name})
		if err := compiler.Compile(node, block.Body()); err != nil {
			return nil, fmt.Errorf("compilation failed for %s: %w", node.Address(), err)
		}

		if deps := prog.Graph.explicitDeps(node.Address()); len(deps) > 0 {
			refs := make([]any, 0, len(deps))
			for _, d := range deps {
				refs = append(refs, Ref(d))
			}
			w := newBlockWriter(block.Body())
			w.set("depends_on", refs)
			if err := w.Err(); err != nil {
				return nil, fmt.Errorf("depends_on for %s: %w", node.Address(), err)
			}
		}
	}

	variables, err := c.generateVariables(prog.Variables)
	if err != nil {
		return nil, err
	}
	outputs, err := c.generateOutputs(prog.Outputs)
	if err != nil {
		return nil, err
	}
	provider, err := c.generateProvider(cloudConfig)
	if err != nil {
		return nil, err
	}

	return &TerraformCode{
		MainTF:      string(hclwrite.Format(mainFile.Bytes())),
		VariablesTF: variables,
		OutputsTF:   outputs,
		ProviderTF:  provider,
	}, nil
}

func (c *Compiler) generateProvider(config CloudConfig) (string, error) {
	if config.Provider != "google" {
		return "", fmt.Errorf("unsupported provider: %q", config.Provider)
	}

	f := hclwrite.NewEmptyFile()
	tf := newBlockWriter(f.Body().AppendNewBlock("terraform", nil).Body())
	tf.set("required_version", ">= 1.5.0")
	req := tf.block("required_providers")
	req.set("google", map[string]any{"source": "hashicorp/google", "version": "~> 6.0"})
	req.set("random", map[string]any{"source": "hashicorp/random", "version": "~> 3.6"})

	f.Body().AppendNewline()
	p := newBlockWriter(f.Body().AppendNewBlock("provider", []string{"google"}).Body())
	p.set("project", config.Project)
	p.set("region", config.Region)

	if err := tf.Err(); err != nil {
		return "", err
	}
	if err := p.Err(); err != nil {
		return "", err
	}
	return string(hclwrite.Format(f.Bytes())), nil
}

func (c *Compiler) generateVariables(vars []Variable) (string, error) {
	f := hclwrite.NewEmptyFile()
	for i, v := range vars {
		if i > 0 {
			f.Body().AppendNewline()
		}
		w := newBlockWriter(f.Body().AppendNewBlock("variable", []string{v.Name}).Body())
		w.setIf("description", v.Description)
		if v.Type != nil {
			w.set("type", v.Type)
		}
		if v.Default != nil {
			w.set("default", v.Default)
		}
		if v.Sensitive {
			w.set("sensitive", true)
		}
		if err := w.Err(); err != nil {
			return "", fmt.Errorf("variable %s: %w", v.Name, err)
		}
	}
	return string(hclwrite.Format(f.Bytes())), nil
}

func (c *Compiler) generateOutputs(outputs []Output) (string, error) {
	f := hclwrite.NewEmptyFile()
	for i, o := range outputs {
		if i > 0 {
			f.Body().AppendNewline()
		}
		w := newBlockWriter(f.Body().AppendNewBlock("output", []string{o.Name}).Body())
		w.setIf("description", o.Description)
		w.set("value", o.Value)
		if o.Sensitive {
			w.set("sensitive", true)
		}
		if err := w.Err(); err != nil {
			return "", fmt.Errorf("output %s: %w", o.Name, err)
		}
	}
	return string(hclwrite.Format(f.Bytes())), nil
}
