package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/storycraft/deploy/internal/app"
	"github.com/storycraft/deploy/internal/imagebuild"
	"github.com/storycraft/deploy/internal/provisioner"
	"github.com/storycraft/deploy/internal/provisioner/terraform"
	"github.com/storycraft/deploy/internal/stack"
	"github.com/storycraft/deploy/pkg/config"
	appErr "github.com/storycraft/deploy/pkg/errors"
	"github.com/storycraft/deploy/pkg/logger"
)

type CLI struct {
	Render  RenderCmd  `cmd:"" help:"Write the generated Terraform configuration to a directory"`
	Plan    PlanCmd    `cmd:"" help:"Preview the changes an apply would make"`
	Apply   ApplyCmd   `cmd:"" help:"Build, push and deploy the stack"`
	Destroy DestroyCmd `cmd:"" help:"Remove every resource the stack created"`
	Outputs OutputsCmd `cmd:"" help:"Print the outputs of the last successful apply"`
	Image   ImageCmd   `cmd:"" help:"Container image helpers"`
}

type RenderCmd struct {
	Out string `name:"out" default:"terraform" help:"Directory to write the configuration to"`
}

type PlanCmd struct {
	JSON bool `name:"json" help:"Print the plan summary as JSON"`
}

type ApplyCmd struct{}

type DestroyCmd struct {
	Yes bool `name:"yes" short:"y" help:"Confirm that every resource of the stack should be removed"`
}

type OutputsCmd struct {
	JSON bool `name:"json" help:"Print outputs as JSON"`
}

type ImageCmd struct {
	Push ImagePushCmd `cmd:"" help:"Build the application image and push it to Artifact Registry"`
}

type ImagePushCmd struct {
	Image      string `name:"image" required:"" help:"Full image path including tag"`
	Context    string `name:"context" required:"" help:"Build context directory"`
	Dockerfile string `name:"dockerfile" help:"Build definition (default: <context>/Dockerfile)"`
}

type kongExitCode int

type commandDeps struct {
	loadConfig      func() (*config.Config, error)
	openProvisioner func(ctx context.Context, c *config.Config) (provisioner.Provisioner, func(), error)
	pushImage       func(ctx context.Context, req imagebuild.Request, out io.Writer) error
	out             io.Writer
	errOut          io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], defaultDeps())
	stop()
	os.Exit(code)
}

func defaultDeps() commandDeps {
	return commandDeps{
		loadConfig:      config.Load,
		openProvisioner: openProvisioner,
		pushImage:       pushImage,
		out:             os.Stdout,
		errOut:          os.Stderr,
	}
}

func openProvisioner(ctx context.Context, c *config.Config) (provisioner.Provisioner, func(), error) {
	store, db, err := app.OpenStateStore(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	return app.NewProvisioner(c, store), func() { app.CloseDatabase(db) }, nil
}

func pushImage(ctx context.Context, req imagebuild.Request, out io.Writer) error {
	docker, err := imagebuild.NewDockerClient()
	if err != nil {
		return err
	}
	defer docker.Close()
	return imagebuild.NewBuilder(docker, imagebuild.GcloudTokenSource{}, out).Push(ctx, req)
}

func run(ctx context.Context, args []string, deps commandDeps) (exitCode int) {
	out := deps.out
	if out == nil {
		out = os.Stdout
	}
	errOut := deps.errOut
	if errOut == nil {
		errOut = os.Stderr
	}
	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("storycraft"),
		kong.Description("Deploy the StoryCraft application stack to Google Cloud."),
		kong.Writers(out, errOut),
		kong.Exit(func(code int) {
			panic(kongExitCode(code))
		}),
	)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Error: initialize command parser: %v\n", err)
		return 1
	}
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		code, ok := recovered.(kongExitCode)
		if !ok {
			panic(recovered)
		}
		exitCode = int(code)
	}()
	kctx, err := parser.Parse(args)
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
		_, _ = fmt.Fprintln(errOut, "Hint: run `storycraft --help`.")
		return 1
	}
	defer logger.Sync()

	if kctx.Command() == "image push" {
		if _, err := logger.InitWriter(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "console"), errOut); err != nil {
			_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
			return 1
		}
		return report(errOut, runImagePush(ctx, cli.Image.Push, deps, out))
	}

	c, err := deps.loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
		_, _ = fmt.Fprintln(errOut, "Hint: set the required variables in the environment, .env or storycraft.yaml.")
		return 1
	}
	if _, err := logger.InitWriter(c.LogLevel, c.LogFormat, errOut); err != nil {
		_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	logger.L().Debug("configuration loaded", c.LogFields()...)

	switch kctx.Command() {
	case "render":
		return report(errOut, runRender(c, cli.Render, out))
	case "plan":
		return report(errOut, withProvisioner(ctx, c, deps, func(p provisioner.Provisioner, s *stack.Stack) error {
			return runPlan(ctx, p, s, cli.Plan, out)
		}))
	case "apply":
		return report(errOut, withProvisioner(ctx, c, deps, func(p provisioner.Provisioner, s *stack.Stack) error {
			return runApply(ctx, p, s, out)
		}))
	case "destroy":
		if !cli.Destroy.Yes {
			return report(errOut, appErr.New(appErr.CodeInvalid, "refusing to destroy without --yes"))
		}
		return report(errOut, withProvisioner(ctx, c, deps, func(p provisioner.Provisioner, s *stack.Stack) error {
			return runDestroy(ctx, p, s, out)
		}))
	case "outputs":
		return report(errOut, withProvisioner(ctx, c, deps, func(p provisioner.Provisioner, s *stack.Stack) error {
			return runOutputs(ctx, p, s, cli.Outputs, out)
		}))
	default:
		_, _ = fmt.Fprintf(errOut, "Error: unsupported command: %s\n", kctx.Command())
		_, _ = fmt.Fprintln(errOut, "Hint: run `storycraft --help`.")
		return 1
	}
}

func report(errOut io.Writer, err error) int {
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
	if hint := hintFor(err); hint != "" {
		_, _ = fmt.Fprintf(errOut, "Hint: %s\n", hint)
	}
	return 1
}

func hintFor(err error) string {
	switch appErr.CodeOf(err) {
	case appErr.CodeLocked:
		return "another run holds the stack lock; wait for it to finish or remove a stale lock from the state store."
	case appErr.CodeBuildFailed:
		return "check that Docker is running and `gcloud auth print-access-token` succeeds."
	case appErr.CodeUnavailable:
		return "check that terraform is installed (or TERRAFORM_BIN is set) and the database is reachable."
	case appErr.CodeEngineFailed:
		return "fix the error above and run apply again; resources created so far are kept in state."
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func buildStack(c *config.Config) (*stack.Stack, error) {
	push, err := app.PushCommand(c, true)
	if err != nil {
		return nil, err
	}
	return app.StackBuilder(c, push)()
}

func withProvisioner(ctx context.Context, c *config.Config, deps commandDeps, fn func(provisioner.Provisioner, *stack.Stack) error) error {
	s, err := buildStack(c)
	if err != nil {
		return err
	}
	p, closeFn, err := deps.openProvisioner(ctx, c)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(p, s)
}

func runRender(c *config.Config, cmd RenderCmd, out io.Writer) error {
	s, err := buildStack(c)
	if err != nil {
		return err
	}
	code, err := s.Compile()
	if err != nil {
		return err
	}
	if err := terraform.WriteFiles(cmd.Out, code); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "write configuration")
	}
	files := make([]string, 0, len(code.Files()))
	for name := range code.Files() {
		files = append(files, name)
	}
	sort.Strings(files)
	_, _ = fmt.Fprintf(out, "Wrote %d files to %s: %v\n", len(files), cmd.Out, files)
	_, _ = fmt.Fprintf(out, "Stack %s declares %d records.\n", s.Key(), len(s.Describe()))
	_, _ = fmt.Fprintf(out, "Image: %s\n", s.Image)
	_, _ = fmt.Fprintf(out, "Supply the OAuth client secret as TF_VAR_%s when running terraform.\n", stack.SecretVariable)
	return nil
}

func runPlan(ctx context.Context, p provisioner.Provisioner, s *stack.Stack, cmd PlanCmd, out io.Writer) error {
	opts := provisioner.RunOptions{}
	if !cmd.JSON {
		opts.Output = out
	}
	plan, err := p.Plan(ctx, s, opts)
	if err != nil {
		return err
	}
	if cmd.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	_, _ = fmt.Fprintf(out, "\nPlan: %d to add, %d to change, %d to destroy.\n", plan.ResourceAdds, plan.ResourceMods, plan.ResourceDels)
	if plan.BuildPending {
		_, _ = fmt.Fprintf(out, "Image: %s (build pending)\n", plan.Image)
	} else {
		_, _ = fmt.Fprintf(out, "Image: %s (up to date)\n", plan.Image)
	}
	return nil
}

func runApply(ctx context.Context, p provisioner.Provisioner, s *stack.Stack, out io.Writer) error {
	logger.L().Info("applying stack", logger.Stack(s.Key()), zap.String("image", s.Image.String()))
	res, err := p.Apply(ctx, s, provisioner.RunOptions{Output: out})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "\nApply complete. Image: %s\n\n", res.Image)
	printOutputs(out, res.Outputs)
	printReminder(out, s, res.Outputs)
	return nil
}

func runDestroy(ctx context.Context, p provisioner.Provisioner, s *stack.Stack, out io.Writer) error {
	logger.L().Info("destroying stack", logger.Stack(s.Key()))
	if _, err := p.Destroy(ctx, s, provisioner.RunOptions{Output: out}); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "\nDestroy complete. Stack %s removed.\n", s.Key())
	return nil
}

func runOutputs(ctx context.Context, p provisioner.Provisioner, s *stack.Stack, cmd OutputsCmd, out io.Writer) error {
	st, err := p.GetState(ctx, s.Key())
	if err != nil {
		return err
	}
	if st == nil || st.AppliedDigest == "" {
		return appErr.Newf(appErr.CodeNotFound, "stack %s has not been applied", s.Key())
	}
	if cmd.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st.Outputs)
	}
	printOutputs(out, st.Outputs)
	if st.AppliedDigest != s.Digest {
		_, _ = fmt.Fprintln(out, "\nThe build definition changed since the last apply; run apply to rebuild the image.")
	}
	return nil
}

func printOutputs(out io.Writer, outputs map[string]any) {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		if k == "setup_reminder" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := outputs[k]
		if s, ok := v.(string); ok {
			_, _ = fmt.Fprintf(out, "%s = %s\n", k, s)
			continue
		}
		b, _ := json.Marshal(v)
		_, _ = fmt.Fprintf(out, "%s = %s\n", k, b)
	}
}

func printReminder(out io.Writer, s *stack.Stack, outputs map[string]any) {
	if reminder, ok := outputs["setup_reminder"].(string); ok && reminder != "" {
		_, _ = fmt.Fprintf(out, "\nNOTE: %s\n", reminder)
		return
	}
	if url, ok := outputs["service_url"].(string); ok && url != "" {
		_, _ = fmt.Fprintf(out, "\nNOTE: Add %s to the authorized redirect URIs of OAuth client %s.\n",
			stack.RedirectURI(url), s.Inputs.GoogleClientID)
	}
}

func runImagePush(ctx context.Context, cmd ImagePushCmd, deps commandDeps, out io.Writer) error {
	ref, err := stack.ParseImageRef(cmd.Image)
	if err != nil {
		return err
	}
	push := deps.pushImage
	if push == nil {
		push = pushImage
	}
	return push(ctx, imagebuild.Request{Image: ref, ContextDir: cmd.Context, Dockerfile: cmd.Dockerfile}, out)
}
