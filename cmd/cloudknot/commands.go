package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/maouw/cloudknot/api"
	"github.com/maouw/cloudknot/backends/core"
)

// multiFlag collects repeated --env KEY=VALUE flags.
type multiFlag []string

func (f *multiFlag) String() string { return strings.Join(*f, ", ") }
func (f *multiFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func (f multiFlag) toMap(flagName string) (map[string]string, error) {
	if len(f) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(f))
	for _, s := range f {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			return nil, &api.InvalidParameterError{Message: fmt.Sprintf("invalid --%s value %q (expected KEY=VALUE)", flagName, s)}
		}
		m[k] = v
	}
	return m, nil
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func parse(fs *flag.FlagSet, args []string, nargs int, synopsis string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() < nargs {
		fmt.Fprintf(fs.Output(), "Usage: cloudknot %s %s\n", fs.Name(), synopsis)
		return errUsage
	}
	return nil
}

func cmdCreate(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("create", a.out)
	file := fs.String("f", "knot.yaml", "knot definition file")
	group := fs.String("group", "", "override the group named in the file")
	if err := parse(fs, args, 0, "[-f knot.yaml] [--group NAME]"); err != nil {
		return err
	}
	spec, err := api.LoadKnotSpec(*file)
	if err != nil {
		return err
	}
	if *group != "" {
		spec.Group = *group
	}
	knot, err := a.orch.Create(ctx, spec)
	if knot != nil {
		printKnot(a.out, knot)
	}
	return err
}

func cmdClobber(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("clobber", a.out)
	if err := parse(fs, args, 1, "<group>"); err != nil {
		return err
	}
	res, err := a.orch.Clobber(ctx, fs.Arg(0))
	if res == nil {
		return err
	}
	for _, r := range res.Removed {
		fmt.Fprintf(a.out, "removed   %-20s %s\n", r.Kind, r.Identifier)
	}
	for _, r := range res.Skipped {
		fmt.Fprintf(a.out, "kept      %-20s %s\n", r.Kind, r.Identifier)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(a.out, "failed    %-20s %s (%d attempts)\n", f.Kind, f.Identifier, f.Attempts)
	}
	fmt.Fprintf(a.out, "%s: %s\n", res.Group, res.State)
	return err
}

func cmdStatus(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("status", a.out)
	if err := parse(fs, args, 1, "<group>"); err != nil {
		return err
	}
	knot, err := a.orch.Status(fs.Arg(0))
	if err != nil {
		return err
	}
	printKnot(a.out, knot)
	return nil
}

func printKnot(w io.Writer, knot *api.Knot) {
	fmt.Fprintf(w, "Group:   %s\n", knot.Group)
	fmt.Fprintf(w, "Region:  %s\n", knot.Region)
	fmt.Fprintf(w, "State:   %s\n", knot.State)
	if knot.Image.URI != "" {
		fmt.Fprintf(w, "Image:   %s\n", knot.Image.URI)
	}
	if knot.LastError != "" {
		fmt.Fprintf(w, "Error:   %s\n", knot.LastError)
	}
	if len(knot.Records) > 0 {
		fmt.Fprintf(w, "\n%-20s  %-6s  %s\n", "KIND", "OWNED", "IDENTIFIER")
		for _, r := range knot.Records {
			owned := "no"
			switch {
			case r.External:
				owned = "ext"
			case r.Owned:
				owned = "yes"
			}
			fmt.Fprintf(w, "%-20s  %-6s  %s\n", r.Kind, owned, r.Identifier)
		}
	}
	if len(knot.Jobs) > 0 {
		fmt.Fprintln(w)
		printJobs(w, knot.Jobs)
	}
}

func cmdList(ctx context.Context, a *app, args []string) error {
	groups, err := a.store.List()
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Fprintln(a.out, "No knots recorded")
		return nil
	}
	fmt.Fprintf(a.out, "%-40s  %-14s  %s\n", "GROUP", "STATE", "JOBS")
	for _, g := range groups {
		knot, err := a.orch.Status(g)
		if err != nil {
			fmt.Fprintf(a.out, "%-40s  %-14s  %v\n", g, "?", err)
			continue
		}
		fmt.Fprintf(a.out, "%-40s  %-14s  %d\n", g, knot.State, len(knot.Jobs))
	}
	return nil
}

func cmdInventory(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("inventory", a.out)
	if err := parse(fs, args, 1, "<group>"); err != nil {
		return err
	}
	entries, err := core.Inventory(ctx, a.client, a.store, fs.Arg(0))
	fmt.Fprintf(a.out, "%-20s  %-10s  %-6s  %s\n", "KIND", "PRESENCE", "OWNED", "NAME")
	for _, e := range entries {
		fmt.Fprintf(a.out, "%-20s  %-10s  %-6t  %s\n", e.Kind, e.Presence, e.Owned, e.Name)
	}
	return err
}

func cmdSubmit(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("submit", a.out)
	name := fs.String("name", "", "job name (default <group>-<n>)")
	size := fs.Int("array", 1, "array job size")
	var env, params multiFlag
	fs.Var(&env, "env", "container env var as KEY=VALUE (repeatable)")
	fs.Var(&params, "param", "job parameter as KEY=VALUE (repeatable)")
	if err := parse(fs, args, 1, "[--name N] [--array N] [--env K=V] [--param K=V] <group> [-- command...]"); err != nil {
		return err
	}
	environment, err := env.toMap("env")
	if err != nil {
		return err
	}
	parameters, err := params.toMap("param")
	if err != nil {
		return err
	}
	if *size < 1 {
		return &api.InvalidParameterError{Message: "--array must be at least 1"}
	}
	job, err := a.disp.Submit(ctx, fs.Arg(0), api.SubmitArgs{
		Name:        *name,
		Command:     command(fs.Args()[1:]),
		Environment: environment,
		Parameters:  parameters,
		ArraySize:   int32(*size),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, job.ID)
	return nil
}

func command(args []string) []string {
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

func cmdPoll(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("poll", a.out)
	if err := parse(fs, args, 1, "<group>"); err != nil {
		return err
	}
	jobs, err := a.disp.Refresh(ctx, fs.Arg(0))
	printJobs(a.out, jobs)
	return err
}

func printJobs(w io.Writer, jobs []api.Job) {
	fmt.Fprintf(w, "%-38s  %-24s  %-10s  %s\n", "JOB ID", "NAME", "STATUS", "REASON")
	for _, j := range jobs {
		status := j.Status
		if status == api.JobUnknown && j.LastKnown != "" {
			status = api.JobStatus(fmt.Sprintf("%s?", j.LastKnown))
		}
		fmt.Fprintf(w, "%-38s  %-24s  %-10s  %s\n", j.ID, j.Name, status, j.StatusReason)
	}
}

func trackedJob(a *app, group, id string) (api.Job, error) {
	knot, err := a.orch.Status(group)
	if err != nil {
		return api.Job{}, err
	}
	job := knot.Job(id)
	if job == nil {
		return api.Job{}, &api.NotFoundError{Resource: "job", ID: id}
	}
	return *job, nil
}

func cmdWait(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("wait", a.out)
	interval := fs.Duration("interval", 10*time.Second, "poll interval")
	timeout := fs.Duration("timeout", 0, "give up after this long (0 waits forever)")
	if err := parse(fs, args, 2, "[--interval 10s] [--timeout 0] <group> <job-id>"); err != nil {
		return err
	}
	job, err := trackedJob(a, fs.Arg(0), fs.Arg(1))
	if err != nil {
		return err
	}
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	job, err = a.disp.Wait(ctx, job, *interval)
	if err != nil {
		return err
	}
	// Record the terminal status.
	job, err = a.disp.Update(context.WithoutCancel(ctx), fs.Arg(0), job.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s %s %s\n", job.ID, job.Status, job.StatusReason)
	return nil
}

func cmdTerminate(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("terminate", a.out)
	reason := fs.String("reason", "", "reason recorded on the job")
	if err := parse(fs, args, 2, "[--reason TEXT] <group> <job-id>"); err != nil {
		return err
	}
	job, err := a.disp.Update(ctx, fs.Arg(0), fs.Arg(1))
	if err != nil {
		var nf *api.NotFoundError
		if errors.As(err, &nf) {
			return err
		}
		a.logger.Warn().Err(err).Msg("could not refresh job before terminating")
		if job, err = trackedJob(a, fs.Arg(0), fs.Arg(1)); err != nil {
			return err
		}
	}
	return a.disp.Terminate(ctx, job, *reason)
}

func cmdLogs(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("logs", a.out)
	urls := fs.Bool("urls", false, "print CloudWatch console links instead of log lines")
	if err := parse(fs, args, 2, "[--urls] <group> <job-id>"); err != nil {
		return err
	}
	job, err := a.disp.Update(ctx, fs.Arg(0), fs.Arg(1))
	if err != nil {
		return err
	}
	if *urls {
		for _, u := range core.LogURLs(a.region, job) {
			fmt.Fprintln(a.out, u)
		}
		return nil
	}
	events, err := a.disp.Logs(ctx, job)
	for _, e := range events {
		fmt.Fprintf(a.out, "%s %s\n", e.Timestamp.UTC().Format(time.RFC3339), e.Message)
	}
	return err
}

func cmdForget(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("forget", a.out)
	if err := parse(fs, args, 1, "<group>"); err != nil {
		return err
	}
	return a.orch.Forget(fs.Arg(0))
}
