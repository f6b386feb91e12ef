package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/3cpo-dev/chipflow/internal/core"
	"github.com/3cpo-dev/chipflow/internal/remote"
	"github.com/3cpo-dev/chipflow/internal/schema"
	"github.com/3cpo-dev/chipflow/internal/store"
)

// Run a flow from a project file
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a flow locally or on a remote server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			s, err := core.LoadProject(path)
			if err != nil {
				return err
			}
			if err := applyRunFlags(cmd, s); err != nil {
				return err
			}
			return runOrchestrator(cmd, s)
		},
	}
	f := cmd.Flags()
	f.StringP("config", "c", "", "project file (default $XDG_CONFIG_HOME/chipflow/project.yaml)")
	f.String("jobname", "", "job name")
	f.String("builddir", "", "build directory root")
	f.String("flow", "", "flow to execute")
	f.StringSlice("from", nil, "steps to start from")
	f.StringSlice("to", nil, "steps to stop at")
	f.StringSlice("skip", nil, "steps or nodes to skip")
	f.Bool("clean", false, "start from a clean job directory")
	f.Bool("jobincr", false, "advance the job name when the job directory exists")
	f.Bool("resume", false, "reuse completed nodes of the current job")
	f.Bool("remote", false, "run on the remote server")
	f.String("credentials", "", "remote credentials file")
	f.Bool("continue", false, "keep scheduling after a node fails")
	f.Int("workers", 0, "concurrent node budget, 0 for one per CPU")
	f.Bool("quiet", false, "do not echo tool output")
	return cmd
}

// applyRunFlags overrides project options with the flags given on the
// command line.
func applyRunFlags(cmd *cobra.Command, s *schema.Schema) error {
	f := cmd.Flags()
	var errs []error
	set := func(flag string, v any, key string) {
		if f.Changed(flag) {
			errs = append(errs, s.Set(v, "option", key))
		}
	}
	for _, name := range []string{"jobname", "builddir", "flow"} {
		v, _ := f.GetString(name)
		set(name, v, name)
	}
	for _, name := range []string{"from", "to", "skip"} {
		v, _ := f.GetStringSlice(name)
		set(name, v, name)
	}
	for _, name := range []string{"clean", "jobincr", "resume", "remote", "continue", "quiet"} {
		v, _ := f.GetBool(name)
		set(name, v, name)
	}
	cred, _ := f.GetString("credentials")
	set("credentials", []string{cred}, "credentials")
	workers, _ := f.GetInt("workers")
	set("workers", workers, "maxworkers")
	return multierr.Combine(errs...)
}

func runOrchestrator(cmd *cobra.Command, s *schema.Schema) error {
	opts := []core.Option{core.WithOutput(cmd.OutOrStdout())}
	if st := openHistory(cmd); st != nil {
		defer st.Close()
		opts = append(opts, core.WithHistory(st))
	}
	return core.NewOrchestrator(s, opts...).Run(cmd.Context())
}

// Remote server commands
func newRemoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Interact with a chipflow server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().String("credentials", "", "remote credentials file (default $XDG_CONFIG_HOME/chipflow/credentials.json)")
	cmd.AddCommand(newPingCmd())
	cmd.AddCommand(newReconnectCmd())
	cmd.AddCommand(newAdminCmd("cancel", "Cancel a remote job", (*remote.Client).Cancel))
	cmd.AddCommand(newAdminCmd("delete", "Delete a remote job and its results", (*remote.Client).Delete))
	cmd.AddCommand(newConfigureCmd())
	return cmd
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the server and show account information",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("credentials")
			client, err := remote.NewClient(path)
			if err != nil {
				return err
			}
			_, err = client.Ping(cmd.Context(), cmd.OutOrStdout())
			return err
		},
	}
}

// Reattach to a running remote job
func newReconnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconnect",
		Short: "Resume polling a remote job and fetch its results",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveJob(cmd)
			if err != nil {
				return err
			}
			if err := multierr.Combine(
				s.Set(true, "option", "remote"),
				s.Set(true, "option", "resume"),
			); err != nil {
				return err
			}
			if path, _ := cmd.Flags().GetString("credentials"); path != "" {
				if err := s.Set([]string{path}, "option", "credentials"); err != nil {
					return err
				}
			}
			return runOrchestrator(cmd, s)
		},
	}
	jobFlags(cmd)
	return cmd
}

func newAdminCmd(name, short string, call func(*remote.Client, context.Context, string) (string, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveJob(cmd)
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("credentials")
			if path == "" {
				if files := s.GetStrings("option", "credentials"); len(files) > 0 {
					path = files[0]
				}
			}
			client, err := remote.NewClient(path)
			if err != nil {
				return err
			}
			msg, err := call(client, cmd.Context(), s.GetString("record", "remoteid"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	jobFlags(cmd)
	return cmd
}

func jobFlags(cmd *cobra.Command) {
	cmd.Flags().String("cfg", "", "node manifest written by a remote run")
	cmd.Flags().StringP("config", "c", "", "project file; the job hash is taken from the run history")
	cmd.Flags().String("jobname", "", "job name used with --config")
}

// resolveJob loads the configuration of a remote job, either from a node
// manifest or from a project file plus the run history.
func resolveJob(cmd *cobra.Command) (*schema.Schema, error) {
	var s *schema.Schema
	var err error
	if manifest, _ := cmd.Flags().GetString("cfg"); manifest != "" {
		s, err = schema.ReadManifest(manifest)
	} else if project, _ := cmd.Flags().GetString("config"); project != "" {
		s, err = core.LoadProject(project)
		if err == nil {
			err = fillRemoteID(cmd, s)
		}
	} else {
		return nil, errors.New("one of --cfg or --config is required")
	}
	if err != nil {
		return nil, err
	}
	if s.GetString("record", "remoteid") == "" {
		return nil, &remote.RemoteSetupError{Msg: "configuration has no remote job id"}
	}
	return s, nil
}

func fillRemoteID(cmd *cobra.Command, s *schema.Schema) error {
	if f := cmd.Flags(); f.Changed("jobname") {
		name, _ := f.GetString("jobname")
		if err := s.Set(name, "option", "jobname"); err != nil {
			return err
		}
	}
	path, _ := cmd.Flags().GetString("history")
	st, err := store.NewStore(path)
	if err != nil {
		return err
	}
	defer st.Close()
	id, err := st.LatestRemoteID(cmd.Context(), s.GetString("design"), s.GetString("option", "jobname"))
	if err != nil {
		return fmt.Errorf("find remote job for %s/%s: %w", s.GetString("design"), s.GetString("option", "jobname"), err)
	}
	return s.Set(id, "record", "remoteid")
}

// Write a credentials file
func newConfigureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Write the remote credentials file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			path, _ := f.GetString("credentials")
			var creds remote.Credentials
			creds.Address, _ = f.GetString("server")
			creds.Port, _ = f.GetInt("port")
			creds.Username, _ = f.GetString("username")
			creds.Password, _ = f.GetString("key")
			if err := remote.WriteCredentials(path, creds); err != nil {
				return err
			}
			if path == "" {
				path = remote.DefaultCredentialsPath()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credentials written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().String("server", remote.DefaultServer, "server address")
	cmd.Flags().Int("port", 0, "server port, 0 for 443")
	cmd.Flags().String("username", "", "account name")
	cmd.Flags().String("key", "", "account key")
	return cmd
}
