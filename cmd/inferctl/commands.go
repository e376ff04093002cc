package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcules/forecast-inference/internal/auth"
	"github.com/mcules/forecast-inference/internal/client"
	"github.com/mcules/forecast-inference/internal/frame"
	"github.com/mcules/forecast-inference/internal/inference"
	"github.com/mcules/forecast-inference/internal/store"
)

type options struct {
	v       *viper.Viper
	timeout time.Duration
}

func (o *options) client() *client.Client {
	return client.New(o.v.GetString("server"), o.v.GetString("api_key"))
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func newRootCmd() *cobra.Command {
	o := &options{v: viper.New()}
	o.v.SetEnvPrefix("FORECAST")
	o.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	o.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "inferctl",
		Short:         "Manage a forecast inference server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.String("server", "http://localhost:8080", "server base URL")
	pf.String("api-key", "", "API key for authenticated endpoints")
	pf.String("db", "forecast.db", "sqlite database used by apikey commands")
	pf.DurationVar(&o.timeout, "timeout", 30*time.Second, "request timeout")
	_ = o.v.BindPFlag("server", pf.Lookup("server"))
	_ = o.v.BindPFlag("api_key", pf.Lookup("api-key"))
	_ = o.v.BindPFlag("store.path", pf.Lookup("db"))

	root.AddCommand(newAPIKeyCmd(o), newPredictCmd(o), newIngestCmd(o), newLastCmd(o), newStatusCmd(o))
	return root
}

func newAPIKeyCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Create, list and delete API keys"}

	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a key and print it once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(o, func(s *store.Store) error {
				a := auth.NewAuthenticator(s, true, nil)
				key, rec, err := a.GenerateKey(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "id:   %s\nname: %s\nkey:  %s\n", rec.ID, rec.Name, key)
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(o, func(s *store.Store) error {
				keys, err := s.ListAPIKeys(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tCREATED\tLAST USED")
				for _, k := range keys {
					last := "never"
					if k.LastUsedAt != nil {
						last = k.LastUsedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.Prefix, k.CreatedAt.Format(time.RFC3339), last)
				}
				return tw.Flush()
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(o, func(s *store.Store) error {
				ok, err := s.DeleteAPIKey(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no key with id %s", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}

func withStore(o *options, fn func(*store.Store) error) error {
	s, err := store.Open(o.v.GetString("store.path"))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func newPredictCmd(o *options) *cobra.Command {
	var (
		file    string
		target  string
		horizon int
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Request a forecast",
		Long: `Request a forecast. With --file the rows are sent in the request
and the server fits on them alone; without it the server uses its cached
frame, which requires caching to be enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := inference.PredictRequest{Target: target, Horizon: horizon}
			if file != "" {
				rows, err := readRecords(cmd.InOrStdin(), file)
				if err != nil {
					return err
				}
				req.Data = rows
			}
			ctx, cancel := o.context(cmd)
			defer cancel()
			fc, err := o.client().Predict(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), fc)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON rows to predict from (- for stdin)")
	cmd.Flags().StringVar(&target, "target", "", "target column")
	cmd.Flags().IntVar(&horizon, "horizon", 0, "steps to forecast")
	return cmd
}

func newIngestCmd(o *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Append rows to the server's cached frame",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rows, err := readRecords(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			ctx, cancel := o.context(cmd)
			defer cancel()
			res, err := o.client().Ingest(ctx, rows)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON rows to ingest (- for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newLastCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "last",
		Short: "Show the most recent forecast",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()
			fc, err := o.client().Last(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), fc)
		},
	}
}

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health and readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()
			c := o.client()
			h, err := c.Health(ctx)
			if err != nil {
				return err
			}
			ready := "yes"
			if err := c.Ready(ctx); err != nil {
				ready = "no: " + err.Error()
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "status\t%s\n", h.Status)
			fmt.Fprintf(tw, "caching\t%t\n", h.CachingEnabled)
			fmt.Fprintf(tw, "rows\t%d\n", h.Rows)
			fmt.Fprintf(tw, "generation\t%d\n", h.Generation)
			fmt.Fprintf(tw, "model\tv%d (%s)\n", h.ModelVersion, h.ModelState)
			fmt.Fprintf(tw, "ready\t%s\n", ready)
			return tw.Flush()
		},
	}
}

// readRecords accepts either a JSON array of rows or an object with a
// "data" array, the same shapes the HTTP API takes.
func readRecords(stdin io.Reader, file string) ([]frame.Record, error) {
	var (
		b   []byte
		err error
	)
	if file == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("input is empty")
	}

	var rows []frame.Record
	if strings.HasPrefix(string(b), "[") {
		err = json.Unmarshal(b, &rows)
	} else {
		var env struct {
			Data []frame.Record `json:"data"`
		}
		err = json.Unmarshal(b, &env)
		rows = env.Data
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	if len(rows) == 0 {
		return nil, errors.New("input has no rows")
	}
	return rows, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
