package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/feature"

	"github.com/spf13/cobra"
)

func newFeaturesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "features",
		Short: "Print list of feature flags",
		Long: `
The "features" command prints a list of supported feature flags.

To pass feature flags to drivedl, set the DRIVEDL_FEATURES environment variable
to "featureA=true,featureB=false". Specifying an unknown feature flag is an error.

A feature can either be in alpha, beta, stable or deprecated state.
An _alpha_ feature is disabled by default and may change in arbitrary ways between releases or be removed.
A _beta_ feature is enabled by default, but still can change in minor ways or be removed.
A _stable_ feature is always enabled and cannot be disabled. The flag will be removed in a future release.
A _deprecated_ feature is always disabled and cannot be enabled. The flag will be removed in a future release.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
		DisableAutoGenTag: true,
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) != 0 {
				return errors.Fatal("the feature command expects no arguments")
			}

			return printFeatures(globalOptions.stdout, feature.Flag.List())
		},
	}

	return cmd
}

func printFeatures(w io.Writer, flags []feature.Help) error {
	if _, err := fmt.Fprintf(w, "All Feature Flags:\n"); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "Name\tType\tDefault\tDescription")
	_, _ = fmt.Fprintln(tw, "----\t----\t-------\t-----------")
	for _, flag := range flags {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", flag.Name, flag.Type, flag.Default, flag.Description)
	}
	return tw.Flush()
}
