package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/entitlements/pkg/entitlement"
)

var errFeatureUnavailable = errors.New("feature not available")

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the entitlement, contacting the billing provider when the cache is stale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app) error {
				res := a.validator.Validate(cmd.Context())
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				printResult(cmd.OutOrStdout(), res, time.Now())
				return nil
			})
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the cached entitlement without contacting the billing provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app) error {
				e, err := a.validator.Current(cmd.Context())
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), e)
				}
				printEntitlement(cmd.OutOrStdout(), e, time.Now())
				return nil
			})
		},
	}
}

func newFeatureCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "feature <name>",
		Short: "Check whether a feature is available (exit status 1 when it is not)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app) error {
				name := args[0]
				granted := a.validator.HasFeature(cmd.Context(), name)
				if opts.jsonOut {
					if err := writeJSON(cmd.OutOrStdout(), map[string]any{"feature": name, "available": granted}); err != nil {
						return err
					}
				} else if granted {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: available\n", name)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: not available\n", name)
				}
				if !granted {
					return fmt.Errorf("%w: %s", errFeatureUnavailable, name)
				}
				return nil
			})
		},
	}
}

func newActivateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <subject>",
		Short: "Bind this installation to a billing subject (customer id or license key)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app) error {
				res, err := a.validator.Activate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				printResult(cmd.OutOrStdout(), res, time.Now())
				return nil
			})
		},
	}
}

func newSignOutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Remove the entitlement from this installation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app) error {
				if err := a.validator.SignOut(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
				return nil
			})
		},
	}
}

func newDevicesCmd(opts *rootOptions) *cobra.Command {
	devices := &cobra.Command{
		Use:   "devices",
		Short: "Manage devices activated on this entitlement",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List activated devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app) error {
				e, err := a.validator.Current(cmd.Context())
				if err != nil {
					return err
				}
				if opts.jsonOut {
					var out []entitlement.DeviceFingerprint
					if e != nil {
						out = e.Devices
					}
					return writeJSON(cmd.OutOrStdout(), out)
				}
				current, err := a.identity.Current(cmd.Context())
				if err != nil {
					return err
				}
				printDevices(cmd.OutOrStdout(), e, current.DeviceID)
				return nil
			})
		},
	}

	var deviceName string
	activate := &cobra.Command{
		Use:   "activate [device-id]",
		Short: "Activate this machine, or the given device id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app) error {
				fp, err := a.identity.Current(cmd.Context())
				if err != nil {
					return err
				}
				if len(args) == 1 {
					fp = entitlement.DeviceFingerprint{DeviceID: args[0]}
				}
				if deviceName != "" {
					fp.DeviceName = deviceName
				}

				e, err := a.validator.ActivateDevice(cmd.Context(), fp)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), e.Devices)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Device %s active (%d/%d).\n", fp.DeviceID, len(e.Devices), e.MaxDevices)
				return nil
			})
		},
	}
	activate.Flags().StringVar(&deviceName, "name", "", "friendly device name")

	deactivate := &cobra.Command{
		Use:   "deactivate <device-id>",
		Short: "Free a device slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app) error {
				e, err := a.validator.DeactivateDevice(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), e.Devices)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Device %s deactivated (%d/%d).\n", args[0], len(e.Devices), e.MaxDevices)
				return nil
			})
		},
	}

	devices.AddCommand(list, activate, deactivate)
	return devices
}

func newTrialCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trial",
		Short: "Show trial time remaining",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(func(a *app) error {
				days := a.validator.TrialDaysRemaining(cmd.Context())
				endingSoon := a.validator.IsTrialEndingSoon(cmd.Context())
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"days_remaining": days, "ending_soon": endingSoon})
				}
				switch {
				case days == 0:
					fmt.Fprintln(cmd.OutOrStdout(), "No active trial.")
				case endingSoon:
					fmt.Fprintf(cmd.OutOrStdout(), "Trial ends soon: %d day(s) remaining.\n", days)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "Trial: %d day(s) remaining.\n", days)
				}
				return nil
			})
		},
	}
}
