package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rcourtman/entitlements/pkg/entitlement"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC1123)
}

func printEntitlement(w io.Writer, e *entitlement.Entitlement, now time.Time) {
	if e == nil {
		fmt.Fprintln(w, "No entitlement on this installation.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	subject := e.SubjectID
	if subject == "" {
		subject = "(not activated)"
	}
	behavior := entitlement.GetBehavior(e.Status)

	fmt.Fprintf(tw, "Status:\t%s\t%s\n", e.Status, behavior.Description)
	fmt.Fprintf(tw, "Plan:\t%s\n", e.PlanID)
	fmt.Fprintf(tw, "Subject:\t%s\n", subject)
	fmt.Fprintf(tw, "Devices:\t%d/%d\n", len(e.Devices), e.MaxDevices)
	if entitlement.IsTrial(e) {
		fmt.Fprintf(tw, "Trial ends:\t%s\t(%d days left)\n", formatTime(e.TrialEndsAt), entitlement.DaysRemaining(e, now))
	}
	if e.PeriodEnd != nil {
		fmt.Fprintf(tw, "Period ends:\t%s\n", formatTime(e.PeriodEnd))
	}
	if e.GracePeriodEndsAt != nil {
		fmt.Fprintf(tw, "Grace ends:\t%s\n", formatTime(e.GracePeriodEndsAt))
	}
	lastValidated := e.LastValidated
	fmt.Fprintf(tw, "Last validated:\t%s\n", formatTime(&lastValidated))
	if e.ValidatedOffline {
		fmt.Fprintf(tw, "Offline:\tyes\n")
	}
	fmt.Fprintf(tw, "Features:\t%s\n", strings.Join(e.Features.List(), ", "))
	_ = tw.Flush()
}

func printResult(w io.Writer, res entitlement.ValidationResult, now time.Time) {
	verdict := "valid"
	if !res.Valid {
		verdict = "NOT valid"
	}
	fmt.Fprintf(w, "Entitlement %s (mode: %s)\n", verdict, res.Mode)
	if res.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", res.Error)
	}
	if res.Warning != "" {
		fmt.Fprintf(w, "Warning: %s\n", res.Warning)
	}
	if res.OfflineGraceEndsAt != nil {
		fmt.Fprintf(w, "Offline access until: %s\n", formatTime(res.OfflineGraceEndsAt))
	}
	fmt.Fprintln(w)
	printEntitlement(w, res.Entitlement, now)
}

func printDevices(w io.Writer, e *entitlement.Entitlement, currentID string) {
	if e == nil || len(e.Devices) == 0 {
		fmt.Fprintln(w, "No activated devices.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE ID\tNAME\tPLATFORM\tACTIVATED\tLAST SEEN\t")
	for _, d := range e.Devices {
		id := d.DeviceID
		if id == currentID {
			id += " *"
		}
		name := d.DeviceName
		if name == "" {
			name = d.Hostname
		}
		activated, seen := d.ActivatedAt, d.LastSeenAt
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", id, name, d.Platform, formatTime(&activated), formatTime(&seen))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d of %d device slots in use.\n", len(e.Devices), e.MaxDevices)
}
