package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/ehr/intake/internal/domain/intake"
)

func connection(connected bool) string {
	if connected {
		return "connected"
	}
	return "disconnected"
}

func writeSections(w io.Writer, sections []intake.ViewSection) {
	for _, sec := range sections {
		fmt.Fprintf(w, "  %s\n", sec.Title)
		for _, f := range sec.Fields {
			line := fmt.Sprintf("    %-22s %s", f.Label+":", f.Value)
			if f.Error != "" {
				line += "  ! " + f.Error
			}
			fmt.Fprintln(w, strings.TrimRight(line, " "))
		}
	}
}

func writeStaffView(w io.Writer, v intake.StaffView) {
	fmt.Fprintf(w, "[%s] %s\n", connection(v.Connected), v.Status)
	if v.Notification != "" {
		fmt.Fprintf(w, "  >> %s at %s\n", v.Notification, v.SubmittedAt.Local().Format("15:04:05"))
	}
	writeSections(w, v.Sections)
}

func writePatientView(w io.Writer, v intake.PatientView) {
	fmt.Fprintf(w, "[%s] %s\n", connection(v.Connected), v.Status)
	if v.Message != "" {
		fmt.Fprintf(w, "  %s\n", v.Message)
	}
	writeSections(w, v.Sections)
}
