// Package nvme builds and dispatches NVMe passthru commands.
package nvme

import "fmt"

// Class selects the passthru submission queue a command targets.
type Class string

const (
	Admin Class = "admin"
	IO    Class = "io"
)

// TimeoutGroup names a worst-case execution time bucket for a command family.
type TimeoutGroup string

const (
	GroupCommand   TimeoutGroup = "command"
	GroupFormat    TimeoutGroup = "format"
	GroupSanitize  TimeoutGroup = "sanitize"
	GroupFWCommit  TimeoutGroup = "fw_commit"
	GroupTelemetry TimeoutGroup = "telemetry"
	GroupDSM       TimeoutGroup = "dsm"
	GroupFlush     TimeoutGroup = "flush"
)

// DefaultTimeoutsMS gives the default per-group timeout in milliseconds,
// matching the table in §6 of the specification.
func DefaultTimeoutsMS() map[TimeoutGroup]int {
	return map[TimeoutGroup]int{
		GroupCommand:   8000,
		GroupFormat:    600000,
		GroupSanitize:  600000,
		GroupFWCommit:  120000,
		GroupTelemetry: 30000,
		GroupDSM:       30000,
		GroupFlush:     30000,
	}
}

// Template describes one NVMe command family available to the fuzzer.
type Template struct {
	Name           string
	Opcode         uint8
	ClassOf        Class
	NeedsNamespace bool
	NeedsData      bool
	Group          TimeoutGroup
	// Destructive templates (Format, Sanitize) are excluded from the
	// default enabled set and require explicit opt-in.
	Destructive bool
}

// DefaultTemplates returns the full command-template table from §6, in
// table order. Callers filter by enabled_commands / all_commands and by
// the Destructive flag per the configuration.
func DefaultTemplates() []Template {
	return []Template{
		{Name: "Identify", Opcode: 0x06, ClassOf: Admin, NeedsNamespace: true, NeedsData: false, Group: GroupCommand},
		{Name: "GetLogPage", Opcode: 0x02, ClassOf: Admin, NeedsNamespace: true, NeedsData: false, Group: GroupCommand},
		{Name: "GetFeatures", Opcode: 0x0A, ClassOf: Admin, NeedsNamespace: true, NeedsData: false, Group: GroupCommand},
		{Name: "Read", Opcode: 0x02, ClassOf: IO, NeedsNamespace: true, NeedsData: false, Group: GroupCommand},
		{Name: "Write", Opcode: 0x01, ClassOf: IO, NeedsNamespace: true, NeedsData: true, Group: GroupCommand},
		{Name: "SetFeatures", Opcode: 0x09, ClassOf: Admin, NeedsNamespace: true, NeedsData: true, Group: GroupCommand},
		{Name: "FWDownload", Opcode: 0x11, ClassOf: Admin, NeedsNamespace: true, NeedsData: true, Group: GroupCommand},
		{Name: "FWCommit", Opcode: 0x10, ClassOf: Admin, NeedsNamespace: true, NeedsData: true, Group: GroupFWCommit},
		{Name: "FormatNVM", Opcode: 0x80, ClassOf: Admin, NeedsNamespace: true, NeedsData: true, Group: GroupFormat, Destructive: true},
		{Name: "Sanitize", Opcode: 0x84, ClassOf: Admin, NeedsNamespace: false, NeedsData: true, Group: GroupSanitize, Destructive: true},
		{Name: "TelemetryHostInitiated", Opcode: 0x02, ClassOf: Admin, NeedsNamespace: true, NeedsData: false, Group: GroupTelemetry},
		{Name: "Flush", Opcode: 0x00, ClassOf: IO, NeedsNamespace: true, NeedsData: false, Group: GroupFlush},
		{Name: "DatasetManagement", Opcode: 0x09, ClassOf: IO, NeedsNamespace: true, NeedsData: true, Group: GroupDSM},
	}
}

// ByName indexes the default template table for lookup by name.
func ByName() map[string]Template {
	out := make(map[string]Template)
	for _, t := range DefaultTemplates() {
		out[t.Name] = t
	}
	return out
}

// Lookup returns the named template or an error if it is unknown.
func Lookup(name string) (Template, error) {
	t, ok := ByName()[name]
	if !ok {
		return Template{}, fmt.Errorf("nvme: unknown command template %q", name)
	}
	return t, nil
}

// ResolveEnabledTemplates applies the enabled_commands/all_commands rule of
// §6: destructive templates (Format, Sanitize) are excluded from the
// default set and only run when named explicitly in enabledNames or when
// allCommands opts every template in.
func ResolveEnabledTemplates(enabledNames []string, allCommands bool) []Template {
	if allCommands {
		return DefaultTemplates()
	}

	if len(enabledNames) > 0 {
		byName := ByName()
		out := make([]Template, 0, len(enabledNames))
		for _, name := range enabledNames {
			if t, ok := byName[name]; ok {
				out = append(out, t)
			}
		}
		return out
	}

	var out []Template
	for _, t := range DefaultTemplates() {
		if !t.Destructive {
			out = append(out, t)
		}
	}
	return out
}

// FixedAdminResponseSize returns the response-buffer length NVMe-MI/admin
// commands that return a fixed-size structure expect, used when no override
// and no dynamic sizing rule applies (§4.7).
func FixedAdminResponseSize(name string) (int, bool) {
	switch name {
	case "Identify", "GetFeatures":
		return 4096, true
	default:
		return 0, false
	}
}
