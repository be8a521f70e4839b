package format

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"
)

// Format identifies the declared shape of a document.
type Format string

const (
	FormatDump    Format = "dump"
	FormatUpload  Format = "upload"
	FormatMissing Format = "missing"
)

// CurrentVersion is the newest document version this build understands.
// Newer versions parse but are surfaced as a compatibility warning; the
// document shape is never silently upgraded or downgraded.
const CurrentVersion = 1

// Kind enumerates the entity kinds of the guild structure tree.
type Kind string

const (
	KindGuild     Kind = "guild"
	KindChannel   Kind = "channel"
	KindRole      Kind = "role"
	KindMember    Kind = "member"
	KindOverwrite Kind = "permission-overwrite"
)

// Entity is one node of the guild structure tree. IDs are opaque stable
// identifiers assigned by the remote system (or chosen by the plan author
// for entities that do not exist yet). Children is the ordered
// contains-relationship; an entity referenced there must exist in the same
// document.
//
// In an upload document Attributes may be partial: an attribute that is not
// mentioned is left alone on the remote side, it is never treated as "clear
// this attribute". Absent marks an entity that must not exist remotely.
type Entity struct {
	Kind       Kind           `json:"kind"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Children   []string       `json:"children,omitempty"`
	Absent     bool           `json:"absent,omitempty"`
}

// Document is the parsed form of a dump or upload file.
type Document struct {
	Format   Format   `json:"format,omitempty"`
	Version  *int     `json:"version,omitempty"`
	Entities []Entity `json:"entities"`
}

// Report is the caller-visible validation report for one parsed document.
// Version is nil when the document declares none.
type Report struct {
	Format   Format   `json:"format"`
	Version  *int     `json:"version,omitempty"`
	Entities int      `json:"entities"`
	Warnings []string `json:"warnings,omitempty"`
}

// Options control parsing behavior.
type Options struct {
	// Expected is the format the caller demanded (--format flag), empty if
	// the caller does not care.
	Expected Format
	// Strict turns an explicit contradiction between the declared format
	// and Expected into a hard failure instead of a warning.
	Strict bool
}

// Parse decodes and validates a dump or upload document. Validation rules
// are applied in a fixed order and the first failing rule wins. Documents
// may carry jsonc-style comments; they are stripped before decoding.
func Parse(data []byte, opts Options) (*Document, *Report, error) {
	data = jsonc.ToJSON(data)

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotAnObject, err)
	}
	if top == nil {
		return nil, nil, fmt.Errorf("%w: document is null", ErrNotAnObject)
	}

	report := &Report{Format: FormatMissing}
	doc := &Document{}

	if raw, ok := top["format"]; ok {
		var declared string
		if err := json.Unmarshal(raw, &declared); err != nil {
			return nil, nil, fmt.Errorf("%w: format field is not a string", ErrUnknownFormat)
		}
		switch Format(declared) {
		case FormatDump, FormatUpload:
			doc.Format = Format(declared)
			report.Format = doc.Format
		default:
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownFormat, declared)
		}
	}

	if raw, ok := top["version"]; ok {
		version, err := parseVersion(raw)
		if err != nil {
			return nil, nil, err
		}
		doc.Version = &version
		report.Version = &version
		if version > CurrentVersion {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("document declares version %d, newest understood is %d", version, CurrentVersion))
		}
	}

	if doc.Format != "" && opts.Expected != "" && doc.Format != opts.Expected {
		if opts.Strict {
			return nil, nil, fmt.Errorf("%w: document declares %q, caller demanded %q",
				ErrFormatMismatch, doc.Format, opts.Expected)
		}
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("document declares format %q but %q was expected", doc.Format, opts.Expected))
	}

	if raw, ok := top["entities"]; ok {
		if err := json.Unmarshal(raw, &doc.Entities); err != nil {
			return nil, nil, fmt.Errorf("%w: entities: %v", ErrNotAnObject, err)
		}
	}
	report.Entities = len(doc.Entities)

	if err := validateTree(doc.Entities); err != nil {
		return nil, nil, err
	}

	return doc, report, nil
}

// Validate parses a document and returns its validation report. It is the
// entry point behind the validate CLI command.
func Validate(data []byte, expected Format, strict bool) (*Report, error) {
	_, report, err := Parse(data, Options{Expected: expected, Strict: strict})
	return report, err
}

// Marshal serializes the document. Byte-exact round-trips are not
// guaranteed, but parsing the output yields an equal Document.
func (d *Document) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return append(data, '\n'), nil
}

// parseVersion enforces that a declared version is representable as a
// non-negative integer. JSON numbers arrive as arbitrary precision text, so
// the check happens on the raw token rather than a float.
func parseVersion(raw json.RawMessage) (int, error) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0, fmt.Errorf("%w: version field is not a number", ErrInvalidVersion)
	}
	version, err := num.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidVersion, num.String())
	}
	if version < 0 {
		return 0, fmt.Errorf("%w: version must not be negative, got %d", ErrInvalidVersion, version)
	}
	return int(version), nil
}
