// Package export renders reports to HTML and prints them to PDF.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format.
type Format string

const (
	FormatPDF Format = "pdf"
)

// Request contains parameters for an export operation. TenantID scopes
// the report lookup; exports never cross tenants.
type Request struct {
	TenantID string
	ReportID string
	Format   Format
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ReportInfo holds report metadata and definition for rendering.
type ReportInfo struct {
	ID         string
	Title      string
	Subtitle   string
	Status     string
	Definition string // widget definition JSON
	TenantName string
	UpdatedBy  string
	UpdatedAt  time.Time
}

var (
	// ErrContentUnavailable indicates the report definition could not be loaded.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
