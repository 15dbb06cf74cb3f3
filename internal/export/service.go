package export

import (
	"context"
	"fmt"
	"html/template"
	"time"
)

// ReportStore defines the data access the exporter needs.
type ReportStore interface {
	GetReportForExport(ctx context.Context, tenantID, reportID string) (ReportInfo, error)
}

// Service renders reports and prints them to PDF.
type Service struct {
	store ReportStore
}

// NewService creates a new export service.
func NewService(store ReportStore) *Service {
	return &Service{store: store}
}

// Export generates an export in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	info, err := s.store.GetReportForExport(ctx, req.TenantID, req.ReportID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	contentHTML := DefinitionToHTML(info.Definition)

	html, err := RenderReportHTML(TemplateData{
		Title:       info.Title,
		Subtitle:    info.Subtitle,
		ContentHTML: template.HTML(contentHTML),
		TenantName:  info.TenantName,
		UpdatedBy:   info.UpdatedBy,
		UpdatedAt:   info.UpdatedAt,
		GeneratedAt: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF, "":
		return printPDF(html, info.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
