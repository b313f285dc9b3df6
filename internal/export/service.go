package export

import (
	"context"
	"fmt"
	"sort"
	"time"

	"markup/internal/annotations"
)

type converter func(ctx context.Context, html string) ([]byte, error)

// Service provides report export functionality
type Service struct {
	pdf  converter
	docx converter
}

func NewService() *Service {
	return &Service{pdf: printPDF, docx: convertDOCX}
}

// Export generates a report in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	html, err := RenderReportHTML(buildTemplateData(req.Report))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	base := sanitizeFilename(req.Report.DocumentName) + "-review"

	switch req.Format {
	case FormatHTML, "":
		return &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		data, err := s.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
	case FormatDOCX:
		data, err := s.docx(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     data,
			Filename: base + ".docx",
			MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

func buildTemplateData(report Report) TemplateData {
	generatedAt := report.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}
	data := TemplateData{
		Title:           report.DocumentName,
		DocumentID:      report.DocumentID,
		GeneratedBy:     report.GeneratedBy,
		GeneratedAt:     generatedAt,
		AnnotationTotal: len(report.Annotations),
	}

	for _, record := range report.Versions {
		active := record.ID == report.ActiveVersionID
		if active {
			data.ActiveVersion = fmt.Sprintf("v%d", record.VersionNumber)
		}
		data.Versions = append(data.Versions, TemplateVersion{
			Number:      record.VersionNumber,
			SourceName:  record.SourceName,
			Description: record.Description,
			UploadedBy:  record.UploadedBy,
			UploadedAt:  record.UploadedAt,
			PageCount:   record.PageCount,
			Active:      active,
		})
	}

	items := append([]annotations.Annotation(nil), report.Annotations...)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Rect.PageNumber != items[j].Rect.PageNumber {
			return items[i].Rect.PageNumber < items[j].Rect.PageNumber
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	for _, item := range items {
		if len(data.Pages) == 0 || data.Pages[len(data.Pages)-1].Number != item.Rect.PageNumber {
			data.Pages = append(data.Pages, TemplatePage{Number: item.Rect.PageNumber})
		}
		current := &data.Pages[len(data.Pages)-1]
		current.Annotations = append(current.Annotations, TemplateAnnotation{
			Comment:   item.Comment,
			Status:    string(item.Status),
			CreatedBy: item.CreatedBy,
			CreatedAt: item.CreatedAt,
			Region:    fmt.Sprintf("%.0f,%.0f %.0f×%.0f px", item.Rect.X, item.Rect.Y, item.Rect.Width, item.Rect.Height),
		})
	}

	counts := annotations.CountByStatus(report.Annotations)
	for _, status := range []annotations.Status{
		annotations.StatusOpen,
		annotations.StatusActionRequired,
		annotations.StatusReviewing,
		annotations.StatusResolved,
	} {
		if counts[status] > 0 {
			data.StatusCounts = append(data.StatusCounts, TemplateCount{Status: string(status), Count: counts[status]})
		}
	}
	return data
}
