package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rollcall-app/rollcall-api/internal/models"
	appErrors "github.com/rollcall-app/rollcall-api/pkg/errors"
	"github.com/rollcall-app/rollcall-api/pkg/export"
)

type recordLister interface {
	FindByID(ctx context.Context, id string) (*models.AttendanceRecord, error)
	List(ctx context.Context, filter models.RecordFilter) ([]models.AttendanceRecord, int, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error)
	SummaryBySession(ctx context.Context, sessionID string) (*models.SessionRecordSummary, error)
}

type sessionReader interface {
	GetActive(ctx context.Context, sessionID string) (*models.Session, error)
}

// RecordService serves record listings, per-session summaries and exports.
type RecordService struct {
	repo     recordLister
	sessions sessionReader
	csv      *export.CSVExporter
	pdf      *export.PDFExporter
	logger   *zap.Logger
}

// NewRecordService constructs RecordService.
func NewRecordService(repo recordLister, sessions sessionReader, logger *zap.Logger) *RecordService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordService{
		repo:     repo,
		sessions: sessions,
		csv:      export.NewCSVExporter(),
		pdf:      export.NewPDFExporter(),
		logger:   logger,
	}
}

// Get returns one record. Students only see their own.
func (s *RecordService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.AttendanceRecord, error) {
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "attendance record not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load record")
	}
	if actor.Role == models.RoleStudent && record.AttendeeID != actor.UserID {
		return nil, appErrors.ErrForbidden
	}
	return record, nil
}

// List returns records scoped by role: students are pinned to their own.
func (s *RecordService) List(ctx context.Context, filter models.RecordFilter, actor *models.JWTClaims) ([]models.AttendanceRecord, int, error) {
	if actor.Role == models.RoleStudent {
		filter.AttendeeID = actor.UserID
	}
	records, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list records")
	}
	return records, total, nil
}

// Summary aggregates the dispositions for one session.
func (s *RecordService) Summary(ctx context.Context, sessionID string) (*models.SessionRecordSummary, error) {
	if _, err := s.sessions.GetActive(ctx, sessionID); err != nil {
		return nil, err
	}
	summary, err := s.repo.SummaryBySession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to summarise session")
	}
	return summary, nil
}

// Export renders the session's attendance sheet as csv or pdf.
func (s *RecordService) Export(ctx context.Context, sessionID, format string) ([]byte, string, error) {
	session, err := s.sessions.GetActive(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	// The sheet carries every record; the paginated listing would cap it.
	records, err := s.repo.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list records")
	}

	dataset := export.Dataset{
		Headers: []string{"Attendee", "Disposition", "Distance (m)", "Submitted At"},
		Rows:    make([]map[string]string, 0, len(records)),
	}
	for _, record := range records {
		distance := ""
		if record.DistanceM != nil {
			distance = strconv.FormatFloat(*record.DistanceM, 'f', 1, 64)
		}
		submitted := ""
		if !record.SubmittedAt.IsZero() {
			submitted = record.SubmittedAt.Format(time.RFC3339)
		}
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Attendee":     record.AttendeeName,
			"Disposition":  string(record.Disposition),
			"Distance (m)": distance,
			"Submitted At": submitted,
		})
	}

	title := fmt.Sprintf("Attendance - %s", session.CourseName)
	switch format {
	case "pdf":
		payload, err := s.pdf.Render(dataset, title)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return payload, "application/pdf", nil
	case "", "csv":
		payload, err := s.csv.Render(dataset)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return payload, "text/csv", nil
	default:
		return nil, "", appErrors.Clone(appErrors.ErrValidation, "unsupported export format")
	}
}
