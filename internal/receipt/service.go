package receipt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-intel/internal/analytics"
	"github.com/zombor/receipt-intel/internal/pipeline"
	"github.com/zombor/receipt-intel/internal/scanning"
)

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// Resolver turns an uploaded image into an accepted receipt
type Resolver interface {
	Resolve(ctx context.Context, img scanning.Image) (*pipeline.Result, error)
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service handles receipt operations
type Service struct {
	db          DB
	resolver    Resolver
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
	engine      *analytics.Engine
}

// NewService creates a new Service with a uuid ID generator and the wall clock
func NewService(db DB, resolver Resolver, storage Storage) *Service {
	return NewServiceWithDeps(db, resolver, storage, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, resolver Resolver, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		resolver:    resolver,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
		engine:      analytics.New(analytics.Config{Now: timeSrc.Now}),
	}
}

// ErrEmptyUpload is returned for an upload with no data
var ErrEmptyUpload = errors.New("empty upload")

var (
	filenameCharsRe = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	spacesRe        = regexp.MustCompile(`\s+`)
	userDirRe       = regexp.MustCompile(`[^a-zA-Z0-9\-_.@]`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = filenameCharsRe.ReplaceAllString(base, "")
	base = spacesRe.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	if base == "" {
		base = "receipt"
	}
	return base + strings.ToLower(ext)
}

// userDir maps a user id onto a single safe directory name
func userDir(userID string) string {
	dir := userDirRe.ReplaceAllString(userID, "_")
	if dir == "" || strings.Trim(dir, ".") == "" {
		return "_"
	}
	return dir
}

func imageHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ProcessReceipt resolves an uploaded image into a stored receipt. An image
// the user already uploaded returns the existing receipt and created=false.
func (s *Service) ProcessReceipt(ctx context.Context, userID, filename string, data []byte, contentType string) (*Receipt, bool, error) {
	if len(data) == 0 {
		return nil, false, ErrEmptyUpload
	}
	hash := imageHash(data)

	existing, err := s.db.FindByImageHash(ctx, userID, hash)
	if err == nil {
		slog.Info("Receipt already uploaded", "user", userID, "receipt_id", existing.ID)
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("checking for duplicate: %w", err)
	}

	result, err := s.resolver.Resolve(ctx, scanning.Image{Data: data, ContentType: contentType})
	if err != nil {
		slog.Error("Failed to scan receipt",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		return nil, false, fmt.Errorf("scanning receipt: %w", err)
	}

	cleanFilename := sanitizeFilename(filename)
	storagePath := path.Join(userDir(userID), hash+filepath.Ext(cleanFilename))
	savedPath, err := s.storage.Save(storagePath, data)
	if err != nil {
		return nil, false, fmt.Errorf("saving file: %w", err)
	}

	now := s.timeSource.Now()
	receipt := fromResult(result)
	receipt.ID = s.idGenerator.Generate()
	receipt.UserID = userID
	receipt.Filename = cleanFilename
	receipt.FilePath = savedPath
	receipt.ContentType = contentType
	receipt.ImageHash = hash
	receipt.CreatedAt = now
	receipt.UpdatedAt = now

	if err := s.db.SaveReceipt(ctx, receipt); err != nil {
		if delErr := s.storage.Delete(savedPath); delErr != nil {
			slog.Warn("Failed to delete file", "path", savedPath, "error", delErr)
		}
		return nil, false, fmt.Errorf("saving receipt to database: %w", err)
	}

	slog.Info("Receipt stored",
		"receipt_id", receipt.ID,
		"user", userID,
		"backend", receipt.Backend,
		"store", receipt.StoreName,
		"items", len(receipt.Items),
		"reconciled", receipt.Reconciled,
	)
	return receipt, true, nil
}

// GetReceipt retrieves one of the user's receipts by ID
func (s *Service) GetReceipt(ctx context.Context, userID, id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.UserID != userID {
		return nil, fmt.Errorf("getting receipt: %w: %s", ErrNotFound, id)
	}
	return receipt, nil
}

// ListReceipts returns the user's receipts, newest purchase first
func (s *Service) ListReceipts(ctx context.Context, userID string) ([]*Receipt, error) {
	receipts, err := s.db.ListReceipts(ctx, Filter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt and its file
func (s *Service) DeleteReceipt(ctx context.Context, userID, id string) error {
	receipt, err := s.GetReceipt(ctx, userID, id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	if err := s.storage.Delete(receipt.FilePath); err != nil {
		slog.Warn("Failed to delete file", "path", receipt.FilePath, "error", err)
	}

	if err := s.db.DeleteReceipt(ctx, id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}
	return nil
}

// GetReceiptFile retrieves the uploaded image for a receipt
func (s *Service) GetReceiptFile(ctx context.Context, userID, id string) ([]byte, string, error) {
	receipt, err := s.GetReceipt(ctx, userID, id)
	if err != nil {
		return nil, "", err
	}

	data, err := s.storage.Get(receipt.FilePath)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}
	return data, receipt.ContentType, nil
}

func (s *Service) records(ctx context.Context, filter Filter) ([]analytics.Record, error) {
	receipts, err := s.db.ListReceipts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return ToRecords(receipts), nil
}

// window bounds the listing to the rolling analytics window
func (s *Service) window(userID string, months int) Filter {
	f := Filter{UserID: userID}
	if months > 0 {
		f.To = s.timeSource.Now()
		f.From = f.To.AddDate(0, -months, 0)
	}
	return f
}

// MonthlySummary summarizes the user's spending in one calendar month
func (s *Service) MonthlySummary(ctx context.Context, userID string, month, year int) (analytics.MonthlySummary, error) {
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	records, err := s.records(ctx, Filter{UserID: userID, From: from, To: from.AddDate(0, 1, 0).Add(-time.Nanosecond)})
	if err != nil {
		return analytics.MonthlySummary{}, err
	}
	return s.engine.MonthlySummary(records, month, year)
}

// StoreComparison compares the stores the user visited in the last months
func (s *Service) StoreComparison(ctx context.Context, userID string, months int) (analytics.StoreComparisonReport, error) {
	records, err := s.records(ctx, s.window(userID, months))
	if err != nil {
		return analytics.StoreComparisonReport{}, err
	}
	return s.engine.StoreComparison(records, months)
}

// PriceEvolution tracks a product's price across the user's stores
func (s *Service) PriceEvolution(ctx context.Context, userID, product string, months int) (analytics.PriceEvolutionReport, error) {
	records, err := s.records(ctx, s.window(userID, months))
	if err != nil {
		return analytics.PriceEvolutionReport{}, err
	}
	return s.engine.PriceEvolution(records, product, months)
}

// ExportWorkbook writes the user's dashboard as an xlsx workbook
func (s *Service) ExportWorkbook(ctx context.Context, userID string, q analytics.DashboardQuery, w io.Writer) error {
	records, err := s.records(ctx, Filter{UserID: userID})
	if err != nil {
		return err
	}
	d, err := s.engine.Dashboard(ctx, records, q)
	if err != nil {
		return err
	}
	return analytics.WriteWorkbook(w, d)
}
