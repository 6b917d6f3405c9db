package workflow

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"bitbucket.org/mmdatafocus/grants_backend/config"
	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/money"
	"bitbucket.org/mmdatafocus/grants_backend/repository"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"go.opentelemetry.io/otel/attribute"
)

// SheetRow is one spreadsheet line that passed validation. Row is the 1-based sheet row.
type SheetRow struct {
	Row         int
	Title       string
	Description string
	Amount      money.Amount
}

type ImportResult struct {
	Items     []models.SpendingItem `json:"items"`
	RowErrors []string              `json:"row_errors"`
}

// ParseSpendingItemSheet reads .xlsx or .csv bytes with a header row containing Title and
// Amount (Description optional), matched case-insensitively. Bad rows are reported as
// "Row N: ..." and skipped; blank rows are ignored.
func ParseSpendingItemSheet(data []byte, filename string) ([]SheetRow, []string, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		rows, err = readXlsxRows(data)
	case ".csv":
		rows, err = readCsvRows(data)
	default:
		return nil, nil, fmt.Errorf("%w: unsupported file %q, allowed: .xlsx, .csv", models.ErrInvalidFormat, filename)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", models.ErrInvalidFormat, err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("%w: sheet is empty", models.ErrInvalidFormat)
	}

	cols := map[string]int{}
	for i, h := range rows[0] {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	var missing []string
	for _, req := range []string{"title", "amount"} {
		if _, ok := cols[req]; !ok {
			missing = append(missing, strings.ToUpper(req[:1])+req[1:])
		}
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("%w: missing required columns: %s", models.ErrInvalidFormat, strings.Join(missing, ", "))
	}

	cell := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var (
		parsed    []SheetRow
		rowErrors []string
	)
	for idx, row := range rows[1:] {
		rowNo := idx + 2
		if isBlankRow(row) {
			continue
		}
		title := cell(row, "title")
		if title == "" {
			rowErrors = append(rowErrors, fmt.Sprintf("Row %d: Title is required", rowNo))
			continue
		}
		rawAmount := cell(row, "amount")
		if rawAmount == "" {
			rowErrors = append(rowErrors, fmt.Sprintf("Row %d: Amount is required", rowNo))
			continue
		}
		amount, err := money.ParseLoose(rawAmount)
		if err != nil {
			rowErrors = append(rowErrors, fmt.Sprintf("Row %d: Invalid amount format", rowNo))
			continue
		}
		if !amount.IsPositive() {
			rowErrors = append(rowErrors, fmt.Sprintf("Row %d: Amount must be positive", rowNo))
			continue
		}
		parsed = append(parsed, SheetRow{
			Row:         rowNo,
			Title:       title,
			Description: cell(row, "description"),
			Amount:      amount,
		})
	}
	return parsed, rowErrors, nil
}

func readXlsxRows(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}

func readCsvRows(data []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, rec)
	}
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// ImportSpendingItems creates one spending item per valid sheet row. Priorities continue after
// the grant's current maximum in sheet order. The import fails only when no row is usable.
func (e *Engine) ImportSpendingItems(ctx context.Context, grantId, actorId int, data []byte, filename string) (_ *ImportResult, err error) {
	ctx, span := tracer.Start(ctx, "workflow.ImportSpendingItems")
	span.SetAttributes(attribute.Int("grant.id", grantId), attribute.String("file.name", filename))
	defer func() { endSpan(span, err) }()

	if e.Config.MaxFileSize > 0 && int64(len(data)) > e.Config.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes, limit is %d", models.ErrFileTooLarge, len(data), e.Config.MaxFileSize)
	}

	// Grant and access first so a stranger learns nothing about the file's validity.
	err = e.Store.WithTx(ctx, func(tx repository.Tx) error {
		grant, err := tx.GetGrant(grantId)
		if err != nil {
			return err
		}
		return checkGrantEditor(grant, actorId)
	})
	if err != nil {
		return nil, err
	}

	rows, rowErrors, err := ParseSpendingItemSheet(data, filename)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		if len(rowErrors) == 0 {
			return nil, fmt.Errorf("%w: file has no spending items", models.ErrInvalidInput)
		}
		return nil, fmt.Errorf("%w: file validation errors:\n%s", models.ErrInvalidInput, strings.Join(rowErrors, "\n"))
	}

	var created []models.SpendingItem
	err = e.Store.WithTx(ctx, func(tx repository.Tx) error {
		grant, err := tx.LockGrant(grantId)
		if err != nil {
			return err
		}
		existing, err := tx.ListSpendingItems(grant.ID)
		if err != nil {
			return err
		}
		maxPriority := 0
		for _, it := range existing {
			if it.PriorityIndex > maxPriority {
				maxPriority = it.PriorityIndex
			}
		}
		inputs := make([]models.NewSpendingItem, 0, len(rows))
		for i, r := range rows {
			inputs = append(inputs, models.NewSpendingItem{
				Title:         r.Title,
				Description:   r.Description,
				PlannedAmount: r.Amount,
				PriorityIndex: maxPriority + i + 1,
			})
		}
		created, err = insertSpendingItems(tx, grant.ID, inputs)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(rowErrors) > 0 {
		config.LogError(e.Logger, moduleName, "ImportSpendingItems", "rows skipped", rowErrors,
			fmt.Errorf("%d of %d rows skipped in %s", len(rowErrors), len(rowErrors)+len(rows), filename))
	}
	e.Logger.WithFields(logrus.Fields{
		"module":   moduleName,
		"grant_id": grantId,
		"file":     filename,
		"created":  len(created),
	}).Info("spending items imported")
	e.recordItemsCreated(ctx, grantId, actorId, created)
	return &ImportResult{Items: created, RowErrors: rowErrors}, nil
}
