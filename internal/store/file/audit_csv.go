package file

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

var auditHeader = []string{
	"id", "position_id", "token_address", "exit_price", "quantity_sold",
	"realized_pnl", "realized_pnl_pct", "exit_reason", "execution_time",
	"tx_reference", "gas_used", "slippage_actual", "partial", "estimated",
}

// CSVAuditLog appends one row per exit execution. The header is written
// only when the file is created empty.
type CSVAuditLog struct {
	path string
	mu   sync.Mutex
}

// NewCSVAuditLog prepares path, writing the header if the file is new.
func NewCSVAuditLog(path string) (*CSVAuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("csv audit: create dir: %w", err)
	}
	l := &CSVAuditLog{path: path}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("csv audit: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("csv audit: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		w := csv.NewWriter(f)
		if err := w.Write(auditHeader); err != nil {
			return nil, fmt.Errorf("csv audit: write header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, fmt.Errorf("csv audit: write header: %w", err)
		}
	}
	return l, nil
}

// Append writes exec as one row and syncs the file.
func (l *CSVAuditLog) Append(_ context.Context, exec domain.ExitExecution) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("csv audit: open %s: %w", l.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(toRow(exec)); err != nil {
		return fmt.Errorf("csv audit: append %s: %w", exec.ID, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("csv audit: append %s: %w", exec.ID, err)
	}
	return f.Sync()
}

// List reads every row back in append order.
func (l *CSVAuditLog) List(_ context.Context) ([]domain.ExitExecution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv audit: open %s: %w", l.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(auditHeader)

	var out []domain.ExitExecution
	for line := 0; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv audit: read %s: %w", l.path, err)
		}
		if line == 0 && rec[0] == auditHeader[0] {
			continue
		}
		exec, err := fromRow(rec)
		if err != nil {
			return nil, fmt.Errorf("csv audit: line %d: %w", line+1, err)
		}
		out = append(out, exec)
	}
	return out, nil
}

func toRow(e domain.ExitExecution) []string {
	return []string{
		e.ID,
		e.PositionID,
		e.TokenAddress,
		fmtFloat(e.ExitPrice),
		fmtFloat(e.QuantitySold),
		fmtFloat(e.RealizedPnL),
		fmtFloat(e.RealizedPnLPct),
		string(e.ExitReason),
		e.ExecutionTime.UTC().Format(time.RFC3339Nano),
		e.TxReference,
		fmtFloat(e.GasUsed),
		fmtFloat(e.SlippageActual),
		strconv.FormatBool(e.Partial),
		strconv.FormatBool(e.Estimated),
	}
}

func fromRow(rec []string) (domain.ExitExecution, error) {
	var (
		e    domain.ExitExecution
		errs []error
	)
	num := func(s string) float64 {
		v, err := strconv.ParseFloat(s, 64)
		errs = append(errs, err)
		return v
	}
	flag := func(s string) bool {
		v, err := strconv.ParseBool(s)
		errs = append(errs, err)
		return v
	}

	e.ID = rec[0]
	e.PositionID = rec[1]
	e.TokenAddress = rec[2]
	e.ExitPrice = num(rec[3])
	e.QuantitySold = num(rec[4])
	e.RealizedPnL = num(rec[5])
	e.RealizedPnLPct = num(rec[6])
	e.ExitReason = domain.ExitReason(rec[7])
	ts, err := time.Parse(time.RFC3339Nano, rec[8])
	errs = append(errs, err)
	e.ExecutionTime = ts
	e.TxReference = rec[9]
	e.GasUsed = num(rec[10])
	e.SlippageActual = num(rec[11])
	e.Partial = flag(rec[12])
	e.Estimated = flag(rec[13])

	if err := errors.Join(errs...); err != nil {
		return domain.ExitExecution{}, err
	}
	return e, nil
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
