package ticket

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jkaninda/switchboard/internal/domain"
)

// importColumns are the required CSV header fields.
var importColumns = []string{"ticket_number", "status", "body", "owner"}

// Import reads tickets from CSV and upserts them into store. The header must
// contain ticket_number, status, body and owner, in any order; extra columns
// are kept in the payload. It returns the number of tickets written.
func Import(ctx context.Context, store Store, r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("reading csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range importColumns {
		if _, ok := index[col]; !ok {
			return 0, &Error{Code: CodeInvalidInput, Detail: fmt.Sprintf("csv header is missing %q", col)}
		}
	}

	n := 0
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		line++
		if err != nil {
			return n, fmt.Errorf("reading csv line %d: %w", line, err)
		}

		id := strings.ToUpper(strings.TrimSpace(rec[index["ticket_number"]]))
		if id == "" {
			return n, &Error{Code: CodeInvalidInput, Detail: fmt.Sprintf("line %d: empty ticket_number", line)}
		}
		raw := strings.ToLower(strings.TrimSpace(rec[index["status"]]))
		status, ok := domain.ParseTicketStatus(raw)
		if !ok {
			return n, &Error{Code: CodeInvalidInput, TicketID: id, Detail: fmt.Sprintf("line %d: unknown status %q", line, raw)}
		}

		payload := make(map[string]any, len(header))
		for col, i := range index {
			if col == "ticket_number" || col == "status" || i >= len(rec) {
				continue
			}
			payload[col] = rec[i]
		}

		now := time.Now().UTC()
		if err := store.Upsert(ctx, &domain.Ticket{
			ID:        id,
			Status:    status,
			Payload:   payload,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return n, err
		}
		n++
	}
}
