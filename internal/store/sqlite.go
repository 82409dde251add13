package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"

	"github.com/frandata/fddpipe/internal/model"
)

// sqliteConstraint is the SQLite primary result code for constraint hits.
const sqliteConstraint = 19

// SQLite implements Store on a local database file, used for single-machine
// runs and development. Timestamps are stored as RFC 3339 text so values
// round-trip independent of driver conversion rules.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path with WAL
// journaling and foreign keys on.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, eris.New("store: sqlite path required")
	}
	dsn := "file:" + url.PathEscape(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "store: open sqlite")
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// churn under concurrent sections.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "store: ping sqlite")
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Migrate applies the schema statement by statement.
func (s *SQLite) Migrate(ctx context.Context) error {
	for _, stmt := range splitStatements(schemaSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return eris.Wrapf(err, "store: migrate: %.60s", stmt)
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateFranchisor(ctx context.Context, f *model.Franchisor) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := s.now()
	f.CreatedAt, f.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, sqlInsertFranchisor,
		f.ID, f.CanonicalName, f.ParentCompany, f.Phone, f.Email, f.Website,
		jsonText(f.AlternateNames), jsonText(f.NameEmbedding), f.Tentative, encTime(now))
	if isSQLiteConstraint(err) {
		return eris.Wrap(ErrDuplicateName, f.CanonicalName)
	}
	if err != nil {
		return eris.Wrap(err, "store: create franchisor")
	}
	return nil
}

func (s *SQLite) GetFranchisor(ctx context.Context, id string) (*model.Franchisor, error) {
	return liteScanFranchisor(s.db.QueryRowContext(ctx, sqlGetFranchisor, id))
}

func (s *SQLite) GetFranchisorByName(ctx context.Context, canonicalName string) (*model.Franchisor, error) {
	return liteScanFranchisor(s.db.QueryRowContext(ctx, sqlGetFranchisorByName, canonicalName))
}

func (s *SQLite) ListNameEmbeddings(ctx context.Context) ([]NameEmbedding, error) {
	rows, err := s.db.QueryContext(ctx, sqlListNameEmbeddings)
	if err != nil {
		return nil, eris.Wrap(err, "store: list embeddings")
	}
	defer rows.Close()

	var out []NameEmbedding
	for rows.Next() {
		var (
			e       NameEmbedding
			raw     string
			created string
		)
		if err := rows.Scan(&e.FranchisorID, &raw, &created); err != nil {
			return nil, eris.Wrap(err, "store: scan embedding")
		}
		if err := json.Unmarshal([]byte(raw), &e.Vector); err != nil {
			return nil, eris.Wrapf(err, "store: decode embedding of %s", e.FranchisorID)
		}
		if len(e.Vector) == 0 {
			continue
		}
		t, err := decTime(created)
		if err != nil {
			return nil, err
		}
		e.CreatedAt = t.Unix()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateFranchisorEmbedding(ctx context.Context, id string, vec []float32) error {
	return s.execOne(ctx, sqlUpdateEmbedding, "store: update embedding", id, jsonText(vec), encTime(s.now()))
}

func (s *SQLite) AddAlternateName(ctx context.Context, id, name string) error {
	var raw string
	err := s.db.QueryRowContext(ctx, sqlGetAlternateNames, id).Scan(&raw)
	if err != nil {
		return liteMapNoRows(err, "store: load alternate names")
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return eris.Wrap(err, "store: decode alternate names")
	}
	for _, n := range names {
		if n == name {
			return nil
		}
	}
	names = append(names, name)
	if _, err := s.db.ExecContext(ctx, sqlSetAlternateNames, id, jsonText(names), encTime(s.now())); err != nil {
		return eris.Wrap(err, "store: save alternate names")
	}
	return nil
}

func (s *SQLite) CreateFDD(ctx context.Context, fdd *model.FDD) error {
	if fdd.ID == "" {
		fdd.ID = uuid.NewString()
	}
	now := s.now()
	fdd.CreatedAt, fdd.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, sqlInsertFDD,
		fdd.ID, fdd.FranchisorID, encTime(fdd.IssueDate), encTimePtr(fdd.AmendmentDate),
		string(fdd.DocumentType), fdd.FilingState, fdd.StoragePath,
		fdd.ContentHash, fdd.TotalPages, string(fdd.ProcessingStatus),
		fdd.SupersededBy, fdd.DuplicateOf, fdd.FailureReason,
		fdd.QualityScore, fdd.TokensUsed, fdd.CostUSD, encTime(now))
	if err != nil {
		return eris.Wrap(err, "store: create fdd")
	}
	return nil
}

func (s *SQLite) GetFDD(ctx context.Context, id string) (*model.FDD, error) {
	return liteScanFDD(s.db.QueryRowContext(ctx, sqlGetFDD, id))
}

func (s *SQLite) GetFDDByHash(ctx context.Context, hash string) (*model.FDD, error) {
	return liteScanFDD(s.db.QueryRowContext(ctx, sqlGetFDDByHash, hash))
}

func (s *SQLite) ListFDDsByFranchisor(ctx context.Context, franchisorID string) ([]model.FDD, error) {
	rows, err := s.db.QueryContext(ctx, sqlListFDDsByFranchisor, franchisorID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list fdds by franchisor")
	}
	return liteCollectFDDs(rows)
}

func (s *SQLite) ListFDDsByStatus(ctx context.Context, status model.ProcessingStatus, limit int) ([]model.FDD, error) {
	rows, err := s.db.QueryContext(ctx, sqlListFDDsByStatus, string(status), limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list fdds by status")
	}
	return liteCollectFDDs(rows)
}

func (s *SQLite) UpdateFDDStatus(ctx context.Context, id string, status model.ProcessingStatus, reason string) error {
	return s.execOne(ctx, sqlUpdateFDDStatus, "store: update fdd status", id, string(status), reason, encTime(s.now()))
}

func (s *SQLite) SetSupersededBy(ctx context.Context, id, byID string) error {
	return s.execOne(ctx, sqlSetSupersededBy, "store: set superseded_by", id, byID, encTime(s.now()))
}

func (s *SQLite) SetFDDQuality(ctx context.Context, id string, score float64) error {
	return s.execOne(ctx, sqlSetFDDQuality, "store: set quality score", id, score, encTime(s.now()))
}

func (s *SQLite) AddFDDTokens(ctx context.Context, id string, tokens int, costUSD float64) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, sqlAddFDDTokens, id, tokens, costUSD, encTime(s.now())).Scan(&total)
	if err != nil {
		return 0, liteMapNoRows(err, "store: add fdd tokens")
	}
	return total, nil
}

func (s *SQLite) CreateSections(ctx context.Context, sections []model.Section) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "store: begin")
	}
	defer tx.Rollback()

	for i := range sections {
		if sections[i].ID == "" {
			sections[i].ID = uuid.NewString()
		}
		sec := sections[i]
		_, err := tx.ExecContext(ctx, sqlInsertSection,
			sec.ID, sec.FDDID, sec.ItemNo, sec.StartPage, sec.EndPage,
			string(sec.ExtractionStatus), sec.ExtractionModel, "", 0, 0,
			sec.AttemptCount, sec.NeedsReview, sec.Confidence, sec.StoragePath,
			encTimePtr(sec.ExtractedAt))
		if err != nil {
			return eris.Wrapf(err, "store: insert section item %d", sec.ItemNo)
		}
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "store: commit sections")
	}
	return nil
}

func (s *SQLite) ListSections(ctx context.Context, fddID string) ([]model.Section, error) {
	rows, err := s.db.QueryContext(ctx, sqlListSections, fddID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list sections")
	}
	defer rows.Close()

	var out []model.Section
	for rows.Next() {
		sec, err := liteScanSection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sec)
	}
	return out, rows.Err()
}

func (s *SQLite) GetSection(ctx context.Context, id string) (*model.Section, error) {
	return liteScanSection(s.db.QueryRowContext(ctx, sqlGetSection, id))
}

func (s *SQLite) UpdateSection(ctx context.Context, sec *model.Section) error {
	return s.execOne(ctx, sqlUpdateSection, "store: update section",
		sec.ID, sec.StartPage, sec.EndPage, string(sec.ExtractionStatus),
		sec.ExtractionModel, sec.AttemptCount, sec.NeedsReview, sec.Confidence,
		sec.StoragePath, encTimePtr(sec.ExtractedAt))
}

// SaveSection writes the status transition, the routed item rows, and the
// findings in one transaction.
func (s *SQLite) SaveSection(ctx context.Context, save SectionSave) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "store: begin")
	}
	defer tx.Rollback()

	sec := save.Section
	if _, err := tx.ExecContext(ctx, sqlUpdateSection,
		sec.ID, sec.StartPage, sec.EndPage, string(sec.ExtractionStatus),
		sec.ExtractionModel, sec.AttemptCount, sec.NeedsReview, sec.Confidence,
		sec.StoragePath, encTimePtr(sec.ExtractedAt)); err != nil {
		return eris.Wrap(err, "store: update section")
	}

	if save.Result != nil {
		if err := liteRouteResult(ctx, tx, sec.ID, save.Result); err != nil {
			return err
		}
	}
	if err := liteInsertFindings(ctx, tx, "section", sec.ID, save.Errors, s.now()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "store: commit section save")
	}
	return nil
}

func liteRouteResult(ctx context.Context, tx *sql.Tx, sectionID string, res *model.ExtractionResult) error {
	meta := res.Meta
	if _, err := tx.ExecContext(ctx, sqlSetSectionMeta,
		sectionID, meta.PromptVersion, meta.InputTokens, meta.OutputTokens); err != nil {
		return eris.Wrap(err, "store: set section meta")
	}

	switch {
	case res.Item5 != nil:
		for _, fee := range res.Item5.Fees {
			if _, err := tx.ExecContext(ctx, sqlUpsertItem5,
				sectionID, fee.Name, fee.AmountCents, fee.Refundable, fee.Conditions); err != nil {
				return eris.Wrap(err, "store: upsert item5 fee")
			}
		}
	case res.Item6 != nil:
		for _, fee := range res.Item6.Fees {
			if _, err := tx.ExecContext(ctx, sqlUpsertItem6,
				sectionID, fee.Name, fee.AmountCents, fee.AmountPercentage,
				fee.Frequency, fee.Basis, fee.MinCents, fee.MaxCents); err != nil {
				return eris.Wrap(err, "store: upsert item6 fee")
			}
		}
	case res.Item7 != nil:
		for _, line := range res.Item7.Lines {
			if _, err := tx.ExecContext(ctx, sqlUpsertItem7,
				sectionID, line.Category, line.LowCents, line.HighCents,
				line.WhenDue, line.ToWhom); err != nil {
				return eris.Wrap(err, "store: upsert item7 line")
			}
		}
	case res.Item19 != nil:
		fpr := res.Item19
		if _, err := tx.ExecContext(ctx, sqlUpsertItem19,
			sectionID, fpr.DisclosureType, fpr.SampleSize, fpr.TimePeriod,
			jsonTextOrNil(fpr.Revenue), jsonTextOrNil(fpr.Profit)); err != nil {
			return eris.Wrap(err, "store: upsert item19")
		}
	case res.Item20 != nil:
		for _, row := range res.Item20.Rows {
			if _, err := tx.ExecContext(ctx, sqlUpsertItem20,
				sectionID, row.FiscalYear, string(row.OutletType),
				row.Start, row.Opened, row.Closed,
				row.TransferredIn, row.TransferredOut, row.End); err != nil {
				return eris.Wrap(err, "store: upsert item20 row")
			}
		}
	case res.Item21 != nil:
		for _, row := range res.Item21.Rows {
			if _, err := tx.ExecContext(ctx, sqlUpsertItem21,
				sectionID, row.FiscalYear, row.TotalRevenueCents,
				row.OperatingIncomeCents, row.NetIncomeCents,
				row.TotalAssetsCents, row.TotalLiabilitiesCents,
				row.TotalEquityCents); err != nil {
				return eris.Wrap(err, "store: upsert item21 row")
			}
		}
	case res.Generic != nil:
		if _, err := tx.ExecContext(ctx, sqlUpsertGeneric,
			sectionID, res.ItemNo, res.Generic.SchemaVersion,
			string(res.Generic.Payload)); err != nil {
			return eris.Wrap(err, "store: upsert generic item")
		}
	}
	return nil
}

func liteInsertFindings(ctx context.Context, tx *sql.Tx, entityType, entityID string, errs []model.ValidationError, now time.Time) error {
	for _, e := range errs {
		if _, err := tx.ExecContext(ctx, sqlInsertValidationError,
			entityType, entityID, e.FieldPath, string(e.Severity),
			string(e.Category), e.Actual, e.Expected, e.Message, encTime(now)); err != nil {
			return eris.Wrap(err, "store: insert finding")
		}
	}
	return nil
}

func (s *SQLite) SaveValidationErrors(ctx context.Context, entityType, entityID string, errs []model.ValidationError) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "store: begin")
	}
	defer tx.Rollback()
	if err := liteInsertFindings(ctx, tx, entityType, entityID, errs, s.now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "store: commit findings")
	}
	return nil
}

func (s *SQLite) ListValidationErrors(ctx context.Context, entityType, entityID string) ([]model.ValidationError, error) {
	rows, err := s.db.QueryContext(ctx, sqlListValidationErrors, entityType, entityID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list findings")
	}
	defer rows.Close()

	var out []model.ValidationError
	for rows.Next() {
		var e model.ValidationError
		var severity, category string
		if err := rows.Scan(&e.FieldPath, &severity, &category, &e.Actual, &e.Expected, &e.Message); err != nil {
			return nil, eris.Wrap(err, "store: scan finding")
		}
		e.Severity = model.Severity(severity)
		e.Category = model.Category(category)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateBypass(ctx context.Context, b *model.Bypass) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, sqlInsertBypass,
		b.ID, b.EntityType, b.EntityID, b.Reason, b.CreatedBy,
		encTime(b.CreatedAt), encTimePtr(b.RevokedAt))
	if err != nil {
		return eris.Wrap(err, "store: create bypass")
	}
	return nil
}

func (s *SQLite) GetActiveBypass(ctx context.Context, entityType, entityID string) (*model.Bypass, error) {
	var (
		b       model.Bypass
		created string
		revoked sql.NullString
	)
	err := s.db.QueryRowContext(ctx, sqlGetActiveBypass, entityType, entityID).Scan(
		&b.ID, &b.EntityType, &b.EntityID, &b.Reason, &b.CreatedBy, &created, &revoked)
	if err != nil {
		return nil, liteMapNoRows(err, "store: get bypass")
	}
	if b.CreatedAt, err = decTime(created); err != nil {
		return nil, err
	}
	if b.RevokedAt, err = decTimePtr(revoked); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLite) FieldStats(ctx context.Context, itemNo int, field string) (*FieldStats, error) {
	q, ok := fieldStatsQueries[itemNo][field]
	if !ok {
		return nil, eris.Errorf("store: no field stats for item %d field %q", itemNo, field)
	}
	var mean, meanSq float64
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&mean, &meanSq, &n); err != nil {
		return nil, eris.Wrap(err, "store: field stats")
	}
	return momentsToStats(mean, meanSq, n), nil
}

func (s *SQLite) CreateRun(ctx context.Context) (*model.ProcessingRun, error) {
	run := &model.ProcessingRun{ID: uuid.NewString(), StartedAt: s.now()}
	if _, err := s.db.ExecContext(ctx, sqlInsertRun, run.ID, encTime(run.StartedAt)); err != nil {
		return nil, eris.Wrap(err, "store: create run")
	}
	return run, nil
}

func (s *SQLite) FinishRun(ctx context.Context, id string, counts map[string]int) error {
	return s.execOne(ctx, sqlFinishRun, "store: finish run", id, encTime(s.now()), jsonText(counts))
}

func (s *SQLite) execOne(ctx context.Context, query, op string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrap(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, op)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanners

func liteScanFranchisor(row scanner) (*model.Franchisor, error) {
	var (
		f                model.Franchisor
		altNames         string
		embedding        string
		created, updated string
	)
	err := row.Scan(&f.ID, &f.CanonicalName, &f.ParentCompany, &f.Phone,
		&f.Email, &f.Website, &altNames, &embedding, &f.Tentative,
		&created, &updated)
	if err != nil {
		return nil, liteMapNoRows(err, "store: scan franchisor")
	}
	if err := json.Unmarshal([]byte(altNames), &f.AlternateNames); err != nil {
		return nil, eris.Wrap(err, "store: decode alternate names")
	}
	if err := json.Unmarshal([]byte(embedding), &f.NameEmbedding); err != nil {
		return nil, eris.Wrap(err, "store: decode embedding")
	}
	if f.CreatedAt, err = decTime(created); err != nil {
		return nil, err
	}
	if f.UpdatedAt, err = decTime(updated); err != nil {
		return nil, err
	}
	return &f, nil
}

func liteScanFDD(row scanner) (*model.FDD, error) {
	var (
		fdd              model.FDD
		docType, status  string
		issued           string
		amended          sql.NullString
		created, updated string
	)
	err := row.Scan(&fdd.ID, &fdd.FranchisorID, &issued, &amended, &docType,
		&fdd.FilingState, &fdd.StoragePath, &fdd.ContentHash, &fdd.TotalPages,
		&status, &fdd.SupersededBy, &fdd.DuplicateOf, &fdd.FailureReason,
		&fdd.QualityScore, &fdd.TokensUsed, &fdd.CostUSD, &created, &updated)
	if err != nil {
		return nil, liteMapNoRows(err, "store: scan fdd")
	}
	fdd.DocumentType = model.DocumentType(docType)
	fdd.ProcessingStatus = model.ProcessingStatus(status)
	if fdd.IssueDate, err = decTime(issued); err != nil {
		return nil, err
	}
	if fdd.AmendmentDate, err = decTimePtr(amended); err != nil {
		return nil, err
	}
	if fdd.CreatedAt, err = decTime(created); err != nil {
		return nil, err
	}
	if fdd.UpdatedAt, err = decTime(updated); err != nil {
		return nil, err
	}
	return &fdd, nil
}

func liteCollectFDDs(rows *sql.Rows) ([]model.FDD, error) {
	defer rows.Close()
	var out []model.FDD
	for rows.Next() {
		fdd, err := liteScanFDD(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *fdd)
	}
	return out, rows.Err()
}

func liteScanSection(row scanner) (*model.Section, error) {
	var (
		sec       model.Section
		status    string
		extracted sql.NullString
	)
	err := row.Scan(&sec.ID, &sec.FDDID, &sec.ItemNo, &sec.StartPage,
		&sec.EndPage, &status, &sec.ExtractionModel, &sec.AttemptCount,
		&sec.NeedsReview, &sec.Confidence, &sec.StoragePath, &extracted)
	if err != nil {
		return nil, liteMapNoRows(err, "store: scan section")
	}
	sec.ExtractionStatus = model.ExtractionStatus(status)
	if sec.ExtractedAt, err = decTimePtr(extracted); err != nil {
		return nil, err
	}
	return &sec, nil
}

// time codecs

func encTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func encTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encTime(*t)
}

func decTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "store: parse timestamp %q", s)
	}
	return t, nil
}

func decTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isSQLiteConstraint(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqliteConstraint
}

func liteMapNoRows(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return eris.Wrap(err, op)
}

var _ Store = (*SQLite)(nil)
