package store

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/frandata/fddpipe/internal/model"
)

// pgUniqueViolation is the Postgres error code for unique-constraint hits.
const pgUniqueViolation = "23505"

// PGXPool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it
// in tests.
type PGXPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	db        PGXPool
	now       func() time.Time
	txTimeout time.Duration
}

// NewPostgres wraps an existing pool.
func NewPostgres(db PGXPool) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

// PoolConfig sizes the connection pool and bounds transactions. Zero values
// keep the driver defaults.
type PoolConfig struct {
	MaxConns  int32
	MinConns  int32
	TxTimeout time.Duration
}

// poolConfig parses the DSN and applies the pool caps.
func poolConfig(dsn string, pc PoolConfig) (*pgxpool.Config, error) {
	conf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "store: parse postgres dsn")
	}
	if pc.MaxConns > 0 {
		conf.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		conf.MinConns = pc.MinConns
	}
	return conf, nil
}

// Connect opens a pgx pool for the DSN, sized per pc, and pings it.
func Connect(ctx context.Context, dsn string, pc PoolConfig) (*Postgres, error) {
	conf, err := poolConfig(dsn, pc)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, eris.Wrap(err, "store: open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "store: ping postgres")
	}
	p := NewPostgres(pool)
	p.txTimeout = pc.TxTimeout
	return p, nil
}

// txCtx bounds a transaction so a wedged connection cannot hold row locks
// past the configured limit.
func (p *Postgres) txCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.txTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.txTimeout)
}

// Migrate applies the schema statement by statement.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range splitStatements(schemaSQL) {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return eris.Wrapf(err, "store: migrate: %.60s", stmt)
		}
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}

func (p *Postgres) CreateFranchisor(ctx context.Context, f *model.Franchisor) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := p.now()
	f.CreatedAt, f.UpdatedAt = now, now

	_, err := p.db.Exec(ctx, sqlInsertFranchisor,
		f.ID, f.CanonicalName, f.ParentCompany, f.Phone, f.Email, f.Website,
		jsonText(f.AlternateNames), jsonText(f.NameEmbedding), f.Tentative, now)
	if isUniqueViolation(err) {
		return eris.Wrap(ErrDuplicateName, f.CanonicalName)
	}
	if err != nil {
		return eris.Wrap(err, "store: create franchisor")
	}
	return nil
}

func (p *Postgres) GetFranchisor(ctx context.Context, id string) (*model.Franchisor, error) {
	return scanFranchisor(p.db.QueryRow(ctx, sqlGetFranchisor, id))
}

func (p *Postgres) GetFranchisorByName(ctx context.Context, canonicalName string) (*model.Franchisor, error) {
	return scanFranchisor(p.db.QueryRow(ctx, sqlGetFranchisorByName, canonicalName))
}

func (p *Postgres) ListNameEmbeddings(ctx context.Context) ([]NameEmbedding, error) {
	rows, err := p.db.Query(ctx, sqlListNameEmbeddings)
	if err != nil {
		return nil, eris.Wrap(err, "store: list embeddings")
	}
	defer rows.Close()

	var out []NameEmbedding
	for rows.Next() {
		var (
			e       NameEmbedding
			raw     string
			created time.Time
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
		e.CreatedAt = created.Unix()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateFranchisorEmbedding(ctx context.Context, id string, vec []float32) error {
	tag, err := p.db.Exec(ctx, sqlUpdateEmbedding, id, jsonText(vec), p.now())
	if err != nil {
		return eris.Wrap(err, "store: update embedding")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AddAlternateName(ctx context.Context, id, name string) error {
	var raw string
	if err := p.db.QueryRow(ctx, sqlGetAlternateNames, id).Scan(&raw); err != nil {
		return mapNoRows(err, "store: load alternate names")
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
	if _, err := p.db.Exec(ctx, sqlSetAlternateNames, id, jsonText(names), p.now()); err != nil {
		return eris.Wrap(err, "store: save alternate names")
	}
	return nil
}

func (p *Postgres) CreateFDD(ctx context.Context, fdd *model.FDD) error {
	if fdd.ID == "" {
		fdd.ID = uuid.NewString()
	}
	now := p.now()
	fdd.CreatedAt, fdd.UpdatedAt = now, now

	_, err := p.db.Exec(ctx, sqlInsertFDD,
		fdd.ID, fdd.FranchisorID, fdd.IssueDate, fdd.AmendmentDate,
		string(fdd.DocumentType), fdd.FilingState, fdd.StoragePath,
		fdd.ContentHash, fdd.TotalPages, string(fdd.ProcessingStatus),
		fdd.SupersededBy, fdd.DuplicateOf, fdd.FailureReason,
		fdd.QualityScore, fdd.TokensUsed, fdd.CostUSD, now)
	if err != nil {
		return eris.Wrap(err, "store: create fdd")
	}
	return nil
}

func (p *Postgres) GetFDD(ctx context.Context, id string) (*model.FDD, error) {
	return scanFDD(p.db.QueryRow(ctx, sqlGetFDD, id))
}

func (p *Postgres) GetFDDByHash(ctx context.Context, hash string) (*model.FDD, error) {
	return scanFDD(p.db.QueryRow(ctx, sqlGetFDDByHash, hash))
}

func (p *Postgres) ListFDDsByFranchisor(ctx context.Context, franchisorID string) ([]model.FDD, error) {
	rows, err := p.db.Query(ctx, sqlListFDDsByFranchisor, franchisorID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list fdds by franchisor")
	}
	return collectFDDs(rows)
}

func (p *Postgres) ListFDDsByStatus(ctx context.Context, status model.ProcessingStatus, limit int) ([]model.FDD, error) {
	rows, err := p.db.Query(ctx, sqlListFDDsByStatus, string(status), limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list fdds by status")
	}
	return collectFDDs(rows)
}

func (p *Postgres) UpdateFDDStatus(ctx context.Context, id string, status model.ProcessingStatus, reason string) error {
	tag, err := p.db.Exec(ctx, sqlUpdateFDDStatus, id, string(status), reason, p.now())
	if err != nil {
		return eris.Wrap(err, "store: update fdd status")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetSupersededBy(ctx context.Context, id, byID string) error {
	return p.execOne(ctx, sqlSetSupersededBy, "store: set superseded_by", id, byID, p.now())
}

func (p *Postgres) SetFDDQuality(ctx context.Context, id string, score float64) error {
	return p.execOne(ctx, sqlSetFDDQuality, "store: set quality score", id, score, p.now())
}

func (p *Postgres) AddFDDTokens(ctx context.Context, id string, tokens int, costUSD float64) (int, error) {
	var total int
	err := p.db.QueryRow(ctx, sqlAddFDDTokens, id, tokens, costUSD, p.now()).Scan(&total)
	if err != nil {
		return 0, mapNoRows(err, "store: add fdd tokens")
	}
	return total, nil
}

func (p *Postgres) CreateSections(ctx context.Context, sections []model.Section) error {
	ctx, cancel := p.txCtx(ctx)
	defer cancel()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "store: begin")
	}
	defer tx.Rollback(ctx)

	for i := range sections {
		if sections[i].ID == "" {
			sections[i].ID = uuid.NewString()
		}
		s := sections[i]
		_, err := tx.Exec(ctx, sqlInsertSection,
			s.ID, s.FDDID, s.ItemNo, s.StartPage, s.EndPage,
			string(s.ExtractionStatus), s.ExtractionModel, "", 0, 0,
			s.AttemptCount, s.NeedsReview, s.Confidence, s.StoragePath, s.ExtractedAt)
		if err != nil {
			return eris.Wrapf(err, "store: insert section item %d", s.ItemNo)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "store: commit sections")
	}
	return nil
}

func (p *Postgres) ListSections(ctx context.Context, fddID string) ([]model.Section, error) {
	rows, err := p.db.Query(ctx, sqlListSections, fddID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list sections")
	}
	defer rows.Close()

	var out []model.Section
	for rows.Next() {
		s, err := scanSectionFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (p *Postgres) GetSection(ctx context.Context, id string) (*model.Section, error) {
	return scanSectionFrom(p.db.QueryRow(ctx, sqlGetSection, id))
}

func (p *Postgres) UpdateSection(ctx context.Context, s *model.Section) error {
	tag, err := p.db.Exec(ctx, sqlUpdateSection,
		s.ID, s.StartPage, s.EndPage, string(s.ExtractionStatus),
		s.ExtractionModel, s.AttemptCount, s.NeedsReview, s.Confidence,
		s.StoragePath, s.ExtractedAt)
	if err != nil {
		return eris.Wrap(err, "store: update section")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveSection writes the status transition, the routed item rows, and the
// findings in one transaction.
func (p *Postgres) SaveSection(ctx context.Context, save SectionSave) error {
	ctx, cancel := p.txCtx(ctx)
	defer cancel()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "store: begin")
	}
	defer tx.Rollback(ctx)

	s := save.Section
	if _, err := tx.Exec(ctx, sqlUpdateSection,
		s.ID, s.StartPage, s.EndPage, string(s.ExtractionStatus),
		s.ExtractionModel, s.AttemptCount, s.NeedsReview, s.Confidence,
		s.StoragePath, s.ExtractedAt); err != nil {
		return eris.Wrap(err, "store: update section")
	}

	if save.Result != nil {
		if err := routeResult(ctx, tx, s.ID, save.Result); err != nil {
			return err
		}
	}
	if err := insertFindings(ctx, tx, "section", s.ID, save.Errors, p.now()); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "store: commit section save")
	}
	return nil
}

// routeResult writes the typed rows for a result: high-value items land in
// their normalized tables, everything else in generic_items.
func routeResult(ctx context.Context, tx pgx.Tx, sectionID string, res *model.ExtractionResult) error {
	meta := res.Meta
	if _, err := tx.Exec(ctx, sqlSetSectionMeta,
		sectionID, meta.PromptVersion, meta.InputTokens, meta.OutputTokens); err != nil {
		return eris.Wrap(err, "store: set section meta")
	}

	switch {
	case res.Item5 != nil:
		for _, fee := range res.Item5.Fees {
			if _, err := tx.Exec(ctx, sqlUpsertItem5,
				sectionID, fee.Name, fee.AmountCents, fee.Refundable, fee.Conditions); err != nil {
				return eris.Wrap(err, "store: upsert item5 fee")
			}
		}
	case res.Item6 != nil:
		for _, fee := range res.Item6.Fees {
			if _, err := tx.Exec(ctx, sqlUpsertItem6,
				sectionID, fee.Name, fee.AmountCents, fee.AmountPercentage,
				fee.Frequency, fee.Basis, fee.MinCents, fee.MaxCents); err != nil {
				return eris.Wrap(err, "store: upsert item6 fee")
			}
		}
	case res.Item7 != nil:
		for _, line := range res.Item7.Lines {
			if _, err := tx.Exec(ctx, sqlUpsertItem7,
				sectionID, line.Category, line.LowCents, line.HighCents,
				line.WhenDue, line.ToWhom); err != nil {
				return eris.Wrap(err, "store: upsert item7 line")
			}
		}
	case res.Item19 != nil:
		fpr := res.Item19
		if _, err := tx.Exec(ctx, sqlUpsertItem19,
			sectionID, fpr.DisclosureType, fpr.SampleSize, fpr.TimePeriod,
			jsonTextOrNil(fpr.Revenue), jsonTextOrNil(fpr.Profit)); err != nil {
			return eris.Wrap(err, "store: upsert item19")
		}
	case res.Item20 != nil:
		for _, row := range res.Item20.Rows {
			if _, err := tx.Exec(ctx, sqlUpsertItem20,
				sectionID, row.FiscalYear, string(row.OutletType),
				row.Start, row.Opened, row.Closed,
				row.TransferredIn, row.TransferredOut, row.End); err != nil {
				return eris.Wrap(err, "store: upsert item20 row")
			}
		}
	case res.Item21 != nil:
		for _, row := range res.Item21.Rows {
			if _, err := tx.Exec(ctx, sqlUpsertItem21,
				sectionID, row.FiscalYear, row.TotalRevenueCents,
				row.OperatingIncomeCents, row.NetIncomeCents,
				row.TotalAssetsCents, row.TotalLiabilitiesCents,
				row.TotalEquityCents); err != nil {
				return eris.Wrap(err, "store: upsert item21 row")
			}
		}
	case res.Generic != nil:
		if _, err := tx.Exec(ctx, sqlUpsertGeneric,
			sectionID, res.ItemNo, res.Generic.SchemaVersion,
			string(res.Generic.Payload)); err != nil {
			return eris.Wrap(err, "store: upsert generic item")
		}
	}
	return nil
}

func insertFindings(ctx context.Context, tx pgx.Tx, entityType, entityID string, errs []model.ValidationError, now time.Time) error {
	for _, e := range errs {
		if _, err := tx.Exec(ctx, sqlInsertValidationError,
			entityType, entityID, e.FieldPath, string(e.Severity),
			string(e.Category), e.Actual, e.Expected, e.Message, now); err != nil {
			return eris.Wrap(err, "store: insert finding")
		}
	}
	return nil
}

func (p *Postgres) SaveValidationErrors(ctx context.Context, entityType, entityID string, errs []model.ValidationError) error {
	ctx, cancel := p.txCtx(ctx)
	defer cancel()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "store: begin")
	}
	defer tx.Rollback(ctx)
	if err := insertFindings(ctx, tx, entityType, entityID, errs, p.now()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "store: commit findings")
	}
	return nil
}

func (p *Postgres) ListValidationErrors(ctx context.Context, entityType, entityID string) ([]model.ValidationError, error) {
	rows, err := p.db.Query(ctx, sqlListValidationErrors, entityType, entityID)
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

func (p *Postgres) CreateBypass(ctx context.Context, b *model.Bypass) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = p.now()
	}
	_, err := p.db.Exec(ctx, sqlInsertBypass,
		b.ID, b.EntityType, b.EntityID, b.Reason, b.CreatedBy, b.CreatedAt, b.RevokedAt)
	if err != nil {
		return eris.Wrap(err, "store: create bypass")
	}
	return nil
}

func (p *Postgres) GetActiveBypass(ctx context.Context, entityType, entityID string) (*model.Bypass, error) {
	var b model.Bypass
	err := p.db.QueryRow(ctx, sqlGetActiveBypass, entityType, entityID).Scan(
		&b.ID, &b.EntityType, &b.EntityID, &b.Reason, &b.CreatedBy, &b.CreatedAt, &b.RevokedAt)
	if err != nil {
		return nil, mapNoRows(err, "store: get bypass")
	}
	return &b, nil
}

func (p *Postgres) FieldStats(ctx context.Context, itemNo int, field string) (*FieldStats, error) {
	q, ok := fieldStatsQueries[itemNo][field]
	if !ok {
		return nil, eris.Errorf("store: no field stats for item %d field %q", itemNo, field)
	}
	var mean, meanSq float64
	var n int
	if err := p.db.QueryRow(ctx, q).Scan(&mean, &meanSq, &n); err != nil {
		return nil, eris.Wrap(err, "store: field stats")
	}
	return momentsToStats(mean, meanSq, n), nil
}

func (p *Postgres) CreateRun(ctx context.Context) (*model.ProcessingRun, error) {
	run := &model.ProcessingRun{ID: uuid.NewString(), StartedAt: p.now()}
	if _, err := p.db.Exec(ctx, sqlInsertRun, run.ID, run.StartedAt); err != nil {
		return nil, eris.Wrap(err, "store: create run")
	}
	return run, nil
}

func (p *Postgres) FinishRun(ctx context.Context, id string, counts map[string]int) error {
	tag, err := p.db.Exec(ctx, sqlFinishRun, id, p.now(), jsonText(counts))
	if err != nil {
		return eris.Wrap(err, "store: finish run")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) execOne(ctx context.Context, sql, op string, args ...any) error {
	tag, err := p.db.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrap(err, op)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanners shared by single-row and multi-row reads

type scanner interface {
	Scan(dest ...any) error
}

func scanFranchisor(row scanner) (*model.Franchisor, error) {
	var (
		f         model.Franchisor
		altNames  string
		embedding string
	)
	err := row.Scan(&f.ID, &f.CanonicalName, &f.ParentCompany, &f.Phone,
		&f.Email, &f.Website, &altNames, &embedding, &f.Tentative,
		&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err, "store: scan franchisor")
	}
	if err := json.Unmarshal([]byte(altNames), &f.AlternateNames); err != nil {
		return nil, eris.Wrap(err, "store: decode alternate names")
	}
	if err := json.Unmarshal([]byte(embedding), &f.NameEmbedding); err != nil {
		return nil, eris.Wrap(err, "store: decode embedding")
	}
	return &f, nil
}

func scanFDD(row scanner) (*model.FDD, error) {
	var (
		fdd             model.FDD
		docType, status string
	)
	err := row.Scan(&fdd.ID, &fdd.FranchisorID, &fdd.IssueDate,
		&fdd.AmendmentDate, &docType, &fdd.FilingState, &fdd.StoragePath,
		&fdd.ContentHash, &fdd.TotalPages, &status, &fdd.SupersededBy,
		&fdd.DuplicateOf, &fdd.FailureReason, &fdd.QualityScore,
		&fdd.TokensUsed, &fdd.CostUSD, &fdd.CreatedAt, &fdd.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err, "store: scan fdd")
	}
	fdd.DocumentType = model.DocumentType(docType)
	fdd.ProcessingStatus = model.ProcessingStatus(status)
	return &fdd, nil
}

func collectFDDs(rows pgx.Rows) ([]model.FDD, error) {
	defer rows.Close()
	var out []model.FDD
	for rows.Next() {
		fdd, err := scanFDD(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *fdd)
	}
	return out, rows.Err()
}

func scanSectionFrom(row scanner) (*model.Section, error) {
	var (
		s      model.Section
		status string
	)
	err := row.Scan(&s.ID, &s.FDDID, &s.ItemNo, &s.StartPage, &s.EndPage,
		&status, &s.ExtractionModel, &s.AttemptCount, &s.NeedsReview,
		&s.Confidence, &s.StoragePath, &s.ExtractedAt)
	if err != nil {
		return nil, mapNoRows(err, "store: scan section")
	}
	s.ExtractionStatus = model.ExtractionStatus(status)
	return &s, nil
}

// helpers

func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func jsonTextOrNil(m *model.FPRMetric) *string {
	if m == nil {
		return nil
	}
	s := jsonText(m)
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func mapNoRows(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return eris.Wrap(err, op)
}

// momentsToStats derives population stddev from the first two moments.
func momentsToStats(mean, meanSq float64, n int) *FieldStats {
	variance := meanSq - mean*mean
	if variance < 0 {
		variance = 0
	}
	return &FieldStats{Mean: mean, StdDev: math.Sqrt(variance), N: n}
}

func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

var _ Store = (*Postgres)(nil)
