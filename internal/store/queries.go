package store

import _ "embed"

// schemaSQL is the shared DDL, written to the subset of SQL both engines
// accept. Statements are split on semicolons before execution.
//
//go:embed schema.sql
var schemaSQL string

// SQL shared by the Postgres and SQLite stores. Both engines accept $N
// placeholders, so the texts live here once and only the driver plumbing
// differs per store.

const (
	sqlInsertFranchisor = `INSERT INTO franchisors
		(id, canonical_name, parent_company, phone, email, website,
		 alternate_names, name_embedding, tentative, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`

	sqlSelectFranchisor = `SELECT id, canonical_name, parent_company, phone, email, website,
		alternate_names, name_embedding, tentative, created_at, updated_at
		FROM franchisors`

	sqlGetFranchisor       = sqlSelectFranchisor + ` WHERE id = $1`
	sqlGetFranchisorByName = sqlSelectFranchisor + ` WHERE canonical_name = $1`

	sqlListNameEmbeddings = `SELECT id, name_embedding, created_at
		FROM franchisors ORDER BY id`

	sqlUpdateEmbedding = `UPDATE franchisors
		SET name_embedding = $2, updated_at = $3 WHERE id = $1`

	sqlGetAlternateNames = `SELECT alternate_names FROM franchisors WHERE id = $1`

	sqlSetAlternateNames = `UPDATE franchisors
		SET alternate_names = $2, updated_at = $3 WHERE id = $1`

	sqlInsertFDD = `INSERT INTO fdds
		(id, franchisor_id, issue_date, amendment_date, document_type,
		 filing_state, storage_path, content_hash, total_pages,
		 processing_status, superseded_by, duplicate_of, failure_reason,
		 quality_score, tokens_used, cost_usd, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)`

	sqlSelectFDD = `SELECT id, franchisor_id, issue_date, amendment_date, document_type,
		filing_state, storage_path, content_hash, total_pages,
		processing_status, superseded_by, duplicate_of, failure_reason,
		quality_score, tokens_used, cost_usd, created_at, updated_at
		FROM fdds`

	sqlGetFDD = sqlSelectFDD + ` WHERE id = $1`

	sqlGetFDDByHash = sqlSelectFDD + ` WHERE content_hash = $1 AND duplicate_of IS NULL`

	sqlListFDDsByFranchisor = sqlSelectFDD + ` WHERE franchisor_id = $1 ORDER BY issue_date, id`

	sqlListFDDsByStatus = sqlSelectFDD + ` WHERE processing_status = $1 AND duplicate_of IS NULL
		ORDER BY created_at, id LIMIT $2`

	sqlUpdateFDDStatus = `UPDATE fdds
		SET processing_status = $2, failure_reason = $3, updated_at = $4 WHERE id = $1`

	sqlSetSupersededBy = `UPDATE fdds SET superseded_by = $2, updated_at = $3 WHERE id = $1`
	sqlSetFDDQuality   = `UPDATE fdds SET quality_score = $2, updated_at = $3 WHERE id = $1`

	sqlAddFDDTokens = `UPDATE fdds
		SET tokens_used = tokens_used + $2, cost_usd = cost_usd + $3, updated_at = $4
		WHERE id = $1 RETURNING tokens_used`

	sqlInsertSection = `INSERT INTO sections
		(id, fdd_id, item_no, start_page, end_page, extraction_status,
		 extraction_model, prompt_version, input_tokens, output_tokens,
		 attempt_count, needs_review, confidence, storage_path, extracted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	sqlSelectSection = `SELECT id, fdd_id, item_no, start_page, end_page, extraction_status,
		extraction_model, attempt_count, needs_review, confidence,
		storage_path, extracted_at
		FROM sections`

	sqlGetSection   = sqlSelectSection + ` WHERE id = $1`
	sqlListSections = sqlSelectSection + ` WHERE fdd_id = $1 ORDER BY item_no`

	sqlUpdateSection = `UPDATE sections
		SET start_page = $2, end_page = $3, extraction_status = $4,
		    extraction_model = $5, attempt_count = $6, needs_review = $7,
		    confidence = $8, storage_path = $9, extracted_at = $10
		WHERE id = $1`

	sqlSetSectionMeta = `UPDATE sections
		SET prompt_version = $2, input_tokens = $3, output_tokens = $4 WHERE id = $1`

	sqlUpsertItem5 = `INSERT INTO item5_fees
		(section_id, name, amount_cents, refundable, conditions)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (section_id, name) DO UPDATE SET
		amount_cents = EXCLUDED.amount_cents, refundable = EXCLUDED.refundable,
		conditions = EXCLUDED.conditions`

	sqlUpsertItem6 = `INSERT INTO item6_fees
		(section_id, name, amount_cents, amount_percentage, frequency, basis, min_cents, max_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (section_id, name) DO UPDATE SET
		amount_cents = EXCLUDED.amount_cents,
		amount_percentage = EXCLUDED.amount_percentage,
		frequency = EXCLUDED.frequency, basis = EXCLUDED.basis,
		min_cents = EXCLUDED.min_cents, max_cents = EXCLUDED.max_cents`

	sqlUpsertItem7 = `INSERT INTO item7_investment
		(section_id, category, low_cents, high_cents, when_due, to_whom)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (section_id, category) DO UPDATE SET
		low_cents = EXCLUDED.low_cents, high_cents = EXCLUDED.high_cents,
		when_due = EXCLUDED.when_due, to_whom = EXCLUDED.to_whom`

	sqlUpsertItem19 = `INSERT INTO item19_fpr
		(section_id, disclosure_type, sample_size, time_period, revenue, profit)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (section_id) DO UPDATE SET
		disclosure_type = EXCLUDED.disclosure_type,
		sample_size = EXCLUDED.sample_size, time_period = EXCLUDED.time_period,
		revenue = EXCLUDED.revenue, profit = EXCLUDED.profit`

	sqlUpsertItem20 = `INSERT INTO item20_outlets
		(section_id, fiscal_year, outlet_type, start_count, opened, closed,
		 transferred_in, transferred_out, end_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (section_id, fiscal_year, outlet_type) DO UPDATE SET
		start_count = EXCLUDED.start_count, opened = EXCLUDED.opened,
		closed = EXCLUDED.closed, transferred_in = EXCLUDED.transferred_in,
		transferred_out = EXCLUDED.transferred_out, end_count = EXCLUDED.end_count`

	sqlUpsertItem21 = `INSERT INTO item21_financials
		(section_id, fiscal_year, total_revenue_cents, operating_income_cents,
		 net_income_cents, total_assets_cents, total_liabilities_cents, total_equity_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (section_id, fiscal_year) DO UPDATE SET
		total_revenue_cents = EXCLUDED.total_revenue_cents,
		operating_income_cents = EXCLUDED.operating_income_cents,
		net_income_cents = EXCLUDED.net_income_cents,
		total_assets_cents = EXCLUDED.total_assets_cents,
		total_liabilities_cents = EXCLUDED.total_liabilities_cents,
		total_equity_cents = EXCLUDED.total_equity_cents`

	sqlUpsertGeneric = `INSERT INTO generic_items
		(section_id, item_no, schema_version, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (section_id) DO UPDATE SET
		item_no = EXCLUDED.item_no, schema_version = EXCLUDED.schema_version,
		payload = EXCLUDED.payload`

	sqlInsertValidationError = `INSERT INTO validation_errors
		(entity_type, entity_id, field_path, severity, category, actual, expected, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	sqlListValidationErrors = `SELECT field_path, severity, category, actual, expected, message
		FROM validation_errors WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at, field_path`

	sqlInsertBypass = `INSERT INTO bypasses
		(id, entity_type, entity_id, reason, created_by, created_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	sqlGetActiveBypass = `SELECT id, entity_type, entity_id, reason, created_by, created_at, revoked_at
		FROM bypasses WHERE entity_type = $1 AND entity_id = $2 AND revoked_at IS NULL
		ORDER BY created_at DESC LIMIT 1`

	sqlInsertRun = `INSERT INTO processing_runs (id, started_at) VALUES ($1, $2)`

	sqlFinishRun = `UPDATE processing_runs SET finished_at = $2, counts = $3 WHERE id = $1`
)

// fieldStatsQueries maps (item_no, field) to its aggregate query. Each query
// returns AVG(x), AVG(x*x), COUNT(*); the stores derive the population
// stddev from the two moments since SQLite has no stddev aggregate.
var fieldStatsQueries = map[int]map[string]string{
	5: {
		"amount_cents": statsQuery("amount_cents", "item5_fees"),
	},
	7: {
		"low_cents":  statsQuery("low_cents", "item7_investment"),
		"high_cents": statsQuery("high_cents", "item7_investment"),
	},
	21: {
		"total_revenue_cents": statsQuery("total_revenue_cents", "item21_financials"),
		"total_assets_cents":  statsQuery("total_assets_cents", "item21_financials"),
	},
}

func statsQuery(col, table string) string {
	x := "CAST(" + col + " AS DOUBLE PRECISION)"
	return `SELECT COALESCE(AVG(` + x + `), 0), COALESCE(AVG(` + x + ` * ` + x + `), 0), COUNT(*) FROM ` + table
}
