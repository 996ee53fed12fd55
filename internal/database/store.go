package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/josefeneto/fiscalia/internal/models"
)

// ErrDuplicateDocument is returned when an insert collides with the unique
// index on chave_acesso or hash_arquivo.
var ErrDuplicateDocument = errors.New("document already exists")

// ErrNotFound is returned for lookups on missing rows.
var ErrNotFound = errors.New("record not found")

// Store is the persistence contract used by the ingestion pipeline and the
// dashboard handlers.
type Store interface {
	InsertDocument(ctx context.Context, doc *models.Document) (int64, error)
	DocumentExists(ctx context.Context, accessKey string) (bool, error)
	GetDocument(ctx context.Context, id int64) (*models.Document, error)
	ListDocuments(ctx context.Context, filter models.DocumentFilter) ([]*models.Document, error)
	MarkERPProcessed(ctx context.Context, id int64, user, notes string) error
	InsertResult(ctx context.Context, res *models.ProcessingResult) (int64, error)
	ListResults(ctx context.Context, filter models.ResultFilter) ([]*models.ProcessingResult, error)
	IsFileAlreadyProcessed(ctx context.Context, fileHash string) (bool, error)
	DocumentStats(ctx context.Context) (*models.DocumentStats, error)
	ProcessingStats(ctx context.Context) (*models.ProcessingStats, error)
}

// SQLStore implements Store over database/sql for both dialects.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	sb      sq.StatementBuilderType
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	placeholder := sq.PlaceholderFormat(sq.Question)
	if dialect == DialectPostgres {
		placeholder = sq.Dollar
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		sb:      sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
}

var docColumns = []string{
	"time_stamp", "path_nome_arquivo", "hash_arquivo",
	"tipo_documento", "modelo", "chave_acesso", "numero_nf", "serie",
	"data_emissao", "data_saida_entrada", "tipo_operacao", "natureza_operacao",
	"emitente_cnpj", "emitente_cpf", "emitente_nome", "emitente_nome_fantasia",
	"emitente_ie", "emitente_uf", "emitente_municipio",
	"destinatario_cnpj", "destinatario_cpf", "destinatario_nome",
	"destinatario_ie", "destinatario_uf", "destinatario_municipio",
	"valor_total", "valor_produtos", "valor_frete", "valor_seguro",
	"valor_desconto", "valor_outras_despesas",
	"base_calculo_icms", "valor_icms", "base_calculo_icms_st", "valor_icms_st",
	"valor_ipi", "valor_pis", "valor_cofins",
	"cfop", "informacoes_complementares",
	"erp_processado", "erp_data_processamento", "erp_usuario", "erp_observacoes",
}

func docValues(doc *models.Document) []interface{} {
	return []interface{}{
		doc.Timestamp, doc.FilePath, doc.FileHash,
		doc.DocType, doc.Model, doc.AccessKey, doc.Number, doc.Series,
		doc.IssueDate, doc.MovementDate, doc.OperationType, doc.OperationNature,
		doc.IssuerCNPJ, doc.IssuerCPF, doc.IssuerName, doc.IssuerTradeName,
		doc.IssuerIE, doc.IssuerUF, doc.IssuerCity,
		doc.RecipientCNPJ, doc.RecipientCPF, doc.RecipientName,
		doc.RecipientIE, doc.RecipientUF, doc.RecipientCity,
		doc.TotalAmount, doc.ProductsAmount, doc.FreightAmount, doc.InsuranceAmount,
		doc.DiscountAmount, doc.OtherAmount,
		doc.ICMSBase, doc.ICMSAmount, doc.ICMSSTBase, doc.ICMSSTAmount,
		doc.IPIAmount, doc.PISAmount, doc.COFINSAmount,
		doc.CFOP, doc.FiscalNotes,
		doc.ERPProcessed, doc.ERPProcessedAt, doc.ERPUser, doc.ERPNotes,
	}
}

// isUniqueViolation matches both dialects' unique constraint errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "constraint failed: docs_para_erp")
}

func (s *SQLStore) InsertDocument(ctx context.Context, doc *models.Document) (int64, error) {
	if doc.Timestamp.IsZero() {
		doc.Timestamp = time.Now().UTC()
	}

	builder := s.sb.Insert("docs_para_erp").Columns(docColumns...).Values(docValues(doc)...)

	if s.dialect == DialectPostgres {
		query, args, err := builder.Suffix("RETURNING numero_sequencial").ToSql()
		if err != nil {
			return 0, fmt.Errorf("error building document insert: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			if isUniqueViolation(err) {
				return 0, ErrDuplicateDocument
			}
			return 0, fmt.Errorf("error inserting document: %w", err)
		}
		return id, nil
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("error building document insert: %w", err)
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateDocument
		}
		return 0, fmt.Errorf("error inserting document: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("error reading inserted document id: %w", err)
	}
	return id, nil
}

func (s *SQLStore) DocumentExists(ctx context.Context, accessKey string) (bool, error) {
	query, args, err := s.sb.Select("numero_sequencial").
		From("docs_para_erp").
		Where(sq.Eq{"chave_acesso": accessKey}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("error building document lookup: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("error finding document by access key: %w", err)
	}
	return true, nil
}

func (s *SQLStore) IsFileAlreadyProcessed(ctx context.Context, fileHash string) (bool, error) {
	query, args, err := s.sb.Select("numero_sequencial").
		From("registo_resultados").
		Where(sq.Eq{"hash_arquivo": fileHash, "resultado": models.ResultSuccess}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("error building result lookup: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("error finding result by file hash: %w", err)
	}
	return true, nil
}

func (s *SQLStore) selectDocuments() sq.SelectBuilder {
	cols := append([]string{"numero_sequencial"}, docColumns...)
	return s.sb.Select(cols...).From("docs_para_erp")
}

func scanDocument(row sq.RowScanner) (*models.Document, error) {
	var (
		doc       models.Document
		model     sql.NullString
		series    sql.NullString
		moveDate  sql.NullTime
		opType    sql.NullString
		opNature  sql.NullString
		erpAt     sql.NullTime
		strFields = make([]sql.NullString, 13)
		numFields = make([]sql.NullFloat64, 12)
		cfop      sql.NullString
		notes     sql.NullString
		erpUser   sql.NullString
		erpNotes  sql.NullString
	)

	err := row.Scan(
		&doc.ID,
		&doc.Timestamp, &doc.FilePath, &doc.FileHash,
		&doc.DocType, &model, &doc.AccessKey, &doc.Number, &series,
		&doc.IssueDate, &moveDate, &opType, &opNature,
		&strFields[0], &strFields[1], &doc.IssuerName, &strFields[2],
		&strFields[3], &strFields[4], &strFields[5],
		&strFields[6], &strFields[7], &doc.RecipientName,
		&strFields[8], &strFields[9], &strFields[10],
		&doc.TotalAmount, &numFields[0], &numFields[1], &numFields[2],
		&numFields[3], &numFields[4],
		&numFields[5], &numFields[6], &numFields[7], &numFields[8],
		&numFields[9], &numFields[10], &numFields[11],
		&cfop, &notes,
		&doc.ERPProcessed, &erpAt, &erpUser, &erpNotes,
	)
	if err != nil {
		return nil, err
	}

	doc.Model = model.String
	doc.Series = series.String
	if moveDate.Valid {
		doc.MovementDate = &moveDate.Time
	}
	doc.OperationType = opType.String
	doc.OperationNature = opNature.String
	doc.IssuerCNPJ = strFields[0].String
	doc.IssuerCPF = strFields[1].String
	doc.IssuerTradeName = strFields[2].String
	doc.IssuerIE = strFields[3].String
	doc.IssuerUF = strFields[4].String
	doc.IssuerCity = strFields[5].String
	doc.RecipientCNPJ = strFields[6].String
	doc.RecipientCPF = strFields[7].String
	doc.RecipientIE = strFields[8].String
	doc.RecipientUF = strFields[9].String
	doc.RecipientCity = strFields[10].String
	doc.ProductsAmount = numFields[0].Float64
	doc.FreightAmount = numFields[1].Float64
	doc.InsuranceAmount = numFields[2].Float64
	doc.DiscountAmount = numFields[3].Float64
	doc.OtherAmount = numFields[4].Float64
	doc.ICMSBase = numFields[5].Float64
	doc.ICMSAmount = numFields[6].Float64
	doc.ICMSSTBase = numFields[7].Float64
	doc.ICMSSTAmount = numFields[8].Float64
	doc.IPIAmount = numFields[9].Float64
	doc.PISAmount = numFields[10].Float64
	doc.COFINSAmount = numFields[11].Float64
	doc.CFOP = cfop.String
	doc.FiscalNotes = notes.String
	if erpAt.Valid {
		doc.ERPProcessedAt = &erpAt.Time
	}
	doc.ERPUser = erpUser.String
	doc.ERPNotes = erpNotes.String

	return &doc, nil
}

func (s *SQLStore) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	query, args, err := s.selectDocuments().Where(sq.Eq{"numero_sequencial": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("error building document query: %w", err)
	}

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error querying document %d: %w", id, err)
	}
	return doc, nil
}

func (s *SQLStore) ListDocuments(ctx context.Context, filter models.DocumentFilter) ([]*models.Document, error) {
	builder := s.selectDocuments().OrderBy("data_emissao DESC", "numero_sequencial DESC")

	if filter.DocType != "" {
		builder = builder.Where(sq.Eq{"tipo_documento": filter.DocType})
	}
	if filter.IssueDateFrom != nil {
		builder = builder.Where(sq.GtOrEq{"data_emissao": *filter.IssueDateFrom})
	}
	if filter.IssueDateTo != nil {
		builder = builder.Where(sq.LtOrEq{"data_emissao": *filter.IssueDateTo})
	}
	if filter.IssuerCNPJ != "" {
		builder = builder.Where(sq.Eq{"emitente_cnpj": filter.IssuerCNPJ})
	}
	if filter.RecipientCNPJ != "" {
		builder = builder.Where(sq.Eq{"destinatario_cnpj": filter.RecipientCNPJ})
	}
	if filter.ERPProcessed != nil {
		builder = builder.Where(sq.Eq{"erp_processado": *filter.ERPProcessed})
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	builder = builder.Limit(uint64(limit))
	if filter.Offset > 0 {
		builder = builder.Offset(uint64(filter.Offset))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("error building document list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning document row: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating document rows: %w", err)
	}
	return docs, nil
}

func (s *SQLStore) MarkERPProcessed(ctx context.Context, id int64, user, notes string) error {
	query, args, err := s.sb.Update("docs_para_erp").
		Set("erp_processado", true).
		Set("erp_data_processamento", time.Now().UTC()).
		Set("erp_usuario", user).
		Set("erp_observacoes", notes).
		Where(sq.Eq{"numero_sequencial": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("error building erp update: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error marking document %d as processed: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error checking erp update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) InsertResult(ctx context.Context, res *models.ProcessingResult) (int64, error) {
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now().UTC()
	}

	builder := s.sb.Insert("registo_resultados").
		Columns("time_stamp", "path_nome_arquivo", "resultado", "causa", "tipo_arquivo", "tamanho_bytes", "hash_arquivo").
		Values(res.Timestamp, res.FilePath, res.Outcome, res.Cause, res.FileType, res.SizeBytes, res.FileHash)

	if s.dialect == DialectPostgres {
		query, args, err := builder.Suffix("RETURNING numero_sequencial").ToSql()
		if err != nil {
			return 0, fmt.Errorf("error building result insert: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("error inserting result: %w", err)
		}
		return id, nil
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("error building result insert: %w", err)
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("error inserting result: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("error reading inserted result id: %w", err)
	}
	return id, nil
}

func (s *SQLStore) ListResults(ctx context.Context, filter models.ResultFilter) ([]*models.ProcessingResult, error) {
	builder := s.sb.Select(
		"numero_sequencial", "time_stamp", "path_nome_arquivo",
		"resultado", "causa", "tipo_arquivo", "tamanho_bytes", "hash_arquivo",
	).From("registo_resultados").OrderBy("time_stamp DESC")

	if filter.Outcome != "" {
		builder = builder.Where(sq.Eq{"resultado": filter.Outcome})
	}
	if filter.From != nil {
		builder = builder.Where(sq.GtOrEq{"time_stamp": *filter.From})
	}
	if filter.To != nil {
		builder = builder.Where(sq.LtOrEq{"time_stamp": *filter.To})
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	builder = builder.Limit(uint64(limit))

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("error building result list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing results: %w", err)
	}
	defer rows.Close()

	var results []*models.ProcessingResult
	for rows.Next() {
		var (
			res       models.ProcessingResult
			cause     sql.NullString
			fileType  sql.NullString
			sizeBytes sql.NullInt64
			fileHash  sql.NullString
		)
		if err := rows.Scan(&res.ID, &res.Timestamp, &res.FilePath, &res.Outcome, &cause, &fileType, &sizeBytes, &fileHash); err != nil {
			return nil, fmt.Errorf("error scanning result row: %w", err)
		}
		res.Cause = cause.String
		res.FileType = fileType.String
		res.SizeBytes = sizeBytes.Int64
		res.FileHash = fileHash.String
		results = append(results, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating result rows: %w", err)
	}
	return results, nil
}

func (s *SQLStore) DocumentStats(ctx context.Context) (*models.DocumentStats, error) {
	stats := &models.DocumentStats{
		ByType:     make(map[string]int64),
		ByIssuerUF: make(map[string]int64),
	}

	query, args, err := s.sb.Select(
		"COUNT(*)",
		"COALESCE(SUM(valor_total), 0)",
		"COALESCE(SUM(valor_icms), 0)",
		"COALESCE(SUM(valor_ipi), 0)",
		"COALESCE(SUM(valor_pis), 0)",
		"COALESCE(SUM(valor_cofins), 0)",
	).From("docs_para_erp").ToSql()
	if err != nil {
		return nil, fmt.Errorf("error building stats query: %w", err)
	}
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalDocuments, &stats.TotalAmount, &stats.TotalICMS,
		&stats.TotalIPI, &stats.TotalPIS, &stats.TotalCOFINS,
	)
	if err != nil {
		return nil, fmt.Errorf("error querying document totals: %w", err)
	}

	if err := s.groupCount(ctx, "tipo_documento", stats.ByType); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, "emitente_uf", stats.ByIssuerUF); err != nil {
		return nil, err
	}

	query, args, err = s.sb.Select("COUNT(*)").
		From("docs_para_erp").
		Where(sq.Eq{"erp_processado": true}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("error building erp stats query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&stats.ERPProcessed); err != nil {
		return nil, fmt.Errorf("error querying erp processed count: %w", err)
	}
	stats.ERPPending = stats.TotalDocuments - stats.ERPProcessed

	return stats, nil
}

func (s *SQLStore) groupCount(ctx context.Context, column string, out map[string]int64) error {
	query, args, err := s.sb.Select(column, "COUNT(*)").
		From("docs_para_erp").
		GroupBy(column).
		ToSql()
	if err != nil {
		return fmt.Errorf("error building group query for %s: %w", column, err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("error grouping by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   sql.NullString
			count int64
		)
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("error scanning group row: %w", err)
		}
		if key.String != "" {
			out[key.String] = count
		}
	}
	return rows.Err()
}

func (s *SQLStore) ProcessingStats(ctx context.Context) (*models.ProcessingStats, error) {
	stats := &models.ProcessingStats{}

	query, args, err := s.sb.Select("resultado", "COUNT(*)").
		From("registo_resultados").
		GroupBy("resultado").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("error building processing stats query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying processing stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			outcome string
			count   int64
		)
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("error scanning processing stats row: %w", err)
		}
		switch outcome {
		case models.ResultSuccess:
			stats.Successes = count
		case models.ResultFailure:
			stats.Failures = count
		}
		stats.TotalAttempts += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating processing stats: %w", err)
	}

	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.TotalAttempts) * 100
	}
	return stats, nil
}
