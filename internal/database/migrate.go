package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema: two tables. docs_para_erp holds one row per extracted fiscal
// document (chave_acesso unique), registo_resultados is the append-only audit
// log of processing attempts.

const sqliteResultsTable = `
CREATE TABLE IF NOT EXISTS registo_resultados (
	numero_sequencial INTEGER PRIMARY KEY AUTOINCREMENT,
	time_stamp TIMESTAMP NOT NULL,
	path_nome_arquivo TEXT NOT NULL,
	resultado VARCHAR(50) NOT NULL,
	causa TEXT,
	tipo_arquivo VARCHAR(20),
	tamanho_bytes INTEGER,
	hash_arquivo VARCHAR(64)
);
`

const sqliteDocsTable = `
CREATE TABLE IF NOT EXISTS docs_para_erp (
	numero_sequencial INTEGER PRIMARY KEY AUTOINCREMENT,
	time_stamp TIMESTAMP NOT NULL,
	path_nome_arquivo TEXT NOT NULL,
	hash_arquivo VARCHAR(64) NOT NULL,
	tipo_documento VARCHAR(20) NOT NULL,
	modelo VARCHAR(10),
	chave_acesso VARCHAR(44) NOT NULL,
	numero_nf VARCHAR(20) NOT NULL,
	serie VARCHAR(10),
	data_emissao DATE NOT NULL,
	data_saida_entrada DATE,
	tipo_operacao VARCHAR(1),
	natureza_operacao VARCHAR(200),
	emitente_cnpj VARCHAR(14),
	emitente_cpf VARCHAR(11),
	emitente_nome VARCHAR(200) NOT NULL,
	emitente_nome_fantasia VARCHAR(200),
	emitente_ie VARCHAR(20),
	emitente_uf VARCHAR(2),
	emitente_municipio VARCHAR(100),
	destinatario_cnpj VARCHAR(14),
	destinatario_cpf VARCHAR(11),
	destinatario_nome VARCHAR(200) NOT NULL,
	destinatario_ie VARCHAR(20),
	destinatario_uf VARCHAR(2),
	destinatario_municipio VARCHAR(100),
	valor_total NUMERIC(15, 2) NOT NULL,
	valor_produtos NUMERIC(15, 2),
	valor_frete NUMERIC(15, 2),
	valor_seguro NUMERIC(15, 2),
	valor_desconto NUMERIC(15, 2),
	valor_outras_despesas NUMERIC(15, 2),
	base_calculo_icms NUMERIC(15, 2),
	valor_icms NUMERIC(15, 2),
	base_calculo_icms_st NUMERIC(15, 2),
	valor_icms_st NUMERIC(15, 2),
	valor_ipi NUMERIC(15, 2),
	valor_pis NUMERIC(15, 2),
	valor_cofins NUMERIC(15, 2),
	cfop VARCHAR(10),
	informacoes_complementares TEXT,
	erp_processado BOOLEAN NOT NULL DEFAULT 0,
	erp_data_processamento TIMESTAMP,
	erp_usuario VARCHAR(100),
	erp_observacoes TEXT
);
`

const postgresResultsTable = `
CREATE TABLE IF NOT EXISTS registo_resultados (
	numero_sequencial BIGSERIAL PRIMARY KEY,
	time_stamp TIMESTAMP NOT NULL,
	path_nome_arquivo TEXT NOT NULL,
	resultado VARCHAR(50) NOT NULL,
	causa TEXT,
	tipo_arquivo VARCHAR(20),
	tamanho_bytes BIGINT,
	hash_arquivo VARCHAR(64)
);
`

const postgresDocsTable = `
CREATE TABLE IF NOT EXISTS docs_para_erp (
	numero_sequencial BIGSERIAL PRIMARY KEY,
	time_stamp TIMESTAMP NOT NULL,
	path_nome_arquivo TEXT NOT NULL,
	hash_arquivo VARCHAR(64) NOT NULL,
	tipo_documento VARCHAR(20) NOT NULL,
	modelo VARCHAR(10),
	chave_acesso VARCHAR(44) NOT NULL,
	numero_nf VARCHAR(20) NOT NULL,
	serie VARCHAR(10),
	data_emissao DATE NOT NULL,
	data_saida_entrada DATE,
	tipo_operacao VARCHAR(1),
	natureza_operacao VARCHAR(200),
	emitente_cnpj VARCHAR(14),
	emitente_cpf VARCHAR(11),
	emitente_nome VARCHAR(200) NOT NULL,
	emitente_nome_fantasia VARCHAR(200),
	emitente_ie VARCHAR(20),
	emitente_uf VARCHAR(2),
	emitente_municipio VARCHAR(100),
	destinatario_cnpj VARCHAR(14),
	destinatario_cpf VARCHAR(11),
	destinatario_nome VARCHAR(200) NOT NULL,
	destinatario_ie VARCHAR(20),
	destinatario_uf VARCHAR(2),
	destinatario_municipio VARCHAR(100),
	valor_total NUMERIC(15, 2) NOT NULL,
	valor_produtos NUMERIC(15, 2),
	valor_frete NUMERIC(15, 2),
	valor_seguro NUMERIC(15, 2),
	valor_desconto NUMERIC(15, 2),
	valor_outras_despesas NUMERIC(15, 2),
	base_calculo_icms NUMERIC(15, 2),
	valor_icms NUMERIC(15, 2),
	base_calculo_icms_st NUMERIC(15, 2),
	valor_icms_st NUMERIC(15, 2),
	valor_ipi NUMERIC(15, 2),
	valor_pis NUMERIC(15, 2),
	valor_cofins NUMERIC(15, 2),
	cfop VARCHAR(10),
	informacoes_complementares TEXT,
	erp_processado BOOLEAN NOT NULL DEFAULT FALSE,
	erp_data_processamento TIMESTAMP,
	erp_usuario VARCHAR(100),
	erp_observacoes TEXT
);
`

var indexStatements = []string{
	// Re-processing the same fiscal document must not duplicate a row.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_docs_chave_acesso ON docs_para_erp (chave_acesso);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_docs_hash_arquivo ON docs_para_erp (hash_arquivo);`,
	`CREATE INDEX IF NOT EXISTS idx_docs_tipo_data ON docs_para_erp (tipo_documento, data_emissao);`,
	`CREATE INDEX IF NOT EXISTS idx_docs_emitente_data ON docs_para_erp (emitente_cnpj, data_emissao);`,
	`CREATE INDEX IF NOT EXISTS idx_docs_destinatario_data ON docs_para_erp (destinatario_cnpj, data_emissao);`,
	`CREATE INDEX IF NOT EXISTS idx_docs_erp_processado ON docs_para_erp (erp_processado, data_emissao);`,
	// Time-range queries over the audit log use this index.
	`CREATE INDEX IF NOT EXISTS idx_registo_timestamp ON registo_resultados (time_stamp);`,
	`CREATE INDEX IF NOT EXISTS idx_registo_resultado_timestamp ON registo_resultados (resultado, time_stamp);`,
}

// Migrate creates both tables and all indexes, idempotently. Statements run
// one at a time; the pgx driver's extended protocol rejects multi-statement
// batches.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	tables := []string{sqliteResultsTable, sqliteDocsTable}
	if dialect == DialectPostgres {
		tables = []string{postgresResultsTable, postgresDocsTable}
	}

	for _, stmt := range append(tables, indexStatements...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error applying schema statement: %w", err)
		}
	}

	return nil
}
