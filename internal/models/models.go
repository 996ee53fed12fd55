package models

import (
	"fmt"
	"sync"
	"time"
)

// Fiscal document classes handled by the pipeline.
const (
	DocTypeNFe     = "NFe"
	DocTypeNFCe    = "NFCe"
	DocTypeCTe     = "CTe"
	DocTypeMDFe    = "MDFe"
	DocTypeUnknown = "Desconhecido"
)

// Processing outcomes recorded in registo_resultados.
const (
	ResultSuccess = "Sucesso"
	ResultFailure = "Insucesso"
)

// Document is one row of docs_para_erp: a fiscal document successfully
// extracted for ERP hand-off. AccessKey is the 44-digit SEFAZ identifier and
// is globally unique.
type Document struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	FilePath  string    `json:"file_path"`
	FileHash  string    `json:"file_hash"`

	DocType string `json:"doc_type"`
	Model   string `json:"model"`

	AccessKey       string     `json:"access_key"`
	Number          string     `json:"number"`
	Series          string     `json:"series"`
	IssueDate       time.Time  `json:"issue_date"`
	MovementDate    *time.Time `json:"movement_date,omitempty"`
	OperationType   string     `json:"operation_type"`   // 0=entrada, 1=saida
	OperationNature string     `json:"operation_nature"` // natOp

	IssuerCNPJ      string `json:"issuer_cnpj,omitempty"`
	IssuerCPF       string `json:"issuer_cpf,omitempty"`
	IssuerName      string `json:"issuer_name"`
	IssuerTradeName string `json:"issuer_trade_name,omitempty"`
	IssuerIE        string `json:"issuer_ie,omitempty"`
	IssuerUF        string `json:"issuer_uf,omitempty"`
	IssuerCity      string `json:"issuer_city,omitempty"`
	RecipientCNPJ   string `json:"recipient_cnpj,omitempty"`
	RecipientCPF    string `json:"recipient_cpf,omitempty"`
	RecipientName   string `json:"recipient_name"`
	RecipientIE     string `json:"recipient_ie,omitempty"`
	RecipientUF     string `json:"recipient_uf,omitempty"`
	RecipientCity   string `json:"recipient_city,omitempty"`

	TotalAmount     float64 `json:"total_amount"`
	ProductsAmount  float64 `json:"products_amount"`
	FreightAmount   float64 `json:"freight_amount"`
	InsuranceAmount float64 `json:"insurance_amount"`
	DiscountAmount  float64 `json:"discount_amount"`
	OtherAmount     float64 `json:"other_amount"`

	ICMSBase     float64 `json:"icms_base"`
	ICMSAmount   float64 `json:"icms_amount"`
	ICMSSTBase   float64 `json:"icms_st_base"`
	ICMSSTAmount float64 `json:"icms_st_amount"`
	IPIAmount    float64 `json:"ipi_amount"`
	PISAmount    float64 `json:"pis_amount"`
	COFINSAmount float64 `json:"cofins_amount"`

	CFOP        string `json:"cfop,omitempty"`
	FiscalNotes string `json:"fiscal_notes,omitempty"`

	ERPProcessed   bool       `json:"erp_processed"`
	ERPProcessedAt *time.Time `json:"erp_processed_at,omitempty"`
	ERPUser        string     `json:"erp_user,omitempty"`
	ERPNotes       string     `json:"erp_notes,omitempty"`
}

// ProcessingResult is one row of registo_resultados: the audit record for a
// single file-processing attempt. Append-only.
type ProcessingResult struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	FilePath  string    `json:"file_path"`
	Outcome   string    `json:"outcome"`
	Cause     string    `json:"cause,omitempty"`
	FileType  string    `json:"file_type,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	FileHash  string    `json:"file_hash,omitempty"`
}

// DocumentFilter narrows ListDocuments.
type DocumentFilter struct {
	DocType       string
	IssueDateFrom *time.Time
	IssueDateTo   *time.Time
	IssuerCNPJ    string
	RecipientCNPJ string
	ERPProcessed  *bool
	Limit         int
	Offset        int
}

// ResultFilter narrows ListResults.
type ResultFilter struct {
	Outcome string
	From    *time.Time
	To      *time.Time
	Limit   int
}

// DocumentStats aggregates docs_para_erp for the dashboard.
type DocumentStats struct {
	TotalDocuments int64            `json:"total_documents"`
	ByType         map[string]int64 `json:"by_type"`
	ByIssuerUF     map[string]int64 `json:"by_issuer_uf"`
	TotalAmount    float64          `json:"total_amount"`
	TotalICMS      float64          `json:"total_icms"`
	TotalIPI       float64          `json:"total_ipi"`
	TotalPIS       float64          `json:"total_pis"`
	TotalCOFINS    float64          `json:"total_cofins"`
	ERPProcessed   int64            `json:"erp_processed"`
	ERPPending     int64            `json:"erp_pending"`
}

// ProcessingStats aggregates registo_resultados.
type ProcessingStats struct {
	TotalAttempts int64   `json:"total_attempts"`
	Successes     int64   `json:"successes"`
	Failures      int64   `json:"failures"`
	SuccessRate   float64 `json:"success_rate"`
}

// FileJob is a unit of work dispatched to the parser workers.
type FileJob struct {
	FilePath  string
	FileHash  string
	SizeBytes int64
}

// AppError carries a pipeline failure with enough context to record the
// rejection cause against the source file.
type AppError struct {
	FilePath string
	Message  string
	Err      error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s - %v", e.FilePath, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.FilePath, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// FileErrorMap accumulates per-file errors across workers.
type FileErrorMap struct {
	Errors map[string][]AppError
	Mu     sync.Mutex
}

// Add appends an error for a file, bounded to keep a malformed file from
// flooding memory.
func (m *FileErrorMap) Add(err AppError) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Errors[err.FilePath]) < 100 {
		m.Errors[err.FilePath] = append(m.Errors[err.FilePath], err)
	}
}

// Get returns the recorded errors for a file.
func (m *FileErrorMap) Get(path string) []AppError {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Errors[path]
}

// PipelineChannels wires the ingestion workers together.
type PipelineChannels struct {
	Jobs    chan FileJob
	Results chan *Document
	Errors  chan AppError
}

// PipelineWaitGroups tracks each worker tier.
type PipelineWaitGroups struct {
	ParserWg *sync.WaitGroup
	DbWg     *sync.WaitGroup
	MainWg   *sync.WaitGroup
}
