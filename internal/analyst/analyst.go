package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/josefeneto/fiscalia/internal/database"
	"github.com/josefeneto/fiscalia/internal/llm"
	"github.com/josefeneto/fiscalia/internal/logger"
	"github.com/josefeneto/fiscalia/internal/models"
)

// ErrLLMDisabled is returned for free-text questions when no provider is
// configured.
var ErrLLMDisabled = errors.New("free-text queries require an LLM provider")

const systemPrompt = `Você é um analista fiscal. Responda perguntas sobre os documentos
fiscais eletrônicos (NFe, NFCe, CTe, MDF-e) armazenados no sistema, usando
exclusivamente os dados fornecidos no contexto. Responda em português, de forma
objetiva. Quando os dados não permitirem responder, diga isso claramente.`

// Analyst answers questions about the ingested documents. Simple aggregate
// questions are answered straight from the store; anything else goes to the
// LLM with a data snapshot as context.
type Analyst struct {
	store database.Store
	llm   llm.Client
	log   *logger.Logger
}

func New(store database.Store, llmClient llm.Client, log *logger.Logger) *Analyst {
	return &Analyst{store: store, llm: llmClient, log: log}
}

// Answer resolves one question. The response always includes which path
// produced it so the dashboard can label LLM answers.
type Answer struct {
	Question string `json:"question"`
	Text     string `json:"answer"`
	Source   string `json:"source"` // "aggregate" or provider name
}

func (a *Analyst) Answer(ctx context.Context, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("question is empty")
	}

	if text, ok, err := a.tryCanned(ctx, question); err != nil {
		return nil, err
	} else if ok {
		return &Answer{Question: question, Text: text, Source: "aggregate"}, nil
	}

	if a.llm == nil {
		return nil, ErrLLMDisabled
	}

	snapshot, err := a.buildSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build data snapshot: %w", err)
	}

	user := fmt.Sprintf("Dados do sistema:\n%s\n\nPergunta: %s", snapshot, question)
	text, err := a.llm.GenerateText(ctx, systemPrompt, user)
	if err != nil {
		a.log.Error("llm query failed", "error", err)
		return nil, err
	}

	return &Answer{Question: question, Text: text, Source: a.llm.Provider()}, nil
}

// tryCanned handles the frequent aggregate questions without burning LLM
// calls: document totals and success rate.
func (a *Analyst) tryCanned(ctx context.Context, question string) (string, bool, error) {
	q := strings.ToLower(question)

	switch {
	case strings.Contains(q, "quantos documentos"), strings.Contains(q, "total de documentos"):
		stats, err := a.store.DocumentStats(ctx)
		if err != nil {
			return "", false, err
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "Existem %d documentos armazenados.", stats.TotalDocuments)
		for docType, count := range stats.ByType {
			fmt.Fprintf(&sb, " %s: %d.", docType, count)
		}
		return sb.String(), true, nil

	case strings.Contains(q, "taxa de sucesso"), strings.Contains(q, "quantos arquivos"):
		stats, err := a.store.ProcessingStats(ctx)
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("Foram processados %d arquivos: %d com sucesso e %d com insucesso (taxa de sucesso %.1f%%).",
			stats.TotalAttempts, stats.Successes, stats.Failures, stats.SuccessRate), true, nil
	}

	return "", false, nil
}

// snapshotDocument is the trimmed view of a document sent to the LLM.
type snapshotDocument struct {
	DocType     string  `json:"tipo"`
	AccessKey   string  `json:"chave_acesso"`
	Number      string  `json:"numero"`
	IssueDate   string  `json:"data_emissao"`
	IssuerName  string  `json:"emitente"`
	IssuerUF    string  `json:"uf_emitente,omitempty"`
	Recipient   string  `json:"destinatario,omitempty"`
	TotalAmount float64 `json:"valor_total"`
	ICMSAmount  float64 `json:"valor_icms,omitempty"`
}

const snapshotDocLimit = 50

// buildSnapshot serializes the aggregates plus the most recent documents.
// Bounded so the prompt stays within any provider's context window.
func (a *Analyst) buildSnapshot(ctx context.Context) (string, error) {
	docStats, err := a.store.DocumentStats(ctx)
	if err != nil {
		return "", err
	}
	procStats, err := a.store.ProcessingStats(ctx)
	if err != nil {
		return "", err
	}
	docs, err := a.store.ListDocuments(ctx, models.DocumentFilter{Limit: snapshotDocLimit})
	if err != nil {
		return "", err
	}

	recent := make([]snapshotDocument, 0, len(docs))
	for _, d := range docs {
		recent = append(recent, snapshotDocument{
			DocType:     d.DocType,
			AccessKey:   d.AccessKey,
			Number:      d.Number,
			IssueDate:   d.IssueDate.Format("2006-01-02"),
			IssuerName:  d.IssuerName,
			IssuerUF:    d.IssuerUF,
			Recipient:   d.RecipientName,
			TotalAmount: d.TotalAmount,
			ICMSAmount:  d.ICMSAmount,
		})
	}

	payload := map[string]any{
		"gerado_em":                  time.Now().UTC().Format(time.RFC3339),
		"estatisticas_documentos":    docStats,
		"estatisticas_processamento": procStats,
		"documentos_recentes":        recent,
	}

	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
