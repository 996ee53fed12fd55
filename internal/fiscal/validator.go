package fiscal

import (
	"fmt"
	"math"
	"regexp"

	"github.com/josefeneto/fiscalia/internal/models"
)

var (
	cnpjPattern      = regexp.MustCompile(`^\d{14}$`)
	cpfPattern       = regexp.MustCompile(`^\d{11}$`)
	accessKeyPattern = regexp.MustCompile(`^\d{44}$`)
	digitsPattern    = regexp.MustCompile(`^\d+$`)
)

// Rounding tolerance for monetary consistency checks.
const amountTolerance = 0.02

// ValidationReport separates hard errors (reject the document) from warnings
// (recorded but non-blocking).
type ValidationReport struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (r *ValidationReport) IsValid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationReport) errorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationReport) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks an extraction against the fiscal rules: access key format,
// tax ID check digits, mandatory fields, monetary consistency and item-level
// sanity. CTe and MDF-e skip the NFe-only item checks.
func Validate(ext *Extraction) *ValidationReport {
	report := &ValidationReport{}
	doc := &ext.Document

	// Metadata
	if doc.AccessKey == "" {
		report.errorf("chave de acesso ausente")
	} else if !accessKeyPattern.MatchString(doc.AccessKey) {
		report.errorf("chave de acesso inválida: %s", doc.AccessKey)
	}
	if doc.Number == "" || !digitsPattern.MatchString(doc.Number) {
		report.errorf("número do documento ausente ou inválido")
	}
	if doc.IssueDate.IsZero() {
		report.errorf("data de emissão ausente")
	}
	if doc.OperationType != "" && doc.OperationType != "0" && doc.OperationType != "1" {
		report.warnf("tipo de operação não reconhecido: %s", doc.OperationType)
	}

	// Issuer
	switch {
	case doc.IssuerCNPJ == "" && doc.IssuerCPF == "":
		report.errorf("emitente sem CNPJ ou CPF")
	case doc.IssuerCNPJ != "" && !ValidateCNPJ(doc.IssuerCNPJ):
		report.errorf("CNPJ do emitente inválido: %s", doc.IssuerCNPJ)
	case doc.IssuerCPF != "" && !ValidateCPF(doc.IssuerCPF):
		report.errorf("CPF do emitente inválido: %s", doc.IssuerCPF)
	}
	if len(doc.IssuerName) < 3 {
		report.errorf("razão social do emitente ausente ou inválida")
	}
	if doc.IssuerUF == "" {
		report.errorf("UF do emitente ausente")
	}
	if doc.IssuerIE == "" {
		report.warnf("inscrição estadual do emitente ausente")
	}

	// Recipient (may be a final consumer without tax ID)
	if doc.RecipientCNPJ != "" && !ValidateCNPJ(doc.RecipientCNPJ) {
		report.errorf("CNPJ do destinatário inválido: %s", doc.RecipientCNPJ)
	}
	if doc.RecipientCPF != "" && !ValidateCPF(doc.RecipientCPF) {
		report.errorf("CPF do destinatário inválido: %s", doc.RecipientCPF)
	}
	if doc.RecipientName == "" && doc.DocType != models.DocTypeMDFe {
		report.warnf("nome do destinatário ausente")
	}

	// Totals
	if doc.TotalAmount <= 0 {
		report.errorf("valor total do documento deve ser maior que zero")
	}

	if doc.DocType == models.DocTypeNFe || doc.DocType == models.DocTypeNFCe {
		validateNFeAmounts(doc.ProductsAmount, doc.DiscountAmount, doc.FreightAmount,
			doc.OtherAmount, doc.TotalAmount, report)
		validateItems(ext.Items, doc.ProductsAmount, report)
	}

	return report
}

func validateNFeAmounts(products, discount, freight, other, grandTotal float64, report *ValidationReport) {
	if products <= 0 {
		report.errorf("valor dos produtos deve ser maior que zero")
	}
	calculated := products - discount + freight + other
	if diff := math.Abs(grandTotal - calculated); diff > amountTolerance {
		report.warnf("divergência nos valores: total=%.2f calculado=%.2f diferença=%.2f",
			grandTotal, calculated, diff)
	}
}

func validateItems(items []Item, productsTotal float64, report *ValidationReport) {
	if len(items) == 0 {
		report.errorf("nota fiscal sem itens")
		return
	}

	var itemsSum float64
	for i, item := range items {
		n := i + 1
		if item.Code == "" {
			report.warnf("item %d: código do produto ausente", n)
		}
		if len(item.Description) < 3 {
			report.errorf("item %d: descrição inválida ou ausente", n)
		}
		switch {
		case item.NCM == "":
			report.warnf("item %d: NCM ausente", n)
		case !digitsPattern.MatchString(item.NCM) || len(item.NCM) != 8:
			report.warnf("item %d: NCM inválido: %s", n, item.NCM)
		}
		switch {
		case item.CFOP == "":
			report.warnf("item %d: CFOP ausente", n)
		case !digitsPattern.MatchString(item.CFOP) || len(item.CFOP) != 4:
			report.warnf("item %d: CFOP inválido: %s", n, item.CFOP)
		}
		if item.Quantity <= 0 {
			report.errorf("item %d: quantidade deve ser maior que zero", n)
		}
		if item.UnitPrice <= 0 {
			report.errorf("item %d: valor unitário deve ser maior que zero", n)
		}
		if item.TotalPrice <= 0 {
			report.errorf("item %d: valor total deve ser maior que zero", n)
		}
		if item.Quantity > 0 && item.UnitPrice > 0 {
			calculated := item.Quantity * item.UnitPrice
			if diff := math.Abs(item.TotalPrice - calculated); diff > amountTolerance {
				report.warnf("item %d: divergência no valor total (total=%.2f calculado=%.2f)",
					n, item.TotalPrice, calculated)
			}
		}
		itemsSum += item.TotalPrice
	}

	if diff := math.Abs(itemsSum - productsTotal); diff > amountTolerance {
		report.warnf("divergência: soma dos itens=%.2f valor dos produtos=%.2f",
			itemsSum, productsTotal)
	}
}

// ValidateCNPJ checks format and both check digits.
func ValidateCNPJ(cnpj string) bool {
	if !cnpjPattern.MatchString(cnpj) {
		return false
	}

	calcDigit := func(base string, weights []int) int {
		total := 0
		for i, w := range weights {
			total += int(base[i]-'0') * w
		}
		rest := total % 11
		if rest < 2 {
			return 0
		}
		return 11 - rest
	}

	weights1 := []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	if int(cnpj[12]-'0') != calcDigit(cnpj[:12], weights1) {
		return false
	}

	weights2 := []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	return int(cnpj[13]-'0') == calcDigit(cnpj[:13], weights2)
}

// ValidateCPF checks format, degenerate sequences and both check digits.
func ValidateCPF(cpf string) bool {
	if !cpfPattern.MatchString(cpf) {
		return false
	}

	same := true
	for i := 1; i < len(cpf); i++ {
		if cpf[i] != cpf[0] {
			same = false
			break
		}
	}
	if same {
		return false
	}

	calcDigit := func(base string, multiplier int) int {
		total := 0
		for i := 0; i < len(base); i++ {
			total += int(base[i]-'0') * (multiplier - i)
		}
		rest := total % 11
		if rest < 2 {
			return 0
		}
		return 11 - rest
	}

	if int(cpf[9]-'0') != calcDigit(cpf[:9], 10) {
		return false
	}
	return int(cpf[10]-'0') == calcDigit(cpf[:10], 11)
}
