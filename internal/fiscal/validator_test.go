package fiscal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/josefeneto/fiscalia/internal/models"
)

func validExtraction() *Extraction {
	return &Extraction{
		Document: models.Document{
			DocType:        models.DocTypeNFe,
			AccessKey:      "35240111222333000181550010000001231000001239",
			Number:         "123",
			IssueDate:      time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
			OperationType:  "1",
			IssuerCNPJ:     "11222333000181",
			IssuerName:     "Comercial Alfa Ltda",
			IssuerIE:       "123456789",
			IssuerUF:       "SP",
			RecipientCNPJ:  "11444777000161",
			RecipientName:  "Distribuidora Beta SA",
			TotalAmount:    50.0,
			ProductsAmount: 50.0,
		},
		Items: []Item{
			{Code: "P001", Description: "Parafuso sextavado", NCM: "73181500", CFOP: "5102",
				Quantity: 10, UnitPrice: 2.5, TotalPrice: 25.0},
			{Code: "P002", Description: "Porca sextavada", NCM: "73181600", CFOP: "5102",
				Quantity: 5, UnitPrice: 5.0, TotalPrice: 25.0},
		},
	}
}

func TestValidate_ValidDocument(t *testing.T) {
	report := Validate(validExtraction())
	assert.True(t, report.IsValid())
	assert.Empty(t, report.Errors)
	assert.Empty(t, report.Warnings)
}

func TestValidate_Metadata(t *testing.T) {
	t.Run("missing access key", func(t *testing.T) {
		ext := validExtraction()
		ext.Document.AccessKey = ""
		report := Validate(ext)
		assert.False(t, report.IsValid())
		assert.Contains(t, report.Errors[0], "chave de acesso")
	})

	t.Run("short access key", func(t *testing.T) {
		ext := validExtraction()
		ext.Document.AccessKey = "12345"
		assert.False(t, Validate(ext).IsValid())
	})

	t.Run("missing issue date", func(t *testing.T) {
		ext := validExtraction()
		ext.Document.IssueDate = time.Time{}
		assert.False(t, Validate(ext).IsValid())
	})

	t.Run("unknown operation type warns only", func(t *testing.T) {
		ext := validExtraction()
		ext.Document.OperationType = "7"
		report := Validate(ext)
		assert.True(t, report.IsValid())
		assert.NotEmpty(t, report.Warnings)
	})
}

func TestValidate_Parties(t *testing.T) {
	t.Run("issuer without tax id", func(t *testing.T) {
		ext := validExtraction()
		ext.Document.IssuerCNPJ = ""
		assert.False(t, Validate(ext).IsValid())
	})

	t.Run("invalid issuer cnpj check digit", func(t *testing.T) {
		ext := validExtraction()
		ext.Document.IssuerCNPJ = "11222333000182"
		assert.False(t, Validate(ext).IsValid())
	})

	t.Run("recipient without tax id is allowed", func(t *testing.T) {
		ext := validExtraction()
		ext.Document.RecipientCNPJ = ""
		assert.True(t, Validate(ext).IsValid())
	})

	t.Run("missing issuer IE warns only", func(t *testing.T) {
		ext := validExtraction()
		ext.Document.IssuerIE = ""
		report := Validate(ext)
		assert.True(t, report.IsValid())
		assert.NotEmpty(t, report.Warnings)
	})
}

func TestValidate_Amounts(t *testing.T) {
	t.Run("zero total", func(t *testing.T) {
		ext := validExtraction()
		ext.Document.TotalAmount = 0
		assert.False(t, Validate(ext).IsValid())
	})

	t.Run("total within tolerance", func(t *testing.T) {
		ext := validExtraction()
		ext.Document.TotalAmount = 50.01
		report := Validate(ext)
		assert.True(t, report.IsValid())
		assert.Empty(t, report.Warnings)
	})

	t.Run("total divergence warns", func(t *testing.T) {
		ext := validExtraction()
		ext.Document.TotalAmount = 60.0
		ext.Document.FreightAmount = 0
		report := Validate(ext)
		assert.True(t, report.IsValid())
		assert.NotEmpty(t, report.Warnings)
	})

	t.Run("discount and freight enter the calculation", func(t *testing.T) {
		ext := validExtraction()
		ext.Document.DiscountAmount = 5.0
		ext.Document.FreightAmount = 10.0
		ext.Document.TotalAmount = 55.0
		report := Validate(ext)
		assert.True(t, report.IsValid())
		assert.Empty(t, report.Warnings)
	})
}

func TestValidate_Items(t *testing.T) {
	t.Run("nfe without items", func(t *testing.T) {
		ext := validExtraction()
		ext.Items = nil
		assert.False(t, Validate(ext).IsValid())
	})

	t.Run("cte without items is fine", func(t *testing.T) {
		ext := validExtraction()
		ext.Document.DocType = models.DocTypeCTe
		ext.Document.CFOP = "5353"
		ext.Items = nil
		assert.True(t, Validate(ext).IsValid())
	})

	t.Run("zero quantity", func(t *testing.T) {
		ext := validExtraction()
		ext.Items[0].Quantity = 0
		assert.False(t, Validate(ext).IsValid())
	})

	t.Run("bad NCM warns only", func(t *testing.T) {
		ext := validExtraction()
		ext.Items[0].NCM = "99"
		report := Validate(ext)
		assert.True(t, report.IsValid())
		assert.NotEmpty(t, report.Warnings)
	})

	t.Run("item total divergence warns", func(t *testing.T) {
		ext := validExtraction()
		ext.Items[0].TotalPrice = 30.0
		ext.Items[1].TotalPrice = 20.0
		report := Validate(ext)
		assert.True(t, report.IsValid())
		assert.NotEmpty(t, report.Warnings)
	})
}

func TestValidateCNPJ(t *testing.T) {
	assert.True(t, ValidateCNPJ("11222333000181"))
	assert.True(t, ValidateCNPJ("11444777000161"))
	assert.False(t, ValidateCNPJ("11222333000180"))
	assert.False(t, ValidateCNPJ("1122233300018"))
	assert.False(t, ValidateCNPJ("1122233300018a"))
	assert.False(t, ValidateCNPJ(""))
}

func TestValidateCPF(t *testing.T) {
	assert.True(t, ValidateCPF("52998224725"))
	assert.False(t, ValidateCPF("52998224724"))
	assert.False(t, ValidateCPF("11111111111"))
	assert.False(t, ValidateCPF("5299822472"))
	assert.False(t, ValidateCPF(""))
}
