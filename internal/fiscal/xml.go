package fiscal

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/josefeneto/fiscalia/internal/models"
)

// ErrUnsupportedDocument is returned for XML roots that are not a known
// fiscal document class.
var ErrUnsupportedDocument = errors.New("unsupported fiscal document")

// Item is one det/prod entry of an NFe.
type Item struct {
	Number      string  `json:"number"`
	Code        string  `json:"code"`
	EAN         string  `json:"ean,omitempty"`
	Description string  `json:"description"`
	NCM         string  `json:"ncm,omitempty"`
	CFOP        string  `json:"cfop,omitempty"`
	Unit        string  `json:"unit,omitempty"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	TotalPrice  float64 `json:"total_price"`
}

// Extraction is the structured output of parsing one fiscal XML.
type Extraction struct {
	Document models.Document
	Items    []Item
}

// Parse reads a fiscal XML (NFe, NFCe, CTe or MDF-e, with or without the
// authorization wrapper) and extracts the fields persisted to docs_para_erp.
// Element matching is namespace-agnostic: SEFAZ XMLs circulate both with and
// without the portalfiscal namespace.
func Parse(content []byte) (*Extraction, error) {
	root, err := rootElement(content)
	if err != nil {
		return nil, fmt.Errorf("invalid XML: %w", err)
	}

	switch strings.ToLower(root) {
	case "nfeproc", "nfe":
		return parseNFe(content)
	case "cteproc", "cte":
		return parseCTe(content)
	case "mdfeproc", "mdfe":
		return parseMDFe(content)
	default:
		return nil, fmt.Errorf("%w: root element <%s>", ErrUnsupportedDocument, root)
	}
}

func rootElement(content []byte) (string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(content))
	for {
		token, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return "", errors.New("no root element")
			}
			return "", err
		}
		if start, ok := token.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

// ---- NFe / NFCe ----

type nfeEnvelope struct {
	NFe  nfeNode  `xml:"NFe"`
	Prot protNode `xml:"protNFe"`
}

type nfeNode struct {
	InfNFe infNFe `xml:"infNFe"`
}

type infNFe struct {
	ID      string  `xml:"Id,attr"`
	Ide     ideNode `xml:"ide"`
	Emit    party   `xml:"emit"`
	Dest    party   `xml:"dest"`
	Det     []det   `xml:"det"`
	Total   total   `xml:"total"`
	InfAdic infAdic `xml:"infAdic"`
}

type ideNode struct {
	Mod      string `xml:"mod"`
	Serie    string `xml:"serie"`
	NNF      string `xml:"nNF"`
	NatOp    string `xml:"natOp"`
	TpNF     string `xml:"tpNF"`
	DhEmi    string `xml:"dhEmi"`
	DEmi     string `xml:"dEmi"`
	DhSaiEnt string `xml:"dhSaiEnt"`
	DSaiEnt  string `xml:"dSaiEnt"`
}

type party struct {
	CNPJ      string   `xml:"CNPJ"`
	CPF       string   `xml:"CPF"`
	XNome     string   `xml:"xNome"`
	XFant     string   `xml:"xFant"`
	IE        string   `xml:"IE"`
	EnderEmit *address `xml:"enderEmit"`
	EnderDest *address `xml:"enderDest"`
}

type address struct {
	XMun string `xml:"xMun"`
	UF   string `xml:"UF"`
}

func (p party) addr() address {
	if p.EnderEmit != nil {
		return *p.EnderEmit
	}
	if p.EnderDest != nil {
		return *p.EnderDest
	}
	return address{}
}

type det struct {
	NItem string `xml:"nItem,attr"`
	Prod  prod   `xml:"prod"`
}

type prod struct {
	CProd  string `xml:"cProd"`
	CEAN   string `xml:"cEAN"`
	XProd  string `xml:"xProd"`
	NCM    string `xml:"NCM"`
	CFOP   string `xml:"CFOP"`
	UCom   string `xml:"uCom"`
	QCom   string `xml:"qCom"`
	VUnCom string `xml:"vUnCom"`
	VProd  string `xml:"vProd"`
}

type total struct {
	ICMSTot icmsTot `xml:"ICMSTot"`
}

type icmsTot struct {
	VBC     string `xml:"vBC"`
	VICMS   string `xml:"vICMS"`
	VBCST   string `xml:"vBCST"`
	VST     string `xml:"vST"`
	VProd   string `xml:"vProd"`
	VFrete  string `xml:"vFrete"`
	VSeg    string `xml:"vSeg"`
	VDesc   string `xml:"vDesc"`
	VOutro  string `xml:"vOutro"`
	VIPI    string `xml:"vIPI"`
	VPIS    string `xml:"vPIS"`
	VCOFINS string `xml:"vCOFINS"`
	VNF     string `xml:"vNF"`
}

type infAdic struct {
	InfCpl     string `xml:"infCpl"`
	InfAdFisco string `xml:"infAdFisco"`
}

type protNode struct {
	InfProt infProt `xml:"infProt"`
}

type infProt struct {
	ChNFe  string `xml:"chNFe"`
	ChCTe  string `xml:"chCTe"`
	ChMDFe string `xml:"chMDFe"`
}

func parseNFe(content []byte) (*Extraction, error) {
	var env nfeEnvelope
	node := &env.NFe
	if err := xml.Unmarshal(content, &env); err != nil {
		return nil, fmt.Errorf("error decoding NFe: %w", err)
	}
	if env.NFe.InfNFe.ID == "" && env.NFe.InfNFe.Ide.NNF == "" {
		// Bare <NFe> root: the envelope decode leaves everything empty.
		var bare nfeNode
		if err := xml.Unmarshal(content, &bare); err != nil {
			return nil, fmt.Errorf("error decoding NFe: %w", err)
		}
		node = &bare
	}

	inf := node.InfNFe
	docType := models.DocTypeNFe
	if inf.Ide.Mod == "65" {
		docType = models.DocTypeNFCe
	}

	accessKey := env.Prot.InfProt.ChNFe
	if accessKey == "" {
		accessKey = strings.TrimPrefix(inf.ID, "NFe")
	}

	issueDate := parseDate(firstNonEmpty(inf.Ide.DhEmi, inf.Ide.DEmi))
	movementDate := parseDatePtr(firstNonEmpty(inf.Ide.DhSaiEnt, inf.Ide.DSaiEnt))

	emitAddr := inf.Emit.addr()
	destAddr := inf.Dest.addr()

	doc := models.Document{
		DocType:         docType,
		Model:           inf.Ide.Mod,
		AccessKey:       accessKey,
		Number:          inf.Ide.NNF,
		Series:          inf.Ide.Serie,
		IssueDate:       issueDate,
		MovementDate:    movementDate,
		OperationType:   inf.Ide.TpNF,
		OperationNature: inf.Ide.NatOp,
		IssuerCNPJ:      inf.Emit.CNPJ,
		IssuerCPF:       inf.Emit.CPF,
		IssuerName:      inf.Emit.XNome,
		IssuerTradeName: inf.Emit.XFant,
		IssuerIE:        inf.Emit.IE,
		IssuerUF:        emitAddr.UF,
		IssuerCity:      emitAddr.XMun,
		RecipientCNPJ:   inf.Dest.CNPJ,
		RecipientCPF:    inf.Dest.CPF,
		RecipientName:   inf.Dest.XNome,
		RecipientIE:     inf.Dest.IE,
		RecipientUF:     destAddr.UF,
		RecipientCity:   destAddr.XMun,
		TotalAmount:     parseDecimal(inf.Total.ICMSTot.VNF),
		ProductsAmount:  parseDecimal(inf.Total.ICMSTot.VProd),
		FreightAmount:   parseDecimal(inf.Total.ICMSTot.VFrete),
		InsuranceAmount: parseDecimal(inf.Total.ICMSTot.VSeg),
		DiscountAmount:  parseDecimal(inf.Total.ICMSTot.VDesc),
		OtherAmount:     parseDecimal(inf.Total.ICMSTot.VOutro),
		ICMSBase:        parseDecimal(inf.Total.ICMSTot.VBC),
		ICMSAmount:      parseDecimal(inf.Total.ICMSTot.VICMS),
		ICMSSTBase:      parseDecimal(inf.Total.ICMSTot.VBCST),
		ICMSSTAmount:    parseDecimal(inf.Total.ICMSTot.VST),
		IPIAmount:       parseDecimal(inf.Total.ICMSTot.VIPI),
		PISAmount:       parseDecimal(inf.Total.ICMSTot.VPIS),
		COFINSAmount:    parseDecimal(inf.Total.ICMSTot.VCOFINS),
		FiscalNotes:     joinNotes(inf.InfAdic.InfCpl, inf.InfAdic.InfAdFisco),
	}

	items := make([]Item, 0, len(inf.Det))
	for _, d := range inf.Det {
		items = append(items, Item{
			Number:      d.NItem,
			Code:        d.Prod.CProd,
			EAN:         d.Prod.CEAN,
			Description: d.Prod.XProd,
			NCM:         d.Prod.NCM,
			CFOP:        d.Prod.CFOP,
			Unit:        d.Prod.UCom,
			Quantity:    parseDecimal(d.Prod.QCom),
			UnitPrice:   parseDecimal(d.Prod.VUnCom),
			TotalPrice:  parseDecimal(d.Prod.VProd),
		})
	}
	// The document-level CFOP is the first item's (the "main" CFOP).
	if len(items) > 0 {
		doc.CFOP = items[0].CFOP
	}

	return &Extraction{Document: doc, Items: items}, nil
}

// ---- CTe ----

type cteEnvelope struct {
	CTe  cteNode  `xml:"CTe"`
	Prot protNode `xml:"protCTe"`
}

type cteNode struct {
	InfCte infCte `xml:"infCte"`
}

type infCte struct {
	ID     string    `xml:"Id,attr"`
	Ide    cteIde    `xml:"ide"`
	Emit   party     `xml:"emit"`
	Dest   party     `xml:"dest"`
	VPrest cteVPrest `xml:"vPrest"`
}

type cteIde struct {
	Mod   string `xml:"mod"`
	Serie string `xml:"serie"`
	NCT   string `xml:"nCT"`
	NatOp string `xml:"natOp"`
	CFOP  string `xml:"CFOP"`
	DhEmi string `xml:"dhEmi"`
}

type cteVPrest struct {
	VTPrest string `xml:"vTPrest"`
	VRec    string `xml:"vRec"`
}

func parseCTe(content []byte) (*Extraction, error) {
	var env cteEnvelope
	if err := xml.Unmarshal(content, &env); err != nil {
		return nil, fmt.Errorf("error decoding CTe: %w", err)
	}
	node := env.CTe
	if node.InfCte.ID == "" && node.InfCte.Ide.NCT == "" {
		var bare cteNode
		if err := xml.Unmarshal(content, &bare); err != nil {
			return nil, fmt.Errorf("error decoding CTe: %w", err)
		}
		node = bare
	}

	inf := node.InfCte
	accessKey := env.Prot.InfProt.ChCTe
	if accessKey == "" {
		accessKey = strings.TrimPrefix(inf.ID, "CTe")
	}

	emitAddr := inf.Emit.addr()
	destAddr := inf.Dest.addr()

	doc := models.Document{
		DocType:         models.DocTypeCTe,
		Model:           firstNonEmpty(inf.Ide.Mod, "57"),
		AccessKey:       accessKey,
		Number:          inf.Ide.NCT,
		Series:          inf.Ide.Serie,
		IssueDate:       parseDate(inf.Ide.DhEmi),
		OperationNature: inf.Ide.NatOp,
		CFOP:            inf.Ide.CFOP,
		IssuerCNPJ:      inf.Emit.CNPJ,
		IssuerName:      inf.Emit.XNome,
		IssuerTradeName: inf.Emit.XFant,
		IssuerIE:        inf.Emit.IE,
		IssuerUF:        emitAddr.UF,
		IssuerCity:      emitAddr.XMun,
		RecipientCNPJ:   inf.Dest.CNPJ,
		RecipientCPF:    inf.Dest.CPF,
		RecipientName:   inf.Dest.XNome,
		RecipientIE:     inf.Dest.IE,
		RecipientUF:     destAddr.UF,
		RecipientCity:   destAddr.XMun,
		TotalAmount:     parseDecimal(firstNonEmpty(inf.VPrest.VTPrest, inf.VPrest.VRec)),
	}

	return &Extraction{Document: doc}, nil
}

// ---- MDF-e ----

type mdfeEnvelope struct {
	MDFe mdfeNode `xml:"MDFe"`
	Prot protNode `xml:"protMDFe"`
}

type mdfeNode struct {
	InfMDFe infMDFe `xml:"infMDFe"`
}

type infMDFe struct {
	ID   string  `xml:"Id,attr"`
	Ide  mdfeIde `xml:"ide"`
	Emit party   `xml:"emit"`
	Tot  mdfeTot `xml:"tot"`
}

type mdfeIde struct {
	Mod   string `xml:"mod"`
	Serie string `xml:"serie"`
	NMDF  string `xml:"nMDF"`
	DhEmi string `xml:"dhEmi"`
}

type mdfeTot struct {
	VCarga string `xml:"vCarga"`
}

func parseMDFe(content []byte) (*Extraction, error) {
	var env mdfeEnvelope
	if err := xml.Unmarshal(content, &env); err != nil {
		return nil, fmt.Errorf("error decoding MDFe: %w", err)
	}
	node := env.MDFe
	if node.InfMDFe.ID == "" && node.InfMDFe.Ide.NMDF == "" {
		var bare mdfeNode
		if err := xml.Unmarshal(content, &bare); err != nil {
			return nil, fmt.Errorf("error decoding MDFe: %w", err)
		}
		node = bare
	}

	inf := node.InfMDFe
	accessKey := env.Prot.InfProt.ChMDFe
	if accessKey == "" {
		accessKey = strings.TrimPrefix(inf.ID, "MDFe")
	}

	emitAddr := inf.Emit.addr()

	doc := models.Document{
		DocType:         models.DocTypeMDFe,
		Model:           firstNonEmpty(inf.Ide.Mod, "58"),
		AccessKey:       accessKey,
		Number:          inf.Ide.NMDF,
		Series:          inf.Ide.Serie,
		IssueDate:       parseDate(inf.Ide.DhEmi),
		IssuerCNPJ:      inf.Emit.CNPJ,
		IssuerName:      inf.Emit.XNome,
		IssuerTradeName: inf.Emit.XFant,
		IssuerIE:        inf.Emit.IE,
		IssuerUF:        emitAddr.UF,
		IssuerCity:      emitAddr.XMun,
		TotalAmount:     parseDecimal(inf.Tot.VCarga),
	}

	return &Extraction{Document: doc}, nil
}

// ---- helpers ----

// parseDate accepts both SEFAZ date shapes: 2024-01-15T10:30:00-03:00 and
// 2024-01-15. Only the date part is persisted.
func parseDate(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if idx := strings.Index(value, "T"); idx > 0 {
		value = value[:idx]
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseDatePtr(value string) *time.Time {
	t := parseDate(value)
	if t.IsZero() {
		return nil
	}
	return &t
}

func parseDecimal(value string) float64 {
	if value == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return f
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func joinNotes(notes ...string) string {
	var parts []string
	for _, n := range notes {
		if strings.TrimSpace(n) != "" {
			parts = append(parts, strings.TrimSpace(n))
		}
	}
	return strings.Join(parts, "\n")
}
