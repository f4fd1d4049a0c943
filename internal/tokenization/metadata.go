package tokenization

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"

	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/factora/internal/invoice/domain"
)

// SupplyScale is the number of token units minted per unit of invoice amount.
const SupplyScale = 10_000_000

const metadataTimeLayout = "2006-01-02T15:04:05.000Z"

// Metadata is the canonical document whose digest becomes the invoice's
// metadata hash. Field order is part of the hash.
type Metadata struct {
	InvoiceID     string  `json:"invoiceId"`
	InvoiceNumber string  `json:"invoiceNumber"`
	SMBID         string  `json:"smbId"`
	BuyerID       *string `json:"buyerId"`
	BuyerName     string  `json:"buyerName"`
	TotalAmount   string  `json:"totalAmount"`
	Currency      string  `json:"currency"`
	DueDate       string  `json:"dueDate"`
	IssueDate     string  `json:"issueDate"`
	DiscountRate  string  `json:"discountRate"`
}

func NewMetadata(inv *invoicedomain.Invoice) Metadata {
	return Metadata{
		InvoiceID:     inv.ID.String(),
		InvoiceNumber: inv.InvoiceNumber,
		SMBID:         inv.SMBID.String(),
		BuyerID:       inv.BuyerID,
		BuyerName:     inv.BuyerName,
		TotalAmount:   decimal.NewFromInt(inv.TotalAmount).String(),
		Currency:      inv.Currency,
		DueDate:       inv.DueDate.UTC().Format(metadataTimeLayout),
		IssueDate:     inv.IssueDate.UTC().Format(metadataTimeLayout),
		DiscountRate:  inv.DiscountRate.String(),
	}
}

// Digest returns the SHA-256 of the serialized metadata.
func (m Metadata) Digest() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// Hash is the hex form of Digest, as stored in metadata_hash.
func (m Metadata) Hash() (string, error) {
	digest, err := m.Digest()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest), nil
}

// TotalSupply scales an invoice amount into token units.
func TotalSupply(totalAmount int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(totalAmount), big.NewInt(SupplyScale))
}

// PricePerToken is the discounted price of one token in token units:
// round(10^7 × (100 − rate) / 100).
func PricePerToken(rate decimal.Decimal) *big.Int {
	hundred := decimal.NewFromInt(100)
	return decimal.NewFromInt(SupplyScale).
		Mul(hundred.Sub(rate)).
		Div(hundred).
		Round(0).
		BigInt()
}
