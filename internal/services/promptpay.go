// internal/services/promptpay.go
package services

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PromptPay payloads follow the EMVCo merchant-presented QR layout used by
// Thai banking apps.
const (
	promptPayAID         = "A000000677010111"
	promptPayCurrencyTHB = "764"
	promptPayCountry     = "TH"
)

func emvField(tag, value string) string {
	return fmt.Sprintf("%s%02d%s", tag, len(value), value)
}

// promptPayAccountField picks the sub-tag for the receiving id: mobile
// numbers are rewritten to the 0066 international form.
func promptPayAccountField(account string) (string, error) {
	switch len(account) {
	case 10:
		if !strings.HasPrefix(account, "0") {
			return "", fmt.Errorf("invalid promptpay mobile number")
		}
		return emvField("01", "0066"+account[1:]), nil
	case 13:
		return emvField("02", account), nil
	case 15:
		return emvField("03", account), nil
	default:
		return "", fmt.Errorf("invalid promptpay id length %d", len(account))
	}
}

// promptPayReference derives the bill reference printed into the payload
// from the transaction id.
func promptPayReference(txID uuid.UUID) string {
	ref := strings.ToUpper(strings.ReplaceAll(txID.String(), "-", ""))
	return ref[:20]
}

// BuildPromptPayPayload returns the QR payload for paying amount (THB) to
// account, tagged with reference.
func BuildPromptPayPayload(account string, amount float64, reference string) (string, error) {
	accountField, err := promptPayAccountField(account)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(emvField("00", "01"))
	if amount > 0 {
		b.WriteString(emvField("01", "12"))
	} else {
		b.WriteString(emvField("01", "11"))
	}
	b.WriteString(emvField("29", emvField("00", promptPayAID)+accountField))
	b.WriteString(emvField("53", promptPayCurrencyTHB))
	if amount > 0 {
		b.WriteString(emvField("54", fmt.Sprintf("%.2f", amount)))
	}
	b.WriteString(emvField("58", promptPayCountry))
	if reference != "" {
		b.WriteString(emvField("62", emvField("05", reference)))
	}
	b.WriteString("6304")

	payload := b.String()
	return payload + fmt.Sprintf("%04X", crc16CCITT([]byte(payload))), nil
}

// crc16CCITT is CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF).
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
