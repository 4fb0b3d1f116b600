package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
)

// Fields whose values are personal data under KVKK. Values are replaced
// with a salted hash; tax numbers additionally keep a partial mask so
// support staff can correlate records without seeing the full number.
var sensitiveFields = map[string]struct{}{
	"email":          {},
	"contact_email":  {},
	"phone":          {},
	"contact_phone":  {},
	"address":        {},
	"iban":           {},
	"contact_person": {},
	"national_id":    {},
	"drawer_name":    {},
	"assigned_to":    {},
	"recipient_id":   {},
	"requested_by":   {},
}

var maskedFields = map[string]struct{}{
	"tax_number":              {},
	"counterparty_tax_number": {},
}

// RedactPayload replaces personal data in an audit payload with salted
// hashes. Invalid JSON is replaced wholesale by its hash.
func RedactPayload(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		payload := map[string]interface{}{
			"payload_hash":    hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	redactMap(doc, salt)
	b, _ := json.Marshal(doc)
	return b
}

func redactMap(doc map[string]interface{}, salt []byte) {
	for k, v := range doc {
		key := strings.ToLower(k)
		if _, ok := maskedFields[key]; ok {
			if s, ok := v.(string); ok {
				doc[k] = map[string]interface{}{
					"masked": models.MaskTaxNumber(s),
					"hash":   hashString(s, salt),
				}
				continue
			}
		}
		if _, ok := sensitiveFields[key]; ok {
			if s, ok := v.(string); ok {
				doc[k] = hashString(s, salt)
				continue
			}
		}
		switch child := v.(type) {
		case map[string]interface{}:
			redactMap(child, salt)
		case []interface{}:
			for _, item := range child {
				if m, ok := item.(map[string]interface{}); ok {
					redactMap(m, salt)
				}
			}
		}
	}
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
