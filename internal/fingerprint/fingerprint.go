// Package fingerprint derives the content hash that identifies one version
// of a ticket. The same content at the same update time always hashes the
// same, across processes and restarts.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"shipline/internal/domain"
	"shipline/internal/validate"
)

// ShortPrefix starts every short fingerprint.
const ShortPrefix = "fp_"

const shortLen = 8

type Input struct {
	TicketKey          string
	LastUpdated        time.Time
	Status             string
	AcceptanceCriteria string
	Description        string
}

// Build hashes the labeled fields in a fixed order. Free text is normalized
// first so formatting noise does not change the result. Each value carries
// its byte length, so no field can spill into the next.
func Build(in Input) domain.Fingerprint {
	var b strings.Builder
	for _, f := range [][2]string{
		{"ticketKey", in.TicketKey},
		{"lastUpdated", in.LastUpdated.UTC().Format(time.RFC3339Nano)},
		{"status", in.Status},
		{"acceptanceCriteria", validate.Normalize(in.AcceptanceCriteria)},
		{"description", validate.Normalize(in.Description)},
	} {
		fmt.Fprintf(&b, "%s=%d:%s\n", f[0], len(f[1]), f[1])
	}
	sum := sha256.Sum256([]byte(b.String()))
	full := hex.EncodeToString(sum[:])
	return domain.Fingerprint{Full: full, Short: Short(full)}
}

// FromTicket fingerprints t using the acceptance criteria already extracted
// by validation.
func FromTicket(t domain.Ticket, acceptanceCriteria string) domain.Fingerprint {
	return Build(Input{
		TicketKey:          t.Key,
		LastUpdated:        t.Updated,
		Status:             t.Status,
		AcceptanceCriteria: acceptanceCriteria,
		Description:        t.Description,
	})
}

// Short returns the display form of a full hex digest.
func Short(full string) string {
	if len(full) < shortLen {
		return ShortPrefix + full
	}
	return ShortPrefix + full[:shortLen]
}
