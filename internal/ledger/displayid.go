package ledger

import (
	"strings"

	"github.com/google/uuid"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/models"
)

// ShortIDs derives short display ids from random UUIDs, e.g. "AC-3F9A1C".
// Short ids collide now and then; Ledger retries.
type ShortIDs struct {
	Length int
}

func (g ShortIDs) Next(kind models.EntityKind) string {
	n := g.Length
	if n <= 0 || n > 32 {
		n = 6
	}
	prefix := "AC-"
	if kind == models.KindEntry {
		prefix = "TX-"
	}
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + strings.ToUpper(raw[:n])
}
